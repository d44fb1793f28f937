// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

package entitlement

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-instance
// deployments. The map lock is held only for lookup; the read-modify-write
// runs under a per-record lock so callers never contend with each other.
type MemoryStore struct {
	limits *PlanLimits

	mu       sync.Mutex
	accounts map[string]*memoryAccount
	anon     map[string]*memoryAnon
}

type memoryAccount struct {
	mu    sync.Mutex
	email string
	rec   CallerRecord
}

type memoryAnon struct {
	mu    sync.Mutex
	date  string
	count int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(limits *PlanLimits) *MemoryStore {
	if limits == nil {
		limits = DefaultPlanLimits()
	}
	return &MemoryStore{
		limits:   limits,
		accounts: make(map[string]*memoryAccount),
		anon:     make(map[string]*memoryAnon),
	}
}

func (s *MemoryStore) account(id string, plan Plan, today string, provision bool) *memoryAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		if !provision {
			return nil
		}
		acct = &memoryAccount{rec: CallerRecord{
			Key:           CallerKey{Kind: CallerAccount, ID: id},
			Plan:          plan,
			LastResetDate: today,
		}}
		s.accounts[id] = acct
	}
	return acct
}

func (s *MemoryStore) anonRow(ip string) *memoryAnon {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.anon[ip]
	if !ok {
		row = &memoryAnon{}
		s.anon[ip] = row
	}
	return row
}

// applyReset zeroes daily consumption on day rollover and draws the
// previous day's overflow down from the lifetime bonus. Must be called
// with the record lock held.
func applyReset(rec *CallerRecord, dailyLimit int, today string) {
	if rec.LastResetDate == today {
		return
	}
	if overflow := rec.DailyConsumed - dailyLimit; overflow > 0 {
		rec.Bonus -= overflow
		if rec.Bonus < 0 {
			rec.Bonus = 0
		}
	}
	rec.DailyConsumed = 0
	rec.LastResetDate = today
}

func (s *MemoryStore) Consume(ctx context.Context, key CallerKey, plan Plan, today string) (Decision, error) {
	if key.Kind == CallerAnonymous {
		return s.consumeAnon(key.ID, today)
	}

	acct := s.account(key.ID, plan, today, true)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	dailyLimit := s.limits.DailyLimit(acct.rec.Plan)
	applyReset(&acct.rec, dailyLimit, today)

	ceiling := dailyLimit + acct.rec.Bonus
	if acct.rec.DailyConsumed >= ceiling {
		return Decision{Allowed: false, Plan: acct.rec.Plan, Used: acct.rec.DailyConsumed, Limit: ceiling}, nil
	}
	acct.rec.DailyConsumed++
	return Decision{Allowed: true, Plan: acct.rec.Plan, Used: acct.rec.DailyConsumed, Limit: ceiling}, nil
}

func (s *MemoryStore) consumeAnon(ip, today string) (Decision, error) {
	row := s.anonRow(ip)
	row.mu.Lock()
	defer row.mu.Unlock()

	if row.date != today {
		row.date = today
		row.count = 0
	}
	limit := s.limits.DailyLimit(PlanAnonymous)
	if row.count >= limit {
		return Decision{Allowed: false, Plan: PlanAnonymous, Used: row.count, Limit: limit}, nil
	}
	row.count++
	return Decision{Allowed: true, Plan: PlanAnonymous, Used: row.count, Limit: limit}, nil
}

func (s *MemoryStore) Status(ctx context.Context, key CallerKey, plan Plan, today string) (Decision, error) {
	if key.Kind == CallerAnonymous {
		row := s.anonRow(key.ID)
		row.mu.Lock()
		defer row.mu.Unlock()
		if row.date != today {
			row.date = today
			row.count = 0
		}
		limit := s.limits.DailyLimit(PlanAnonymous)
		return Decision{Allowed: row.count < limit, Plan: PlanAnonymous, Used: row.count, Limit: limit}, nil
	}

	acct := s.account(key.ID, plan, today, true)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	dailyLimit := s.limits.DailyLimit(acct.rec.Plan)
	applyReset(&acct.rec, dailyLimit, today)
	ceiling := dailyLimit + acct.rec.Bonus
	return Decision{Allowed: acct.rec.DailyConsumed < ceiling, Plan: acct.rec.Plan, Used: acct.rec.DailyConsumed, Limit: ceiling}, nil
}

func (s *MemoryStore) CreateAccount(ctx context.Context, accountID, email string, today string) (CallerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; ok {
		return CallerRecord{}, ErrAccountExists
	}
	acct := &memoryAccount{
		email: email,
		rec: CallerRecord{
			Key:           CallerKey{Kind: CallerAccount, ID: accountID},
			Plan:          PlanFree,
			LastResetDate: today,
		},
	}
	s.accounts[accountID] = acct
	return acct.rec, nil
}

func (s *MemoryStore) SetPlan(ctx context.Context, accountID string, plan Plan) error {
	acct := s.account(accountID, plan, "", false)
	if acct == nil {
		return ErrAccountNotFound
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.rec.Plan = plan
	return nil
}

func (s *MemoryStore) GrantBonus(ctx context.Context, accountID string, amount int) (CallerRecord, error) {
	acct := s.account(accountID, PlanFree, "", false)
	if acct == nil {
		return CallerRecord{}, ErrAccountNotFound
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if acct.rec.BonusGranted {
		return acct.rec, ErrBonusAlreadyGranted
	}
	acct.rec.Bonus += amount
	acct.rec.BonusGranted = true
	return acct.rec, nil
}

func (s *MemoryStore) PurgeAnonymousBefore(ctx context.Context, date string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for ip, row := range s.anon {
		if row.date < date {
			delete(s.anon, ip)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
