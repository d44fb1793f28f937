// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PostgresStore implements Store using PostgreSQL. The consume path runs
// inside a transaction with a row lock on the single caller record, so
// concurrent requests for the same key serialize while different keys
// proceed independently.
type PostgresStore struct {
	db     *sql.DB
	limits *PlanLimits
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB, limits *PlanLimits) *PostgresStore {
	if limits == nil {
		limits = DefaultPlanLimits()
	}
	return &PostgresStore{db: db, limits: limits}
}

// EnsureSchema creates the quota tables if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const q = `
		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT 'FREE',
			bonus INTEGER NOT NULL DEFAULT 0 CHECK (bonus >= 0),
			daily_consumed INTEGER NOT NULL DEFAULT 0 CHECK (daily_consumed >= 0),
			last_reset_date TEXT NOT NULL,
			bonus_granted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS anonymous_usage (
			ip_address TEXT NOT NULL,
			usage_date TEXT NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0 CHECK (usage_count >= 0),
			PRIMARY KEY (ip_address, usage_date)
		);
	`
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Consume(ctx context.Context, key CallerKey, plan Plan, today string) (Decision, error) {
	if key.Kind == CallerAnonymous {
		return s.consumeAnon(ctx, key.ID, today, true)
	}
	return s.consumeAccount(ctx, key.ID, plan, today, true)
}

func (s *PostgresStore) Status(ctx context.Context, key CallerKey, plan Plan, today string) (Decision, error) {
	if key.Kind == CallerAnonymous {
		return s.consumeAnon(ctx, key.ID, today, false)
	}
	return s.consumeAccount(ctx, key.ID, plan, today, false)
}

// consumeAccount is the atomic read → reset → check → increment for an
// account record. With increment false it only applies the reset and
// reports state.
func (s *PostgresStore) consumeAccount(ctx context.Context, id string, plan Plan, today string, increment bool) (Decision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := s.lockAccount(ctx, tx, id)
	if errors.Is(err, sql.ErrNoRows) {
		// First touch: provision with the presented plan and no bonus.
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO accounts (id, plan, last_reset_date) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO NOTHING`,
			id, string(plan), today,
		); err != nil {
			return Decision{}, fmt.Errorf("failed to provision account: %w", err)
		}
		rec, err = s.lockAccount(ctx, tx, id)
	}
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load account: %w", err)
	}

	dailyLimit := s.limits.DailyLimit(rec.Plan)
	wasReset := rec.LastResetDate != today
	applyReset(&rec, dailyLimit, today)

	ceiling := dailyLimit + rec.Bonus
	allowed := rec.DailyConsumed < ceiling
	if allowed && increment {
		rec.DailyConsumed++
	}

	if wasReset || (allowed && increment) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts
			 SET bonus = $2, daily_consumed = $3, last_reset_date = $4, updated_at = now()
			 WHERE id = $1`,
			id, rec.Bonus, rec.DailyConsumed, rec.LastResetDate,
		); err != nil {
			return Decision{}, fmt.Errorf("failed to update account usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("failed to commit usage: %w", err)
	}

	return Decision{Allowed: allowed, Plan: rec.Plan, Used: rec.DailyConsumed, Limit: ceiling}, nil
}

func (s *PostgresStore) lockAccount(ctx context.Context, tx *sql.Tx, id string) (CallerRecord, error) {
	rec := CallerRecord{Key: CallerKey{Kind: CallerAccount, ID: id}}
	var plan string
	err := tx.QueryRowContext(ctx,
		`SELECT plan, bonus, daily_consumed, last_reset_date, bonus_granted
		 FROM accounts WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&plan, &rec.Bonus, &rec.DailyConsumed, &rec.LastResetDate, &rec.BonusGranted)
	if err != nil {
		return rec, err
	}
	rec.Plan = Plan(plan)
	return rec, nil
}

func (s *PostgresStore) consumeAnon(ctx context.Context, ip, today string, increment bool) (Decision, error) {
	limit := s.limits.DailyLimit(PlanAnonymous)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	count, err := s.lockAnon(ctx, tx, ip, today)
	if errors.Is(err, sql.ErrNoRows) {
		// SELECT FOR UPDATE on a missing row locks nothing, so concurrent
		// first-of-day requests would all count from zero. Provision a
		// zero row first and re-select so every caller serializes on a
		// real row lock, same as the account path.
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO anonymous_usage (ip_address, usage_date, usage_count)
			 VALUES ($1, $2, 0)
			 ON CONFLICT (ip_address, usage_date) DO NOTHING`,
			ip, today,
		); err != nil {
			return Decision{}, fmt.Errorf("failed to provision anonymous usage: %w", err)
		}
		count, err = s.lockAnon(ctx, tx, ip, today)
	}
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load anonymous usage: %w", err)
	}

	allowed := count < limit
	if allowed && increment {
		count++
		if _, err := tx.ExecContext(ctx,
			`UPDATE anonymous_usage SET usage_count = $3
			 WHERE ip_address = $1 AND usage_date = $2`,
			ip, today, count,
		); err != nil {
			return Decision{}, fmt.Errorf("failed to update anonymous usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("failed to commit usage: %w", err)
	}

	return Decision{Allowed: allowed, Plan: PlanAnonymous, Used: count, Limit: limit}, nil
}

func (s *PostgresStore) lockAnon(ctx context.Context, tx *sql.Tx, ip, today string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT usage_count FROM anonymous_usage
		 WHERE ip_address = $1 AND usage_date = $2 FOR UPDATE`,
		ip, today,
	).Scan(&count)
	return count, err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, accountID, email string, today string) (CallerRecord, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, plan, last_reset_date) VALUES ($1, $2, $3, $4)`,
		accountID, email, string(PlanFree), today,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return CallerRecord{}, ErrAccountExists
		}
		return CallerRecord{}, fmt.Errorf("failed to create account: %w", err)
	}
	return CallerRecord{
		Key:           CallerKey{Kind: CallerAccount, ID: accountID},
		Plan:          PlanFree,
		LastResetDate: today,
	}, nil
}

func (s *PostgresStore) SetPlan(ctx context.Context, accountID string, plan Plan) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET plan = $2, updated_at = now() WHERE id = $1`,
		accountID, string(plan),
	)
	if err != nil {
		return fmt.Errorf("failed to set plan: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) GrantBonus(ctx context.Context, accountID string, amount int) (CallerRecord, error) {
	// Conditional update keyed on bonus_granted makes the grant one-shot
	// even under duplicate signup events.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CallerRecord{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := s.lockAccount(ctx, tx, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return CallerRecord{}, ErrAccountNotFound
	}
	if err != nil {
		return CallerRecord{}, fmt.Errorf("failed to load account: %w", err)
	}
	if rec.BonusGranted {
		return rec, ErrBonusAlreadyGranted
	}

	rec.Bonus += amount
	rec.BonusGranted = true
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET bonus = $2, bonus_granted = TRUE, updated_at = now() WHERE id = $1`,
		accountID, rec.Bonus,
	); err != nil {
		return CallerRecord{}, fmt.Errorf("failed to grant bonus: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return CallerRecord{}, fmt.Errorf("failed to commit bonus grant: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) PurgeAnonymousBefore(ctx context.Context, date string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM anonymous_usage WHERE usage_date < $1`, date,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge anonymous usage: %w", err)
	}
	return result.RowsAffected()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
