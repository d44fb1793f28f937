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

// MySQLStore implements Store using MySQL. Same row-locked transaction
// shape as PostgresStore, with MySQL placeholders and upsert syntax.
type MySQLStore struct {
	db     *sql.DB
	limits *PlanLimits
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore creates a MySQL-backed store.
func NewMySQLStore(db *sql.DB, limits *PlanLimits) *MySQLStore {
	if limits == nil {
		limits = DefaultPlanLimits()
	}
	return &MySQLStore{db: db, limits: limits}
}

// EnsureSchema creates the quota tables if they don't exist.
func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id VARCHAR(128) PRIMARY KEY,
			email VARCHAR(255) NOT NULL DEFAULT '',
			plan VARCHAR(16) NOT NULL DEFAULT 'FREE',
			bonus INT NOT NULL DEFAULT 0,
			daily_consumed INT NOT NULL DEFAULT 0,
			last_reset_date VARCHAR(10) NOT NULL,
			bonus_granted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS anonymous_usage (
			ip_address VARCHAR(64) NOT NULL,
			usage_date VARCHAR(10) NOT NULL,
			usage_count INT NOT NULL DEFAULT 0,
			PRIMARY KEY (ip_address, usage_date)
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) Consume(ctx context.Context, key CallerKey, plan Plan, today string) (Decision, error) {
	if key.Kind == CallerAnonymous {
		return s.consumeAnon(ctx, key.ID, today, true)
	}
	return s.consumeAccount(ctx, key.ID, plan, today, true)
}

func (s *MySQLStore) Status(ctx context.Context, key CallerKey, plan Plan, today string) (Decision, error) {
	if key.Kind == CallerAnonymous {
		return s.consumeAnon(ctx, key.ID, today, false)
	}
	return s.consumeAccount(ctx, key.ID, plan, today, false)
}

func (s *MySQLStore) consumeAccount(ctx context.Context, id string, plan Plan, today string, increment bool) (Decision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := s.lockAccount(ctx, tx, id)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err = tx.ExecContext(ctx,
			`INSERT IGNORE INTO accounts (id, plan, last_reset_date) VALUES (?, ?, ?)`,
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
			`UPDATE accounts SET bonus = ?, daily_consumed = ?, last_reset_date = ? WHERE id = ?`,
			rec.Bonus, rec.DailyConsumed, rec.LastResetDate, id,
		); err != nil {
			return Decision{}, fmt.Errorf("failed to update account usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("failed to commit usage: %w", err)
	}

	return Decision{Allowed: allowed, Plan: rec.Plan, Used: rec.DailyConsumed, Limit: ceiling}, nil
}

func (s *MySQLStore) lockAccount(ctx context.Context, tx *sql.Tx, id string) (CallerRecord, error) {
	rec := CallerRecord{Key: CallerKey{Kind: CallerAccount, ID: id}}
	var plan string
	err := tx.QueryRowContext(ctx,
		`SELECT plan, bonus, daily_consumed, last_reset_date, bonus_granted
		 FROM accounts WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&plan, &rec.Bonus, &rec.DailyConsumed, &rec.LastResetDate, &rec.BonusGranted)
	if err != nil {
		return rec, err
	}
	rec.Plan = Plan(plan)
	return rec, nil
}

func (s *MySQLStore) consumeAnon(ctx context.Context, ip, today string, increment bool) (Decision, error) {
	limit := s.limits.DailyLimit(PlanAnonymous)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	count, err := s.lockAnon(ctx, tx, ip, today)
	if errors.Is(err, sql.ErrNoRows) {
		// Missing rows take no row lock under FOR UPDATE, so provision a
		// zero row and re-select before checking, same as the account
		// path. INSERT IGNORE serializes concurrent first touches on the
		// primary key.
		if _, err = tx.ExecContext(ctx,
			`INSERT IGNORE INTO anonymous_usage (ip_address, usage_date, usage_count)
			 VALUES (?, ?, 0)`,
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
			`UPDATE anonymous_usage SET usage_count = ?
			 WHERE ip_address = ? AND usage_date = ?`,
			count, ip, today,
		); err != nil {
			return Decision{}, fmt.Errorf("failed to update anonymous usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("failed to commit usage: %w", err)
	}

	return Decision{Allowed: allowed, Plan: PlanAnonymous, Used: count, Limit: limit}, nil
}

func (s *MySQLStore) lockAnon(ctx context.Context, tx *sql.Tx, ip, today string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT usage_count FROM anonymous_usage
		 WHERE ip_address = ? AND usage_date = ? FOR UPDATE`,
		ip, today,
	).Scan(&count)
	return count, err
}

func (s *MySQLStore) CreateAccount(ctx context.Context, accountID, email string, today string) (CallerRecord, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, plan, last_reset_date) VALUES (?, ?, ?, ?)`,
		accountID, email, string(PlanFree), today,
	)
	if err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
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

func (s *MySQLStore) SetPlan(ctx context.Context, accountID string, plan Plan) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET plan = ? WHERE id = ?`,
		string(plan), accountID,
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

func (s *MySQLStore) GrantBonus(ctx context.Context, accountID string, amount int) (CallerRecord, error) {
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
		`UPDATE accounts SET bonus = ?, bonus_granted = TRUE WHERE id = ?`,
		rec.Bonus, accountID,
	); err != nil {
		return CallerRecord{}, fmt.Errorf("failed to grant bonus: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return CallerRecord{}, fmt.Errorf("failed to commit bonus grant: %w", err)
	}
	return rec, nil
}

func (s *MySQLStore) PurgeAnonymousBefore(ctx context.Context, date string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM anonymous_usage WHERE usage_date < ?`, date,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge anonymous usage: %w", err)
	}
	return result.RowsAffected()
}

func (s *MySQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}
