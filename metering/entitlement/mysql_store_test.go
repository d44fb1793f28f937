// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMySQLMock(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewMySQLStore(db, nil), mock
}

func TestMySQLConsumeAllowed(t *testing.T) {
	store, mock := newMySQLMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT plan, bonus, daily_consumed, last_reset_date, bonus_granted`).
		WithArgs("user-1").
		WillReturnRows(accountRows("FREE", 0, 0, "2026-09-01", false))
	mock.ExpectExec(`UPDATE accounts SET bonus`).
		WithArgs(0, 1, "2026-09-01", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	dec, err := store.Consume(context.Background(), accountKey("user-1"), PlanFree, "2026-09-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.Allowed || dec.Used != 1 {
		t.Errorf("decision = %+v, want allowed 1/5", dec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMySQLConsumeAnon(t *testing.T) {
	store, mock := newMySQLMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT usage_count FROM anonymous_usage`).
		WithArgs("203.0.113.7", "2026-09-01").
		WillReturnRows(sqlmock.NewRows([]string{"usage_count"}).AddRow(4))
	mock.ExpectExec(`UPDATE anonymous_usage SET usage_count`).
		WithArgs(5, "203.0.113.7", "2026-09-01").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	dec, err := store.Consume(context.Background(), anonKey("203.0.113.7"), PlanAnonymous, "2026-09-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.Allowed || dec.Used != 5 {
		t.Errorf("decision = %+v, want allowed 5/5", dec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// First touch provisions a zero row with INSERT IGNORE and re-selects
// under the row lock before checking the limit.
func TestMySQLConsumeAnonFirstTouchProvisions(t *testing.T) {
	store, mock := newMySQLMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT usage_count FROM anonymous_usage`).
		WithArgs("203.0.113.7", "2026-09-01").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT IGNORE INTO anonymous_usage`).
		WithArgs("203.0.113.7", "2026-09-01").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT usage_count FROM anonymous_usage`).
		WithArgs("203.0.113.7", "2026-09-01").
		WillReturnRows(sqlmock.NewRows([]string{"usage_count"}).AddRow(0))
	mock.ExpectExec(`UPDATE anonymous_usage SET usage_count`).
		WithArgs(1, "203.0.113.7", "2026-09-01").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	dec, err := store.Consume(context.Background(), anonKey("203.0.113.7"), PlanAnonymous, "2026-09-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.Allowed || dec.Used != 1 {
		t.Errorf("decision = %+v, want allowed 1/5", dec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMySQLCreateAccountDuplicate(t *testing.T) {
	store, mock := newMySQLMock(t)

	mock.ExpectExec(`INSERT INTO accounts`).
		WithArgs("user-1", "", "FREE", "2026-09-01").
		WillReturnError(fmt.Errorf("Error 1062: Duplicate entry 'user-1' for key 'accounts.PRIMARY'"))

	_, err := store.CreateAccount(context.Background(), "user-1", "", "2026-09-01")
	if !errors.Is(err, ErrAccountExists) {
		t.Errorf("err = %v, want ErrAccountExists", err)
	}
}

func TestMySQLGrantBonusNotFound(t *testing.T) {
	store, mock := newMySQLMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT plan, bonus, daily_consumed, last_reset_date, bonus_granted`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"plan", "bonus", "daily_consumed", "last_reset_date", "bonus_granted"}))
	mock.ExpectRollback()

	_, err := store.GrantBonus(context.Background(), "missing", 10)
	if !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}
}
