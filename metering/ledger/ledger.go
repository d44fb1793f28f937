// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

// Package ledger records consumption events for analytics and audit.
// Appends are fire-and-forget relative to the entitlement decision: a
// failed append is logged and swallowed, never rolled into the allow/deny
// outcome, and the ledger is never read on the decision path.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry is one consumption event. Append-only; entries are never mutated.
// The per-tool dimension lives here explicitly: quota counters are pooled
// and per-tool numbers must never be inferred from them.
type Entry struct {
	ID         string    `json:"id"`
	CallerKind string    `json:"caller_kind"`
	CallerID   string    `json:"caller_id"`
	Tool       string    `json:"tool"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewEntry builds an Entry for a consumption event that just committed.
func NewEntry(callerKind, callerID, tool string) Entry {
	return Entry{
		ID:         uuid.New().String(),
		CallerKind: callerKind,
		CallerID:   callerID,
		Tool:       tool,
		CreatedAt:  time.Now().UTC(),
	}
}

// Recorder persists consumption events.
type Recorder interface {
	// Append stores one event. Callers treat errors as advisory.
	Append(ctx context.Context, entry Entry) error

	// Recent returns the newest events for one caller, newest first.
	Recent(ctx context.Context, callerID string, limit int) ([]Entry, error)

	Ping(ctx context.Context) error
}

// PostgresRecorder stores ledger entries in PostgreSQL.
type PostgresRecorder struct {
	db *sql.DB
}

var _ Recorder = (*PostgresRecorder)(nil)

// NewPostgresRecorder creates a recorder backed by the given database.
func NewPostgresRecorder(db *sql.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

// EnsureSchema creates the ledger table if it doesn't exist.
func (r *PostgresRecorder) EnsureSchema(ctx context.Context) error {
	const q = `
		CREATE TABLE IF NOT EXISTS usage_logs (
			id UUID PRIMARY KEY,
			caller_kind TEXT NOT NULL,
			caller_id TEXT NOT NULL,
			tool_type TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS usage_logs_caller_idx
			ON usage_logs (caller_id, created_at DESC);
	`
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("failed to ensure ledger schema: %w", err)
	}
	return nil
}

func (r *PostgresRecorder) Append(ctx context.Context, entry Entry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO usage_logs (id, caller_kind, caller_id, tool_type, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.CallerKind, entry.CallerID, entry.Tool, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append usage log: %w", err)
	}
	return nil
}

func (r *PostgresRecorder) Recent(ctx context.Context, callerID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, caller_kind, caller_id, tool_type, created_at
		 FROM usage_logs WHERE caller_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		callerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.CallerKind, &e.CallerID, &e.Tool, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *PostgresRecorder) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
