// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// MySQLRecorder stores ledger entries in MySQL, so the mysql quota
// backend keeps a durable audit trail instead of a per-process one.
type MySQLRecorder struct {
	db *sql.DB
}

var _ Recorder = (*MySQLRecorder)(nil)

// NewMySQLRecorder creates a recorder backed by the given database.
func NewMySQLRecorder(db *sql.DB) *MySQLRecorder {
	return &MySQLRecorder{db: db}
}

// EnsureSchema creates the ledger table if it doesn't exist.
func (r *MySQLRecorder) EnsureSchema(ctx context.Context) error {
	const q = `
		CREATE TABLE IF NOT EXISTS usage_logs (
			id VARCHAR(36) PRIMARY KEY,
			caller_kind VARCHAR(16) NOT NULL,
			caller_id VARCHAR(128) NOT NULL,
			tool_type VARCHAR(32) NOT NULL,
			created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			INDEX usage_logs_caller_idx (caller_id, created_at DESC)
		)`
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("failed to ensure ledger schema: %w", err)
	}
	return nil
}

func (r *MySQLRecorder) Append(ctx context.Context, entry Entry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO usage_logs (id, caller_kind, caller_id, tool_type, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.CallerKind, entry.CallerID, entry.Tool, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append usage log: %w", err)
	}
	return nil
}

func (r *MySQLRecorder) Recent(ctx context.Context, callerID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, caller_kind, caller_id, tool_type, created_at
		 FROM usage_logs WHERE caller_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
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

func (r *MySQLRecorder) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
