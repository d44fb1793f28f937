// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"sync"
)

// MemoryRecorder keeps ledger entries in process memory. Used in tests
// and when no durable ledger backend is configured.
type MemoryRecorder struct {
	mu      sync.RWMutex
	entries []Entry
}

var _ Recorder = (*MemoryRecorder)(nil)

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Append(ctx context.Context, entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *MemoryRecorder) Recent(ctx context.Context, callerID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if r.entries[i].CallerID == callerID {
			out = append(out, r.entries[i])
		}
	}
	return out, nil
}

func (r *MemoryRecorder) Ping(ctx context.Context) error { return nil }

// Len reports the total number of recorded entries.
func (r *MemoryRecorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
