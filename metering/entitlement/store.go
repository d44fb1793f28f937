// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

package entitlement

import "context"

// Decision is the storage-level outcome of an atomic consume or status
// read. Plan is the effective plan (the stored one for accounts, which may
// differ from what the caller presented after a plan change). Limit is the
// pooled ceiling at decision time.
type Decision struct {
	Allowed bool
	Plan    Plan
	Used    int
	Limit   int
}

// Remaining returns the unconsumed portion of the ceiling.
func (d Decision) Remaining() int {
	if r := d.Limit - d.Used; r > 0 {
		return r
	}
	return 0
}

// Store is the persistence contract the Engine relies on for correctness.
//
// Consume must execute the read → lazy day reset → ceiling check →
// increment sequence as one atomic unit per caller record: two concurrent
// Consume calls for the same key must never both be admitted when one unit
// of quota remains. Calls for different keys must not contend. A denied
// Consume performs no mutation beyond the day reset and is safely
// retryable.
//
// Implementations: MemoryStore (tests, single process), PostgresStore and
// MySQLStore (row-locked transactions), RedisStore (Lua scripts). Selected
// by configuration, never by environment sniffing in business logic.
type Store interface {
	// Consume atomically records one unit of consumption for the caller,
	// or denies without side effects if the pooled ceiling is reached.
	// Unseen account callers are provisioned with the presented plan and
	// no bonus; unseen anonymous callers get a fresh (ip, date) row.
	// today is the current calendar date in the canonical timezone.
	Consume(ctx context.Context, key CallerKey, plan Plan, today string) (Decision, error)

	// Status loads the caller's quota state, applying the day reset if due
	// but never consuming. Unseen callers yield a zero-consumption view.
	Status(ctx context.Context, key CallerKey, plan Plan, today string) (Decision, error)

	// CreateAccount seeds the quota record for a newly signed-up account.
	// Returns ErrAccountExists if a record is already present.
	CreateAccount(ctx context.Context, accountID, email string, today string) (CallerRecord, error)

	// SetPlan changes an account's tier, effective immediately. Daily
	// consumption is deliberately left untouched.
	SetPlan(ctx context.Context, accountID string, plan Plan) error

	// GrantBonus adds a one-time lifetime bonus to an account. Idempotent:
	// a second grant returns ErrBonusAlreadyGranted and changes nothing.
	GrantBonus(ctx context.Context, accountID string, amount int) (CallerRecord, error)

	// PurgeAnonymousBefore deletes anonymous rows older than the given
	// date (exclusive). Housekeeping only; correctness never depends on it.
	PurgeAnonymousBefore(ctx context.Context, date string) (int64, error)

	// Ping reports storage reachability for health checks.
	Ping(ctx context.Context) error

	Close() error
}
