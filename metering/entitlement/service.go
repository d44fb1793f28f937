// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"enhanceai/platform/metering/ledger"
	"enhanceai/platform/shared/logger"
)

// Engine is the entitlement core: it decides whether a caller may perform
// a billable operation and commits the consumption in the same atomic
// unit. Every outcome collapses to one of three shapes for callers:
// allowed, denied with telemetry, or a retryable transient failure
// (ErrStorageUnavailable).
type Engine struct {
	store   Store
	limits  *PlanLimits
	policy  *ResetPolicy
	ledger  ledger.Recorder
	logger  *logger.Logger
	nowFunc func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLedger sets the usage ledger. Appends are best-effort and never
// affect decisions.
func WithLedger(rec ledger.Recorder) EngineOption {
	return func(e *Engine) { e.ledger = rec }
}

// WithLogger sets the structured logger.
func WithLogger(l *logger.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source. Tests use this to cross day
// boundaries deterministically.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.nowFunc = now }
}

// NewEngine creates an entitlement engine over the given store.
func NewEngine(store Store, limits *PlanLimits, policy *ResetPolicy, opts ...EngineOption) *Engine {
	if limits == nil {
		limits = DefaultPlanLimits()
	}
	if policy == nil {
		policy = NewResetPolicy(nil)
	}
	e := &Engine{
		store:   store,
		limits:  limits,
		policy:  policy,
		logger:  logger.New("entitlement"),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// normalizePlan pins anonymous callers to the anonymous tier regardless
// of what the transport presented, and defaults an empty account plan.
func normalizePlan(key CallerKey, plan Plan) Plan {
	if key.Kind == CallerAnonymous {
		return PlanAnonymous
	}
	if plan == "" {
		return PlanFree
	}
	return plan
}

// CheckAndConsume atomically checks remaining entitlement and commits one
// unit of consumption. Denial is side-effect free and safely retryable.
// Any storage failure aborts the operation with ErrStorageUnavailable;
// the committed decision is never ambiguous because nothing is persisted
// outside the store's transaction.
func (e *Engine) CheckAndConsume(ctx context.Context, key CallerKey, plan Plan, tool Tool) (Result, error) {
	plan = normalizePlan(key, plan)
	now := e.nowFunc()
	today := e.policy.Today(now)

	start := time.Now()
	dec, err := e.store.Consume(ctx, key, plan, today)
	consumeDuration.WithLabelValues(string(tool)).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		consumeTotal.WithLabelValues(string(tool), "error").Inc()
		e.logger.ErrorWith(key.String(), "", "quota consume failed", err, map[string]interface{}{
			"tool": string(tool),
		})
		return Result{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	res := Result{
		Allowed:   dec.Allowed,
		Used:      dec.Used,
		Limit:     dec.Limit,
		Remaining: dec.Remaining(),
	}

	if !dec.Allowed {
		reset := e.policy.NextReset(now)
		res.ResetTime = &reset
		res.UpgradeRequired = LowestTier(dec.Plan)
		consumeTotal.WithLabelValues(string(tool), "denied").Inc()
		e.logger.Info(key.String(), "", "quota exhausted", map[string]interface{}{
			"tool": string(tool),
			"used": dec.Used, "limit": dec.Limit, "plan": string(dec.Plan),
		})
		return res, nil
	}

	consumeTotal.WithLabelValues(string(tool), "allowed").Inc()
	quotaRemaining.WithLabelValues(string(dec.Plan)).Set(float64(res.Remaining))

	// Ledger append is fire-and-forget: the decision above is already
	// committed and authoritative even if audit logging fails.
	if e.ledger != nil {
		entry := ledger.NewEntry(string(key.Kind), key.ID, string(tool))
		go func() {
			if err := e.ledger.Append(context.Background(), entry); err != nil {
				e.logger.ErrorWith(key.String(), entry.ID, "ledger append failed", err, nil)
			}
		}()
	}

	return res, nil
}

// UsageStatus returns the caller's current quota view. Reading status
// applies the lazy day-boundary reset but never consumes.
func (e *Engine) UsageStatus(ctx context.Context, key CallerKey, plan Plan) (Status, error) {
	plan = normalizePlan(key, plan)
	now := e.nowFunc()
	today := e.policy.Today(now)

	dec, err := e.store.Status(ctx, key, plan, today)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return Status{
		Key:       key,
		Plan:      dec.Plan,
		Used:      dec.Used,
		Limit:     dec.Limit,
		Remaining: dec.Remaining(),
		Date:      today,
		CanUse:    dec.Allowed,
	}, nil
}

// CreateAccount seeds the quota record for a new signup and applies the
// one-time signup bonus. Duplicate signups return ErrAccountExists with
// the existing record untouched.
//
// The grant always runs, even when the record already exists: a signup
// that failed between the two writes would otherwise strand the account
// without its bonus forever. The grant is one-shot per account, so a
// retried signup converges instead of double-granting.
func (e *Engine) CreateAccount(ctx context.Context, accountID, email string) (CallerRecord, error) {
	today := e.policy.Today(e.nowFunc())
	_, err := e.store.CreateAccount(ctx, accountID, email, today)
	if err != nil && !errors.Is(err, ErrAccountExists) {
		return CallerRecord{}, err
	}
	existed := errors.Is(err, ErrAccountExists)

	rec, err := e.store.GrantBonus(ctx, accountID, SignupBonus)
	if errors.Is(err, ErrBonusAlreadyGranted) {
		if existed {
			return rec, ErrAccountExists
		}
		return rec, nil
	}
	if err != nil {
		return CallerRecord{}, err
	}
	e.logger.Info(accountID, "", "account created", map[string]interface{}{
		"bonus": rec.Bonus, "retried": existed,
	})
	return rec, nil
}

// SetPlan applies a plan change event (e.g. a successful payment). Takes
// effect immediately: it raises the ceiling without touching the day's
// consumption.
func (e *Engine) SetPlan(ctx context.Context, accountID string, plan Plan) error {
	if err := e.store.SetPlan(ctx, accountID, plan); err != nil {
		return err
	}
	e.logger.Info(accountID, "", "plan changed", map[string]interface{}{
		"plan": string(plan),
	})
	return nil
}

// GrantBonus applies a one-time bonus grant, idempotent per account.
func (e *Engine) GrantBonus(ctx context.Context, accountID string, amount int) (CallerRecord, error) {
	if amount <= 0 {
		amount = SignupBonus
	}
	return e.store.GrantBonus(ctx, accountID, amount)
}

// IsHealthy reports whether the quota store is reachable.
func (e *Engine) IsHealthy(ctx context.Context) bool {
	return e.store.Ping(ctx) == nil
}

// StartJanitor periodically purges anonymous rows older than retainDays.
// Housekeeping only: stale rows cost storage, not correctness. Returns
// when ctx is cancelled.
func (e *Engine) StartJanitor(ctx context.Context, interval time.Duration, retainDays int) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if retainDays <= 0 {
		retainDays = 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := e.nowFunc().AddDate(0, 0, -retainDays).Format(DateLayout)
			purged, err := e.store.PurgeAnonymousBefore(ctx, cutoff)
			if err != nil {
				e.logger.ErrorWith("", "", "anonymous purge failed", err, nil)
				continue
			}
			if purged > 0 {
				e.logger.Info("", "", "purged stale anonymous usage", map[string]interface{}{
					"purged": purged, "cutoff": cutoff,
				})
			}
		}
	}
}
