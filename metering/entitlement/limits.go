// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

package entitlement

import "fmt"

// Default daily allowances per tier. Loaded once at process start;
// changing them mid-day never retroactively alters consumed counts.
const (
	DefaultAnonymousDailyLimit = 5
	DefaultFreeDailyLimit      = 5
	DefaultPremiumDailyLimit   = 100

	// SignupBonus is the one-time lifetime allowance granted on account
	// creation. It never expires and only decreases.
	SignupBonus = 10
)

// PlanLimits maps each plan tier to its daily allowance.
type PlanLimits struct {
	limits map[Plan]int
}

// DefaultPlanLimits returns the built-in limit table.
func DefaultPlanLimits() *PlanLimits {
	return &PlanLimits{limits: map[Plan]int{
		PlanAnonymous: DefaultAnonymousDailyLimit,
		PlanFree:      DefaultFreeDailyLimit,
		PlanPremium:   DefaultPremiumDailyLimit,
	}}
}

// NewPlanLimits builds a limit table from explicit per-tier allowances.
// Every tier must be present and non-negative; a plan missing here would
// otherwise surface as a zero allowance at decision time.
func NewPlanLimits(limits map[Plan]int) (*PlanLimits, error) {
	for _, p := range []Plan{PlanAnonymous, PlanFree, PlanPremium} {
		v, ok := limits[p]
		if !ok {
			return nil, fmt.Errorf("%w: no daily limit for %s", ErrInvalidInput, p)
		}
		if v < 0 {
			return nil, fmt.Errorf("%w: negative daily limit for %s", ErrInvalidInput, p)
		}
	}
	copied := make(map[Plan]int, len(limits))
	for p, v := range limits {
		copied[p] = v
	}
	return &PlanLimits{limits: copied}, nil
}

// DailyLimit returns the daily allowance for a plan.
func (pl *PlanLimits) DailyLimit(plan Plan) int {
	switch plan {
	case PlanAnonymous, PlanFree, PlanPremium:
		return pl.limits[plan]
	default:
		// ParsePlan guards every external boundary; an unknown plan here
		// is a programming error and gets no allowance.
		return 0
	}
}

// LowestTier reports whether a plan is a bottom tier for which denial
// should prompt an upgrade rather than a wait.
func LowestTier(plan Plan) bool {
	return plan == PlanAnonymous || plan == PlanFree
}
