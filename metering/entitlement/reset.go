// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

package entitlement

import "time"

// DateLayout is the canonical calendar-date format for reset bookkeeping.
const DateLayout = "2006-01-02"

// ResetPolicy decides when a caller's daily consumption must be zeroed.
// It compares calendar dates, not elapsed duration, in a single fixed
// timezone that must be consistent across all instances.
type ResetPolicy struct {
	loc *time.Location
}

// NewResetPolicy creates a policy anchored to the given timezone. A nil
// location means UTC.
func NewResetPolicy(loc *time.Location) *ResetPolicy {
	if loc == nil {
		loc = time.UTC
	}
	return &ResetPolicy{loc: loc}
}

// Today returns the current calendar date in the canonical timezone.
func (p *ResetPolicy) Today(now time.Time) string {
	return now.In(p.loc).Format(DateLayout)
}

// ShouldReset reports whether a record last reset on lastResetDate is due
// for a rollover at time now. A malformed or empty stored date counts as
// due, which zeroes the counter rather than stranding it.
func (p *ResetPolicy) ShouldReset(lastResetDate string, now time.Time) bool {
	return lastResetDate != p.Today(now)
}

// NextReset returns the start of the next calendar day in the canonical
// timezone, used as the resetTime in denial responses.
func (p *ResetPolicy) NextReset(now time.Time) time.Time {
	local := now.In(p.loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, p.loc)
}
