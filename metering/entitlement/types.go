// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

// Package entitlement decides, for every billable AI operation, whether a
// caller may proceed, and atomically records consumption against daily
// quotas and lifetime bonus pools.
package entitlement

import (
	"fmt"
	"time"
)

// Plan represents a usage tier. The set is closed: every switch over Plan
// in this package handles all three values, and ParsePlan rejects anything
// else at the boundary.
type Plan string

const (
	PlanAnonymous Plan = "ANONYMOUS"
	PlanFree      Plan = "FREE"
	PlanPremium   Plan = "PREMIUM"
)

// ParsePlan validates a plan string from an untrusted source.
func ParsePlan(s string) (Plan, error) {
	switch Plan(s) {
	case PlanAnonymous, PlanFree, PlanPremium:
		return Plan(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPlan, s)
}

// Tool identifies a billable AI operation.
type Tool string

const (
	ToolEnhance    Tool = "enhance"
	ToolHumanize   Tool = "humanize"
	ToolImage      Tool = "image"
	ToolSpeech     Tool = "speech"
	ToolTranscribe Tool = "transcribe"
)

// ParseTool validates a tool string from an untrusted source.
func ParseTool(s string) (Tool, error) {
	switch Tool(s) {
	case ToolEnhance, ToolHumanize, ToolImage, ToolSpeech, ToolTranscribe:
		return Tool(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTool, s)
}

// CallerKind distinguishes the two metering spaces. Accounts and anonymous
// callers never share state; an anonymous caller who signs up starts a
// fresh account record.
type CallerKind string

const (
	CallerAccount   CallerKind = "account"
	CallerAnonymous CallerKind = "anonymous"
)

// CallerKey is the identity quota state is keyed by: an account id or an
// IP-derived string.
type CallerKey struct {
	Kind CallerKind `json:"kind"`
	ID   string     `json:"id"`
}

func (k CallerKey) String() string {
	return string(k.Kind) + ":" + k.ID
}

// CallerRecord is the mutable per-caller quota state. For anonymous
// callers Bonus and BonusGranted are always zero/false; their rows are
// keyed by (ip, date) and never accumulate across days.
type CallerRecord struct {
	Key           CallerKey `json:"key"`
	Plan          Plan      `json:"plan"`
	Bonus         int       `json:"bonus"`
	DailyConsumed int       `json:"daily_consumed"`
	LastResetDate string    `json:"last_reset_date"` // YYYY-MM-DD in the canonical timezone
	BonusGranted  bool      `json:"bonus_granted"`
}

// Result is the outcome of a CheckAndConsume call. Limit is the pooled
// ceiling (daily allowance plus bonus) in effect at decision time.
type Result struct {
	Allowed   bool `json:"allowed"`
	Used      int  `json:"used"`
	Limit     int  `json:"limit"`
	Remaining int  `json:"remaining"`

	// UpgradeRequired is set on denial only when the caller is on the
	// lowest tier and the quota ceiling is the binding constraint, so the
	// UI can distinguish "upgrade" from "wait for reset".
	UpgradeRequired bool `json:"upgrade_required,omitempty"`

	// ResetTime is the start of the next calendar day in the canonical
	// timezone; populated on denial.
	ResetTime *time.Time `json:"reset_time,omitempty"`
}

// Status is the read-only quota view returned by UsageStatus. Reading
// status applies the day-boundary reset but never consumes.
type Status struct {
	Key       CallerKey `json:"key"`
	Plan      Plan      `json:"plan"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Date      string    `json:"date"`
	CanUse    bool      `json:"can_use"`
}
