// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

package entitlement

import "errors"

var (
	// ErrQuotaExhausted is returned when a caller has consumed their full
	// pooled ceiling for the day. Expected and user-facing; recoverable by
	// waiting for the day boundary or upgrading.
	ErrQuotaExhausted = errors.New("daily usage limit exceeded")

	// ErrStorageUnavailable is returned when the atomic read-modify-write
	// failed for infrastructure reasons. Distinct from ErrQuotaExhausted so
	// callers retry instead of showing an upgrade prompt.
	ErrStorageUnavailable = errors.New("quota storage unavailable")

	// ErrAccountNotFound is returned when an account-scoped operation
	// references an account with no quota record.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when creating a quota record for an
	// account that already has one.
	ErrAccountExists = errors.New("account already exists")

	// ErrBonusAlreadyGranted is returned when the one-time signup bonus is
	// re-applied to the same account.
	ErrBonusAlreadyGranted = errors.New("signup bonus already granted")

	// ErrUnknownPlan is returned for a plan outside the closed tier set.
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrUnknownTool is returned for a tool outside the billable set.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidInput is returned for general invalid input.
	ErrInvalidInput = errors.New("invalid input")
)
