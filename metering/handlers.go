// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

package metering

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"enhanceai/platform/metering/entitlement"
	"enhanceai/platform/metering/identity"
	"enhanceai/platform/metering/ledger"
)

// transientRetryDelay is how long a handler waits before the single
// retry of a transiently failed store operation.
const transientRetryDelay = 50 * time.Millisecond

// Handler provides HTTP handlers for the metering APIs
type Handler struct {
	engine   *entitlement.Engine
	resolver *identity.Resolver
	ledger   ledger.Recorder
}

// NewHandler creates a new metering handler
func NewHandler(engine *entitlement.Engine, resolver *identity.Resolver, rec ledger.Recorder) *Handler {
	return &Handler{engine: engine, resolver: resolver, ledger: rec}
}

// RegisterRoutes registers all metering routes with a gorilla/mux router
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Usage endpoints
	r.HandleFunc("/api/v1/usage/status", h.UsageStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/usage/consume", h.Consume).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/usage/logs", h.UsageLogs).Methods("GET", "OPTIONS")

	// Account endpoints
	r.HandleFunc("/api/v1/accounts", h.CreateAccount).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/accounts/{id}/plan", h.SetPlan).Methods("PUT", "OPTIONS")
	r.HandleFunc("/api/v1/accounts/{id}/bonus", h.GrantBonus).Methods("POST", "OPTIONS")
}

// UsageStatus handles GET /api/v1/usage/status
func (h *Handler) UsageStatus(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	key, plan := h.resolver.Resolve(r)

	status, err := h.engine.UsageStatus(r.Context(), key, plan)
	if err != nil && errors.Is(err, entitlement.ErrStorageUnavailable) {
		time.Sleep(transientRetryDelay)
		status, err = h.engine.UsageStatus(r.Context(), key, plan)
	}
	if err != nil {
		h.writeError(w, "Usage data temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// ConsumeRequest is the request body for consuming one use of a tool
type ConsumeRequest struct {
	Tool string `json:"tool"`
}

// Consume handles POST /api/v1/usage/consume
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	tool, err := entitlement.ParseTool(req.Tool)
	if err != nil {
		h.writeError(w, "Unknown tool: "+req.Tool, http.StatusBadRequest)
		return
	}

	key, plan := h.resolver.Resolve(r)

	result, err := h.engine.CheckAndConsume(r.Context(), key, plan, tool)
	if err != nil && errors.Is(err, entitlement.ErrStorageUnavailable) {
		time.Sleep(transientRetryDelay)
		result, err = h.engine.CheckAndConsume(r.Context(), key, plan, tool)
	}
	if err != nil {
		// Fail closed: without a committed decision no use is granted.
		h.writeError(w, "Usage tracking temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !result.Allowed {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(struct {
			Error string `json:"error"`
			entitlement.Result
		}{Error: entitlement.ErrQuotaExhausted.Error(), Result: result})
		return
	}
	_ = json.NewEncoder(w).Encode(result)
}

// UsageLogs handles GET /api/v1/usage/logs
func (h *Handler) UsageLogs(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if h.ledger == nil {
		h.writeError(w, "Usage logging is not enabled", http.StatusNotFound)
		return
	}

	key, _ := h.resolver.Resolve(r)

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	entries, err := h.ledger.Recent(r.Context(), key.ID, limit)
	if err != nil {
		h.writeError(w, "Usage logs temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"logs":  entries,
		"count": len(entries),
	})
}

// CreateAccountRequest is the request body for account creation
type CreateAccountRequest struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email,omitempty"`
}

// CreateAccount handles POST /api/v1/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		h.writeError(w, "Account ID required", http.StatusBadRequest)
		return
	}

	rec, err := h.engine.CreateAccount(r.Context(), req.AccountID, req.Email)
	if err != nil {
		if errors.Is(err, entitlement.ErrAccountExists) {
			h.writeError(w, "Account already exists", http.StatusConflict)
			return
		}
		h.writeError(w, "Account creation failed", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(rec)
}

// SetPlanRequest is the request body for a plan change
type SetPlanRequest struct {
	Plan string `json:"plan"`
}

// SetPlan handles PUT /api/v1/accounts/{id}/plan
func (h *Handler) SetPlan(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	accountID := mux.Vars(r)["id"]
	if accountID == "" {
		h.writeError(w, "Account ID required", http.StatusBadRequest)
		return
	}

	var req SetPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	plan, err := entitlement.ParsePlan(req.Plan)
	if err != nil {
		h.writeError(w, "Unknown plan: "+req.Plan, http.StatusBadRequest)
		return
	}

	if err := h.engine.SetPlan(r.Context(), accountID, plan); err != nil {
		if errors.Is(err, entitlement.ErrAccountNotFound) {
			h.writeError(w, "Account not found", http.StatusNotFound)
			return
		}
		h.writeError(w, "Plan change failed", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"account_id": accountID,
		"plan":       string(plan),
	})
}

// GrantBonusRequest is the request body for a bonus grant
type GrantBonusRequest struct {
	Amount int `json:"amount,omitempty"`
}

// GrantBonus handles POST /api/v1/accounts/{id}/bonus
func (h *Handler) GrantBonus(w http.ResponseWriter, r *http.Request) {
	h.setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	accountID := mux.Vars(r)["id"]
	if accountID == "" {
		h.writeError(w, "Account ID required", http.StatusBadRequest)
		return
	}

	var req GrantBonusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := h.engine.GrantBonus(r.Context(), accountID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, entitlement.ErrAccountNotFound):
			h.writeError(w, "Account not found", http.StatusNotFound)
		case errors.Is(err, entitlement.ErrBonusAlreadyGranted):
			h.writeError(w, "Bonus already granted", http.StatusConflict)
		default:
			h.writeError(w, "Bonus grant failed", http.StatusServiceUnavailable)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

// Helper functions

// setCORSHeaders sets CORS headers on all responses (not just OPTIONS)
func (h *Handler) setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-Plan")
}

func (h *Handler) writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}
