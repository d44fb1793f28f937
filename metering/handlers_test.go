// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

package metering

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"enhanceai/platform/metering/entitlement"
	"enhanceai/platform/metering/identity"
	"enhanceai/platform/metering/ledger"
)

const testSecret = "handler-test-secret"

type testEnv struct {
	router *mux.Router
	store  entitlement.Store
	ledger *ledger.MemoryRecorder
}

func newTestEnv(t *testing.T, store entitlement.Store) *testEnv {
	t.Helper()
	if store == nil {
		store = entitlement.NewMemoryStore(nil)
	}
	rec := ledger.NewMemoryRecorder()
	engine := entitlement.NewEngine(store, nil, nil, entitlement.WithLedger(rec))
	handler := NewHandler(engine, identity.NewResolver(testSecret), rec)

	r := mux.NewRouter()
	handler.RegisterRoutes(r)
	return &testEnv{router: r, store: store, ledger: rec}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.7:4312"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func bearer(t *testing.T, sub, plan string) map[string]string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "exp": time.Now().Add(time.Hour).Unix()}
	if plan != "" {
		claims["plan"] = plan
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestConsumeAnonymousUntilDenied(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < entitlement.DefaultAnonymousDailyLimit; i++ {
		w := env.do(t, "POST", "/api/v1/usage/consume", ConsumeRequest{Tool: "enhance"}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("consume %d: status = %d, body %s", i+1, w.Code, w.Body)
		}
		var res entitlement.Result
		if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if want := entitlement.DefaultAnonymousDailyLimit - (i + 1); res.Remaining != want {
			t.Errorf("consume %d: remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}

	w := env.do(t, "POST", "/api/v1/usage/consume", ConsumeRequest{Tool: "enhance"}, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	var denial struct {
		Error string `json:"error"`
		entitlement.Result
	}
	if err := json.Unmarshal(w.Body.Bytes(), &denial); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if denial.Allowed {
		t.Error("denial body should say not allowed")
	}
	if denial.Error == "" {
		t.Error("denial body should carry an error message")
	}
	if !denial.UpgradeRequired {
		t.Error("anonymous denial should suggest an upgrade")
	}
	if denial.ResetTime == nil {
		t.Error("denial should carry a reset time")
	}
}

func TestConsumeUnknownTool(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "POST", "/api/v1/usage/consume", ConsumeRequest{Tool: "video"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestConsumeMalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest("POST", "/api/v1/usage/consume", bytes.NewBufferString("{not json"))
	req.RemoteAddr = "203.0.113.7:4312"
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestConsumeAuthenticatedUsesAccountBucket(t *testing.T) {
	env := newTestEnv(t, nil)
	auth := bearer(t, "user-1", "PREMIUM")

	w := env.do(t, "POST", "/api/v1/usage/consume", ConsumeRequest{Tool: "image"}, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var res entitlement.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Limit != entitlement.DefaultPremiumDailyLimit {
		t.Errorf("limit = %d, want premium ceiling", res.Limit)
	}

	// The anonymous bucket for the same source address is untouched.
	w = env.do(t, "GET", "/api/v1/usage/status", nil, nil)
	var status entitlement.Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Used != 0 {
		t.Errorf("anonymous used = %d, want 0", status.Used)
	}
}

func TestUsageStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(t, "POST", "/api/v1/usage/consume", ConsumeRequest{Tool: "speech"}, nil)
	w := env.do(t, "GET", "/api/v1/usage/status", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var status entitlement.Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Used != 1 || !status.CanUse {
		t.Errorf("status = %+v, want used 1 and usable", status)
	}
}

func TestCreateAccountEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/api/v1/accounts", CreateAccountRequest{AccountID: "user-1", Email: "u@example.com"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var rec entitlement.CallerRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Bonus != entitlement.SignupBonus {
		t.Errorf("bonus = %d, want %d", rec.Bonus, entitlement.SignupBonus)
	}

	w = env.do(t, "POST", "/api/v1/accounts", CreateAccountRequest{AccountID: "user-1"}, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/accounts", CreateAccountRequest{}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty id status = %d, want 400", w.Code)
	}
}

func TestSetPlanEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, "POST", "/api/v1/accounts", CreateAccountRequest{AccountID: "user-1"}, nil)

	w := env.do(t, "PUT", "/api/v1/accounts/user-1/plan", SetPlanRequest{Plan: "PREMIUM"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}

	w = env.do(t, "PUT", "/api/v1/accounts/user-1/plan", SetPlanRequest{Plan: "GOLD"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown plan status = %d, want 400", w.Code)
	}

	w = env.do(t, "PUT", "/api/v1/accounts/missing/plan", SetPlanRequest{Plan: "PREMIUM"}, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing account status = %d, want 404", w.Code)
	}
}

func TestGrantBonusEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.store.CreateAccount(ctx, "user-1", "", "2026-09-01"); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	w := env.do(t, "POST", "/api/v1/accounts/user-1/bonus", GrantBonusRequest{}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var rec entitlement.CallerRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Bonus != entitlement.SignupBonus {
		t.Errorf("bonus = %d, want default %d", rec.Bonus, entitlement.SignupBonus)
	}

	w = env.do(t, "POST", "/api/v1/accounts/user-1/bonus", GrantBonusRequest{}, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second grant status = %d, want 409", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/accounts/missing/bonus", GrantBonusRequest{}, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing account status = %d, want 404", w.Code)
	}
}

func TestUsageLogsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	auth := bearer(t, "user-1", "")

	env.do(t, "POST", "/api/v1/usage/consume", ConsumeRequest{Tool: "humanize"}, auth)

	// Ledger appends are asynchronous.
	deadline := time.Now().Add(2 * time.Second)
	for env.ledger.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("ledger entry never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	w := env.do(t, "GET", "/api/v1/usage/logs", nil, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Logs  []ledger.Entry `json:"logs"`
		Count int            `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || len(body.Logs) != 1 {
		t.Fatalf("body = %+v, want one entry", body)
	}
	if body.Logs[0].Tool != "humanize" {
		t.Errorf("tool = %q, want humanize", body.Logs[0].Tool)
	}
}

// failingStore simulates a storage outage on the consume path.
type failingStore struct {
	entitlement.Store
}

func (f *failingStore) Consume(ctx context.Context, key entitlement.CallerKey, plan entitlement.Plan, today string) (entitlement.Decision, error) {
	return entitlement.Decision{}, errors.New("connection refused")
}

func TestConsumeFailsClosedOnStorageOutage(t *testing.T) {
	env := newTestEnv(t, &failingStore{Store: entitlement.NewMemoryStore(nil)})

	w := env.do(t, "POST", "/api/v1/usage/consume", ConsumeRequest{Tool: "enhance"}, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest("OPTIONS", "/api/v1/usage/consume", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("preflight status = %d, want 200", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("preflight should carry CORS headers")
	}
}
