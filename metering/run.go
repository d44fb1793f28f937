// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

// Package metering is the usage entitlement service for the EnhanceAI
// tool suite. It decides, atomically, whether a caller may perform a
// billable operation today and records every allowed use in an
// append-only ledger.
package metering

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"enhanceai/platform/metering/config"
	"enhanceai/platform/metering/entitlement"
	"enhanceai/platform/metering/identity"
	"enhanceai/platform/metering/ledger"
	"enhanceai/platform/shared/logger"
)

// Run is the exported entry point for the metering service.
//
// It loads configuration, connects the configured quota store, sets up
// HTTP routes, and starts the server. The function blocks until the
// server is shut down.
func Run() {
	log.Println("Starting EnhanceAI Metering...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("Timezone error: %v", err)
	}
	policy := entitlement.NewResetPolicy(loc)

	limits, err := loadLimits(cfg)
	if err != nil {
		log.Fatalf("Limits error: %v", err)
	}

	store, rec, err := openBackend(cfg, limits)
	if err != nil {
		log.Fatalf("Backend error: %v", err)
	}
	defer store.Close()

	engine := entitlement.NewEngine(store, limits, policy,
		entitlement.WithLedger(rec),
		entitlement.WithLogger(logger.New("metering")),
	)

	// Background purge of stale anonymous rows.
	go engine.StartJanitor(context.Background(), cfg.JanitorInterval, cfg.RetainDays)

	resolver := identity.NewResolver(cfg.JWTSecret)
	handler := NewHandler(engine, resolver, rec)

	// Setup router
	r := mux.NewRouter()

	// CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"}, // Configure for production
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	// Health check
	r.HandleFunc("/health", healthHandler(engine, cfg.Backend)).Methods("GET")

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	handler.RegisterRoutes(r)

	// Start server
	log.Printf("EnhanceAI Metering listening on port %s (backend: %s, timezone: %s)",
		cfg.Port, cfg.Backend, cfg.Timezone)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, c.Handler(r)))
}

// loadLimits resolves the effective plan limit table: the built-in
// defaults, or the YAML override file when one is configured.
func loadLimits(cfg *config.Config) (*entitlement.PlanLimits, error) {
	raw, err := cfg.LoadLimits()
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return entitlement.DefaultPlanLimits(), nil
	}
	table := make(map[entitlement.Plan]int, len(raw))
	for name, limit := range raw {
		plan, err := entitlement.ParsePlan(name)
		if err != nil {
			return nil, fmt.Errorf("limits file: %w", err)
		}
		table[plan] = limit
	}
	return entitlement.NewPlanLimits(table)
}

// openBackend connects the configured quota store and usage ledger.
// The SQL backends share their database with a durable ledger; the
// memory and redis backends use an in-process recorder.
func openBackend(cfg *config.Config, limits *entitlement.PlanLimits) (entitlement.Store, ledger.Recorder, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cfg.Backend {
	case config.BackendMemory:
		return entitlement.NewMemoryStore(limits), ledger.NewMemoryRecorder(), nil

	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		store := entitlement.NewPostgresStore(db, limits)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		rec := ledger.NewPostgresRecorder(db)
		if err := rec.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		return store, rec, nil

	case config.BackendMySQL:
		db, err := sql.Open("mysql", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open mysql: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		store := entitlement.NewMySQLStore(db, limits)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		rec := ledger.NewMySQLRecorder(db)
		if err := rec.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		return store, rec, nil

	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		return entitlement.NewRedisStore(client, limits), ledger.NewMemoryRecorder(), nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// healthHandler reports service and store health.
func healthHandler(engine *entitlement.Engine, backend string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "healthy"
		code := http.StatusOK
		if !engine.IsHealthy(ctx) {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":    status,
			"service":   "metering",
			"backend":   backend,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}
