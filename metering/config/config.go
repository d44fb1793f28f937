// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

// Package config loads metering service configuration from the
// environment, with an optional YAML file for per-plan limit overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in METERING_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
	BackendRedis    = "redis"
)

// Config holds the metering service configuration.
type Config struct {
	Port        string
	Backend     string
	DatabaseURL string
	RedisURL    string
	Timezone    string
	JWTSecret   string

	// LimitsFile optionally points at a YAML file overriding the
	// built-in per-plan daily limits.
	LimitsFile string

	JanitorInterval time.Duration
	RetainDays      int
}

// Load reads configuration from the environment.
//
// Environment variables used:
//   - PORT: HTTP server port (default: 8084)
//   - METERING_BACKEND: quota store backend (default: memory)
//   - DATABASE_URL: PostgreSQL/MySQL connection string
//   - REDIS_URL: Redis address for the redis backend
//   - METERING_TIMEZONE: canonical reset timezone (default: UTC)
//   - METERING_JWT_SECRET: HMAC secret for bearer token verification
//   - METERING_LIMITS_FILE: optional YAML limits override file
//   - METERING_JANITOR_INTERVAL: anonymous purge cadence (default: 24h)
//   - METERING_RETAIN_DAYS: anonymous row retention in days (default: 2)
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "8084"),
		Backend:         getEnv("METERING_BACKEND", BackendMemory),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		Timezone:        getEnv("METERING_TIMEZONE", "UTC"),
		JWTSecret:       os.Getenv("METERING_JWT_SECRET"),
		LimitsFile:      os.Getenv("METERING_LIMITS_FILE"),
		JanitorInterval: 24 * time.Hour,
		RetainDays:      2,
	}

	if raw := os.Getenv("METERING_JANITOR_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid METERING_JANITOR_INTERVAL %q: %w", raw, err)
		}
		cfg.JanitorInterval = d
	}
	if raw := os.Getenv("METERING_RETAIN_DAYS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid METERING_RETAIN_DAYS %q", raw)
		}
		cfg.RetainDays = n
	}

	switch cfg.Backend {
	case BackendMemory:
	case BackendPostgres, BackendMySQL:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the %s backend", cfg.Backend)
		}
	case BackendRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required for the redis backend")
		}
	default:
		return nil, fmt.Errorf("unknown METERING_BACKEND %q", cfg.Backend)
	}

	if _, err := cfg.Location(); err != nil {
		return nil, fmt.Errorf("invalid METERING_TIMEZONE %q: %w", cfg.Timezone, err)
	}
	return cfg, nil
}

// Location resolves the configured reset timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// LimitsOverride is the YAML shape of a limits file.
type LimitsOverride struct {
	Plans map[string]int `yaml:"plans"`
}

// LoadLimits parses the limits override file. Returns nil when no file
// is configured.
func (c *Config) LoadLimits() (map[string]int, error) {
	if c.LimitsFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.LimitsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read limits file: %w", err)
	}
	var override LimitsOverride
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse limits file: %w", err)
	}
	if len(override.Plans) == 0 {
		return nil, fmt.Errorf("limits file %s defines no plans", c.LimitsFile)
	}
	return override.Plans, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
