// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "METERING_BACKEND", "DATABASE_URL", "REDIS_URL",
		"METERING_TIMEZONE", "METERING_JWT_SECRET", "METERING_LIMITS_FILE",
		"METERING_JANITOR_INTERVAL", "METERING_RETAIN_DAYS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8084", cfg.Port)
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, 24*time.Hour, cfg.JanitorInterval)
	assert.Equal(t, 2, cfg.RetainDays)
}

func TestLoadBackendValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{"postgres without url", map[string]string{"METERING_BACKEND": "postgres"}, true},
		{"postgres with url", map[string]string{
			"METERING_BACKEND": "postgres",
			"DATABASE_URL":     "postgres://localhost/metering",
		}, false},
		{"mysql without url", map[string]string{"METERING_BACKEND": "mysql"}, true},
		{"redis without url", map[string]string{"METERING_BACKEND": "redis"}, true},
		{"redis with url", map[string]string{
			"METERING_BACKEND": "redis",
			"REDIS_URL":        "redis://localhost:6379",
		}, false},
		{"unknown backend", map[string]string{"METERING_BACKEND": "etcd"}, true},
		{"bad timezone", map[string]string{"METERING_TIMEZONE": "Mars/Olympus"}, true},
		{"bad janitor interval", map[string]string{"METERING_JANITOR_INTERVAL": "often"}, true},
		{"bad retain days", map[string]string{"METERING_RETAIN_DAYS": "0"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("METERING_TIMEZONE", "Asia/Tokyo")
	t.Setenv("METERING_JANITOR_INTERVAL", "1h")
	t.Setenv("METERING_RETAIN_DAYS", "7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "Asia/Tokyo", cfg.Timezone)
	assert.Equal(t, time.Hour, cfg.JanitorInterval)
	assert.Equal(t, 7, cfg.RetainDays)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", loc.String())
}

func TestLoadLimitsFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "limits.yaml")
	content := "plans:\n  ANONYMOUS: 3\n  FREE: 10\n  PREMIUM: 500\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("METERING_LIMITS_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	limits, err := cfg.LoadLimits()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ANONYMOUS": 3, "FREE": 10, "PREMIUM": 500}, limits)
}

func TestLoadLimitsFileErrors(t *testing.T) {
	cfg := &Config{}
	limits, err := cfg.LoadLimits()
	assert.NoError(t, err)
	assert.Nil(t, limits)

	cfg = &Config{LimitsFile: "/does/not/exist.yaml"}
	_, err = cfg.LoadLimits()
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plans: {}\n"), 0o644))
	cfg = &Config{LimitsFile: path}
	_, err = cfg.LoadLimits()
	assert.Error(t, err)

	path = filepath.Join(t.TempDir(), "notyaml.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{nope"), 0o644))
	cfg = &Config{LimitsFile: path}
	_, err = cfg.LoadLimits()
	assert.Error(t, err)
}
