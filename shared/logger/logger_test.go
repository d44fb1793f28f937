// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"testing"
)

// TestNew tests logger initialization
func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		component      string
		instanceID     string
		expectedInstID string
	}{
		{"with instance ID set", "metering", "instance-123", "instance-123"},
		{"without instance ID", "metering", "", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.instanceID != "" {
				t.Setenv("INSTANCE_ID", tt.instanceID)
			} else {
				if err := os.Unsetenv("INSTANCE_ID"); err != nil {
					t.Fatalf("Failed to unset INSTANCE_ID: %v", err)
				}
			}

			logger := New(tt.component)

			if logger.Component != tt.component {
				t.Errorf("Expected component %s, got %s", tt.component, logger.Component)
			}
			if logger.InstanceID != tt.expectedInstID {
				t.Errorf("Expected instance ID %s, got %s", tt.expectedInstID, logger.InstanceID)
			}
			if logger.Host == "" {
				t.Error("Expected host to be set from hostname")
			}
		})
	}
}

// captureOutput redirects the standard logger while fn runs.
func captureOutput(fn func()) string {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(os.Stderr)
		log.SetFlags(log.LstdFlags)
	}()
	fn()
	return buf.String()
}

// TestLogLevels tests all log level methods
func TestLogLevels(t *testing.T) {
	tests := []struct {
		name    string
		logFunc func(*Logger, string, string, string, map[string]interface{})
		level   LogLevel
	}{
		{"Info log", (*Logger).Info, INFO},
		{"Error log", (*Logger).Error, ERROR},
		{"Warn log", (*Logger).Warn, WARN},
		{"Debug log", (*Logger).Debug, DEBUG},
	}

	logger := New("metering")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := captureOutput(func() {
				tt.logFunc(logger, "account:user-1", "req-1", "test message", map[string]interface{}{"tool": "enhance"})
			})

			var entry LogEntry
			if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
				t.Fatalf("output is not JSON: %v (%q)", err, out)
			}
			if entry.Level != tt.level {
				t.Errorf("level = %s, want %s", entry.Level, tt.level)
			}
			if entry.CallerID != "account:user-1" || entry.RequestID != "req-1" {
				t.Errorf("entry identifiers = %q/%q", entry.CallerID, entry.RequestID)
			}
			if entry.Message != "test message" {
				t.Errorf("message = %q", entry.Message)
			}
			if entry.Fields["tool"] != "enhance" {
				t.Errorf("fields = %v", entry.Fields)
			}
		})
	}
}

func TestInfoWithDuration(t *testing.T) {
	logger := New("metering")
	out := captureOutput(func() {
		logger.InfoWithDuration("", "req-1", "consume decided", 12.5, nil)
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry.Fields["duration_ms"] != 12.5 {
		t.Errorf("duration_ms = %v, want 12.5", entry.Fields["duration_ms"])
	}
}

func TestErrorWith(t *testing.T) {
	logger := New("metering")
	out := captureOutput(func() {
		logger.ErrorWith("account:user-1", "", "consume failed", errors.New("connection refused"), nil)
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry.Level != ERROR {
		t.Errorf("level = %s, want ERROR", entry.Level)
	}
	if entry.Fields["error"] != "connection refused" {
		t.Errorf("error field = %v", entry.Fields["error"])
	}
}
