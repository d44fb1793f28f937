// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

// Package logger provides structured JSON logging for the metering
// services. Entries carry the caller and request identifiers so quota
// decisions can be traced per caller across instances.
package logger

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger writes structured log entries for one service component.
type Logger struct {
	Component  string
	InstanceID string
	Host       string
}

// LogEntry is the JSON shape of every log line.
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	Host       string                 `json:"host"`
	CallerID   string                 `json:"caller_id,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the specified component.
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Host:       host,
	}
}

// Log writes one structured entry to stdout.
func (l *Logger) Log(level LogLevel, callerID, requestID, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		InstanceID: l.InstanceID,
		Host:       l.Host,
		CallerID:   callerID,
		RequestID:  requestID,
		Message:    message,
		Fields:     fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(callerID, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, callerID, requestID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(callerID, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, callerID, requestID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(callerID, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, callerID, requestID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(callerID, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, callerID, requestID, message, fields)
}

// InfoWithDuration logs an info message with a duration_ms field.
func (l *Logger) InfoWithDuration(callerID, requestID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(callerID, requestID, message, fields)
}

// ErrorWith logs an error message with the error attached as a field.
func (l *Logger) ErrorWith(callerID, requestID, message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(callerID, requestID, message, fields)
}
