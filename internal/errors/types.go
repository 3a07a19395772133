// Copyright 2025 The Orchestrator Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors defines the typed errors shared across the control plane.
package errors

import (
	"fmt"
)

// ValidationError represents user input validation failures.
// Use this for invalid cron expressions, unknown timezones, malformed
// definitions, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested workflow, run, or schedule does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "workflow run", "schedule")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError represents an attempt to create a resource whose key
// already exists.
type ConflictError struct {
	// Resource is the type of resource (e.g., "workflow run")
	Resource string

	// ID is the conflicting identifier
	ID string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Resource, e.ID)
}

// TransitionError represents an illegal workflow run status transition.
// Terminal statuses never reopen and statuses never regress; attempts to do
// either are rejected with this error without mutating the run.
type TransitionError struct {
	// RunID is the run whose transition was rejected
	RunID string

	// From is the status the run currently holds
	From string

	// To is the status the caller attempted to move to
	To string
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition for run %s: %s -> %s", e.RunID, e.From, e.To)
}

// StoreError represents a persistence layer failure.
// Callers should treat these as retryable; the gate treats them as
// "gate unknown" and fails closed.
type StoreError struct {
	// Op describes the store operation that failed (e.g., "transition", "listDueSchedules")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "SCHEDULER_INTERVAL_MS")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// EnqueueError represents a failed hand-off to the downstream job queue.
// The run row is already committed when this surfaces; the materializer
// stalls the schedule cursor so the next tick retries the same occurrence.
type EnqueueError struct {
	// RunID is the run that could not be enqueued
	RunID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *EnqueueError) Error() string {
	return fmt.Sprintf("failed to enqueue run %s: %v", e.RunID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *EnqueueError) Unwrap() error {
	return e.Cause
}
