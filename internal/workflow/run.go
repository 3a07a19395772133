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

package workflow

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	// RunStatusPending means the run is created but not yet claimed by a worker.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning means a worker is executing the run.
	RunStatusRunning RunStatus = "running"
	// RunStatusSucceeded is terminal success.
	RunStatusSucceeded RunStatus = "succeeded"
	// RunStatusFailed is terminal failure.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCanceled is terminal cancellation.
	RunStatusCanceled RunStatus = "canceled"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status. Terminal runs never
// transition again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// CanTransition reports whether a run may move from s to next.
// The machine is pending -> running -> (succeeded | failed | canceled).
// Two extra edges leave pending directly: canceled, for runs withdrawn
// before a worker claims them, and failed, for runs a worker rejects
// without ever starting (bad parameters, unresolvable partition).
func (s RunStatus) CanTransition(next RunStatus) bool {
	if !next.Valid() || s.Terminal() {
		return false
	}
	switch s {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusCanceled || next == RunStatusFailed
	case RunStatusRunning:
		return next.Terminal()
	}
	return false
}

// Run is a single execution of a workflow definition.
type Run struct {
	ID                   string          `json:"id"`
	WorkflowDefinitionID string          `json:"workflowDefinitionId"`
	Status               RunStatus       `json:"status"`
	Parameters           json.RawMessage `json:"parameters,omitempty"`
	Trigger              json.RawMessage `json:"trigger,omitempty"`
	PartitionKey         string          `json:"partitionKey,omitempty"`
	StartedAt            *time.Time      `json:"startedAt,omitempty"`
	CompletedAt          *time.Time      `json:"completedAt,omitempty"`
	DurationMS           *int64          `json:"durationMs,omitempty"`
	ErrorMessage         string          `json:"errorMessage,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}
