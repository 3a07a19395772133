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

// Package runs is the transactional facade over the workflow run table.
//
// Every successful status change emits exactly two bus events, in order:
// the status-specific event (workflow.run.succeeded, ...) followed by the
// generic workflow.run.updated. Subscribers may rely on that ordering.
package runs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/apphub/orchestrator/internal/bus"
	"github.com/apphub/orchestrator/internal/log"
	"github.com/apphub/orchestrator/internal/store"
	"github.com/apphub/orchestrator/internal/workflow"
)

// FailureAlerter is notified asynchronously when a run transitions to
// failed. Implementations must not block for long; errors are theirs to log.
type FailureAlerter interface {
	RunFailed(run *workflow.Run)
}

// Service is the run store facade.
type Service struct {
	store   *store.Store
	bus     *bus.Bus
	alerter FailureAlerter
	logger  *slog.Logger
}

// New creates the facade. alerter may be nil.
func New(st *store.Store, b *bus.Bus, alerter FailureAlerter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		bus:     b,
		alerter: alerter,
		logger:  log.WithComponent(logger, "runs"),
	}
}

// CreateRunInput carries the caller-supplied fields of a new run.
type CreateRunInput struct {
	// WorkflowDefinitionID identifies the definition to run. Required.
	WorkflowDefinitionID string

	// Parameters is the opaque parameter document.
	Parameters json.RawMessage

	// Trigger is the opaque trigger descriptor.
	Trigger json.RawMessage

	// PartitionKey is the data slice the run operates on, when partitioned.
	PartitionKey string

	// ID overrides the generated run id. Leave empty normally.
	ID string
}

// CreateRun inserts a pending run and emits workflow.run.pending followed by
// workflow.run.updated.
func (s *Service) CreateRun(ctx context.Context, input CreateRunInput) (*workflow.Run, error) {
	id := input.ID
	if id == "" {
		id = "run-" + uuid.NewString()
	}

	run := &workflow.Run{
		ID:                   id,
		WorkflowDefinitionID: input.WorkflowDefinitionID,
		Status:               workflow.RunStatusPending,
		Parameters:           input.Parameters,
		Trigger:              input.Trigger,
		PartitionKey:         input.PartitionKey,
		CreatedAt:            time.Now().UTC(),
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	s.emit(run)
	return run, nil
}

// Transition moves a run through the state machine and emits the event pair.
// A transition to failed additionally invokes the failure alerter
// asynchronously; alerter problems never fail the transition.
func (s *Service) Transition(ctx context.Context, runID string, next workflow.RunStatus, patch store.TransitionPatch) (*workflow.Run, error) {
	run, err := s.store.Transition(ctx, runID, next, patch)
	if err != nil {
		return nil, err
	}

	s.emit(run)

	if next == workflow.RunStatusFailed && s.alerter != nil {
		go s.alerter.RunFailed(run)
	}
	return run, nil
}

// GetRun fetches a run by id.
func (s *Service) GetRun(ctx context.Context, runID string) (*workflow.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// ListRunsByDefinition lists runs of a definition, newest first.
func (s *Service) ListRunsByDefinition(ctx context.Context, defID string, status workflow.RunStatus, since time.Time, limit int) ([]*workflow.Run, error) {
	return s.store.ListRunsByDefinition(ctx, defID, status, since, limit)
}

// CountFailures counts failed runs of a definition over the trailing window.
func (s *Service) CountFailures(ctx context.Context, defID string, window time.Duration) (int, error) {
	return s.store.CountFailures(ctx, defID, window)
}

// emit publishes the status-specific event then the generic update.
func (s *Service) emit(run *workflow.Run) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Type: bus.RunEventType(string(run.Status)), Data: run})
	s.bus.Publish(bus.Event{Type: bus.TypeWorkflowRunUpdated, Data: run})
}
