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

package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/orchestrator/internal/errors"
	"github.com/apphub/orchestrator/internal/workflow"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testDefinition(id string) *workflow.Definition {
	return &workflow.Definition{
		ID:   id,
		Slug: id + "-slug",
		Steps: []workflow.StepDefinition{
			{ID: "build", Kind: workflow.StepKindJob, Produces: []workflow.AssetDeclaration{
				{ID: "artifact", Partitioning: workflow.PartitioningTimeWindow, Granularity: workflow.GranularityMinute},
			}},
			{ID: "deploy", Kind: workflow.StepKindService, DependsOn: []string{"build"}},
		},
	}
}

func mustCreateDefinition(t *testing.T, s *Store, id string) *workflow.Definition {
	t.Helper()
	def := testDefinition(id)
	require.NoError(t, s.UpsertDefinition(context.Background(), def))
	return def
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestUpsertAndGetDefinition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := mustCreateDefinition(t, s, "wf-1")
	assert.Equal(t, []string{"build"}, def.Roots)

	got, err := s.GetDefinition(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1-slug", got.Slug)
	assert.Equal(t, []string{"build", "deploy"}, got.StepOrder)
	assert.Len(t, got.Steps, 2)
}

func TestGetDefinitionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDefinition(context.Background(), "ghost")
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestCreateRunRequiresDefinition(t *testing.T) {
	s := newTestStore(t)

	err := s.CreateRun(context.Background(), &workflow.Run{
		ID:                   "run-1",
		WorkflowDefinitionID: "ghost",
	})
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestCreateRunDuplicateIDConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateDefinition(t, s, "wf-1")

	run := &workflow.Run{ID: "run-1", WorkflowDefinitionID: "wf-1"}
	require.NoError(t, s.CreateRun(ctx, run))

	err := s.CreateRun(ctx, &workflow.Run{ID: "run-1", WorkflowDefinitionID: "wf-1"})
	var conflict *errors.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestTransitionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateDefinition(t, s, "wf-1")
	require.NoError(t, s.CreateRun(ctx, &workflow.Run{ID: "run-1", WorkflowDefinitionID: "wf-1"}))

	run, err := s.Transition(ctx, "run-1", workflow.RunStatusRunning, TransitionPatch{})
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusRunning, run.Status)
	require.NotNil(t, run.StartedAt)
	assert.Nil(t, run.CompletedAt)

	run, err = s.Transition(ctx, "run-1", workflow.RunStatusSucceeded, TransitionPatch{})
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusSucceeded, run.Status)
	require.NotNil(t, run.CompletedAt)
	require.NotNil(t, run.DurationMS)
	assert.GreaterOrEqual(t, *run.DurationMS, int64(0))
}

func TestTransitionRejectsIllegalMoves(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateDefinition(t, s, "wf-1")
	require.NoError(t, s.CreateRun(ctx, &workflow.Run{ID: "run-1", WorkflowDefinitionID: "wf-1"}))

	// pending -> succeeded skips running.
	_, err := s.Transition(ctx, "run-1", workflow.RunStatusSucceeded, TransitionPatch{})
	var terr *errors.TransitionError
	require.ErrorAs(t, err, &terr)

	// Terminal runs never reopen.
	_, err = s.Transition(ctx, "run-1", workflow.RunStatusCanceled, TransitionPatch{})
	require.NoError(t, err)
	_, err = s.Transition(ctx, "run-1", workflow.RunStatusRunning, TransitionPatch{})
	require.ErrorAs(t, err, &terr)

	// The row is unchanged by the rejected transition.
	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusCanceled, got.Status)
}

func TestTransitionRecordsErrorMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateDefinition(t, s, "wf-1")
	require.NoError(t, s.CreateRun(ctx, &workflow.Run{ID: "run-1", WorkflowDefinitionID: "wf-1"}))

	run, err := s.Transition(ctx, "run-1", workflow.RunStatusFailed, TransitionPatch{ErrorMessage: "boom"})
	require.NoError(t, err)
	assert.Equal(t, "boom", run.ErrorMessage)

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "boom", got.ErrorMessage)
}

func TestTransitionMergesMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateDefinition(t, s, "wf-1")
	require.NoError(t, s.CreateRun(ctx, &workflow.Run{ID: "run-1", WorkflowDefinitionID: "wf-1"}))
	require.NoError(t, s.AnnotateRunMetrics(ctx, "run-1", "enqueueError", "queue closed"))

	_, err := s.Transition(ctx, "run-1", workflow.RunStatusRunning, TransitionPatch{
		Metrics: map[string]any{"worker": "w-7"},
	})
	require.NoError(t, err)

	metrics, err := s.GetRunMetrics(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "w-7", metrics["worker"])
	assert.Equal(t, "queue closed", metrics["enqueueError"])
}

func TestAnnotateRunMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateDefinition(t, s, "wf-1")
	require.NoError(t, s.CreateRun(ctx, &workflow.Run{ID: "run-1", WorkflowDefinitionID: "wf-1"}))

	require.NoError(t, s.AnnotateRunMetrics(ctx, "run-1", "enqueueError", "queue closed"))
	require.NoError(t, s.AnnotateRunMetrics(ctx, "run-1", "attempts", 2))

	metrics, err := s.GetRunMetrics(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "queue closed", metrics["enqueueError"])
	assert.Equal(t, float64(2), metrics["attempts"])
}

func TestListRunsByDefinition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateDefinition(t, s, "wf-1")

	for _, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, s.CreateRun(ctx, &workflow.Run{ID: id, WorkflowDefinitionID: "wf-1"}))
	}
	_, err := s.Transition(ctx, "run-b", workflow.RunStatusFailed, TransitionPatch{})
	require.NoError(t, err)

	all, err := s.ListRunsByDefinition(ctx, "wf-1", "", time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	failed, err := s.ListRunsByDefinition(ctx, "wf-1", workflow.RunStatusFailed, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "run-b", failed[0].ID)
}

func TestCountFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateDefinition(t, s, "wf-1")

	for _, id := range []string{"run-a", "run-b"} {
		require.NoError(t, s.CreateRun(ctx, &workflow.Run{ID: id, WorkflowDefinitionID: "wf-1"}))
		_, err := s.Transition(ctx, id, workflow.RunStatusFailed, TransitionPatch{})
		require.NoError(t, err)
	}

	count, err := s.CountFailures(ctx, "wf-1", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = s.CountFailures(ctx, "wf-other", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestUpsertSchedulePreservesRuntimeFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateDefinition(t, s, "wf-1")

	next := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	sched := &workflow.Schedule{
		ID:                   "sched-1",
		WorkflowDefinitionID: "wf-1",
		Cron:                 "*/30 * * * * *",
		IsActive:             true,
		NextRunAt:            &next,
	}
	require.NoError(t, s.UpsertSchedule(ctx, sched))

	cursor := next.Add(30 * time.Second)
	require.NoError(t, s.UpdateScheduleRuntime(ctx, "sched-1", ScheduleRuntimePatch{
		CatchupCursor: &cursor, SetCatchupCursor: true,
	}))

	// A definition sync re-upserting the schedule must not clobber the cursor.
	sched.Parameters = json.RawMessage(`{"env":"prod"}`)
	require.NoError(t, s.UpsertSchedule(ctx, sched))

	got, err := s.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	require.NotNil(t, got.CatchupCursor)
	assert.Equal(t, cursor, *got.CatchupCursor)
	assert.JSONEq(t, `{"env":"prod"}`, string(got.Parameters))
}

func TestListDueSchedules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateDefinition(t, s, "wf-1")

	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	schedules := []*workflow.Schedule{
		{ID: "due", WorkflowDefinitionID: "wf-1", Cron: "* * * * *", IsActive: true, NextRunAt: &past},
		{ID: "future", WorkflowDefinitionID: "wf-1", Cron: "* * * * *", IsActive: true, NextRunAt: &future},
		{ID: "inactive", WorkflowDefinitionID: "wf-1", Cron: "* * * * *", IsActive: false, NextRunAt: &past},
		{ID: "parked", WorkflowDefinitionID: "wf-1", Cron: "* * * * *", IsActive: true},
	}
	for _, sched := range schedules {
		require.NoError(t, s.UpsertSchedule(ctx, sched))
	}

	due, err := s.ListDueSchedules(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].Schedule.ID)
	assert.Equal(t, "wf-1", due[0].Definition.ID)
	assert.NotEmpty(t, due[0].Definition.Steps)
}

func TestUpdateScheduleRuntimeClearsFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateDefinition(t, s, "wf-1")

	next := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	sched := &workflow.Schedule{
		ID: "sched-1", WorkflowDefinitionID: "wf-1", Cron: "* * * * *",
		IsActive: true, NextRunAt: &next, CatchupCursor: &next,
	}
	require.NoError(t, s.UpsertSchedule(ctx, sched))

	future := next.Add(time.Hour)
	require.NoError(t, s.UpdateScheduleRuntime(ctx, "sched-1", ScheduleRuntimePatch{
		NextRunAt: &future, SetNextRunAt: true,
		SetCatchupCursor: true, // nil clears the cursor
		LastWindow:       &workflow.Window{Start: next, End: next},
		SetLastWindow:    true,
	}))

	got, err := s.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, future, *got.NextRunAt)
	assert.Nil(t, got.CatchupCursor)
	require.NotNil(t, got.LastWindow)
	assert.Equal(t, next, got.LastWindow.Start)
}

func TestUpdateScheduleRuntimeNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateScheduleRuntime(context.Background(), "ghost", ScheduleRuntimePatch{SetNextRunAt: true})
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
}
