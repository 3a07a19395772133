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

// Package scheduler materializes workflow runs from cron schedules.
//
// A single loop ticks at a configurable interval. Each tick claims due
// schedules, walks their cron occurrences forward from the catch-up cursor,
// creates pending runs in the correct partition windows, enqueues them for
// downstream workers, and advances the schedule cursors. Ticks never
// overlap: the next tick is armed only after the previous one finishes.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/apphub/orchestrator/internal/cron"
	"github.com/apphub/orchestrator/internal/errors"
	"github.com/apphub/orchestrator/internal/log"
	"github.com/apphub/orchestrator/internal/partition"
	"github.com/apphub/orchestrator/internal/queue"
	"github.com/apphub/orchestrator/internal/runs"
	"github.com/apphub/orchestrator/internal/store"
	"github.com/apphub/orchestrator/internal/workflow"
)

var tracer = otel.Tracer("orchestrator/scheduler")

// Defaults per the environment contract.
const (
	DefaultInterval   = 10 * time.Second
	DefaultBatchSize  = 20
	DefaultMaxWindows = 5
)

// EnqueueFunc hands a materialized run to the downstream job queue.
type EnqueueFunc func(ctx context.Context, job *queue.Job) error

// Config contains scheduler configuration.
type Config struct {
	// Interval is the tick period.
	Interval time.Duration

	// BatchSize is the maximum schedules claimed per tick.
	BatchSize int

	// MaxWindows is the maximum occurrences materialized per schedule per tick.
	MaxWindows int
}

// Scheduler is the materializer loop.
type Scheduler struct {
	cfg     Config
	store   *store.Store
	runs    *runs.Service
	enqueue EnqueueFunc
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// now is the clock; tests freeze it.
	now func() time.Time
}

// New creates a scheduler.
func New(cfg Config, st *store.Store, runSvc *runs.Service, enqueue EnqueueFunc, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxWindows <= 0 {
		cfg.MaxWindows = DefaultMaxWindows
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		runs:    runSvc,
		enqueue: enqueue,
		logger:  log.WithComponent(logger, "scheduler"),
		now:     time.Now,
	}
}

// Start starts the materializer loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop stops the loop cooperatively: the in-flight tick finishes first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
}

// run is the main loop. A new tick is armed only after the previous one
// completes, so ticks never overlap.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timer.C:
			s.Tick(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

// Tick claims due schedules and materializes their backlogs. Exported so
// the daemon can force an immediate pass and tests can drive the scheduler
// with a frozen clock.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()
	ctx, span := tracer.Start(ctx, "scheduler.Tick")
	defer span.End()

	started := time.Now()
	defer func() {
		tickDuration.Observe(time.Since(started).Seconds())
	}()

	due, err := s.store.ListDueSchedules(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Warn("Failed to list due schedules, retrying next tick", log.Error(err))
		return
	}
	span.SetAttributes(attribute.Int("due_schedules", len(due)))

	for _, ds := range due {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.materialize(ctx, ds, now)
	}
}

// materialize walks one schedule's occurrence backlog.
func (s *Scheduler) materialize(ctx context.Context, ds workflow.DueSchedule, now time.Time) {
	sched := ds.Schedule
	logger := s.logger.With(
		slog.String(log.ScheduleKey, sched.ID),
		slog.String(log.WorkflowKey, sched.WorkflowDefinitionID))

	// The store query filters these; guard against races anyway.
	if !sched.IsActive || sched.NextRunAt == nil {
		return
	}

	expr, err := cron.Parse(sched.Cron, sched.Timezone)
	if err != nil {
		// A broken expression would stay due forever; park the schedule
		// until a definition sync repairs it.
		logger.Error("Schedule has invalid cron, parking", log.Error(err))
		s.updateRuntime(ctx, logger, sched.ID, store.ScheduleRuntimePatch{
			SetNextRunAt: true,
		})
		return
	}

	occurrence := *sched.NextRunAt
	if sched.CatchupCursor != nil {
		occurrence = *sched.CatchupCursor
	}

	for produced := 0; produced < s.cfg.MaxWindows && !occurrence.After(now); produced++ {
		key, partitioned := partition.Key(&ds.Definition, occurrence)

		var run *workflow.Run
		if partitioned {
			run, err = s.createRun(ctx, ds, occurrence, key)
			if err != nil {
				// Store trouble: leave the cursor alone so the next tick
				// retries this same occurrence.
				logger.Warn("Failed to create run, retrying next tick",
					slog.Time("occurrence", occurrence), log.Error(err))
				return
			}

			if err := s.enqueue(ctx, &queue.Job{
				RunID:                run.ID,
				WorkflowDefinitionID: run.WorkflowDefinitionID,
				PartitionKey:         run.PartitionKey,
				Parameters:           run.Parameters,
				CreatedAt:            now,
			}); err != nil {
				// The run row is committed and visible; stall the cursor at
				// this occurrence and move on to the next schedule.
				enqueueFailures.Inc()
				qerr := &errors.EnqueueError{RunID: run.ID, Cause: err}
				logger.Warn("Failed to enqueue run, stalling cursor",
					slog.String(log.RunIDKey, run.ID),
					slog.Time("occurrence", occurrence), log.Error(qerr))
				if annErr := s.store.AnnotateRunMetrics(ctx, run.ID, "enqueueError", qerr.Error()); annErr != nil {
					logger.Warn("Failed to annotate run metrics", log.Error(annErr))
				}
				occ := occurrence
				s.updateRuntime(ctx, logger, sched.ID, store.ScheduleRuntimePatch{
					NextRunAt: &occ, SetNextRunAt: true,
					CatchupCursor: &occ, SetCatchupCursor: true,
				})
				return
			}
			runsMaterialized.Inc()
		} else {
			// No time-window partitioned asset: record only cursor
			// advancement for this occurrence.
			occurrencesSkipped.Inc()
		}

		if !sched.CatchUp {
			// Discard the remaining backlog and jump to the next future
			// occurrence.
			next := expr.Next(now)
			patch := store.ScheduleRuntimePatch{
				SetNextRunAt:     true,
				SetCatchupCursor: true,
			}
			if !next.IsZero() {
				patch.NextRunAt = &next
			}
			if run != nil {
				patch.LastWindow = &workflow.Window{Start: occurrence, End: occurrence}
				patch.SetLastWindow = true
			}
			s.updateRuntime(ctx, logger, sched.ID, patch)
			return
		}

		next := expr.Next(occurrence)
		patch := store.ScheduleRuntimePatch{
			SetNextRunAt:     true,
			SetCatchupCursor: true,
		}
		if !next.IsZero() {
			patch.NextRunAt = &next
			patch.CatchupCursor = &next
		}
		if run != nil {
			patch.LastWindow = &workflow.Window{Start: occurrence, End: occurrence}
			patch.SetLastWindow = true
		}
		// Persisting per occurrence keeps the cursor exact across crashes.
		s.updateRuntime(ctx, logger, sched.ID, patch)

		if next.IsZero() {
			return
		}
		occurrence = next
	}
}

// createRun creates the pending run for an occurrence. Run ids are
// deterministic per (schedule, occurrence) so an enqueue-failure retry
// reuses the committed row instead of duplicating it.
func (s *Scheduler) createRun(ctx context.Context, ds workflow.DueSchedule, occurrence time.Time, key string) (*workflow.Run, error) {
	sched := ds.Schedule
	id := fmt.Sprintf("run-%s-%d", sched.ID, occurrence.Unix())

	run, err := s.runs.CreateRun(ctx, runs.CreateRunInput{
		ID:                   id,
		WorkflowDefinitionID: sched.WorkflowDefinitionID,
		Parameters:           workflow.MergeParameters(ds.Definition.DefaultParameters, sched.Parameters),
		Trigger:              workflow.EncodeScheduleTrigger(sched.ID, occurrence),
		PartitionKey:         key,
	})
	if err == nil {
		return run, nil
	}

	var conflict *errors.ConflictError
	if errors.As(err, &conflict) {
		// Already created by an earlier tick whose enqueue failed.
		return s.runs.GetRun(ctx, id)
	}
	return nil, err
}

// updateRuntime applies a cursor patch, logging store trouble. A failed
// update means the next tick redoes this schedule's work; run ids are
// deterministic so that is safe.
func (s *Scheduler) updateRuntime(ctx context.Context, logger *slog.Logger, scheduleID string, patch store.ScheduleRuntimePatch) {
	if err := s.store.UpdateScheduleRuntime(ctx, scheduleID, patch); err != nil {
		logger.Warn("Failed to update schedule runtime metadata", log.Error(err))
	}
}
