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
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/apphub/orchestrator/internal/errors"
	"github.com/apphub/orchestrator/internal/workflow"
)

// UpsertDefinition stores a workflow definition, recomputing its roots and
// topological order. Non-DAG step graphs are rejected.
func (s *Store) UpsertDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := def.Normalize(); err != nil {
		return err
	}

	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return &errors.StoreError{Op: "upsertDefinition", Cause: err}
	}
	roots, _ := json.Marshal(def.Roots)
	order, _ := json.Marshal(def.StepOrder)

	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions
			(id, slug, version, steps, default_parameters, roots, step_order, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			slug = excluded.slug,
			version = excluded.version,
			steps = excluded.steps,
			default_parameters = excluded.default_parameters,
			roots = excluded.roots,
			step_order = excluded.step_order,
			updated_at = excluded.updated_at`,
		def.ID, def.Slug, def.Version, string(steps),
		nullString(string(def.DefaultParameters)), string(roots), string(order),
		millis(def.CreatedAt), millis(def.UpdatedAt))
	if err != nil {
		return &errors.StoreError{Op: "upsertDefinition", Cause: err}
	}
	return nil
}

// GetDefinition fetches a workflow definition by id.
func (s *Store) GetDefinition(ctx context.Context, id string) (*workflow.Definition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, slug, version, steps, default_parameters, roots, step_order, created_at, updated_at
		FROM workflow_definitions WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	if err != nil {
		return nil, &errors.StoreError{Op: "getDefinition", Cause: err}
	}
	return def, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*workflow.Definition, error) {
	var (
		def                 workflow.Definition
		steps, roots, order string
		params              sql.NullString
		created, updated    int64
	)
	if err := row.Scan(&def.ID, &def.Slug, &def.Version, &steps, &params,
		&roots, &order, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &def.Steps); err != nil {
		return nil, err
	}
	if params.Valid {
		def.DefaultParameters = json.RawMessage(params.String)
	}
	_ = json.Unmarshal([]byte(roots), &def.Roots)
	_ = json.Unmarshal([]byte(order), &def.StepOrder)
	def.CreatedAt = fromMillis(created)
	def.UpdatedAt = fromMillis(updated)
	return &def, nil
}

// CreateRun inserts a new run row. The definition must exist.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	return s.createRun(ctx, s.db, run)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) createRun(ctx context.Context, db execer, run *workflow.Run) error {
	var exists int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM workflow_definitions WHERE id = ?`,
		run.WorkflowDefinitionID).Scan(&exists)
	if err != nil {
		return &errors.StoreError{Op: "createRun", Cause: err}
	}
	if exists == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: run.WorkflowDefinitionID}
	}

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = workflow.RunStatusPending
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO workflow_runs
			(id, workflow_definition_id, status, parameters, trigger, partition_key,
			 started_at, completed_at, duration_ms, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowDefinitionID, string(run.Status),
		nullString(string(run.Parameters)), nullString(string(run.Trigger)),
		nullString(run.PartitionKey),
		millisPtr(run.StartedAt), millisPtr(run.CompletedAt), run.DurationMS,
		nullString(run.ErrorMessage), millis(run.CreatedAt), millis(run.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return &errors.ConflictError{Resource: "workflow run", ID: run.ID}
		}
		return &errors.StoreError{Op: "createRun", Cause: err}
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_definition_id, status, parameters, trigger, partition_key,
		       started_at, completed_at, duration_ms, error_message, created_at, updated_at
		FROM workflow_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow run", ID: id}
	}
	if err != nil {
		return nil, &errors.StoreError{Op: "getRun", Cause: err}
	}
	return run, nil
}

func scanRun(row rowScanner) (*workflow.Run, error) {
	var (
		run                           workflow.Run
		status                        string
		params, trigger, pkey, errMsg sql.NullString
		started, completed            sql.NullInt64
		duration                      sql.NullInt64
		created, updated              int64
	)
	if err := row.Scan(&run.ID, &run.WorkflowDefinitionID, &status, &params, &trigger,
		&pkey, &started, &completed, &duration, &errMsg, &created, &updated); err != nil {
		return nil, err
	}
	run.Status = workflow.RunStatus(status)
	if params.Valid {
		run.Parameters = json.RawMessage(params.String)
	}
	if trigger.Valid {
		run.Trigger = json.RawMessage(trigger.String)
	}
	run.PartitionKey = pkey.String
	run.StartedAt = fromMillisPtr(started)
	run.CompletedAt = fromMillisPtr(completed)
	if duration.Valid {
		run.DurationMS = &duration.Int64
	}
	run.ErrorMessage = errMsg.String
	run.CreatedAt = fromMillis(created)
	run.UpdatedAt = fromMillis(updated)
	return &run, nil
}

// TransitionPatch carries the optional fields a transition may set.
type TransitionPatch struct {
	// ErrorMessage is recorded on failed transitions.
	ErrorMessage string

	// Metrics entries are merged into the run's metrics document.
	Metrics map[string]any
}

// Transition moves a run to the next status inside a transaction.
//
// The prior status is read inside the transaction, illegal transitions are
// rejected without mutating the row, and the UPDATE is guarded on the prior
// status so a racing transition loses cleanly. Timestamps are maintained
// here: started_at on entering running, completed_at and duration_ms on
// entering a terminal status.
func (s *Store) Transition(ctx context.Context, runID string, next workflow.RunStatus, patch TransitionPatch) (*workflow.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.StoreError{Op: "transition", Cause: err}
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, workflow_definition_id, status, parameters, trigger, partition_key,
		       started_at, completed_at, duration_ms, error_message, created_at, updated_at
		FROM workflow_runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow run", ID: runID}
	}
	if err != nil {
		return nil, &errors.StoreError{Op: "transition", Cause: err}
	}

	if !run.Status.CanTransition(next) {
		return nil, &errors.TransitionError{
			RunID: runID,
			From:  string(run.Status),
			To:    string(next),
		}
	}

	now := time.Now().UTC()
	run.UpdatedAt = now
	prior := run.Status
	run.Status = next

	if next == workflow.RunStatusRunning && run.StartedAt == nil {
		t := now
		run.StartedAt = &t
	}
	if next.Terminal() {
		t := now
		run.CompletedAt = &t
		if run.StartedAt != nil {
			d := run.CompletedAt.Sub(*run.StartedAt).Milliseconds()
			run.DurationMS = &d
		}
	}
	if patch.ErrorMessage != "" {
		run.ErrorMessage = patch.ErrorMessage
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = ?, started_at = ?, completed_at = ?, duration_ms = ?,
		    error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(run.Status), millisPtr(run.StartedAt), millisPtr(run.CompletedAt),
		run.DurationMS, nullString(run.ErrorMessage), millis(run.UpdatedAt),
		runID, string(prior))
	if err != nil {
		return nil, &errors.StoreError{Op: "transition", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race despite the transaction; report as a conflict.
		return nil, &errors.TransitionError{RunID: runID, From: string(prior), To: string(next)}
	}

	if len(patch.Metrics) > 0 {
		if err := mergeRunMetrics(ctx, tx, runID, patch.Metrics, run.UpdatedAt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &errors.StoreError{Op: "transition", Cause: err}
	}
	return run, nil
}

// mergeRunMetrics merges entries into the run's metrics document within the
// caller's transaction.
func mergeRunMetrics(ctx context.Context, db execer, runID string, entries map[string]any, at time.Time) error {
	var raw sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT metrics FROM workflow_runs WHERE id = ?`, runID).Scan(&raw)
	if err != nil {
		return &errors.StoreError{Op: "transition", Cause: err}
	}

	metrics := map[string]any{}
	if raw.Valid && raw.String != "" {
		_ = json.Unmarshal([]byte(raw.String), &metrics)
	}
	for k, v := range entries {
		metrics[k] = v
	}
	merged, err := json.Marshal(metrics)
	if err != nil {
		return &errors.StoreError{Op: "transition", Cause: err}
	}

	_, err = db.ExecContext(ctx,
		`UPDATE workflow_runs SET metrics = ?, updated_at = ? WHERE id = ?`,
		string(merged), millis(at), runID)
	if err != nil {
		return &errors.StoreError{Op: "transition", Cause: err}
	}
	return nil
}

// AnnotateRunMetrics merges a key/value pair into the run's metrics document.
// Used by the materializer to record enqueue failures without touching status.
func (s *Store) AnnotateRunMetrics(ctx context.Context, runID, key string, value any) error {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT metrics FROM workflow_runs WHERE id = ?`, runID).Scan(&raw)
	if err == sql.ErrNoRows {
		return &errors.NotFoundError{Resource: "workflow run", ID: runID}
	}
	if err != nil {
		return &errors.StoreError{Op: "annotateRunMetrics", Cause: err}
	}

	metrics := map[string]any{}
	if raw.Valid && raw.String != "" {
		_ = json.Unmarshal([]byte(raw.String), &metrics)
	}
	metrics[key] = value
	merged, err := json.Marshal(metrics)
	if err != nil {
		return &errors.StoreError{Op: "annotateRunMetrics", Cause: err}
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET metrics = ?, updated_at = ? WHERE id = ?`,
		string(merged), millis(time.Now().UTC()), runID)
	if err != nil {
		return &errors.StoreError{Op: "annotateRunMetrics", Cause: err}
	}
	return nil
}

// GetRunMetrics returns the run's metrics document.
func (s *Store) GetRunMetrics(ctx context.Context, runID string) (map[string]any, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT metrics FROM workflow_runs WHERE id = ?`, runID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow run", ID: runID}
	}
	if err != nil {
		return nil, &errors.StoreError{Op: "getRunMetrics", Cause: err}
	}
	metrics := map[string]any{}
	if raw.Valid && raw.String != "" {
		_ = json.Unmarshal([]byte(raw.String), &metrics)
	}
	return metrics, nil
}

// ListRunsByDefinition returns runs for a definition, newest first.
// Status filters when non-empty; since filters on created_at when non-zero.
func (s *Store) ListRunsByDefinition(ctx context.Context, defID string, status workflow.RunStatus, since time.Time, limit int) ([]*workflow.Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	query := `
		SELECT id, workflow_definition_id, status, parameters, trigger, partition_key,
		       started_at, completed_at, duration_ms, error_message, created_at, updated_at
		FROM workflow_runs
		WHERE workflow_definition_id = ?`
	args := []any{defID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, millis(since))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errors.StoreError{Op: "listRunsByDefinition", Cause: err}
	}
	defer rows.Close()

	var runs []*workflow.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, &errors.StoreError{Op: "listRunsByDefinition", Cause: err}
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.StoreError{Op: "listRunsByDefinition", Cause: err}
	}
	return runs, nil
}

// CountFailures counts failed runs of a definition completed within the
// trailing window. Used by the alerter.
func (s *Store) CountFailures(ctx context.Context, defID string, window time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-window)
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM workflow_runs
		WHERE workflow_definition_id = ? AND status = ? AND completed_at >= ?`,
		defID, string(workflow.RunStatusFailed), millis(cutoff)).Scan(&count)
	if err != nil {
		return 0, &errors.StoreError{Op: "countFailures", Cause: err}
	}
	return count, nil
}
