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
	"time"

	"github.com/apphub/orchestrator/internal/errors"
	"github.com/apphub/orchestrator/internal/workflow"
)

// UpsertSchedule stores a schedule row. Definition syncs own every field
// except the three runtime fields, which UpdateScheduleRuntime mutates.
func (s *Store) UpsertSchedule(ctx context.Context, sched *workflow.Schedule) error {
	now := time.Now().UTC()
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	sched.UpdatedAt = now

	var window sql.NullString
	if sched.LastWindow != nil {
		raw, err := json.Marshal(sched.LastWindow)
		if err != nil {
			return &errors.StoreError{Op: "upsertSchedule", Cause: err}
		}
		window = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_schedules
			(id, workflow_definition_id, cron, timezone, parameters, catch_up,
			 next_run_at, catchup_cursor, last_materialized_window, is_active,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workflow_definition_id = excluded.workflow_definition_id,
			cron = excluded.cron,
			timezone = excluded.timezone,
			parameters = excluded.parameters,
			catch_up = excluded.catch_up,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		sched.ID, sched.WorkflowDefinitionID, sched.Cron, nullString(sched.Timezone),
		nullString(string(sched.Parameters)), boolInt(sched.CatchUp),
		millisPtr(sched.NextRunAt), millisPtr(sched.CatchupCursor), window,
		boolInt(sched.IsActive), millis(sched.CreatedAt), millis(sched.UpdatedAt))
	if err != nil {
		return &errors.StoreError{Op: "upsertSchedule", Cause: err}
	}
	return nil
}

// GetSchedule fetches a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*workflow.Schedule, error) {
	row := s.db.QueryRowContext(ctx, scheduleColumns+` FROM workflow_schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	if err != nil {
		return nil, &errors.StoreError{Op: "getSchedule", Cause: err}
	}
	return sched, nil
}

const scheduleColumns = `
	SELECT id, workflow_definition_id, cron, timezone, parameters, catch_up,
	       next_run_at, catchup_cursor, last_materialized_window, is_active,
	       created_at, updated_at`

func scanSchedule(row rowScanner) (*workflow.Schedule, error) {
	var (
		sched              workflow.Schedule
		tz, params, window sql.NullString
		catchUp, active    int
		next, cursor       sql.NullInt64
		created, updated   int64
	)
	if err := row.Scan(&sched.ID, &sched.WorkflowDefinitionID, &sched.Cron, &tz,
		&params, &catchUp, &next, &cursor, &window, &active, &created, &updated); err != nil {
		return nil, err
	}
	sched.Timezone = tz.String
	if params.Valid {
		sched.Parameters = json.RawMessage(params.String)
	}
	sched.CatchUp = catchUp != 0
	sched.IsActive = active != 0
	sched.NextRunAt = fromMillisPtr(next)
	sched.CatchupCursor = fromMillisPtr(cursor)
	if window.Valid && window.String != "" {
		var w workflow.Window
		if err := json.Unmarshal([]byte(window.String), &w); err == nil {
			sched.LastWindow = &w
		}
	}
	sched.CreatedAt = fromMillis(created)
	sched.UpdatedAt = fromMillis(updated)
	return &sched, nil
}

// ListDueSchedules returns active schedules with next_run_at <= now, joined
// with their workflow definitions, oldest due first. Schedules with a null
// next_run_at are not due.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]workflow.DueSchedule, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.workflow_definition_id, s.cron, s.timezone, s.parameters,
		       s.catch_up, s.next_run_at, s.catchup_cursor, s.last_materialized_window,
		       s.is_active, s.created_at, s.updated_at,
		       d.id, d.slug, d.version, d.steps, d.default_parameters, d.roots,
		       d.step_order, d.created_at, d.updated_at
		FROM workflow_schedules s
		JOIN workflow_definitions d ON d.id = s.workflow_definition_id
		WHERE s.is_active = 1 AND s.next_run_at IS NOT NULL AND s.next_run_at <= ?
		ORDER BY s.next_run_at ASC
		LIMIT ?`, millis(now), limit)
	if err != nil {
		return nil, &errors.StoreError{Op: "listDueSchedules", Cause: err}
	}
	defer rows.Close()

	var due []workflow.DueSchedule
	for rows.Next() {
		var (
			sched               workflow.Schedule
			tz, sparams, window sql.NullString
			catchUp, active     int
			next, cursor        sql.NullInt64
			screated, supdated  int64
			def                 workflow.Definition
			steps, roots, order string
			dparams             sql.NullString
			dcreated, dupdated  int64
		)
		if err := rows.Scan(&sched.ID, &sched.WorkflowDefinitionID, &sched.Cron, &tz,
			&sparams, &catchUp, &next, &cursor, &window, &active, &screated, &supdated,
			&def.ID, &def.Slug, &def.Version, &steps, &dparams, &roots, &order,
			&dcreated, &dupdated); err != nil {
			return nil, &errors.StoreError{Op: "listDueSchedules", Cause: err}
		}
		sched.Timezone = tz.String
		if sparams.Valid {
			sched.Parameters = json.RawMessage(sparams.String)
		}
		sched.CatchUp = catchUp != 0
		sched.IsActive = active != 0
		sched.NextRunAt = fromMillisPtr(next)
		sched.CatchupCursor = fromMillisPtr(cursor)
		if window.Valid && window.String != "" {
			var w workflow.Window
			if err := json.Unmarshal([]byte(window.String), &w); err == nil {
				sched.LastWindow = &w
			}
		}
		sched.CreatedAt = fromMillis(screated)
		sched.UpdatedAt = fromMillis(supdated)

		if err := json.Unmarshal([]byte(steps), &def.Steps); err != nil {
			return nil, &errors.StoreError{Op: "listDueSchedules", Cause: err}
		}
		if dparams.Valid {
			def.DefaultParameters = json.RawMessage(dparams.String)
		}
		_ = json.Unmarshal([]byte(roots), &def.Roots)
		_ = json.Unmarshal([]byte(order), &def.StepOrder)
		def.CreatedAt = fromMillis(dcreated)
		def.UpdatedAt = fromMillis(dupdated)

		due = append(due, workflow.DueSchedule{Schedule: sched, Definition: def})
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.StoreError{Op: "listDueSchedules", Cause: err}
	}
	return due, nil
}

// ScheduleRuntimePatch mutates the materializer-owned runtime fields.
// Each field applies only when its Set flag is true; a nil value with the
// flag set clears the column.
type ScheduleRuntimePatch struct {
	NextRunAt    *time.Time
	SetNextRunAt bool

	CatchupCursor    *time.Time
	SetCatchupCursor bool

	LastWindow    *workflow.Window
	SetLastWindow bool
}

// UpdateScheduleRuntime applies a runtime metadata patch to a schedule.
func (s *Store) UpdateScheduleRuntime(ctx context.Context, id string, patch ScheduleRuntimePatch) error {
	query := `UPDATE workflow_schedules SET updated_at = ?`
	args := []any{millis(time.Now().UTC())}

	if patch.SetNextRunAt {
		query += `, next_run_at = ?`
		args = append(args, millisPtr(patch.NextRunAt))
	}
	if patch.SetCatchupCursor {
		query += `, catchup_cursor = ?`
		args = append(args, millisPtr(patch.CatchupCursor))
	}
	if patch.SetLastWindow {
		var window sql.NullString
		if patch.LastWindow != nil {
			raw, err := json.Marshal(patch.LastWindow)
			if err != nil {
				return &errors.StoreError{Op: "updateScheduleRuntime", Cause: err}
			}
			window = sql.NullString{String: string(raw), Valid: true}
		}
		query += `, last_materialized_window = ?`
		args = append(args, window)
	}

	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &errors.StoreError{Op: "updateScheduleRuntime", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
