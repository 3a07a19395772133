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
)

// SourcePause is a persisted, time-bounded rejection of a source.
// At most one row exists per source.
type SourcePause struct {
	Source      string          `json:"source"`
	PausedUntil time.Time       `json:"pausedUntil"`
	Reason      string          `json:"reason"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// TriggerPause is a persisted, time-bounded rejection of a trigger.
// At most one row exists per trigger.
type TriggerPause struct {
	TriggerID   string    `json:"triggerId"`
	PausedUntil time.Time `json:"pausedUntil"`
	Reason      string    `json:"reason"`
	Failures    int       `json:"failures"`
}

// TriggerFailure is one recorded trigger failure.
type TriggerFailure struct {
	ID          int64     `json:"id"`
	TriggerID   string    `json:"triggerId"`
	FailureTime time.Time `json:"failureTime"`
	Reason      string    `json:"reason,omitempty"`
}

// GateTx is a transaction over the event scheduler's pause/failure tables.
// The gate runs each admission evaluation inside one of these so the
// purge/insert/count sequence is atomic.
type GateTx struct {
	tx *sql.Tx
}

// BeginGateTx opens a gate transaction.
func (s *Store) BeginGateTx(ctx context.Context) (*GateTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.StoreError{Op: "beginGateTx", Cause: err}
	}
	return &GateTx{tx: tx}, nil
}

// Commit commits the transaction.
func (g *GateTx) Commit() error {
	if err := g.tx.Commit(); err != nil {
		return &errors.StoreError{Op: "commit", Cause: err}
	}
	return nil
}

// Rollback aborts the transaction. Safe to call after Commit.
func (g *GateTx) Rollback() error {
	err := g.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// NormalizeSource trims a source name, mapping empty to "unknown".
func NormalizeSource(source string) string {
	source = strings.TrimSpace(source)
	if source == "" {
		return "unknown"
	}
	return source
}

// DeleteExpiredSourcePause removes the source's pause row when it has lapsed.
func (g *GateTx) DeleteExpiredSourcePause(ctx context.Context, source string, now time.Time) error {
	_, err := g.tx.ExecContext(ctx,
		`DELETE FROM event_scheduler_source_pauses WHERE source = ? AND paused_until <= ?`,
		source, millis(now))
	if err != nil {
		return &errors.StoreError{Op: "deleteExpiredSourcePause", Cause: err}
	}
	return nil
}

// GetSourcePause returns the source's pause row, or nil when none exists.
func (g *GateTx) GetSourcePause(ctx context.Context, source string) (*SourcePause, error) {
	var (
		p       SourcePause
		until   int64
		details sql.NullString
	)
	err := g.tx.QueryRowContext(ctx,
		`SELECT source, paused_until, reason, details
		 FROM event_scheduler_source_pauses WHERE source = ?`, source).
		Scan(&p.Source, &until, &p.Reason, &details)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &errors.StoreError{Op: "getSourcePause", Cause: err}
	}
	p.PausedUntil = fromMillis(until)
	if details.Valid {
		p.Details = json.RawMessage(details.String)
	}
	return &p, nil
}

// UpsertSourcePause installs or refreshes the source's pause row.
func (g *GateTx) UpsertSourcePause(ctx context.Context, p SourcePause) error {
	_, err := g.tx.ExecContext(ctx, `
		INSERT INTO event_scheduler_source_pauses (source, paused_until, reason, details)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			paused_until = excluded.paused_until,
			reason = excluded.reason,
			details = excluded.details`,
		p.Source, millis(p.PausedUntil), p.Reason, nullString(string(p.Details)))
	if err != nil {
		return &errors.StoreError{Op: "upsertSourcePause", Cause: err}
	}
	return nil
}

// AppendSourceEvent records one event timestamp for the source.
func (g *GateTx) AppendSourceEvent(ctx context.Context, source string, at time.Time) error {
	_, err := g.tx.ExecContext(ctx,
		`INSERT INTO event_scheduler_source_events (source, event_time) VALUES (?, ?)`,
		source, millis(at))
	if err != nil {
		return &errors.StoreError{Op: "appendSourceEvent", Cause: err}
	}
	return nil
}

// PurgeSourceEventsBefore drops the source's events older than cutoff.
func (g *GateTx) PurgeSourceEventsBefore(ctx context.Context, source string, cutoff time.Time) error {
	_, err := g.tx.ExecContext(ctx,
		`DELETE FROM event_scheduler_source_events WHERE source = ? AND event_time < ?`,
		source, millis(cutoff))
	if err != nil {
		return &errors.StoreError{Op: "purgeSourceEventsBefore", Cause: err}
	}
	return nil
}

// CountSourceEvents counts the source's retained events.
func (g *GateTx) CountSourceEvents(ctx context.Context, source string) (int, error) {
	var count int
	err := g.tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM event_scheduler_source_events WHERE source = ?`, source).
		Scan(&count)
	if err != nil {
		return 0, &errors.StoreError{Op: "countSourceEvents", Cause: err}
	}
	return count, nil
}

// PurgeTriggerFailuresBefore drops the trigger's failures older than cutoff.
func (g *GateTx) PurgeTriggerFailuresBefore(ctx context.Context, triggerID string, cutoff time.Time) error {
	_, err := g.tx.ExecContext(ctx,
		`DELETE FROM event_scheduler_trigger_failures WHERE trigger_id = ? AND failure_time < ?`,
		triggerID, millis(cutoff))
	if err != nil {
		return &errors.StoreError{Op: "purgeTriggerFailuresBefore", Cause: err}
	}
	return nil
}

// AppendTriggerFailure records one trigger failure.
func (g *GateTx) AppendTriggerFailure(ctx context.Context, triggerID string, at time.Time, reason string) error {
	_, err := g.tx.ExecContext(ctx,
		`INSERT INTO event_scheduler_trigger_failures (trigger_id, failure_time, reason)
		 VALUES (?, ?, ?)`,
		triggerID, millis(at), nullString(reason))
	if err != nil {
		return &errors.StoreError{Op: "appendTriggerFailure", Cause: err}
	}
	return nil
}

// CountTriggerFailures counts the trigger's retained failures.
func (g *GateTx) CountTriggerFailures(ctx context.Context, triggerID string) (int, error) {
	var count int
	err := g.tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM event_scheduler_trigger_failures WHERE trigger_id = ?`,
		triggerID).Scan(&count)
	if err != nil {
		return 0, &errors.StoreError{Op: "countTriggerFailures", Cause: err}
	}
	return count, nil
}

// ClearTriggerFailures removes all failure rows for the trigger.
func (g *GateTx) ClearTriggerFailures(ctx context.Context, triggerID string) error {
	_, err := g.tx.ExecContext(ctx,
		`DELETE FROM event_scheduler_trigger_failures WHERE trigger_id = ?`, triggerID)
	if err != nil {
		return &errors.StoreError{Op: "clearTriggerFailures", Cause: err}
	}
	return nil
}

// GetTriggerPause returns the trigger's pause row, or nil when none exists.
func (g *GateTx) GetTriggerPause(ctx context.Context, triggerID string) (*TriggerPause, error) {
	var (
		p     TriggerPause
		until int64
	)
	err := g.tx.QueryRowContext(ctx,
		`SELECT trigger_id, paused_until, reason, failures
		 FROM event_scheduler_trigger_pauses WHERE trigger_id = ?`, triggerID).
		Scan(&p.TriggerID, &until, &p.Reason, &p.Failures)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &errors.StoreError{Op: "getTriggerPause", Cause: err}
	}
	p.PausedUntil = fromMillis(until)
	return &p, nil
}

// UpsertTriggerPause installs or refreshes the trigger's pause row.
func (g *GateTx) UpsertTriggerPause(ctx context.Context, p TriggerPause) error {
	_, err := g.tx.ExecContext(ctx, `
		INSERT INTO event_scheduler_trigger_pauses (trigger_id, paused_until, reason, failures)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(trigger_id) DO UPDATE SET
			paused_until = excluded.paused_until,
			reason = excluded.reason,
			failures = excluded.failures`,
		p.TriggerID, millis(p.PausedUntil), p.Reason, p.Failures)
	if err != nil {
		return &errors.StoreError{Op: "upsertTriggerPause", Cause: err}
	}
	return nil
}

// DeleteTriggerPause removes the trigger's pause row unconditionally.
func (g *GateTx) DeleteTriggerPause(ctx context.Context, triggerID string) error {
	_, err := g.tx.ExecContext(ctx,
		`DELETE FROM event_scheduler_trigger_pauses WHERE trigger_id = ?`, triggerID)
	if err != nil {
		return &errors.StoreError{Op: "deleteTriggerPause", Cause: err}
	}
	return nil
}

// DeleteExpiredTriggerPause removes the trigger's pause row when it has lapsed.
func (g *GateTx) DeleteExpiredTriggerPause(ctx context.Context, triggerID string, now time.Time) error {
	_, err := g.tx.ExecContext(ctx,
		`DELETE FROM event_scheduler_trigger_pauses WHERE trigger_id = ? AND paused_until <= ?`,
		triggerID, millis(now))
	if err != nil {
		return &errors.StoreError{Op: "deleteExpiredTriggerPause", Cause: err}
	}
	return nil
}

// ListActiveSourcePauses returns all unexpired source pauses.
func (s *Store) ListActiveSourcePauses(ctx context.Context, now time.Time) ([]SourcePause, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, paused_until, reason, details
		 FROM event_scheduler_source_pauses WHERE paused_until > ?
		 ORDER BY source`, millis(now))
	if err != nil {
		return nil, &errors.StoreError{Op: "listActiveSourcePauses", Cause: err}
	}
	defer rows.Close()

	var pauses []SourcePause
	for rows.Next() {
		var (
			p       SourcePause
			until   int64
			details sql.NullString
		)
		if err := rows.Scan(&p.Source, &until, &p.Reason, &details); err != nil {
			return nil, &errors.StoreError{Op: "listActiveSourcePauses", Cause: err}
		}
		p.PausedUntil = fromMillis(until)
		if details.Valid {
			p.Details = json.RawMessage(details.String)
		}
		pauses = append(pauses, p)
	}
	return pauses, rows.Err()
}

// ListActiveTriggerPauses returns all unexpired trigger pauses.
func (s *Store) ListActiveTriggerPauses(ctx context.Context, now time.Time) ([]TriggerPause, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trigger_id, paused_until, reason, failures
		 FROM event_scheduler_trigger_pauses WHERE paused_until > ?
		 ORDER BY trigger_id`, millis(now))
	if err != nil {
		return nil, &errors.StoreError{Op: "listActiveTriggerPauses", Cause: err}
	}
	defer rows.Close()

	var pauses []TriggerPause
	for rows.Next() {
		var (
			p     TriggerPause
			until int64
		)
		if err := rows.Scan(&p.TriggerID, &until, &p.Reason, &p.Failures); err != nil {
			return nil, &errors.StoreError{Op: "listActiveTriggerPauses", Cause: err}
		}
		p.PausedUntil = fromMillis(until)
		pauses = append(pauses, p)
	}
	return pauses, rows.Err()
}

// maxHistoryLimit caps history queries.
const maxHistoryLimit = 500

// ListTriggerFailures returns failures for the given triggers between two
// instants, ascending by failure time. The limit is capped at 500.
func (s *Store) ListTriggerFailures(ctx context.Context, triggerIDs []string, from, to time.Time, limit int) ([]TriggerFailure, error) {
	if len(triggerIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	placeholders := strings.Repeat("?,", len(triggerIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(triggerIDs)+3)
	for _, id := range triggerIDs {
		args = append(args, id)
	}
	args = append(args, millis(from), millis(to), limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_id, failure_time, reason
		FROM event_scheduler_trigger_failures
		WHERE trigger_id IN (`+placeholders+`) AND failure_time >= ? AND failure_time <= ?
		ORDER BY failure_time ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, &errors.StoreError{Op: "listTriggerFailures", Cause: err}
	}
	defer rows.Close()

	var failures []TriggerFailure
	for rows.Next() {
		var (
			f      TriggerFailure
			at     int64
			reason sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.TriggerID, &at, &reason); err != nil {
			return nil, &errors.StoreError{Op: "listTriggerFailures", Cause: err}
		}
		f.FailureTime = fromMillis(at)
		f.Reason = reason.String
		failures = append(failures, f)
	}
	return failures, rows.Err()
}
