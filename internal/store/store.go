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

// Package store provides SQLite-backed persistence for runs, schedules,
// and the event scheduler's pause/failure tables.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed persistence layer.
//
// The run and schedule tables are owned by the run store facade; the four
// event_scheduler_* tables are owned by the gate. No component writes the
// other's tables.
type Store struct {
	db *sql.DB
}

// Config contains storage configuration.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// Special value ":memory:" creates an in-memory database.
	Path string

	// MaxOpenConns sets the maximum number of open connections.
	MaxOpenConns int
}

// Open opens the database and runs migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// WAL mode allows concurrent readers while a tick writes.
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5
	}
	if cfg.Path == ":memory:" {
		// A second connection would see a different empty database.
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			version INTEGER NOT NULL DEFAULT 1,
			steps TEXT NOT NULL,
			default_parameters TEXT,
			roots TEXT,
			step_order TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL REFERENCES workflow_definitions(id),
			status TEXT NOT NULL,
			parameters TEXT,
			trigger TEXT,
			partition_key TEXT,
			metrics TEXT,
			started_at INTEGER,
			completed_at INTEGER,
			duration_ms INTEGER,
			error_message TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		// Failure counting and listing by definition/status
		`CREATE INDEX IF NOT EXISTS idx_runs_definition_status
			ON workflow_runs(workflow_definition_id, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON workflow_runs(created_at)`,

		`CREATE TABLE IF NOT EXISTS workflow_schedules (
			id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL REFERENCES workflow_definitions(id),
			cron TEXT NOT NULL,
			timezone TEXT,
			parameters TEXT,
			catch_up INTEGER NOT NULL DEFAULT 0,
			next_run_at INTEGER,
			catchup_cursor INTEGER,
			last_materialized_window TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		// Due-schedule listing
		`CREATE INDEX IF NOT EXISTS idx_schedules_due
			ON workflow_schedules(is_active, next_run_at)`,

		`CREATE TABLE IF NOT EXISTS event_scheduler_source_events (
			source TEXT NOT NULL,
			event_time INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_source_events
			ON event_scheduler_source_events(source, event_time)`,

		`CREATE TABLE IF NOT EXISTS event_scheduler_source_pauses (
			source TEXT PRIMARY KEY,
			paused_until INTEGER NOT NULL,
			reason TEXT NOT NULL,
			details TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_source_pauses_until
			ON event_scheduler_source_pauses(paused_until)`,

		`CREATE TABLE IF NOT EXISTS event_scheduler_trigger_failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trigger_id TEXT NOT NULL,
			failure_time INTEGER NOT NULL,
			reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trigger_failures
			ON event_scheduler_trigger_failures(trigger_id, failure_time)`,

		`CREATE TABLE IF NOT EXISTS event_scheduler_trigger_pauses (
			trigger_id TEXT PRIMARY KEY,
			paused_until INTEGER NOT NULL,
			reason TEXT NOT NULL,
			failures INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trigger_pauses_until
			ON event_scheduler_trigger_pauses(paused_until)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Ping verifies database connectivity. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Truncate removes all rows from every table. Test use only.
func (s *Store) Truncate(ctx context.Context) error {
	tables := []string{
		"workflow_runs",
		"workflow_schedules",
		"workflow_definitions",
		"event_scheduler_source_events",
		"event_scheduler_source_pauses",
		"event_scheduler_trigger_failures",
		"event_scheduler_trigger_pauses",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table, err)
		}
	}
	return nil
}

// millis converts a time to unix milliseconds for storage.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}

// millisPtr converts an optional time to nullable unix milliseconds.
func millisPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// fromMillis converts stored unix milliseconds back to UTC time.
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// fromMillisPtr converts nullable unix milliseconds to an optional time.
func fromMillisPtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

// nullString converts an optional string for storage.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
