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

// Package config loads daemon configuration from the environment and from
// the optional event rate-limit file.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/apphub/orchestrator/internal/errors"
)

// Defaults.
const (
	DefaultDBPath             = "orchestrator.db"
	DefaultListenAddr         = "127.0.0.1:8720"
	DefaultSchedulerInterval  = 10 * time.Second
	DefaultSchedulerBatch     = 20
	DefaultSchedulerWindows   = 5
	DefaultAlertThreshold     = 3
	DefaultAlertWindowMinutes = 15
)

// Config is the daemon configuration.
type Config struct {
	// DBPath is the sqlite database file. ":memory:" is accepted for tests.
	DBPath string

	// ListenAddr is the HTTP listen address for metrics, health, and the
	// websocket event stream.
	ListenAddr string

	// SchedulerInterval is the materializer tick period.
	SchedulerInterval time.Duration

	// SchedulerBatchSize is the maximum schedules claimed per tick.
	SchedulerBatchSize int

	// SchedulerMaxWindows is the maximum occurrences materialized per
	// schedule per tick.
	SchedulerMaxWindows int

	// AlertThreshold is the failure count that triggers a webhook alert.
	// Zero disables alerting.
	AlertThreshold int

	// AlertWindow is the failure counting window and the alert cool-down.
	AlertWindow time.Duration

	// AlertWebhookURL is the alert POST target. Empty disables alerting.
	AlertWebhookURL string

	// AlertWebhookToken is sent as a bearer token when set.
	AlertWebhookToken string

	// RateLimitsPath is the optional YAML file holding per-source event
	// rate limits. Empty means no source is rate-limited.
	RateLimitsPath string
}

// FromEnv builds a Config from environment variables, applying defaults for
// everything unset. Malformed numeric values are rejected rather than
// silently defaulted.
func FromEnv() (Config, error) {
	cfg := Config{
		DBPath:            envOr("ORCHESTRATOR_DB_PATH", DefaultDBPath),
		ListenAddr:        envOr("ORCHESTRATOR_LISTEN_ADDR", DefaultListenAddr),
		AlertWebhookURL:   os.Getenv("WORKFLOW_ALERT_WEBHOOK_URL"),
		AlertWebhookToken: os.Getenv("WORKFLOW_ALERT_WEBHOOK_TOKEN"),
		RateLimitsPath:    os.Getenv("EVENT_RATE_LIMITS_PATH"),
	}

	intervalMS, err := envInt("SCHEDULER_INTERVAL_MS", int(DefaultSchedulerInterval/time.Millisecond))
	if err != nil {
		return Config{}, err
	}
	cfg.SchedulerInterval = time.Duration(intervalMS) * time.Millisecond

	if cfg.SchedulerBatchSize, err = envInt("SCHEDULER_BATCH_SIZE", DefaultSchedulerBatch); err != nil {
		return Config{}, err
	}
	if cfg.SchedulerMaxWindows, err = envInt("SCHEDULER_MAX_WINDOWS", DefaultSchedulerWindows); err != nil {
		return Config{}, err
	}
	if cfg.AlertThreshold, err = envInt("WORKFLOW_FAILURE_ALERT_THRESHOLD", DefaultAlertThreshold); err != nil {
		return Config{}, err
	}

	windowMinutes, err := envInt("WORKFLOW_FAILURE_ALERT_WINDOW_MINUTES", DefaultAlertWindowMinutes)
	if err != nil {
		return Config{}, err
	}
	cfg.AlertWindow = time.Duration(windowMinutes) * time.Minute

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &errors.ConfigError{Key: key, Reason: "must be an integer", Cause: err}
	}
	if n < 0 {
		return 0, &errors.ConfigError{Key: key, Reason: "must not be negative"}
	}
	return n, nil
}
