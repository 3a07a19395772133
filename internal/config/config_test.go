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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/orchestrator/internal/errors"
	"github.com/apphub/orchestrator/internal/gate"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, DefaultDBPath, cfg.DBPath)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.SchedulerInterval)
	assert.Equal(t, DefaultSchedulerBatch, cfg.SchedulerBatchSize)
	assert.Equal(t, DefaultSchedulerWindows, cfg.SchedulerMaxWindows)
	assert.Equal(t, DefaultAlertThreshold, cfg.AlertThreshold)
	assert.Equal(t, 15*time.Minute, cfg.AlertWindow)
	assert.Empty(t, cfg.AlertWebhookURL)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ORCHESTRATOR_DB_PATH", "/var/lib/orchestrator/state.db")
	t.Setenv("ORCHESTRATOR_LISTEN_ADDR", "0.0.0.0:9000")
	t.Setenv("SCHEDULER_INTERVAL_MS", "2500")
	t.Setenv("SCHEDULER_BATCH_SIZE", "50")
	t.Setenv("SCHEDULER_MAX_WINDOWS", "10")
	t.Setenv("WORKFLOW_FAILURE_ALERT_THRESHOLD", "5")
	t.Setenv("WORKFLOW_FAILURE_ALERT_WINDOW_MINUTES", "30")
	t.Setenv("WORKFLOW_ALERT_WEBHOOK_URL", "https://hooks.example.com/alerts")
	t.Setenv("WORKFLOW_ALERT_WEBHOOK_TOKEN", "tok")
	t.Setenv("EVENT_RATE_LIMITS_PATH", "/etc/orchestrator/limits.yaml")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/orchestrator/state.db", cfg.DBPath)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, 2500*time.Millisecond, cfg.SchedulerInterval)
	assert.Equal(t, 50, cfg.SchedulerBatchSize)
	assert.Equal(t, 10, cfg.SchedulerMaxWindows)
	assert.Equal(t, 5, cfg.AlertThreshold)
	assert.Equal(t, 30*time.Minute, cfg.AlertWindow)
	assert.Equal(t, "https://hooks.example.com/alerts", cfg.AlertWebhookURL)
	assert.Equal(t, "tok", cfg.AlertWebhookToken)
	assert.Equal(t, "/etc/orchestrator/limits.yaml", cfg.RateLimitsPath)
}

func TestFromEnvRejectsMalformedNumbers(t *testing.T) {
	t.Setenv("SCHEDULER_BATCH_SIZE", "many")

	_, err := FromEnv()
	var cerr *errors.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "SCHEDULER_BATCH_SIZE", cerr.Key)
}

func TestFromEnvRejectsNegativeNumbers(t *testing.T) {
	t.Setenv("SCHEDULER_MAX_WINDOWS", "-1")

	_, err := FromEnv()
	var cerr *errors.ConfigError
	require.ErrorAs(t, err, &cerr)
}

const limitsYAML = `
sources:
  github:
    limit: 5
    intervalMs: 60000
    pauseMs: 300000
  gitlab:
    limit: 10
    intervalMs: 30000
    pauseMs: 60000
`

func writeLimits(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRateLimits(t *testing.T) {
	rl, err := LoadRateLimits(writeLimits(t, limitsYAML), nil)
	require.NoError(t, err)
	defer rl.Close()

	assert.Equal(t, 2, rl.Len())

	limit, ok := rl.SourceLimit("github")
	require.True(t, ok)
	assert.Equal(t, gate.RateLimit{Limit: 5, IntervalMS: 60_000, PauseMS: 300_000}, limit)

	_, ok = rl.SourceLimit("bitbucket")
	assert.False(t, ok)
}

func TestLoadRateLimitsEmptyPath(t *testing.T) {
	rl, err := LoadRateLimits("", nil)
	require.NoError(t, err)
	defer rl.Close()

	assert.Equal(t, 0, rl.Len())
	_, ok := rl.SourceLimit("github")
	assert.False(t, ok)
}

func TestLoadRateLimitsRejectsNonPositiveValues(t *testing.T) {
	path := writeLimits(t, `
sources:
  github:
    limit: 0
    intervalMs: 60000
    pauseMs: 300000
`)
	_, err := LoadRateLimits(path, nil)
	var cerr *errors.ConfigError
	require.ErrorAs(t, err, &cerr)
}

func TestLoadRateLimitsMissingFile(t *testing.T) {
	_, err := LoadRateLimits(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestRateLimitsHotReload(t *testing.T) {
	path := writeLimits(t, limitsYAML)
	rl, err := LoadRateLimits(path, nil)
	require.NoError(t, err)
	defer rl.Close()
	require.NoError(t, rl.Watch())

	updated := `
sources:
  github:
    limit: 1
    intervalMs: 1000
    pauseMs: 1000
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		limit, ok := rl.SourceLimit("github")
		return ok && limit.Limit == 1
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, rl.Len())
}

func TestRateLimitsReloadKeepsTableOnParseError(t *testing.T) {
	path := writeLimits(t, limitsYAML)
	rl, err := LoadRateLimits(path, nil)
	require.NoError(t, err)
	defer rl.Close()
	require.NoError(t, rl.Watch())

	require.NoError(t, os.WriteFile(path, []byte("sources: ["), 0o644))

	// The broken edit never evicts the previous table.
	time.Sleep(200 * time.Millisecond)
	limit, ok := rl.SourceLimit("github")
	require.True(t, ok)
	assert.Equal(t, 5, limit.Limit)
}
