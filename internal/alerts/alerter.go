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

// Package alerts posts a webhook when a workflow accumulates failures.
//
// On each failed run the alerter counts recent failures of the same
// workflow; at or above the threshold it POSTs once per cool-down window.
// Webhook problems are logged and swallowed, never propagated.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/apphub/orchestrator/internal/log"
	"github.com/apphub/orchestrator/internal/workflow"
)

// Defaults per the environment contract.
const (
	DefaultThreshold     = 3
	DefaultWindowMinutes = 15

	webhookTimeout = 5 * time.Second
	maxInFlight    = 4
)

// FailureCounter counts failed runs of a definition over a trailing window.
type FailureCounter interface {
	CountFailures(ctx context.Context, defID string, window time.Duration) (int, error)
}

// Config configures the alerter.
type Config struct {
	// Threshold is the minimum failure count to alert. Zero or negative
	// disables the alerter.
	Threshold int

	// Window is both the failure counting window and the alert cool-down.
	Window time.Duration

	// WebhookURL is the outbound POST target. Empty disables the alerter.
	WebhookURL string

	// WebhookToken, when set, is sent as an Authorization bearer token.
	WebhookToken string
}

// Alerter watches failed transitions and posts failure-streak webhooks.
type Alerter struct {
	cfg     Config
	counter FailureCounter
	client  *http.Client
	logger  *slog.Logger
	limiter *rate.Limiter
	group   *errgroup.Group

	mu        sync.Mutex
	lastAlert map[string]time.Time

	now func() time.Time
}

// New creates an alerter. The returned alerter is disabled (all calls
// no-ops) when the config disables it.
func New(cfg Config, counter FailureCounter, logger *slog.Logger) *Alerter {
	if cfg.Window == 0 {
		cfg.Window = DefaultWindowMinutes * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	group := &errgroup.Group{}
	group.SetLimit(maxInFlight)

	return &Alerter{
		cfg:     cfg,
		counter: counter,
		client:  &http.Client{Timeout: webhookTimeout},
		logger:  log.WithComponent(logger, "alerts"),
		// One post per second steady state; bursts ride the pool bound.
		limiter:   rate.NewLimiter(rate.Limit(1), maxInFlight),
		group:     group,
		lastAlert: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Enabled reports whether the alerter will ever post.
func (a *Alerter) Enabled() bool {
	return a.cfg.Threshold > 0 && a.cfg.WebhookURL != ""
}

// RunFailed handles one failed transition. Safe to call concurrently; the
// outbound pool is bounded and failures are swallowed.
func (a *Alerter) RunFailed(run *workflow.Run) {
	if !a.Enabled() || run == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout*2)
	defer cancel()

	count, err := a.counter.CountFailures(ctx, run.WorkflowDefinitionID, a.cfg.Window)
	if err != nil {
		a.logger.Warn("Failed to count failures for alert",
			slog.String(log.WorkflowKey, run.WorkflowDefinitionID), log.Error(err))
		return
	}
	if count < a.cfg.Threshold {
		return
	}

	if !a.claimWindow(run.WorkflowDefinitionID) {
		alertsSuppressed.Inc()
		return
	}

	payload := alertPayload{
		Event: "workflow.failure.streak",
		Data: alertData{
			WorkflowDefinitionID: run.WorkflowDefinitionID,
			WorkflowRunID:        run.ID,
			FailureCount:         count,
			WindowMinutes:        int(a.cfg.Window.Minutes()),
			ErrorMessage:         run.ErrorMessage,
			OccurredAt:           a.now().UTC().Format(time.RFC3339),
		},
	}

	a.group.Go(func() error {
		a.post(payload)
		return nil
	})
}

// claimWindow records an alert for the workflow unless one was already
// emitted inside the cool-down window.
func (a *Alerter) claimWindow(defID string) bool {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	if last, ok := a.lastAlert[defID]; ok && now.Sub(last) < a.cfg.Window {
		return false
	}
	a.lastAlert[defID] = now
	return true
}

// post delivers one webhook. Not retried; errors are logged only.
func (a *Alerter) post(payload alertPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	if err := a.limiter.Wait(ctx); err != nil {
		a.logger.Warn("Alert webhook rate limiter wait canceled", log.Error(err))
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		a.logger.Error("Failed to encode alert payload", log.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		a.logger.Error("Failed to build alert request", log.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.WebhookToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.WebhookToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("Alert webhook delivery failed", log.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		a.logger.Warn("Alert webhook rejected",
			slog.Int("status", resp.StatusCode),
			slog.String(log.WorkflowKey, payload.Data.WorkflowDefinitionID))
		return
	}

	alertsSent.Inc()
	a.logger.Info("Workflow failure alert sent",
		slog.String(log.WorkflowKey, payload.Data.WorkflowDefinitionID),
		slog.Int("failures", payload.Data.FailureCount))
}

// Close waits for in-flight webhook posts to finish.
func (a *Alerter) Close() {
	_ = a.group.Wait()
}

type alertPayload struct {
	Event string    `json:"event"`
	Data  alertData `json:"data"`
}

type alertData struct {
	WorkflowDefinitionID string `json:"workflowDefinitionId"`
	WorkflowRunID        string `json:"workflowRunId"`
	FailureCount         int    `json:"failureCount"`
	WindowMinutes        int    `json:"windowMinutes"`
	ErrorMessage         string `json:"errorMessage,omitempty"`
	OccurredAt           string `json:"occurredAt"`
}
