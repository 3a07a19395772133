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

// Package daemon assembles the orchestrator control plane: the sqlite
// store, event bus, schedule materializer, admission gate, failure
// alerter, job queue, and the HTTP surface (metrics, health, event
// stream).
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apphub/orchestrator/internal/alerts"
	"github.com/apphub/orchestrator/internal/bus"
	"github.com/apphub/orchestrator/internal/config"
	"github.com/apphub/orchestrator/internal/gate"
	"github.com/apphub/orchestrator/internal/log"
	"github.com/apphub/orchestrator/internal/queue"
	"github.com/apphub/orchestrator/internal/runs"
	"github.com/apphub/orchestrator/internal/scheduler"
	"github.com/apphub/orchestrator/internal/store"
	"github.com/apphub/orchestrator/internal/trigger"
	"github.com/apphub/orchestrator/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the orchestrator control plane process.
type Daemon struct {
	cfg    config.Config
	opts   Options
	logger *slog.Logger

	store     *store.Store
	bus       *bus.Bus
	queue     *queue.MemoryQueue
	limits    *config.RateLimits
	gate      *gate.Gate
	evaluator *trigger.Evaluator
	alerter   *alerts.Alerter
	runs      *runs.Service
	scheduler *scheduler.Scheduler
	wsHandler *ws.Handler

	server *http.Server
	ln     net.Listener

	mu      sync.Mutex
	started bool
}

// New wires up a daemon from configuration. Nothing runs until Start.
func New(cfg config.Config, opts Options, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "daemon")

	st, err := store.Open(store.Config{Path: cfg.DBPath})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	limits, err := config.LoadRateLimits(cfg.RateLimitsPath, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	b := bus.New()
	alerter := alerts.New(alerts.Config{
		Threshold:    cfg.AlertThreshold,
		Window:       cfg.AlertWindow,
		WebhookURL:   cfg.AlertWebhookURL,
		WebhookToken: cfg.AlertWebhookToken,
	}, st, logger)
	runSvc := runs.New(st, b, alerter, logger)
	q := queue.NewMemoryQueue()

	d := &Daemon{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		store:     st,
		bus:       b,
		queue:     q,
		limits:    limits,
		gate:      gate.New(st, limits, logger),
		evaluator: trigger.NewEvaluator(),
		alerter:   alerter,
		runs:      runSvc,
		wsHandler: ws.NewHandler(b, logger),
	}
	d.scheduler = scheduler.New(scheduler.Config{
		Interval:   cfg.SchedulerInterval,
		BatchSize:  cfg.SchedulerBatchSize,
		MaxWindows: cfg.SchedulerMaxWindows,
	}, st, runSvc, q.Enqueue, logger)

	return d, nil
}

// Store exposes the sqlite store for embedding callers.
func (d *Daemon) Store() *store.Store { return d.store }

// Runs exposes the run facade.
func (d *Daemon) Runs() *runs.Service { return d.runs }

// Gate exposes the event admission gate.
func (d *Daemon) Gate() *gate.Gate { return d.gate }

// Evaluator exposes the trigger evaluator.
func (d *Daemon) Evaluator() *trigger.Evaluator { return d.evaluator }

// Queue exposes the job queue workers dequeue from.
func (d *Daemon) Queue() *queue.MemoryQueue { return d.queue }

// Bus exposes the event bus.
func (d *Daemon) Bus() *bus.Bus { return d.bus }

// Addr returns the bound listen address once Start has bound it.
func (d *Daemon) Addr() string {
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Start binds the listener, starts the materializer and rate-limit watcher,
// and serves HTTP until the context is canceled or Shutdown is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if err := d.limits.Watch(); err != nil {
		// A dead watcher only loses hot reload; the loaded table still applies.
		d.logger.Warn("Rate limit hot reload unavailable", log.Error(err))
	}

	ln, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.ListenAddr, err)
	}
	d.ln = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", d.handleHealth)
	mux.Handle("/v1/events/ws", d.wsHandler)

	d.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	d.scheduler.Start(ctx)

	d.logger.Info("Daemon started",
		slog.String("addr", ln.Addr().String()),
		slog.String("db", d.cfg.DBPath),
		slog.String("version", d.opts.Version),
		slog.Int("rate_limited_sources", d.limits.Len()))

	if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// handleHealth reports liveness plus a store ping.
func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := d.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  status,
		"version": d.opts.Version,
	})
}

// Shutdown stops everything in dependency order: no new HTTP work, then the
// materializer, then the event plumbing, then the store.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
	}

	var firstErr error
	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	d.scheduler.Stop()
	d.wsHandler.Shutdown(ctx)
	d.bus.Close()
	d.alerter.Close()
	d.limits.Close()
	_ = d.queue.Close()

	if err := d.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	d.logger.Info("Daemon stopped")
	return firstErr
}
