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

// Package gate decides whether inbound external events are admitted.
//
// Two mechanisms apply: per-source sliding-window rate limits that install
// time-bounded source pauses, and per-trigger failure counters that
// circuit-break a trigger after too many failures inside a window. Both are
// persisted; pause rows self-expire and are lazily removed on each read.
package gate

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/apphub/orchestrator/internal/log"
	"github.com/apphub/orchestrator/internal/store"
)

// ReasonRateLimit is the pause reason installed by the rate limiter.
const ReasonRateLimit = "rate_limit"

var tracer = otel.Tracer("orchestrator/gate")

// RateLimit is the admission policy for one source.
type RateLimit struct {
	// Limit is the maximum events per interval before a pause installs.
	Limit int `yaml:"limit" json:"limit"`

	// IntervalMS is the sliding window width in milliseconds.
	IntervalMS int64 `yaml:"intervalMs" json:"intervalMs"`

	// PauseMS is how long the source stays paused once the limit is exceeded.
	PauseMS int64 `yaml:"pauseMs" json:"pauseMs"`
}

// Interval returns the sliding window as a duration.
func (r RateLimit) Interval() time.Duration { return time.Duration(r.IntervalMS) * time.Millisecond }

// Pause returns the pause length as a duration.
func (r RateLimit) Pause() time.Duration { return time.Duration(r.PauseMS) * time.Millisecond }

// LimitSource resolves the rate limit configured for a source, if any.
// Implementations must be safe for concurrent use; the daemon's config
// hot-reloads behind this interface.
type LimitSource interface {
	SourceLimit(source string) (RateLimit, bool)
}

// Decision is the admission result for one inbound event.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Reason  string     `json:"reason,omitempty"`
	Until   *time.Time `json:"until,omitempty"`
}

// TriggerState reports a trigger's circuit breaker state.
type TriggerState struct {
	Paused bool       `json:"paused"`
	Until  *time.Time `json:"until,omitempty"`
}

// Gate evaluates admission for inbound events.
type Gate struct {
	store  *store.Store
	limits LimitSource
	logger *slog.Logger
}

// New creates a gate. limits may be nil, in which case no source is
// rate-limited (manual pauses still apply).
func New(st *store.Store, limits LimitSource, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:  st,
		limits: limits,
		logger: log.WithComponent(logger, "gate"),
	}
}

// pauseDetails is the details document stored with rate-limit pauses.
type pauseDetails struct {
	Limit      int   `json:"limit"`
	IntervalMS int64 `json:"intervalMs"`
}

// EvaluateSource gates one inbound event from a source.
//
// On store errors the returned decision is a deny: the caller cannot know
// the gate state, so admission fails closed.
func (g *Gate) EvaluateSource(ctx context.Context, source string, now time.Time) (Decision, error) {
	ctx, span := tracer.Start(ctx, "gate.EvaluateSource")
	defer span.End()

	source = store.NormalizeSource(source)
	span.SetAttributes(attribute.String("source", source))

	tx, err := g.store.BeginGateTx(ctx)
	if err != nil {
		return g.deny(source, err)
	}
	defer tx.Rollback()

	if err := tx.DeleteExpiredSourcePause(ctx, source, now); err != nil {
		return g.deny(source, err)
	}

	pause, err := tx.GetSourcePause(ctx, source)
	if err != nil {
		return g.deny(source, err)
	}
	if pause != nil {
		if err := tx.Commit(); err != nil {
			return g.deny(source, err)
		}
		decisions.WithLabelValues("paused").Inc()
		until := pause.PausedUntil
		return Decision{Allowed: false, Reason: pause.Reason, Until: &until}, nil
	}

	var limit RateLimit
	var limited bool
	if g.limits != nil {
		limit, limited = g.limits.SourceLimit(source)
	}
	if !limited {
		if err := tx.Commit(); err != nil {
			return g.deny(source, err)
		}
		decisions.WithLabelValues("allowed").Inc()
		return Decision{Allowed: true}, nil
	}

	if err := tx.PurgeSourceEventsBefore(ctx, source, now.Add(-limit.Interval())); err != nil {
		return g.deny(source, err)
	}
	if err := tx.AppendSourceEvent(ctx, source, now); err != nil {
		return g.deny(source, err)
	}
	count, err := tx.CountSourceEvents(ctx, source)
	if err != nil {
		return g.deny(source, err)
	}

	if count > limit.Limit {
		until := now.Add(limit.Pause())
		details, _ := json.Marshal(pauseDetails{Limit: limit.Limit, IntervalMS: limit.IntervalMS})
		err := tx.UpsertSourcePause(ctx, store.SourcePause{
			Source:      source,
			PausedUntil: until,
			Reason:      ReasonRateLimit,
			Details:     details,
		})
		if err != nil {
			return g.deny(source, err)
		}
		if err := tx.Commit(); err != nil {
			return g.deny(source, err)
		}
		decisions.WithLabelValues("rate_limited").Inc()
		g.logger.Warn("Source rate limit exceeded, pausing",
			slog.String(log.SourceKey, source),
			slog.Int("limit", limit.Limit),
			slog.Time("until", until))
		return Decision{Allowed: false, Reason: ReasonRateLimit, Until: &until}, nil
	}

	if err := tx.Commit(); err != nil {
		return g.deny(source, err)
	}
	decisions.WithLabelValues("allowed").Inc()
	return Decision{Allowed: true}, nil
}

// deny logs a store failure and fails closed.
func (g *Gate) deny(source string, err error) (Decision, error) {
	decisions.WithLabelValues("error").Inc()
	g.logger.Error("Gate store unavailable, denying event",
		slog.String(log.SourceKey, source), log.Error(err))
	return Decision{Allowed: false, Reason: "store_unavailable"}, err
}

// TriggerFailureInput parameterizes the circuit breaker for one failure.
type TriggerFailureInput struct {
	TriggerID string
	Reason    string
	Threshold int
	WindowMS  int64
	PauseMS   int64
}

// RegisterTriggerFailure records a failure and trips the breaker once the
// threshold is reached inside the window.
func (g *Gate) RegisterTriggerFailure(ctx context.Context, input TriggerFailureInput, now time.Time) (TriggerState, error) {
	ctx, span := tracer.Start(ctx, "gate.RegisterTriggerFailure")
	defer span.End()
	span.SetAttributes(attribute.String("trigger_id", input.TriggerID))

	tx, err := g.store.BeginGateTx(ctx)
	if err != nil {
		return TriggerState{}, err
	}
	defer tx.Rollback()

	window := time.Duration(input.WindowMS) * time.Millisecond
	if err := tx.PurgeTriggerFailuresBefore(ctx, input.TriggerID, now.Add(-window)); err != nil {
		return TriggerState{}, err
	}
	if err := tx.AppendTriggerFailure(ctx, input.TriggerID, now, input.Reason); err != nil {
		return TriggerState{}, err
	}
	count, err := tx.CountTriggerFailures(ctx, input.TriggerID)
	if err != nil {
		return TriggerState{}, err
	}

	if input.Threshold > 0 && count >= input.Threshold {
		until := now.Add(time.Duration(input.PauseMS) * time.Millisecond)
		err := tx.UpsertTriggerPause(ctx, store.TriggerPause{
			TriggerID:   input.TriggerID,
			PausedUntil: until,
			Reason:      input.Reason,
			Failures:    count,
		})
		if err != nil {
			return TriggerState{}, err
		}
		if err := tx.Commit(); err != nil {
			return TriggerState{}, err
		}
		triggerPauses.Inc()
		g.logger.Warn("Trigger circuit breaker tripped",
			slog.String(log.TriggerKey, input.TriggerID),
			slog.Int("failures", count),
			slog.Time("until", until))
		return TriggerState{Paused: true, Until: &until}, nil
	}

	if err := tx.DeleteExpiredTriggerPause(ctx, input.TriggerID, now); err != nil {
		return TriggerState{}, err
	}
	if err := tx.Commit(); err != nil {
		return TriggerState{}, err
	}
	return TriggerState{Paused: false}, nil
}

// RegisterTriggerSuccess clears all failures and any pause for the trigger.
func (g *Gate) RegisterTriggerSuccess(ctx context.Context, triggerID string) error {
	tx, err := g.store.BeginGateTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.ClearTriggerFailures(ctx, triggerID); err != nil {
		return err
	}
	if err := tx.DeleteTriggerPause(ctx, triggerID); err != nil {
		return err
	}
	return tx.Commit()
}

// IsTriggerPaused purges an expired pause and reports the current state.
func (g *Gate) IsTriggerPaused(ctx context.Context, triggerID string, now time.Time) (TriggerState, error) {
	tx, err := g.store.BeginGateTx(ctx)
	if err != nil {
		return TriggerState{}, err
	}
	defer tx.Rollback()

	if err := tx.DeleteExpiredTriggerPause(ctx, triggerID, now); err != nil {
		return TriggerState{}, err
	}
	pause, err := tx.GetTriggerPause(ctx, triggerID)
	if err != nil {
		return TriggerState{}, err
	}
	if err := tx.Commit(); err != nil {
		return TriggerState{}, err
	}

	if pause == nil {
		return TriggerState{Paused: false}, nil
	}
	until := pause.PausedUntil
	return TriggerState{Paused: true, Until: &until}, nil
}
