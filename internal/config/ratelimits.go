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
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/apphub/orchestrator/internal/errors"
	"github.com/apphub/orchestrator/internal/gate"
	"github.com/apphub/orchestrator/internal/log"
	"github.com/apphub/orchestrator/internal/store"
)

// rateLimitFile is the on-disk shape of the rate-limit configuration.
//
//	sources:
//	  github:
//	    limit: 5
//	    intervalMs: 60000
//	    pauseMs: 300000
type rateLimitFile struct {
	Sources map[string]gate.RateLimit `yaml:"sources"`
}

// RateLimits resolves per-source event rate limits. Lookups read an atomic
// snapshot, so a reload never blocks the gate.
type RateLimits struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[map[string]gate.RateLimit]

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// LoadRateLimits reads the rate-limit file. An empty path yields an empty
// (never-limiting) table; a missing or malformed file is an error.
func LoadRateLimits(path string, logger *slog.Logger) (*RateLimits, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimits{
		path:   path,
		logger: log.WithComponent(logger, "config"),
	}

	table := map[string]gate.RateLimit{}
	if path != "" {
		loaded, err := readRateLimitFile(path)
		if err != nil {
			return nil, err
		}
		table = loaded
	}
	rl.current.Store(&table)
	return rl, nil
}

// SourceLimit implements gate.LimitSource.
func (rl *RateLimits) SourceLimit(source string) (gate.RateLimit, bool) {
	table := *rl.current.Load()
	limit, ok := table[store.NormalizeSource(source)]
	return limit, ok
}

// Len returns the number of configured sources.
func (rl *RateLimits) Len() int {
	return len(*rl.current.Load())
}

// Watch starts reloading the file on filesystem changes. A broken edit keeps
// the previous table and logs the parse error. No-op when no file is
// configured.
func (rl *RateLimits) Watch() error {
	if rl.path == "" || rl.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return &errors.ConfigError{Key: "EVENT_RATE_LIMITS_PATH", Reason: "failed to start file watcher", Cause: err}
	}
	if err := watcher.Add(rl.path); err != nil {
		watcher.Close()
		return &errors.ConfigError{Key: "EVENT_RATE_LIMITS_PATH", Reason: "failed to watch rate limit file", Cause: err}
	}

	rl.watcher = watcher
	rl.stopCh = make(chan struct{})
	rl.doneCh = make(chan struct{})

	go rl.watch()
	return nil
}

func (rl *RateLimits) watch() {
	defer close(rl.doneCh)

	for {
		select {
		case <-rl.stopCh:
			return
		case event, ok := <-rl.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			rl.reload()
			// Editors that replace the file drop the watch with it.
			if event.Op.Has(fsnotify.Create) {
				_ = rl.watcher.Add(rl.path)
			}
		case err, ok := <-rl.watcher.Errors:
			if !ok {
				return
			}
			rl.logger.Warn("Rate limit file watcher error", log.Error(err))
		}
	}
}

// reload re-reads the file and swaps the snapshot.
func (rl *RateLimits) reload() {
	table, err := readRateLimitFile(rl.path)
	if err != nil {
		rl.logger.Warn("Failed to reload rate limits, keeping previous table",
			slog.String("path", rl.path), log.Error(err))
		return
	}
	rl.current.Store(&table)
	rl.logger.Info("Reloaded event rate limits",
		slog.String("path", rl.path), slog.Int("sources", len(table)))
}

// Close stops the watcher, if one is running.
func (rl *RateLimits) Close() {
	if rl.watcher == nil {
		return
	}
	close(rl.stopCh)
	rl.watcher.Close()
	<-rl.doneCh
	rl.watcher = nil
}

func readRateLimitFile(path string) (map[string]gate.RateLimit, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{Key: "EVENT_RATE_LIMITS_PATH", Reason: "failed to read rate limit file", Cause: err}
	}

	var file rateLimitFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, &errors.ConfigError{Key: "EVENT_RATE_LIMITS_PATH", Reason: "failed to parse rate limit file", Cause: err}
	}

	table := make(map[string]gate.RateLimit, len(file.Sources))
	for source, limit := range file.Sources {
		if limit.Limit <= 0 || limit.IntervalMS <= 0 || limit.PauseMS <= 0 {
			return nil, &errors.ConfigError{
				Key:    "EVENT_RATE_LIMITS_PATH",
				Reason: "limit, intervalMs, and pauseMs must all be positive for source " + source,
			}
		}
		table[store.NormalizeSource(source)] = limit
	}
	return table, nil
}
