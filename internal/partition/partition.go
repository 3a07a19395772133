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

// Package partition classifies cron occurrences into partition keys.
package partition

import (
	"time"

	"github.com/apphub/orchestrator/internal/workflow"
)

// Default partition key layouts per granularity, applied when a timeWindow
// asset declaration carries no explicit format.
const (
	DefaultMinuteFormat = "2006-01-02T15:04"
	DefaultHourFormat   = "2006-01-02T15"
	DefaultDayFormat    = "2006-01-02"
)

// Key derives the partition key for a cron occurrence of the given workflow.
//
// If any step's produced asset declares timeWindow partitioning, the key is
// the occurrence formatted per the declaration in UTC and ok is true.
// Otherwise ok is false and the materializer must skip the occurrence,
// recording only cursor advancement.
func Key(def *workflow.Definition, occurrence time.Time) (string, bool) {
	asset, ok := def.TimeWindowAsset()
	if !ok {
		return "", false
	}

	layout := asset.Format
	if layout == "" {
		switch asset.Granularity {
		case workflow.GranularityHour:
			layout = DefaultHourFormat
		case workflow.GranularityDay:
			layout = DefaultDayFormat
		default:
			layout = DefaultMinuteFormat
		}
	}

	return occurrence.UTC().Format(layout), true
}
