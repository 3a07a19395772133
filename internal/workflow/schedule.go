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

package workflow

import (
	"encoding/json"
	"time"
)

// Window is the {start, end} pair associated with a materialized occurrence.
// Currently start == end == occurrence.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Schedule binds a cron expression to a workflow definition.
//
// The materializer only mutates the three runtime fields: NextRunAt,
// CatchupCursor, and LastWindow. Everything else is owned by definition syncs.
type Schedule struct {
	ID                   string          `json:"id"`
	WorkflowDefinitionID string          `json:"workflowDefinitionId"`
	Cron                 string          `json:"cron"`
	Timezone             string          `json:"timezone,omitempty"`
	Parameters           json.RawMessage `json:"parameters,omitempty"`
	CatchUp              bool            `json:"catchUp"`
	IsActive             bool            `json:"isActive"`
	NextRunAt            *time.Time      `json:"nextRunAt,omitempty"`
	CatchupCursor        *time.Time      `json:"catchupCursor,omitempty"`
	LastWindow           *Window         `json:"lastMaterializedWindow,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// DueSchedule is a schedule joined with its workflow definition, as returned
// by the due-schedule listing used by the materializer.
type DueSchedule struct {
	Schedule   Schedule
	Definition Definition
}

// ScheduleTrigger is the typed view of the trigger payload the materializer
// attaches to scheduled runs. The payload is opaque to the store; this is the
// only shape the core reads back out of it.
type ScheduleTrigger struct {
	Kind       string    `json:"kind"`
	ScheduleID string    `json:"scheduleId"`
	Occurrence time.Time `json:"occurrence"`
	Window     Window    `json:"window"`
}

// EncodeScheduleTrigger renders the trigger payload for a scheduled run.
func EncodeScheduleTrigger(scheduleID string, occurrence time.Time) json.RawMessage {
	t := ScheduleTrigger{
		Kind:       "schedule",
		ScheduleID: scheduleID,
		Occurrence: occurrence.UTC(),
		Window:     Window{Start: occurrence.UTC(), End: occurrence.UTC()},
	}
	raw, _ := json.Marshal(t)
	return raw
}

// DecodeScheduleTrigger parses a trigger payload if it is a schedule trigger.
func DecodeScheduleTrigger(raw json.RawMessage) (ScheduleTrigger, bool) {
	var t ScheduleTrigger
	if err := json.Unmarshal(raw, &t); err != nil || t.Kind != "schedule" {
		return ScheduleTrigger{}, false
	}
	return t, true
}

// MergeParameters overlays schedule parameters over workflow defaults.
// Both documents must be JSON objects (or empty); keys in overlay win.
func MergeParameters(defaults, overlay json.RawMessage) json.RawMessage {
	if len(overlay) == 0 {
		return defaults
	}
	if len(defaults) == 0 {
		return overlay
	}

	var base, over map[string]any
	if err := json.Unmarshal(defaults, &base); err != nil {
		return overlay
	}
	if err := json.Unmarshal(overlay, &over); err != nil {
		return defaults
	}
	for k, v := range over {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return overlay
	}
	return merged
}
