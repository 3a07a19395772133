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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeParameters(t *testing.T) {
	defaults := json.RawMessage(`{"env":"prod","retries":3}`)
	overlay := json.RawMessage(`{"retries":5,"region":"eu"}`)

	merged := MergeParameters(defaults, overlay)

	var got map[string]any
	require.NoError(t, json.Unmarshal(merged, &got))
	assert.Equal(t, "prod", got["env"])
	assert.Equal(t, float64(5), got["retries"])
	assert.Equal(t, "eu", got["region"])
}

func TestMergeParametersEmptySides(t *testing.T) {
	defaults := json.RawMessage(`{"a":1}`)
	overlay := json.RawMessage(`{"b":2}`)

	assert.Equal(t, defaults, MergeParameters(defaults, nil))
	assert.Equal(t, overlay, MergeParameters(nil, overlay))
	assert.Empty(t, MergeParameters(nil, nil))
}

func TestScheduleTriggerRoundTrip(t *testing.T) {
	occurrence := time.Date(2026, 1, 10, 0, 4, 30, 0, time.UTC)
	raw := EncodeScheduleTrigger("sched-1", occurrence)

	trig, ok := DecodeScheduleTrigger(raw)
	require.True(t, ok)
	assert.Equal(t, "schedule", trig.Kind)
	assert.Equal(t, "sched-1", trig.ScheduleID)
	assert.Equal(t, occurrence, trig.Occurrence)
	assert.Equal(t, occurrence, trig.Window.Start)
	assert.Equal(t, occurrence, trig.Window.End)
}

func TestDecodeScheduleTriggerRejectsOtherKinds(t *testing.T) {
	_, ok := DecodeScheduleTrigger(json.RawMessage(`{"kind":"webhook"}`))
	assert.False(t, ok)

	_, ok = DecodeScheduleTrigger(json.RawMessage(`not json`))
	assert.False(t, ok)
}
