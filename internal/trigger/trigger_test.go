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

package trigger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/orchestrator/internal/errors"
)

func TestMatchesEmptyPredicate(t *testing.T) {
	e := NewEvaluator()

	matched, err := e.Matches(Definition{TriggerID: "t1"}, map[string]any{"anything": true})
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestMatchesPredicate(t *testing.T) {
	e := NewEvaluator()
	def := Definition{
		TriggerID: "t1",
		Predicate: `event.action == "push" && event.branch == "main"`,
	}

	matched, err := e.Matches(def, map[string]any{"action": "push", "branch": "main"})
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = e.Matches(def, map[string]any{"action": "push", "branch": "dev"})
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestMatchesUndefinedFieldsAreNil(t *testing.T) {
	e := NewEvaluator()
	def := Definition{TriggerID: "t1", Predicate: `event.missing == nil`}

	matched, err := e.Matches(def, map[string]any{"present": 1})
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestMatchesInvalidPredicate(t *testing.T) {
	e := NewEvaluator()
	def := Definition{TriggerID: "t1", Predicate: `event.action ==`}

	_, err := e.Matches(def, map[string]any{})
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "predicate", verr.Field)
}

func TestMatchesCachesCompiledPredicates(t *testing.T) {
	e := NewEvaluator()
	def := Definition{TriggerID: "t1", Predicate: `event.n > 3`}

	for i := 0; i < 5; i++ {
		_, err := e.Matches(def, map[string]any{"n": i})
		require.NoError(t, err)
	}
	assert.Len(t, e.cache, 1)
}

func TestParametersEmptyTemplatePassesThrough(t *testing.T) {
	e := NewEvaluator()

	out, err := e.Parameters(context.Background(), Definition{TriggerID: "t1"},
		map[string]any{"repo": "apphub", "commit": "abc123"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"repo":"apphub","commit":"abc123"}`, string(out))
}

func TestParametersTemplate(t *testing.T) {
	e := NewEvaluator()
	def := Definition{
		TriggerID:         "t1",
		ParameterTemplate: `{repository: .repo, ref: .push.branch}`,
	}

	out, err := e.Parameters(context.Background(), def, map[string]any{
		"repo": "apphub",
		"push": map[string]any{"branch": "main"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"repository":"apphub","ref":"main"}`, string(out))
}

func TestParametersMultipleResultsBecomeArray(t *testing.T) {
	e := NewEvaluator()
	def := Definition{TriggerID: "t1", ParameterTemplate: `.items[]`}

	out, err := e.Parameters(context.Background(), def, map[string]any{
		"items": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(out))
}

func TestParametersInvalidTemplate(t *testing.T) {
	e := NewEvaluator()
	def := Definition{TriggerID: "t1", ParameterTemplate: `{broken:`}

	_, err := e.Parameters(context.Background(), def, map[string]any{})
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "parameterTemplate", verr.Field)
}
