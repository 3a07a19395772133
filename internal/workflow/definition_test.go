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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/orchestrator/internal/errors"
)

func TestNormalizeComputesRootsAndOrder(t *testing.T) {
	def := &Definition{
		ID:   "wf-1",
		Slug: "build-and-deploy",
		Steps: []StepDefinition{
			{ID: "deploy", Kind: StepKindService, DependsOn: []string{"build", "test"}},
			{ID: "test", Kind: StepKindJob, DependsOn: []string{"build"}},
			{ID: "build", Kind: StepKindJob},
			{ID: "lint", Kind: StepKindJob},
		},
	}
	require.NoError(t, def.Normalize())

	assert.Equal(t, []string{"build", "lint"}, def.Roots)
	assert.Equal(t, []string{"build", "lint", "test", "deploy"}, def.StepOrder)
}

func TestNormalizeDeterministicOrder(t *testing.T) {
	steps := []StepDefinition{
		{ID: "c", Kind: StepKindJob},
		{ID: "a", Kind: StepKindJob},
		{ID: "b", Kind: StepKindJob},
	}

	first := &Definition{ID: "wf-1", Steps: steps}
	require.NoError(t, first.Normalize())

	for i := 0; i < 10; i++ {
		def := &Definition{ID: "wf-1", Steps: steps}
		require.NoError(t, def.Normalize())
		assert.Equal(t, first.StepOrder, def.StepOrder)
	}
}

func TestNormalizeRejectsCycle(t *testing.T) {
	def := &Definition{
		ID: "wf-1",
		Steps: []StepDefinition{
			{ID: "a", Kind: StepKindJob, DependsOn: []string{"b"}},
			{ID: "b", Kind: StepKindJob, DependsOn: []string{"a"}},
		},
	}
	err := def.Normalize()
	require.Error(t, err)

	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "cycle")
}

func TestNormalizeRejectsSelfDependency(t *testing.T) {
	def := &Definition{
		ID:    "wf-1",
		Steps: []StepDefinition{{ID: "a", Kind: StepKindJob, DependsOn: []string{"a"}}},
	}
	assert.Error(t, def.Normalize())
}

func TestNormalizeRejectsDuplicateIDs(t *testing.T) {
	def := &Definition{
		ID: "wf-1",
		Steps: []StepDefinition{
			{ID: "a", Kind: StepKindJob},
			{ID: "a", Kind: StepKindJob},
		},
	}
	assert.Error(t, def.Normalize())
}

func TestNormalizeRejectsUnknownDependency(t *testing.T) {
	def := &Definition{
		ID:    "wf-1",
		Steps: []StepDefinition{{ID: "a", Kind: StepKindJob, DependsOn: []string{"ghost"}}},
	}
	err := def.Normalize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestTimeWindowAsset(t *testing.T) {
	def := &Definition{
		ID: "wf-1",
		Steps: []StepDefinition{
			{ID: "a", Kind: StepKindJob, Produces: []AssetDeclaration{
				{ID: "raw", Partitioning: PartitioningStatic},
			}},
			{ID: "b", Kind: StepKindJob, Produces: []AssetDeclaration{
				{ID: "hourly", Partitioning: PartitioningTimeWindow, Granularity: GranularityHour},
			}},
		},
	}

	asset, ok := def.TimeWindowAsset()
	require.True(t, ok)
	assert.Equal(t, "hourly", asset.ID)

	_, ok = (&Definition{ID: "wf-2"}).TimeWindowAsset()
	assert.False(t, ok)
}
