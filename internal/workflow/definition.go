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

// Package workflow defines workflow definitions, runs, and schedules.
package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/apphub/orchestrator/internal/errors"
)

// StepKind identifies what a workflow step invokes.
type StepKind string

const (
	// StepKindJob runs a job bundle on a worker.
	StepKindJob StepKind = "job"
	// StepKindService invokes a long-lived service endpoint.
	StepKindService StepKind = "service"
	// StepKindFanout expands into one child step per element of a collection.
	StepKindFanout StepKind = "fanout"
)

// Partitioning identifies how a produced asset is partitioned.
type Partitioning string

const (
	// PartitioningNone means the asset is unpartitioned.
	PartitioningNone Partitioning = ""
	// PartitioningStatic means the asset uses a fixed set of partition keys.
	PartitioningStatic Partitioning = "static"
	// PartitioningTimeWindow means partition keys are derived from occurrence instants.
	PartitioningTimeWindow Partitioning = "timeWindow"
)

// Granularity is the width of a time-window partition.
type Granularity string

const (
	// GranularityMinute partitions by minute.
	GranularityMinute Granularity = "minute"
	// GranularityHour partitions by hour.
	GranularityHour Granularity = "hour"
	// GranularityDay partitions by day.
	GranularityDay Granularity = "day"
)

// AssetDeclaration describes an asset a step produces or consumes.
type AssetDeclaration struct {
	// ID is the asset identifier (unique among the workflow's assets).
	ID string `json:"id"`

	// Partitioning describes how the asset is sliced, if at all.
	Partitioning Partitioning `json:"partitioning,omitempty"`

	// Granularity applies when Partitioning is timeWindow.
	Granularity Granularity `json:"granularity,omitempty"`

	// Format is the partition key layout (Go time layout, evaluated in UTC).
	// Empty selects a default per granularity.
	Format string `json:"format,omitempty"`
}

// StepDefinition is one node of the workflow DAG.
type StepDefinition struct {
	// ID is unique within the definition.
	ID string `json:"id"`

	// Kind is job, service, or fanout.
	Kind StepKind `json:"kind"`

	// DependsOn lists step IDs this step waits for.
	DependsOn []string `json:"dependsOn,omitempty"`

	// Produces are asset declarations this step materializes.
	Produces []AssetDeclaration `json:"produces,omitempty"`

	// Consumes are asset declarations this step reads.
	Consumes []AssetDeclaration `json:"consumes,omitempty"`
}

// Definition is a stored workflow definition.
//
// Roots and StepOrder are derived fields: they are recomputed
// deterministically whenever the definition is stored.
type Definition struct {
	ID      string           `json:"id"`
	Slug    string           `json:"slug"`
	Version int              `json:"version"`
	Steps   []StepDefinition `json:"steps"`

	// DefaultParameters is the opaque parameter document runs start from.
	// Schedule overlays are merged on top of it at materialization time.
	DefaultParameters json.RawMessage `json:"defaultParameters,omitempty"`

	// Roots are step IDs with no dependencies, sorted.
	Roots []string `json:"roots,omitempty"`

	// StepOrder is a deterministic topological order of the step IDs.
	StepOrder []string `json:"stepOrder,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Normalize validates the step graph and recomputes Roots and StepOrder.
// Step IDs must be unique and the dependency graph must be a DAG; ties in
// the topological order break lexicographically so the result is stable.
func (d *Definition) Normalize() error {
	byID := make(map[string]*StepDefinition, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.ID == "" {
			return &errors.ValidationError{
				Field:   "steps",
				Message: "step id must not be empty",
			}
		}
		if _, dup := byID[step.ID]; dup {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("duplicate step id %q", step.ID),
			}
		}
		byID[step.ID] = step
	}

	indegree := make(map[string]int, len(d.Steps))
	dependents := make(map[string][]string, len(d.Steps))
	for _, step := range d.Steps {
		if _, ok := indegree[step.ID]; !ok {
			indegree[step.ID] = 0
		}
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return &errors.ValidationError{
					Field:   "steps",
					Message: fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep),
				}
			}
			if dep == step.ID {
				return &errors.ValidationError{
					Field:   "steps",
					Message: fmt.Sprintf("step %q depends on itself", step.ID),
				}
			}
			indegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	// Kahn's algorithm with a sorted frontier for determinism.
	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)
	d.Roots = append([]string(nil), frontier...)

	order := make([]string, 0, len(d.Steps))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		next := append([]string(nil), dependents[id]...)
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				frontier = insertSorted(frontier, dep)
			}
		}
	}

	if len(order) != len(d.Steps) {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "dependency graph contains a cycle",
			Suggestion: "remove circular dependsOn references",
		}
	}

	d.StepOrder = order
	return nil
}

// TimeWindowAsset returns the first produced asset declaring timeWindow
// partitioning, scanning steps and declarations in order.
func (d *Definition) TimeWindowAsset() (AssetDeclaration, bool) {
	for _, step := range d.Steps {
		for _, asset := range step.Produces {
			if asset.Partitioning == PartitioningTimeWindow {
				return asset, true
			}
		}
	}
	return AssetDeclaration{}, false
}

func insertSorted(sorted []string, v string) []string {
	i := sort.SearchStrings(sorted, v)
	sorted = append(sorted, "")
	copy(sorted[i+1:], sorted[i:])
	sorted[i] = v
	return sorted
}
