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

// Package trigger evaluates external event triggers.
//
// A trigger binds an event source to a workflow: its predicate decides
// whether an inbound event payload fires the trigger, and its parameter
// template maps the payload onto run parameters. Admission (rate limits,
// circuit breakers) is the gate's job; this package only evaluates.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"

	"github.com/apphub/orchestrator/internal/errors"
)

// Definition is an event trigger bound to a workflow definition.
type Definition struct {
	// TriggerID uniquely identifies the trigger.
	TriggerID string `json:"triggerId" yaml:"triggerId"`

	// WorkflowDefinitionID is the workflow fired by this trigger.
	WorkflowDefinitionID string `json:"workflowDefinitionId" yaml:"workflowDefinitionId"`

	// Source is the external event source this trigger listens to.
	Source string `json:"source" yaml:"source"`

	// Predicate is a boolean expression over the event payload, exposed as
	// `event`. Empty matches every payload.
	Predicate string `json:"predicate,omitempty" yaml:"predicate,omitempty"`

	// ParameterTemplate is a jq program mapping the payload onto run
	// parameters. Empty passes the payload through unchanged.
	ParameterTemplate string `json:"parameterTemplate,omitempty" yaml:"parameterTemplate,omitempty"`
}

// parameterTimeout bounds jq template execution.
const parameterTimeout = time.Second

// Evaluator evaluates trigger predicates and parameter templates.
// Compiled predicates are cached per expression.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator creates an evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Matches evaluates the trigger's predicate against an event payload.
// An empty predicate matches everything.
func (e *Evaluator) Matches(def Definition, payload map[string]any) (bool, error) {
	if def.Predicate == "" {
		return true, nil
	}

	program, err := e.compile(def.Predicate)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "predicate",
			Message:    fmt.Sprintf("failed to compile predicate: %s", err.Error()),
			Suggestion: "check expression syntax; the payload is available as `event`",
		}
	}

	result, err := expr.Run(program, map[string]any{"event": payload})
	if err != nil {
		return false, &errors.ValidationError{
			Field:   "predicate",
			Message: fmt.Sprintf("predicate evaluation failed: %s", err.Error()),
		}
	}

	matched, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:   "predicate",
			Message: fmt.Sprintf("predicate must return boolean, got %T", result),
		}
	}
	return matched, nil
}

// compile compiles a predicate and caches the result.
func (e *Evaluator) compile(predicate string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[predicate]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(predicate,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[predicate] = prog
	e.mu.Unlock()

	return prog, nil
}

// Parameters derives run parameters from the event payload via the
// trigger's jq template. An empty template passes the payload through.
func (e *Evaluator) Parameters(ctx context.Context, def Definition, payload map[string]any) (json.RawMessage, error) {
	if def.ParameterTemplate == "" {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		return raw, nil
	}

	query, err := gojq.Parse(def.ParameterTemplate)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "parameterTemplate",
			Message: fmt.Sprintf("jq parse error: %s", err.Error()),
		}
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "parameterTemplate",
			Message: fmt.Sprintf("jq compile error: %s", err.Error()),
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, parameterTimeout)
	defer cancel()

	// jq templates must be normal JSON documents, so round-trip through
	// interface{} values first.
	var doc any
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to normalize payload: %w", err)
	}

	iter := code.RunWithContext(execCtx, doc)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, &errors.ValidationError{
				Field:   "parameterTemplate",
				Message: fmt.Sprintf("jq evaluation failed: %s", err.Error()),
			}
		}
		results = append(results, v)
	}

	var out any
	switch len(results) {
	case 0:
		out = nil
	case 1:
		out = results[0]
	default:
		out = results
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters: %w", err)
	}
	return encoded, nil
}
