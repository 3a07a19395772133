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

// Package cron evaluates cron expressions in named IANA timezones.
//
// Expressions use the standard five fields (minute hour day-of-month month
// day-of-week) or six fields with a leading seconds field. Descriptors like
// @hourly are accepted. Evaluation happens in the configured zone, so DST
// transitions follow the zone rules; all returned instants are UTC.
package cron

import (
	"fmt"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/apphub/orchestrator/internal/errors"
)

var (
	minuteParser = robfig.NewParser(
		robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor,
	)
	secondParser = robfig.NewParser(
		robfig.Second | robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow,
	)
)

// Expression is a parsed cron expression bound to a timezone.
type Expression struct {
	source   string
	schedule robfig.Schedule
	loc      *time.Location
}

// Parse parses expr and resolves tz. An empty tz means UTC.
func Parse(expr, tz string) (*Expression, error) {
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:      "timezone",
				Message:    fmt.Sprintf("unknown timezone %q", tz),
				Suggestion: "use an IANA zone name such as UTC or America/New_York",
			}
		}
	}

	parser := minuteParser
	if len(strings.Fields(expr)) == 6 {
		parser = secondParser
	}
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "cron",
			Message:    fmt.Sprintf("invalid cron expression %q: %v", expr, err),
			Suggestion: "supply 5 fields, or 6 fields for second granularity",
		}
	}

	return &Expression{source: expr, schedule: schedule, loc: loc}, nil
}

// String returns the source expression.
func (e *Expression) String() string {
	return e.source
}

// Next returns the next occurrence strictly after t, in UTC.
// The zero time is returned when no occurrence exists within the library's
// search horizon.
func (e *Expression) Next(t time.Time) time.Time {
	next := e.schedule.Next(t.In(e.loc))
	if next.IsZero() {
		return next
	}
	return next.UTC()
}

// Between returns all occurrences in (from, to], ascending, in UTC.
func (e *Expression) Between(from, to time.Time) []time.Time {
	var out []time.Time
	for t := e.Next(from); !t.IsZero() && !t.After(to); t = e.Next(t) {
		out = append(out, t)
	}
	return out
}

// NextAfter is a convenience for one-shot evaluation without holding a
// parsed Expression.
func NextAfter(expr, tz string, t time.Time) (time.Time, error) {
	e, err := Parse(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	return e.Next(t), nil
}

// Between is a convenience for one-shot range evaluation.
func Between(expr, tz string, from, to time.Time) ([]time.Time, error) {
	e, err := Parse(expr, tz)
	if err != nil {
		return nil, err
	}
	return e.Between(from, to), nil
}
