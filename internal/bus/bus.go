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

// Package bus provides process-local publish/subscribe for state-change
// notifications.
//
// Delivery is FIFO per subscription with a bounded queue. When a
// subscription's queue fills, the oldest queued event is dropped and a
// per-subscription counter incremented; publishers never block.
package bus

import (
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the per-subscription queue bound.
const DefaultQueueSize = 256

// Event is a single state-change notification. The bus forwards Data
// verbatim; it is opaque here.
type Event struct {
	// Type is the event name, e.g. "workflow.run.updated".
	Type string

	// Data is the event payload.
	Data any
}

// Filter decides whether a subscription receives an event.
// A nil filter accepts everything.
type Filter func(Event) bool

// TypeFilter accepts events whose type matches any of the given names.
func TypeFilter(types ...string) Filter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// Subscription is an active listener with a bounded queue.
type Subscription struct {
	bus     *Bus
	filter  Filter
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped atomic.Int64
}

// Events returns the receive channel. It is closed on Unsubscribe and on
// bus shutdown.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns the number of events dropped from this subscription's
// queue due to overflow.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// enqueue adds an event, dropping the oldest queued event when full.
func (s *Subscription) enqueue(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		// Queue full: drop the oldest and retry.
		select {
		case <-s.ch:
			s.dropped.Add(1)
			droppedEvents.Inc()
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Bus is the process-local event bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates an event bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a listener. A nil filter receives all events;
// queueSize <= 0 selects DefaultQueueSize. The subscription starts empty:
// there is no replay.
func (b *Bus) Subscribe(filter Filter, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	sub := &Subscription{
		bus:    b,
		filter: filter,
		ch:     make(chan Event, queueSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscription and closes its queue.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish fans the event out to all matching subscriptions.
// Never blocks; publishes after Close are dropped.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	publishedEvents.WithLabelValues(e.Type).Inc()
	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		sub.enqueue(e)
	}
}

// Close shuts the bus down: all subscriptions are closed and further
// publishes are rejected.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
