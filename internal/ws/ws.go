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

// Package ws streams bus events to websocket clients.
//
// Each connection gets its own bus subscription with the bus's bounded
// drop-oldest queue, so one slow client never stalls publishers or other
// clients. The first frame on every connection is a connection.ack
// envelope; a client "ping" text frame is answered with a pong envelope.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apphub/orchestrator/internal/bus"
	"github.com/apphub/orchestrator/internal/log"
)

const (
	writeWait = 10 * time.Second

	// readLimit bounds inbound frames; clients only ever send pings.
	readLimit = 4096
)

// envelope is the wire frame sent to clients.
type envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	EmittedAt string `json:"emittedAt"`
}

// Handler upgrades HTTP requests and streams bus events.
type Handler struct {
	bus      *bus.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup

	now func() time.Time
}

// NewHandler creates a websocket handler over the bus.
func NewHandler(b *bus.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		bus:    b,
		logger: log.WithComponent(logger, "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		conns: make(map[*websocket.Conn]struct{}),
		now:   time.Now,
	}
}

// ServeHTTP upgrades the request and serves the event stream until the
// client disconnects or the handler shuts down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", log.Error(err))
		return
	}

	if !h.track(conn) {
		conn.Close()
		return
	}

	h.wg.Add(1)
	go h.serve(conn)
}

// track registers a live connection; false means the handler is shut down.
func (h *Handler) track(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = struct{}{}
	activeConnections.Inc()
	return true
}

func (h *Handler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
		activeConnections.Dec()
	}
}

func (h *Handler) serve(conn *websocket.Conn) {
	defer h.wg.Done()
	defer conn.Close()
	defer h.untrack(conn)

	sub := h.bus.Subscribe(nil, 0)
	defer h.bus.Unsubscribe(sub)

	if err := h.write(conn, h.greeting("connection.ack")); err != nil {
		return
	}

	conn.SetReadLimit(readLimit)

	// The reader only exists to surface pings and disconnects.
	pings := make(chan struct{}, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if isPing(msg) {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-readerDone:
			return
		case <-pings:
			if err := h.write(conn, h.greeting("pong")); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				// Bus shut down; say goodbye cleanly.
				deadline := time.Now().Add(writeWait)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
				return
			}
			if err := h.write(conn, envelope{
				Type:      event.Type,
				Data:      event.Data,
				EmittedAt: h.now().UTC().Format(time.RFC3339),
			}); err != nil {
				return
			}
		}
	}
}

// greeting builds an ack or pong frame. Both carry the current time in
// data.now as well as emittedAt; clients key on data.now.
func (h *Handler) greeting(frameType string) envelope {
	now := h.now().UTC().Format(time.RFC3339)
	return envelope{
		Type:      frameType,
		Data:      map[string]any{"now": now},
		EmittedAt: now,
	}
}

// isPing accepts a bare "ping" text frame or a {"type":"ping"} document.
func isPing(msg []byte) bool {
	if strings.TrimSpace(string(msg)) == "ping" {
		return true
	}
	var frame struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(msg, &frame) == nil && frame.Type == "ping"
}

func (h *Handler) write(conn *websocket.Conn, env envelope) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		return err
	}
	messagesSent.WithLabelValues(env.Type).Inc()
	return nil
}

// Shutdown closes all live connections and waits for their goroutines,
// bounded by the context.
func (h *Handler) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("Websocket shutdown timed out")
	}
}
