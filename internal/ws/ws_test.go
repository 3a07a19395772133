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

package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/orchestrator/internal/bus"
)

func newTestStream(t *testing.T) (*Handler, *bus.Bus, *websocket.Conn) {
	t.Helper()

	b := bus.New()
	t.Cleanup(b.Close)
	h := NewHandler(b, nil)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return h, b, conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestConnectionAckIsFirstFrame(t *testing.T) {
	_, _, conn := newTestStream(t)

	env := readEnvelope(t, conn)
	assert.Equal(t, "connection.ack", env.Type)

	_, err := time.Parse(time.RFC3339, env.EmittedAt)
	assert.NoError(t, err)
	assertGreetingNow(t, env)
}

// assertGreetingNow checks the data.now payload carried by ack and pong
// frames.
func assertGreetingNow(t *testing.T, env envelope) {
	t.Helper()
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	now, ok := data["now"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339, now)
	assert.NoError(t, err)
}

func TestPingPong(t *testing.T) {
	_, _, conn := newTestStream(t)
	readEnvelope(t, conn) // ack

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	env := readEnvelope(t, conn)
	assert.Equal(t, "pong", env.Type)
	assertGreetingNow(t, env)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	env = readEnvelope(t, conn)
	assert.Equal(t, "pong", env.Type)
	assertGreetingNow(t, env)
}

func TestBusEventsAreStreamed(t *testing.T) {
	_, b, conn := newTestStream(t)
	readEnvelope(t, conn) // ack

	b.Publish(bus.Event{
		Type: bus.TypeWorkflowRunFailed,
		Data: map[string]any{"id": "run-1"},
	})

	env := readEnvelope(t, conn)
	assert.Equal(t, bus.TypeWorkflowRunFailed, env.Type)

	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "run-1", data["id"])
}

func TestShutdownClosesConnections(t *testing.T) {
	h, _, conn := newTestStream(t)
	readEnvelope(t, conn) // ack

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.Shutdown(ctx)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env envelope
	err := conn.ReadJSON(&env)
	assert.Error(t, err)
}

func TestIsPing(t *testing.T) {
	assert.True(t, isPing([]byte("ping")))
	assert.True(t, isPing([]byte("  ping\n")))
	assert.True(t, isPing([]byte(`{"type":"ping"}`)))
	assert.False(t, isPing([]byte(`{"type":"subscribe"}`)))
	assert.False(t, isPing([]byte("hello")))
}
