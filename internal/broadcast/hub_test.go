package broadcast

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/stepflow/graph/emit"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Serve(w, r, r.URL.Query().Get("execution")); err != nil {
			t.Logf("serve: %v", err)
		}
	}))
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, executionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?execution=" + executionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestHub_LogThenCompletion(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "exec-1")
	other := dial(t, srv, "exec-2")
	require.Eventually(t, func() bool {
		return hub.Subscribers("exec-1") == 1 && hub.Subscribers("exec-2") == 1
	}, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, hub.BroadcastLog(ctx, "exec-1", emit.Event{
		ExecutionID: "exec-1",
		Type:        emit.EventLog,
		StepID:      "fetch",
		Level:       "INFO",
		Message:     "Executing step: fetch",
		Timestamp:   time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, "log", frame["type"])
	assert.Equal(t, "exec-1", frame["run_id"])
	assert.Equal(t, "fetch", frame["step_id"])
	assert.Equal(t, "Executing step: fetch", frame["message"])
	assert.Equal(t, "2026-01-05T10:00:00Z", frame["timestamp"])

	require.NoError(t, hub.BroadcastRunCompletion(ctx, "exec-1", true))
	frame = readFrame(t, conn)
	assert.Equal(t, "run_completed", frame["type"])
	assert.Equal(t, true, frame["success"])

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, 0, hub.Subscribers("exec-1"))

	// Viewers of other executions are unaffected.
	assert.Equal(t, 1, hub.Subscribers("exec-2"))
	require.NoError(t, hub.BroadcastLog(ctx, "exec-2", emit.Event{Type: emit.EventStepStarted, StepID: "a"}))
	frame = readFrame(t, other)
	assert.Equal(t, "step_started", frame["type"])
	assert.NotEmpty(t, frame["timestamp"])
}

func TestHub_ViewerDisconnect(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "exec-1")
	require.Eventually(t, func() bool { return hub.Subscribers("exec-1") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Subscribers("exec-1") == 0 }, time.Second, 5*time.Millisecond)

	assert.NoError(t, hub.BroadcastLog(context.Background(), "exec-1", emit.Event{Type: emit.EventLog}))
}

func TestHub_NoViewers(t *testing.T) {
	hub := NewHub()
	assert.NoError(t, hub.BroadcastLog(context.Background(), "nobody", emit.Event{Type: emit.EventLog}))
	assert.NoError(t, hub.BroadcastRunCompletion(context.Background(), "nobody", false))
}

func TestHub_WithSink(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "exec-9")
	require.Eventually(t, func() bool { return hub.Subscribers("exec-9") == 1 }, time.Second, 5*time.Millisecond)

	sink := emit.NewSink(nil, emit.WithBroadcaster(hub))
	sink.StepError(context.Background(), "exec-9", emit.StepInfo{ID: "s1", Name: "Fetch", Type: "http"}, "boom")

	frame := readFrame(t, conn)
	assert.Equal(t, "step_error", frame["type"])
	assert.Equal(t, "exec-9", frame["run_id"])
	assert.Equal(t, map[string]any{"error": "boom"}, frame["metadata"])
}
