// Package broadcast streams execution events to websocket viewers.
//
// Viewers subscribe to one execution. Every forwarded event is sent as a
// JSON text frame carrying "run_id" and "timestamp"; the run_completed
// frame is the last one, after which the hub closes the execution's
// connections.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dshills/stepflow/graph/emit"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultSendBuffer   = 64
)

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger for connection errors.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithCheckOrigin overrides the upgrader origin check. By default every
// origin is accepted.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// WithSendBuffer sets how many frames may queue per viewer before the
// viewer is dropped as too slow.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithClock overrides the time source for frame timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// Hub fans execution events out to websocket viewers. It implements
// emit.Broadcaster.
type Hub struct {
	upgrader     websocket.Upgrader
	logger       *slog.Logger
	writeTimeout time.Duration
	sendBuffer   int
	now          func() time.Time

	mu   sync.RWMutex
	subs map[string]map[*viewer]struct{}
}

var _ emit.Broadcaster = (*Hub)(nil)

// NewHub creates an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:       slog.Default(),
		writeTimeout: defaultWriteTimeout,
		sendBuffer:   defaultSendBuffer,
		now:          time.Now,
		subs:         make(map[string]map[*viewer]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type viewer struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (v *viewer) close() {
	v.once.Do(func() { close(v.send) })
}

// Serve upgrades the request and subscribes the connection to executionID.
// It returns once the connection is registered; frames are written by a
// background goroutine until the run completes or the viewer disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, executionID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}

	v := &viewer{conn: conn, send: make(chan []byte, h.sendBuffer)}
	h.mu.Lock()
	if h.subs[executionID] == nil {
		h.subs[executionID] = make(map[*viewer]struct{})
	}
	h.subs[executionID][v] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("viewer subscribed", slog.String("execution_id", executionID))

	go h.writeLoop(v)
	go h.readLoop(executionID, v)
	return nil
}

// Subscribers returns the number of viewers of executionID.
func (h *Hub) Subscribers(executionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[executionID])
}

// BroadcastLog implements emit.Broadcaster.
func (h *Hub) BroadcastLog(_ context.Context, executionID string, event emit.Event) error {
	payload := event.Payload()
	payload["run_id"] = executionID
	if event.Timestamp.IsZero() {
		payload["timestamp"] = h.now().UTC().Format(time.RFC3339Nano)
	}
	return h.publish(executionID, payload, false)
}

// BroadcastRunCompletion implements emit.Broadcaster. It sends the
// run_completed frame and then closes every connection of executionID.
func (h *Hub) BroadcastRunCompletion(_ context.Context, executionID string, success bool) error {
	return h.publish(executionID, map[string]any{
		"type":      emit.EventRunCompleted,
		"run_id":    executionID,
		"success":   success,
		"timestamp": h.now().UTC().Format(time.RFC3339Nano),
	}, true)
}

func (h *Hub) publish(executionID string, payload map[string]any, last bool) error {
	frame, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	var slow []*viewer
	h.mu.RLock()
	for v := range h.subs[executionID] {
		select {
		case v.send <- frame:
		default:
			slow = append(slow, v)
		}
	}
	h.mu.RUnlock()

	for _, v := range slow {
		h.logger.Warn("dropping slow viewer", slog.String("execution_id", executionID))
		h.remove(executionID, v)
	}
	if last {
		h.closeExecution(executionID)
	}
	return nil
}

func (h *Hub) remove(executionID string, v *viewer) {
	h.mu.Lock()
	if set, ok := h.subs[executionID]; ok {
		delete(set, v)
		if len(set) == 0 {
			delete(h.subs, executionID)
		}
	}
	h.mu.Unlock()
	v.close()
}

func (h *Hub) closeExecution(executionID string) {
	h.mu.Lock()
	set := h.subs[executionID]
	delete(h.subs, executionID)
	h.mu.Unlock()

	for v := range set {
		v.close()
	}
}

// Close disconnects every viewer.
func (h *Hub) Close() error {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string]map[*viewer]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for v := range set {
			v.close()
		}
	}
	return nil
}

// writeLoop drains v.send. When the channel is closed it sends a normal
// close frame and closes the connection.
func (h *Hub) writeLoop(v *viewer) {
	defer v.conn.Close()

	for frame := range v.send {
		_ = v.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := v.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			h.logger.Debug("websocket write failed", slog.Any("error", err))
			return
		}
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run completed")
	_ = v.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout))
}

// readLoop discards inbound frames and unsubscribes the viewer when the
// connection goes away.
func (h *Hub) readLoop(executionID string, v *viewer) {
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			h.remove(executionID, v)
			return
		}
	}
}
