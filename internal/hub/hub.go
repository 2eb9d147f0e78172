// Package hub is Canaria's WebSocket subscriber registry and broadcast
// fan-out, grounded on the teacher's gorilla/websocket client-map shape
// and the broader pack's dedicated websocket server component
// (C360Studio-semstreams/output/websocket): per-connection write mutex,
// a snapshot-then-iterate broadcast, and a keepalive ping loop.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Upgrader is shared by the HTTP layer to promote an incoming request
// to a WebSocket connection before calling Hub.Register. Origin
// checking is intentionally permissive: Canaria's feed is public,
// read-only broadcast data, not a credentialed API.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const keepaliveInterval = 60 * time.Second

// subscriber wraps one live connection. gorilla/websocket forbids
// concurrent writes to the same *Conn, hence the dedicated write mutex.
type subscriber struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

// Hub owns the set of active subscribers and the single most recent
// event, sent as an immediate snapshot to every newly registered
// subscriber per spec.md §4.6.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	totalConnections atomic.Int64

	lastMu    sync.RWMutex
	lastEvent json.RawMessage

	onSizeChange func(n int)
}

// New builds an empty Hub. onSizeChange, if non-nil, is called after
// every register/removal with the new subscriber count — cmd/canaria
// wires this to Metrics.SetWSClientCount.
func New(onSizeChange func(n int)) *Hub {
	return &Hub{
		subs:         make(map[*subscriber]struct{}),
		onSizeChange: onSizeChange,
	}
}

// Register adopts an already-upgraded connection, immediately sends the
// most recent event snapshot if one exists, and blocks reading (and
// discarding) client frames until the connection errors or closes —
// that read loop is what detects disconnects and triggers removal.
// Callers should invoke Register in its own goroutine per connection.
func (h *Hub) Register(conn *websocket.Conn) {
	sub := &subscriber{id: uuid.New().String(), conn: conn}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.totalConnections.Add(1)
	h.notifySizeChange(n)
	slog.Debug("hub: subscriber registered", "connId", sub.id, "subscriberCount", n)

	h.lastMu.RLock()
	snapshot := h.lastEvent
	h.lastMu.RUnlock()
	if snapshot != nil {
		_ = h.send(sub, snapshot)
	}

	h.readLoop(sub)
}

// readLoop discards inbound client frames; its sole purpose is
// detecting the close/error condition gorilla/websocket surfaces only
// through a failing Read, then removing the subscriber.
func (h *Hub) readLoop(sub *subscriber) {
	defer h.remove(sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(sub *subscriber) {
	if !sub.closed.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	delete(h.subs, sub)
	n := len(h.subs)
	h.mu.Unlock()
	_ = sub.conn.Close()
	h.notifySizeChange(n)
	slog.Debug("hub: subscriber removed", "connId", sub.id, "subscriberCount", n)
}

func (h *Hub) notifySizeChange(n int) {
	if h.onSizeChange != nil {
		h.onSizeChange(n)
	}
}

// SetLastEvent updates the snapshot handed to newly registered
// subscribers; called by Ingest at construction and, for every batch
// that stores new events, just before that batch is broadcast.
func (h *Hub) SetLastEvent(payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.lastMu.Lock()
	h.lastEvent = b
	h.lastMu.Unlock()
	return nil
}

// Broadcast serializes payload once and sends it to a snapshot of the
// currently registered subscribers; a send failure removes that
// subscriber silently, matching spec.md §4.6's "never the live map"
// concurrency note.
func (h *Hub) Broadcast(payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	snapshot := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		snapshot = append(snapshot, sub)
	}
	h.mu.RUnlock()

	for _, sub := range snapshot {
		if sub.closed.Load() {
			continue
		}
		if err := h.send(sub, b); err != nil {
			h.remove(sub)
		}
	}
	return nil
}

func (h *Hub) send(sub *subscriber, b []byte) error {
	sub.writeMu.Lock()
	defer sub.writeMu.Unlock()
	_ = sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return sub.conn.WriteMessage(websocket.TextMessage, b)
}

type pingMessage struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// StartPings runs the 60s keepalive loop until ctx is canceled.
func (h *Hub) StartPings(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = h.Broadcast(pingMessage{Type: "ping", TS: time.Now().UnixMilli()})
		}
	}
}

// Size returns the current subscriber count.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// TotalConnectionCount returns the monotonically increasing total
// number of connections ever registered.
func (h *Hub) TotalConnectionCount() int64 { return h.totalConnections.Load() }
