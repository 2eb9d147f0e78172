package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, h *Hub) (*httptest.Server, string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		go h.Register(conn)
	})
	srv := httptest.NewServer(mux)
	wsURL := "ws" + srv.URL[len("http"):] + "/ws"
	return srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	h := New(nil)
	srv, url := newTestServer(t, h)
	defer srv.Close()

	c1 := dial(t, url)
	defer c1.Close()
	c2 := dial(t, url)
	defer c2.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Size() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.Size() != 2 {
		t.Fatalf("expected 2 subscribers registered, got %d", h.Size())
	}

	if err := h.Broadcast(map[string]any{"signedEvents": []string{"E1"}}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	m1 := readJSON(t, c1, time.Second)
	m2 := readJSON(t, c2, time.Second)
	if _, ok := m1["signedEvents"]; !ok {
		t.Fatalf("c1 did not receive broadcast: %+v", m1)
	}
	if _, ok := m2["signedEvents"]; !ok {
		t.Fatalf("c2 did not receive broadcast: %+v", m2)
	}
}

func TestNewSubscriberReceivesSnapshotOfLastEvent(t *testing.T) {
	h := New(nil)
	if err := h.SetLastEvent(map[string]any{"event": "E0"}); err != nil {
		t.Fatalf("setLastEvent: %v", err)
	}

	srv, url := newTestServer(t, h)
	defer srv.Close()

	c3 := dial(t, url)
	defer c3.Close()

	snapshot := readJSON(t, c3, time.Second)
	if snapshot["event"] != "E0" {
		t.Fatalf("expected snapshot of last event, got %+v", snapshot)
	}
}

func TestRemoveOnDisconnect(t *testing.T) {
	h := New(nil)
	srv, url := newTestServer(t, h)
	defer srv.Close()

	c1 := dial(t, url)

	deadline := time.Now().Add(2 * time.Second)
	for h.Size() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.Size() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", h.Size())
	}

	c1.Close()

	deadline = time.Now().Add(2 * time.Second)
	for h.Size() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.Size() != 0 {
		t.Fatalf("expected subscriber removed after disconnect, got size %d", h.Size())
	}
}
