package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MercuriusDream/Canaria/internal/hub"
	"github.com/MercuriusDream/Canaria/internal/model"
	"github.com/MercuriusDream/Canaria/internal/signer"
	"github.com/MercuriusDream/Canaria/internal/store"
)

func mustIngestor(t *testing.T) (*Ingestor, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sg, err := signer.NewFromSeed(make([]byte, 32))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	h := hub.New(nil)
	return New(context.Background(), st, sg, h, nil, nil), st
}

func TestSubmitSyncHandshakeFiresOncePerProcess(t *testing.T) {
	ing, _ := mustIngestor(t)
	ctx := context.Background()

	resp, err := ing.Submit(ctx, SubmitRequest{Heartbeat: &model.Heartbeat{AuthorityReachable: true, LastParseTime: "2026-01-01T00:00:00Z"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !resp.Sync {
		t.Fatalf("expected sync:true on first reachable heartbeat")
	}

	resp, err = ing.Submit(ctx, SubmitRequest{Heartbeat: &model.Heartbeat{AuthorityReachable: true, LastParseTime: "2026-01-01T00:01:00Z"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Sync {
		t.Fatalf("expected sync:false on second reachable heartbeat")
	}
}

func TestSubmitStoresEventsAndSigns(t *testing.T) {
	ing, st := mustIngestor(t)
	ctx := context.Background()

	_, err := ing.Submit(ctx, SubmitRequest{Events: []model.Event{
		{EventID: "e1", Source: model.SourceJMA, Time: "2026-01-01T00:00:00Z", ReceiveTime: "2026-01-01T00:00:00Z"},
	}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	count, err := st.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 stored event, got %d", count)
	}
	if ing.LastStoredAt().IsZero() {
		t.Fatalf("expected lastStoredAt to be set")
	}
}

func TestHandleEventDoesNotRebroadcastDuplicates(t *testing.T) {
	ing, _ := mustIngestor(t)
	ctx := context.Background()

	e := model.Event{EventID: "dup", Source: model.SourceJMA, Time: "2026-01-01T00:00:00Z", ReceiveTime: "2026-01-01T00:00:00Z"}

	n1, err := ing.processBatch(ctx, []model.Event{e})
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if n1 != 1 {
		t.Fatalf("expected 1 newly inserted, got %d", n1)
	}

	n2, err := ing.processBatch(ctx, []model.Event{e})
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if n2 != 0 {
		t.Fatalf("expected 0 newly inserted on replay of an already-persisted event, got %d", n2)
	}
}

// TestNewPrimesHubSnapshotFromExistingLatestEvent exercises the real
// startup path (spec.md §4.6, §8 scenario 2): an event already sits in
// the store before the Ingestor (and therefore the process) exists, no
// fresh batch is ever ingested, and a subscriber that connects must
// still receive that event as its immediate handshake snapshot.
func TestNewPrimesHubSnapshotFromExistingLatestEvent(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if _, err := st.Insert(ctx, []model.Event{
		{EventID: "e0", Source: model.SourceJMA, Time: "2026-01-01T00:00:00Z", ReceiveTime: "2026-01-01T00:00:00Z"},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	sg, err := signer.NewFromSeed(make([]byte, 32))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	h := hub.New(nil)
	New(ctx, st, sg, h, nil, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := hub.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		go h.Register(conn)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	wsURL := "ws" + srv.URL[len("http"):] + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snapshot map[string]any
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	event, ok := snapshot["event"].(map[string]any)
	if !ok {
		t.Fatalf("expected a snapshot carrying the pre-existing event, got %+v", snapshot)
	}
	if event["eventId"] != "e0" {
		t.Fatalf("expected snapshot of e0, got %+v", event)
	}
}

func TestParserErrorRingIsBoundedAndMostRecentFirst(t *testing.T) {
	ing, _ := mustIngestor(t)
	ctx := context.Background()

	for i := 0; i < maxParserErrors+5; i++ {
		msg := fmt.Sprintf("err-%d", i)
		_, err := ing.Submit(ctx, SubmitRequest{Heartbeat: &model.Heartbeat{LastParseTime: "2026-01-01T00:00:00Z", Error: &msg}})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	errs := ing.ParserErrors()
	if len(errs) != maxParserErrors {
		t.Fatalf("expected ring capped at %d, got %d", maxParserErrors, len(errs))
	}
	if want := fmt.Sprintf("err-%d", maxParserErrors+4); errs[0].Error != want {
		t.Fatalf("expected most recent error %q first, got %q", want, errs[0].Error)
	}
}
