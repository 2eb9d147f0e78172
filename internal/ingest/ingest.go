// Package ingest is Canaria's single write path: it accepts events
// from feed connectors and from the authenticated poller, writes them
// through the Store, signs newly-persisted events, broadcasts them via
// the Hub, and schedules the asynchronous backup projection upload.
//
// Grounded directly on the teacher's internal/ingest/ingest.go (an
// Ingestor struct wrapping the store, fanning collectors into it);
// generalized here from file-tailing collectors to connector/poller
// batches per spec.md §4.8.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/MercuriusDream/Canaria/internal/hub"
	"github.com/MercuriusDream/Canaria/internal/model"
	"github.com/MercuriusDream/Canaria/internal/signer"
	"github.com/MercuriusDream/Canaria/internal/store"
	"sync"
)

// maxParserErrors bounds the in-memory ring of recent heartbeat-
// reported parser errors, per spec.md §3/§4.8.
const maxParserErrors = 10

// backupWindow is how many of the most recent events are handed to the
// backup uploader on each successful batch, per spec.md §4.8/§6.
const backupWindow = 1000

// Uploader is the asynchronous backup-projection sink; satisfied by
// internal/backup.Uploader. Accepting an interface here keeps Ingest
// testable without a real object store.
type Uploader interface {
	Upload(ctx context.Context, events []model.Event) error
}

// SubmitRequest is the authenticated poller's POST /v1/events body.
type SubmitRequest struct {
	Heartbeat *model.Heartbeat
	Events    []model.Event
}

// SubmitResponse tells the poller whether this is the one-shot
// "please resync" signal spec.md §4.8/§6 describes.
type SubmitResponse struct {
	Sync bool
}

// Ingestor is Canaria's single logical writer: every persisted event
// passes through Store, Signer, and Hub here, and only here.
type Ingestor struct {
	store  *store.Store
	signer *signer.Signer
	hub    *hub.Hub

	onEventsInserted func(source string, n int)
	backup           Uploader

	mu                 sync.Mutex
	heartbeat          model.Heartbeat
	heartbeatAt        time.Time
	needsAuthoritySync bool
	lastStoredAt       time.Time
	parserErrors       []model.ParserError
}

// New builds an Ingestor and primes the hub's handshake snapshot from
// whatever event is already newest in the store, so a subscriber that
// connects before any new batch is ingested still receives it
// immediately (spec.md §4.6, exercised by §8 scenario 2: a pre-existing
// event with no fresh insert in between must still reach a newly
// connected subscriber). onEventsInserted, if non-nil, is called once
// for each source/authority present among a batch's newly materialized
// rows, with that source's count — cmd/canaria wires this to
// Metrics.RecordEventsInserted.
// backup may be nil, in which case the backup projection step is
// skipped entirely (useful for tests and for deployments that haven't
// configured an object store yet).
func New(ctx context.Context, st *store.Store, sg *signer.Signer, h *hub.Hub, backup Uploader, onEventsInserted func(source string, n int)) *Ingestor {
	ing := &Ingestor{
		store:              st,
		signer:             sg,
		hub:                h,
		backup:             backup,
		onEventsInserted:   onEventsInserted,
		needsAuthoritySync: true, // spec.md §6: the first heartbeat with authority reachable since start gets {sync:true}.
	}

	if latest, err := st.Latest(ctx); err != nil {
		slog.Error("ingest: prime last-event snapshot failed", "error", err)
	} else if latest != nil {
		if err := h.SetLastEvent(map[string]any{"event": latest}); err != nil {
			slog.Error("ingest: set last-event snapshot failed", "error", err)
		}
	}

	return ing
}

// HandleEvent is the connector callback entry point: it appends a
// feed-originated batch straight into the write pipeline.
func (ing *Ingestor) HandleEvent(ctx context.Context, feed string, events []model.Event) {
	if _, err := ing.processBatch(ctx, events); err != nil {
		slog.Error("ingest: process feed batch failed", "feed", feed, "error", err)
	}
}

// Submit is the authenticated poller's entry point. It stores the
// heartbeat snapshot, appends any events into the write pipeline, and
// implements the one-shot resync handshake: the flag is read and
// unconditionally cleared in the same critical section whenever a
// heartbeat reports authorityReachable, so {sync:true} fires exactly
// once per process lifetime (spec.md §9, read-then-clear atomically).
func (ing *Ingestor) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	resp := SubmitResponse{}

	if req.Heartbeat != nil {
		ing.mu.Lock()
		ing.heartbeat = *req.Heartbeat
		ing.heartbeatAt = time.Now().UTC()
		if req.Heartbeat.Error != nil && *req.Heartbeat.Error != "" {
			ing.prependParserErrorLocked(*req.Heartbeat.Error)
		}
		if req.Heartbeat.AuthorityReachable && ing.needsAuthoritySync {
			resp.Sync = true
			ing.needsAuthoritySync = false
		}
		ing.mu.Unlock()
	}

	if len(req.Events) > 0 {
		if _, err := ing.processBatch(ctx, req.Events); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// prependParserErrorLocked must be called with mu held.
func (ing *Ingestor) prependParserErrorLocked(errMsg string) {
	entry := model.ParserError{Timestamp: time.Now().UTC(), Error: errMsg}
	ing.parserErrors = append([]model.ParserError{entry}, ing.parserErrors...)
	if len(ing.parserErrors) > maxParserErrors {
		ing.parserErrors = ing.parserErrors[:maxParserErrors]
	}
}

// processBatch is the one write path every event flows through:
// Store.InsertNew → (if anything new materialized) sign + broadcast +
// schedule backup. A storage failure is logged and the batch's
// broadcast is skipped; it does not crash the process (spec.md §7).
func (ing *Ingestor) processBatch(ctx context.Context, events []model.Event) (int, error) {
	inserted, err := ing.store.InsertNew(ctx, events)
	if err != nil {
		slog.Error("ingest: store insert failed", "error", err)
		return 0, err
	}
	if len(inserted) == 0 {
		return 0, nil
	}

	ing.mu.Lock()
	ing.lastStoredAt = time.Now().UTC()
	ing.mu.Unlock()

	if ing.onEventsInserted != nil {
		bySource := map[string]int{}
		for _, e := range inserted {
			bySource[string(e.Source)]++
		}
		for source, n := range bySource {
			ing.onEventsInserted(source, n)
		}
	}

	signedEvents := make([]model.SignedEvent, 0, len(inserted))
	for _, e := range inserted {
		signed, err := ing.signer.Sign(e)
		if err != nil {
			slog.Error("ingest: sign event failed", "eventId", e.EventID, "error", err)
			continue
		}
		signedEvents = append(signedEvents, signed)
	}

	if latest, err := ing.store.Latest(ctx); err == nil && latest != nil {
		_ = ing.hub.SetLastEvent(map[string]any{"event": latest})
	}

	if len(signedEvents) > 0 {
		if err := ing.hub.Broadcast(map[string]any{"signedEvents": signedEvents}); err != nil {
			slog.Error("ingest: broadcast failed", "error", err)
		}
	}

	if ing.backup != nil {
		go ing.uploadBackup(context.WithoutCancel(ctx))
	}

	return len(inserted), nil
}

// uploadBackup is fire-and-forget: failures are logged, never surfaced
// to the request that triggered this batch (spec.md §5/§7).
func (ing *Ingestor) uploadBackup(ctx context.Context) {
	uploadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	recent, err := ing.store.List(uploadCtx, store.Query{Limit: backupWindow})
	if err != nil {
		slog.Warn("ingest: backup list failed", "error", err)
		return
	}
	if err := ing.backup.Upload(uploadCtx, recent); err != nil {
		slog.Warn("ingest: backup upload failed", "error", err)
	}
}

// Heartbeat returns a snapshot of the most recent poller heartbeat and
// when it was received.
func (ing *Ingestor) Heartbeat() (model.Heartbeat, time.Time) {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.heartbeat, ing.heartbeatAt
}

// LastStoredAt returns when the last batch materialized at least one
// new row, the zero time if none ever has.
func (ing *Ingestor) LastStoredAt() time.Time {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.lastStoredAt
}

// ParserErrors returns a snapshot of the bounded recent-errors ring,
// most recent first.
func (ing *Ingestor) ParserErrors() []model.ParserError {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	out := make([]model.ParserError, len(ing.parserErrors))
	copy(out, ing.parserErrors)
	return out
}
