package store

import (
	"context"
	"testing"

	"github.com/MercuriusDream/Canaria/internal/model"
)

func mustOpen(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertDedup(t *testing.T) {
	s := mustOpen(t)
	ctx := context.Background()

	n, err := s.Insert(ctx, []model.Event{{EventID: "A", Source: model.SourceJMA, Time: "2026-01-01T00:00:00Z", ReceiveTime: "2026-01-01T00:00:01Z"}})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 inserted, got %d", n)
	}

	n, err = s.Insert(ctx, []model.Event{
		{EventID: "A", Source: model.SourceJMA, Time: "2026-01-01T00:00:00Z", ReceiveTime: "2026-01-01T00:00:01Z"},
		{EventID: "B", Source: model.SourceJMA, Time: "2026-01-01T00:01:00Z", ReceiveTime: "2026-01-01T00:01:01Z"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 newly inserted, got %d", n)
	}

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}

	latest, err := s.Latest(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.EventID != "B" {
		t.Fatalf("expected latest B, got %+v", latest)
	}
}

func TestInsertBatchDuplicateWithinBatch(t *testing.T) {
	s := mustOpen(t)
	ctx := context.Background()

	n, err := s.Insert(ctx, []model.Event{
		{EventID: "E", Source: model.SourceKMA, Time: "2026-01-01T00:00:00Z", ReceiveTime: "2026-01-01T00:00:00Z"},
		{EventID: "E", Source: model.SourceKMA, Time: "2026-01-01T00:00:00Z", ReceiveTime: "2026-01-01T00:00:00Z"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one row to materialize, got %d", n)
	}
}

func TestCountBySourceSumsToCount(t *testing.T) {
	s := mustOpen(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, []model.Event{
		{EventID: "1", Source: model.SourceJMA, Time: "2026-01-01T00:00:00Z", ReceiveTime: "2026-01-01T00:00:00Z"},
		{EventID: "2", Source: model.SourceKMA, Time: "2026-01-01T00:01:00Z", ReceiveTime: "2026-01-01T00:01:00Z"},
		{EventID: "3", Source: model.SourceP2PQuake, Time: "2026-01-01T00:02:00Z", ReceiveTime: "2026-01-01T00:02:00Z"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	total, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}

	sum := 0
	for _, src := range []model.Source{model.SourceJMA, model.SourceKMA, model.SourceP2PQuake} {
		n, err := s.CountBySource(ctx, src)
		if err != nil {
			t.Fatalf("countBySource(%s): %v", src, err)
		}
		sum += n
	}
	if sum != total {
		t.Fatalf("countBySource sum %d != count %d", sum, total)
	}
}

func TestListFiltersAndOrdering(t *testing.T) {
	s := mustOpen(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, []model.Event{
		{EventID: "old", Source: model.SourceJMA, Type: "EEW", Time: "2026-01-01T00:00:00Z", ReceiveTime: "2026-01-01T00:00:00Z"},
		{EventID: "new", Source: model.SourceJMA, Type: "EEW", Time: "2026-01-02T00:00:00Z", ReceiveTime: "2026-01-02T00:00:00Z"},
		{EventID: "other", Source: model.SourceKMA, Type: "information", Time: "2026-01-03T00:00:00Z", ReceiveTime: "2026-01-03T00:00:00Z"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	events, err := s.List(ctx, Query{Source: "JMA"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 JMA events, got %d", len(events))
	}
	if events[0].EventID != "new" || events[1].EventID != "old" {
		t.Fatalf("expected descending time order, got %+v", events)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	s := mustOpen(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, []model.Event{
		{EventID: "ancient", Source: model.SourceJMA, Time: "2000-01-01T00:00:00Z", ReceiveTime: "2000-01-01T00:00:00Z"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	n, err := s.DeleteOlderThan(ctx, 30)
	if err != nil {
		t.Fatalf("deleteOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 remaining, got %d", count)
	}
}
