package jma

import "testing"

func TestNormalizeAllowedCode(t *testing.T) {
	n := New("")
	raw := []byte(`{"code":561,"eventId":"jma-1","issueTime":"2026/01/01 12:00:00","region":"off the coast","latitude":35.1,"longitude":139.5,"magnitude":4.2,"depth":10,"maxIntensity":5}`)

	events, isHeartbeat, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if isHeartbeat {
		t.Fatalf("expected a regular event, not a heartbeat")
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.EventID != "jma-1" {
		t.Fatalf("expected eventId jma-1, got %s", e.EventID)
	}
	if e.Latitude == nil || *e.Latitude != 35.1 {
		t.Fatalf("expected latitude 35.1, got %+v", e.Latitude)
	}
	if e.Type != "EEW" {
		t.Fatalf("expected type EEW, got %s", e.Type)
	}
	if e.Region == nil || *e.Region != "off the coast" {
		t.Fatalf("expected region carried through, got %+v", e.Region)
	}
}

func TestNormalizeSyntheticEventIDFallback(t *testing.T) {
	n := New("")
	raw := []byte(`{"code":551,"issueTime":"2026/01/01 12:00:00","serial":"3","latitude":35.1,"longitude":139.5,"magnitude":4.2}`)

	events, _, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.EventID == "" {
		t.Fatalf("expected a synthetic eventId when upstream omits one")
	}

	// Same fields with a different serial must produce a different synthetic id.
	raw2 := []byte(`{"code":551,"issueTime":"2026/01/01 12:00:00","serial":"4","latitude":35.1,"longitude":139.5,"magnitude":4.2}`)
	events2, _, err := n.Normalize(raw2)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if events2[0].EventID == e.EventID {
		t.Fatalf("expected distinct synthetic ids for distinct serials, got %s twice", e.EventID)
	}
}

func TestNormalizeCanceledReport(t *testing.T) {
	n := New("")
	raw := []byte(`{"code":561,"eventId":"jma-2","issueTime":"2026/01/01 12:00:00","isCanceled":true}`)

	events, _, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	e := events[0]
	if e.Advisory == nil || *e.Advisory != "canceled" {
		t.Fatalf("expected advisory=canceled on a canceled report, got %+v", e.Advisory)
	}
}

func TestNormalizeHeartbeat(t *testing.T) {
	n := New("")
	_, isHeartbeat, err := n.Normalize([]byte(`{"type":"heartbeat"}`))
	if err != nil {
		t.Fatalf("normalize heartbeat: %v", err)
	}
	if !isHeartbeat {
		t.Fatalf("expected heartbeat frame to be classified as such")
	}
}

func TestNormalizeRejectsDisallowedCode(t *testing.T) {
	n := New("")
	_, _, err := n.Normalize([]byte(`{"code":999}`))
	if err == nil {
		t.Fatalf("expected error for disallowed code")
	}
}
