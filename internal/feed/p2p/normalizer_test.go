package p2p

import "testing"

func TestNormalizeEarthquakeCode(t *testing.T) {
	n := New("")
	raw := []byte(`{"code":551,"id":"abc123","time":"2026/01/01 12:00:00","earthquake":{"time":"2026/01/01 12:00:05","hypocenter":{"name":"off the coast","latitude":35.1,"longitude":139.5,"depth":10,"magnitude":4.2},"maxScale":40}}`)

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
	if e.EventID != "abc123" {
		t.Fatalf("expected eventId abc123, got %s", e.EventID)
	}
	if e.Latitude == nil || *e.Latitude != 35.1 {
		t.Fatalf("expected latitude 35.1, got %+v", e.Latitude)
	}
	if e.Type != "information" {
		t.Fatalf("expected type information, got %s", e.Type)
	}
}

func TestNormalizeUserReportHasNoEpicenter(t *testing.T) {
	n := New("")
	raw := []byte(`{"code":9611,"id":"ur-1","time":"2026/01/01 12:00:00","reportArea":"Tokyo"}`)

	events, _, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Latitude != nil || e.Longitude != nil {
		t.Fatalf("expected no epicenter on a user report, got lat=%v lon=%v", e.Latitude, e.Longitude)
	}
	if e.Type != "UserReport" {
		t.Fatalf("expected type UserReport, got %s", e.Type)
	}
	if e.Region == nil || *e.Region != "Tokyo" {
		t.Fatalf("expected region Tokyo, got %+v", e.Region)
	}
}

func TestNormalizeAreaPeerEmitsOneEventPerArea(t *testing.T) {
	n := New("")
	raw := []byte(`{"code":556,"id":"peer-1","time":"2026/01/01 12:00:00","confidence":80,"areas":[{"name":"Chiba","peers":12},{"name":"Saitama","peers":3}]}`)

	events, _, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events (one per area), got %d", len(events))
	}
	for _, e := range events {
		if e.Latitude != nil {
			t.Fatalf("area-peer events carry no hypocenter, got latitude %+v", e.Latitude)
		}
		if e.Intensity == nil || *e.Intensity != 80 {
			t.Fatalf("expected confidence 80 carried as intensity, got %+v", e.Intensity)
		}
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
