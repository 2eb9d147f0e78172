// Package jma normalizes messages from Canaria's JMA EEW relay feed
// into canonical model.Events, grounded on spec.md §4.7's normalization
// rules and modeled structurally on the teacher's per-source collector
// packages (internal/collectors/falco, .../suricata): one normalizer,
// one Normalize entry point, no shared mutable state.
package jma

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MercuriusDream/Canaria/internal/feed/wire"
	"github.com/MercuriusDream/Canaria/internal/model"
)

// allowedCodes is the upstream code allow-list spec.md §4.7 requires;
// codes outside this set are rejected rather than silently normalized.
var allowedCodes = []int{551, 552, 556, 561, 9611}

const backfillLimit = 50

// message is the JMA EEW relay's wire shape: a heartbeat frame carries
// no code, everything else must pass the allow-list.
type message struct {
	Type          string          `json:"type"`
	Code          int             `json:"code"`
	EventID       string          `json:"eventId"`
	Serial        string          `json:"serial"`
	IssueTime     string          `json:"issueTime"`
	Region        string          `json:"region"`
	Latitude      json.RawMessage `json:"latitude"`
	Longitude     json.RawMessage `json:"longitude"`
	Magnitude     json.RawMessage `json:"magnitude"`
	Depth         json.RawMessage `json:"depth"`
	MaxIntensity  json.RawMessage `json:"maxIntensity"`
	ReportType    string          `json:"reportType"`
	IsCanceled    bool            `json:"isCanceled"`
}

// Normalizer implements feed.Normalizer for the JMA EEW relay.
type Normalizer struct {
	// BackfillURL serves the bounded historical window fetched on
	// connector startup.
	BackfillURL string
	HTTPClient  *http.Client
}

// New builds a Normalizer with a default HTTP client.
func New(backfillURL string) *Normalizer {
	return &Normalizer{BackfillURL: backfillURL, HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Normalize implements feed.Normalizer.
func (n *Normalizer) Normalize(raw []byte) ([]model.Event, bool, error) {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, false, fmt.Errorf("jma: decode: %w", err)
	}

	if msg.Type == "heartbeat" {
		return nil, true, nil
	}

	if !wire.AllowListed(msg.Code, allowedCodes) {
		return nil, false, fmt.Errorf("jma: upstream code %d not in allow-list", msg.Code)
	}

	issueTime, ok := wire.ParseTimestamp(msg.IssueTime)
	if !ok {
		issueTime = time.Now().UTC().Format(time.RFC3339Nano)
	}

	lat := wire.ParseNumberPtr(msg.Latitude)
	lon := wire.ParseNumberPtr(msg.Longitude)
	mag := wire.ParseNumberPtr(msg.Magnitude)
	depth := wire.ParseNumberPtr(msg.Depth)
	intensity := wire.ParseNumberPtr(msg.MaxIntensity)

	eventID := strings.TrimSpace(msg.EventID)
	if eventID == "" {
		eventID = model.SyntheticEventID(model.SourceJMA, issueTime, lat, lon, mag, fmt.Sprintf("%d", msg.Code), msg.Serial)
	}

	var reportType *string
	if msg.ReportType != "" {
		reportType = &msg.ReportType
	}
	var region *string
	if msg.Region != "" {
		region = &msg.Region
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	event := model.Event{
		EventID:       eventID,
		Source:        model.SourceJMA,
		ReceiveSource: "jma-eew-relay",
		Type:          "EEW",
		ReportType:    reportType,
		Time:          issueTime,
		IssueTime:     &issueTime,
		ReceiveTime:   now,
		Latitude:      lat,
		Longitude:     lon,
		Magnitude:     mag,
		Depth:         depth,
		Intensity:     intensity,
		Region:        region,
	}
	if msg.IsCanceled {
		canceled := "canceled"
		event.Advisory = &canceled
	}

	return []model.Event{event}, false, nil
}

// Backfill fetches the bounded historical window over HTTP and
// normalizes it oldest-first, per spec.md §4.7.
func (n *Normalizer) Backfill(ctx context.Context) ([]model.Event, error) {
	if n.BackfillURL == "" {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.BackfillURL, nil)
	if err != nil {
		return nil, fmt.Errorf("jma: backfill request: %w", err)
	}
	resp, err := n.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jma: backfill fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("jma: backfill read: %w", err)
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("jma: backfill decode: %w", err)
	}
	if len(raws) > backfillLimit {
		raws = raws[len(raws)-backfillLimit:]
	}

	var out []model.Event
	for _, raw := range raws {
		events, isHeartbeat, err := n.Normalize(raw)
		if err != nil || isHeartbeat {
			continue
		}
		out = append(out, events...)
	}
	return out, nil
}
