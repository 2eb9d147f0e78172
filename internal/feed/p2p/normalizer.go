// Package p2p normalizes messages from Canaria's P2PQUAKE relay feed
// into canonical model.Events. Grounded structurally on
// internal/feed/jma (same Normalizer shape) and spec.md §4.7's note
// that distinct code paths exist for user-perception reports (no
// epicenter) and area-detection aggregates (peer counts).
package p2p

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

// allowedCodes mirrors the real P2PQUAKE relay's published code set:
// 551 earthquake information, 552 tsunami/forecast, 556 area peer
// (EEW confidence aggregate), 561 EEW, 9611 user-reported shaking.
var allowedCodes = []int{551, 552, 556, 561, 9611}

const backfillLimit = 50

type hypocenter struct {
	Name      string          `json:"name"`
	Latitude  json.RawMessage `json:"latitude"`
	Longitude json.RawMessage `json:"longitude"`
	Depth     json.RawMessage `json:"depth"`
	Magnitude json.RawMessage `json:"magnitude"`
}

type earthquakeBlock struct {
	Time       string     `json:"time"`
	Hypocenter hypocenter `json:"hypocenter"`
	MaxScale   json.RawMessage `json:"maxScale"`
}

// areaPeer is one row of a code-556 area-detection aggregate: a named
// area and the number of peers reporting shaking there, with no
// hypocenter at all.
type areaPeer struct {
	Name   string `json:"name"`
	Peers  int    `json:"peers"`
}

// message is the P2PQUAKE relay's wire shape. Only the fields relevant
// to the code in play are populated by any given upstream frame.
type message struct {
	Type       string          `json:"type"`
	Code       int             `json:"code"`
	ID         string          `json:"id"`
	IssueTime  string          `json:"time"`
	Earthquake *earthquakeBlock `json:"earthquake"`
	Areas      []areaPeer      `json:"areas"`
	ReportArea string          `json:"reportArea"` // code 9611: reporting area, no epicenter
	Confidence json.RawMessage `json:"confidence"`
}

// Normalizer implements feed.Normalizer for the P2PQUAKE relay.
type Normalizer struct {
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
		return nil, false, fmt.Errorf("p2p: decode: %w", err)
	}

	if msg.Type == "heartbeat" {
		return nil, true, nil
	}

	if !wire.AllowListed(msg.Code, allowedCodes) {
		return nil, false, fmt.Errorf("p2p: upstream code %d not in allow-list", msg.Code)
	}

	switch msg.Code {
	case 9611:
		return n.normalizeUserReport(msg)
	case 556:
		return n.normalizeAreaPeer(msg)
	default:
		return n.normalizeEarthquake(msg)
	}
}

// normalizeEarthquake handles codes 551/552/561, all of which carry a
// full hypocenter.
func (n *Normalizer) normalizeEarthquake(msg message) ([]model.Event, bool, error) {
	if msg.Earthquake == nil {
		return nil, false, fmt.Errorf("p2p: code %d missing earthquake block", msg.Code)
	}

	issueTime, ok := wire.ParseTimestamp(msg.IssueTime)
	if !ok {
		issueTime = time.Now().UTC().Format(time.RFC3339Nano)
	}
	originTime, ok := wire.ParseTimestamp(msg.Earthquake.Time)
	if !ok {
		originTime = issueTime
	}

	lat := wire.ParseNumberPtr(msg.Earthquake.Hypocenter.Latitude)
	lon := wire.ParseNumberPtr(msg.Earthquake.Hypocenter.Longitude)
	mag := wire.ParseNumberPtr(msg.Earthquake.Hypocenter.Magnitude)
	depth := wire.ParseNumberPtr(msg.Earthquake.Hypocenter.Depth)
	intensity := wire.ParseNumberPtr(msg.Earthquake.MaxScale)

	eventID := strings.TrimSpace(msg.ID)
	if eventID == "" {
		eventID = model.SyntheticEventID(model.SourceP2PQuake, originTime, lat, lon, mag, fmt.Sprintf("%d", msg.Code), "")
	}

	var region *string
	if name := strings.TrimSpace(msg.Earthquake.Hypocenter.Name); name != "" {
		region = &name
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	event := model.Event{
		EventID:       eventID,
		Source:        model.SourceP2PQuake,
		ReceiveSource: "p2p-relay",
		Type:          typeForCode(msg.Code),
		Time:          originTime,
		IssueTime:     &issueTime,
		ReceiveTime:   now,
		Latitude:      lat,
		Longitude:     lon,
		Magnitude:     mag,
		Depth:         depth,
		Intensity:     intensity,
		Region:        region,
	}
	return []model.Event{event}, false, nil
}

// normalizeUserReport handles code 9611: a human-submitted "I felt
// shaking" report with a reporting area but no epicenter.
func (n *Normalizer) normalizeUserReport(msg message) ([]model.Event, bool, error) {
	issueTime, ok := wire.ParseTimestamp(msg.IssueTime)
	if !ok {
		issueTime = time.Now().UTC().Format(time.RFC3339Nano)
	}

	eventID := strings.TrimSpace(msg.ID)
	if eventID == "" {
		eventID = model.SyntheticEventID(model.SourceP2PQuake, issueTime, nil, nil, nil, "9611", msg.ReportArea)
	}

	var region *string
	if area := strings.TrimSpace(msg.ReportArea); area != "" {
		region = &area
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	event := model.Event{
		EventID:       eventID,
		Source:        model.SourceP2PQuake,
		ReceiveSource: "p2p-relay",
		Type:          "UserReport",
		Time:          issueTime,
		IssueTime:     &issueTime,
		ReceiveTime:   now,
		Region:        region,
	}
	return []model.Event{event}, false, nil
}

// normalizeAreaPeer handles code 556: an aggregate of peer-reported
// shaking confidence per area, again with no single epicenter. One
// synthetic event is emitted per reporting area so each area's peer
// count survives storage and fan-out individually.
func (n *Normalizer) normalizeAreaPeer(msg message) ([]model.Event, bool, error) {
	if len(msg.Areas) == 0 {
		return nil, false, fmt.Errorf("p2p: code 556 carries no areas")
	}

	issueTime, ok := wire.ParseTimestamp(msg.IssueTime)
	if !ok {
		issueTime = time.Now().UTC().Format(time.RFC3339Nano)
	}
	confidence := wire.ParseNumberPtr(msg.Confidence)
	baseID := strings.TrimSpace(msg.ID)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	events := make([]model.Event, 0, len(msg.Areas))
	for _, area := range msg.Areas {
		name := strings.TrimSpace(area.Name)
		if name == "" {
			continue
		}
		peers := float64(area.Peers)

		eventID := baseID
		if eventID != "" {
			eventID = eventID + ":" + name
		} else {
			eventID = model.SyntheticEventID(model.SourceP2PQuake, issueTime, nil, nil, nil, "556", name)
		}

		regionName := name
		events = append(events, model.Event{
			EventID:       eventID,
			Source:        model.SourceP2PQuake,
			ReceiveSource: "p2p-relay",
			Type:          "AreaPeerDetection",
			Time:          issueTime,
			IssueTime:     &issueTime,
			ReceiveTime:   now,
			Intensity:     confidence,
			Region:        &regionName,
			Advisory:      peerCountLabel(peers),
		})
	}
	if len(events) == 0 {
		return nil, false, fmt.Errorf("p2p: code 556 carried no usable areas")
	}
	return events, false, nil
}

func peerCountLabel(peers float64) *string {
	s := fmt.Sprintf("peers=%d", int(peers))
	return &s
}

func typeForCode(code int) string {
	switch code {
	case 551:
		return "information"
	case 552:
		return "tsunami"
	case 561:
		return "EEW"
	default:
		return fmt.Sprintf("code-%d", code)
	}
}

// Backfill fetches the bounded historical window over HTTP and
// normalizes it oldest-first, per spec.md §4.7.
func (n *Normalizer) Backfill(ctx context.Context) ([]model.Event, error) {
	if n.BackfillURL == "" {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.BackfillURL, nil)
	if err != nil {
		return nil, fmt.Errorf("p2p: backfill request: %w", err)
	}
	resp, err := n.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("p2p: backfill fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("p2p: backfill read: %w", err)
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("p2p: backfill decode: %w", err)
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
