// Package model holds the canonical data shapes shared across Canaria's
// components: events, heartbeats, feed state, and configuration.
package model

import "time"

// Source is the logical bulletin authority, distinct from the concrete
// feed that delivered a given event.
type Source string

const (
	SourceKMA      Source = "KMA"
	SourceJMA      Source = "JMA"
	SourceP2PQuake Source = "P2PQUAKE"
)

// Event is a canonical earthquake observation, deduplicated by EventID.
type Event struct {
	EventID       string   `json:"eventId"`
	Source        Source   `json:"source"`
	ReceiveSource string   `json:"receiveSource"`
	Type          string   `json:"type"`
	ReportType    *string  `json:"reportType,omitempty"`
	Time          string   `json:"time"`
	IssueTime     *string  `json:"issueTime,omitempty"`
	ReceiveTime   string   `json:"receiveTime"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
	Magnitude     *float64 `json:"magnitude,omitempty"`
	Depth         *float64 `json:"depth,omitempty"`
	Intensity     *float64 `json:"intensity,omitempty"`
	Region        *string  `json:"region,omitempty"`
	Advisory      *string  `json:"advisory,omitempty"`
	Revision      *string  `json:"revision,omitempty"`
}

// SignedEvent is the Ed25519-signed envelope around an Event's canonical
// payload, produced by internal/signer.
type SignedEvent struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// HeartbeatStats carries opaque authority-reported counters, passed
// through without interpretation.
type HeartbeatStats map[string]any

// Heartbeat is the liveness report submitted by the external
// authenticated poller. It is held in memory only; never persisted.
type Heartbeat struct {
	AuthorityReachable bool           `json:"authorityReachable"`
	LastParseTime      string         `json:"lastParseTime"`
	LastEventTime      *string        `json:"lastEventTime,omitempty"`
	DelayMs            int64          `json:"delayMs"`
	Error              *string        `json:"error,omitempty"`
	Stats              HeartbeatStats `json:"stats,omitempty"`
}

// ParserError is one entry in Ingest's bounded ring of recent parser
// errors reported via heartbeats.
type ParserError struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
}

// ConnStatus is a FeedConnector's lifecycle state.
type ConnStatus string

const (
	StatusConnecting   ConnStatus = "connecting"
	StatusConnected    ConnStatus = "connected"
	StatusDisconnected ConnStatus = "disconnected"
)

// FeedState is a snapshot of one connector's liveness. Callers outside
// the owning connector goroutine only ever see copies of this struct.
type FeedState struct {
	Feed            string     `json:"feed"`
	Status          ConnStatus `json:"status"`
	LastMessageAt   time.Time  `json:"lastMessageAt"`
	LastHeartbeatAt time.Time  `json:"lastHeartbeatAt"`
	LastError       string     `json:"lastError,omitempty"`
	ConnectedAt     time.Time  `json:"connectedAt"`
	DisconnectedAt  time.Time  `json:"disconnectedAt"`
	ReconnectCount  int        `json:"reconnectCount"`
	TotalUptimeMs   int64      `json:"totalUptimeMs"`
}
