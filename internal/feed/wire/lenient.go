// Package wire holds the lenient parsing helpers shared by every
// upstream normalizer: numeric fields that may arrive as either a JSON
// string or number, and timestamps that default to JST when no offset
// is present, per spec.md §4.7.
package wire

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// JST is the fixed +09:00 offset assumed for upstream timestamps that
// carry no zone information of their own.
var JST = time.FixedZone("JST", 9*60*60)

// ParseNumber leniently converts raw JSON (string or number) into a
// finite float64, or ok=false if it can't.
func ParseNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return 0, false
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		trimmed = strings.TrimSpace(s)
		if trimmed == "" {
			return 0, false
		}
	}
	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ParseNumberPtr is ParseNumber with a *float64 return for direct use
// in model.Event fields.
func ParseNumberPtr(raw json.RawMessage) *float64 {
	f, ok := ParseNumber(raw)
	if !ok {
		return nil
	}
	return &f
}

// ParseTimestamp parses a timestamp string that may or may not carry a
// zone offset; when it doesn't, JST is assumed. The result is rendered
// as UTC RFC3339Nano.
func ParseTimestamp(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	layouts := []string{
		time.RFC3339Nano, time.RFC3339,
		"2006-01-02T15:04:05.999999999Z0700",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.RFC3339Nano), true
		}
	}

	naive := []string{"2006-01-02 15:04:05", "2006/01/02 15:04:05", "2006-01-02T15:04:05"}
	for _, layout := range naive {
		if t, err := time.ParseInLocation(layout, s, JST); err == nil {
			return t.UTC().Format(time.RFC3339Nano), true
		}
	}
	return "", false
}

// AllowListed reports whether code is one of the enforced upstream
// codes Canaria accepts.
func AllowListed(code int, allowed []int) bool {
	for _, a := range allowed {
		if a == code {
			return true
		}
	}
	return false
}
