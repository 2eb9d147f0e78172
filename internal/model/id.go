package model

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// SyntheticEventID deterministically derives an eventId for upstream
// records that arrive without one, from the fields spec.md §3 names:
// source, time, lat, lon, magnitude, authority code, and serial.
func SyntheticEventID(source Source, timeStr string, lat, lon, mag *float64, authorityCode string, serial string) string {
	h := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
		source, timeStr, floatOrNull(lat), floatOrNull(lon), floatOrNull(mag), authorityCode, serial)))
	return "synth-" + hex.EncodeToString(h[:])[:24]
}

func floatOrNull(f *float64) string {
	if f == nil {
		return "null"
	}
	return fmt.Sprintf("%.6f", *f)
}
