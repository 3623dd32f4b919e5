// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// MODES
// =============================================================================

// Mode selects how the response body is interpreted.
type Mode string

const (
	// ModeText treats every decoded fragment as an opaque delta.
	ModeText Mode = "text"
	// ModeRecords treats the body as newline-delimited JSON.
	ModeRecords Mode = "ndjson"
)

// Accept returns the Accept header value that selects this mode's wire format.
func (m Mode) Accept() string {
	if m == ModeRecords {
		return "application/x-ndjson"
	}
	return "text/event-stream"
}

func (m Mode) String() string {
	return string(m)
}

// ParseMode accepts the names used in config files and on the command line.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return ModeText, nil
	case "ndjson", "records", "record":
		return ModeRecords, nil
	default:
		return "", fmt.Errorf("invalid stream mode %q: must be text or ndjson", s)
	}
}

// resolveMode fills an unset mode and rejects a conflicting one.
func resolveMode(requested, produced Mode) (Mode, error) {
	if requested == "" || requested == produced {
		return produced, nil
	}
	return "", fmt.Errorf("%w: requested %s, opened as %s", ErrModeMismatch, requested, produced)
}

// =============================================================================
// REQUEST
// =============================================================================

// Request describes one streamed call. It is read once when the stream
// opens; later changes have no effect on a running stream.
type Request struct {
	// URL is the absolute target of the POST.
	URL string
	// Payload is marshaled as the JSON request body. A json.RawMessage is
	// sent verbatim.
	Payload any
	// Mode may be left empty; the opening function supplies it.
	Mode Mode
	// AuthToken, when set, is sent as a bearer credential.
	AuthToken string
}

// =============================================================================
// STATS
// =============================================================================

// Stats holds statistics collected while a stream is consumed.
type Stats struct {
	StartTime time.Time
	// FirstRecord is the latency from open to the first delivered record.
	FirstRecord time.Duration
	Duration    time.Duration
	Records     int
	Bytes       int64
}

// Format returns a one-line summary.
func (s Stats) Format() string {
	return fmt.Sprintf("%d records | %d bytes | first record %dms | %s",
		s.Records, s.Bytes, s.FirstRecord.Milliseconds(), s.Duration.Round(time.Millisecond))
}
