// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"
)

// STREAMING: SSE parsing that survives arbitrary chunk boundaries

// MaxEventSize caps the data of a single event (1MB).
const MaxEventSize = 1 << 20

// DefaultEventName is the name of an event sent without an event: field.
const DefaultEventName = "message"

// =============================================================================
// FRAME
// =============================================================================

// Frame is one dispatched Server-Sent Event.
type Frame struct {
	Event string
	Data  string
	// ID is the last event ID seen on the stream, which persists across
	// events that do not set their own.
	ID string
	// Retry is the reconnection delay the server asked for, if any. The
	// manager does not reconnect; callers may honor it.
	Retry time.Duration
}

// =============================================================================
// SSE READER
// =============================================================================

// Reader parses Server-Sent Events from a stream. It reads through a
// bufio.Reader, so frames split across network reads at any byte, even
// inside a UTF-8 sequence, are reassembled before parsing.
type Reader struct {
	reader  *bufio.Reader
	lastID  string
	started bool
	afterCR bool
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{reader: bufio.NewReader(r)}
}

// ReadEvent reads until the next blank line that ends an event with data.
// Comments, unknown fields and events with no data lines are skipped.
// An event cut off by the end of the stream is discarded and io.EOF is
// returned.
func (s *Reader) ReadEvent() (Frame, error) {
	var (
		eventType string
		data      strings.Builder
		hasData   bool
		retry     time.Duration
		oversized bool
	)

	for {
		line, truncated, err := s.readLine()
		if err != nil {
			return Frame{}, err
		}
		if truncated {
			oversized = true
			continue
		}

		// Empty line signals end of event
		if len(line) == 0 {
			if oversized {
				return Frame{}, ErrEventTooLarge
			}
			if !hasData {
				eventType = ""
				continue
			}
			if eventType == "" {
				eventType = DefaultEventName
			}
			return Frame{Event: eventType, Data: data.String(), ID: s.lastID, Retry: retry}, nil
		}

		// Comment line
		if line[0] == ':' {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			eventType = value
		case "data":
			if data.Len()+len(value)+1 > MaxEventSize {
				oversized = true
				continue
			}
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				s.lastID = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				retry = time.Duration(ms) * time.Millisecond
			}
		}
		// Ignore other fields
	}
}

// splitField splits "name: value" into its parts. A single space after the
// colon belongs to the syntax, not the value.
func splitField(line []byte) (string, string) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return string(line), ""
	}
	value := line[i+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return string(line[:i]), string(value)
}

// readLine returns the next line without its terminator. CRLF, LF and a
// bare CR all end a line. A line longer than MaxEventSize is consumed and
// reported as truncated instead.
func (s *Reader) readLine() ([]byte, bool, error) {
	var line []byte
	truncated := false
	for {
		b, err := s.reader.ReadByte()
		if err != nil {
			// A line without its terminator at end of stream is incomplete.
			return nil, false, err
		}
		if s.afterCR {
			s.afterCR = false
			if b == '\n' {
				continue
			}
		}
		if b == '\n' || b == '\r' {
			// The LF of a CRLF pair may arrive in a later read.
			s.afterCR = b == '\r'
			break
		}
		if truncated {
			continue
		}
		if len(line) >= MaxEventSize {
			truncated = true
			line = nil
			continue
		}
		line = append(line, b)
	}
	if truncated {
		return nil, true, nil
	}

	if !s.started {
		s.started = true
		line = bytes.TrimPrefix(line, []byte("\xef\xbb\xbf"))
	}
	return line, false, nil
}
