// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package framing

import (
	"encoding/json"
	"strings"
)

// Delimiter terminates a record.
const Delimiter = "\n"

// =============================================================================
// LINE FRAMER
// =============================================================================

// LineFramer accumulates text fragments and extracts complete records.
// It is not safe for concurrent use.
type LineFramer struct {
	// PERFORMANCE: strings.Builder avoids quadratic concatenation when a
	// single record arrives in many small fragments.
	pending strings.Builder
}

// Push appends fragment to the pending buffer and returns every record it
// completed, in order. Records are trimmed of surrounding whitespace
// (which also drops a CR from CRLF line endings); records that are empty
// after trimming are discarded.
func (f *LineFramer) Push(fragment string) []string {
	if !strings.Contains(fragment, Delimiter) {
		f.pending.WriteString(fragment)
		return nil
	}

	f.pending.WriteString(fragment)
	buffered := f.pending.String()
	f.pending.Reset()

	parts := strings.Split(buffered, Delimiter)
	tail := parts[len(parts)-1]
	f.pending.WriteString(tail)

	records := make([]string, 0, len(parts)-1)
	for _, part := range parts[:len(parts)-1] {
		if rec := strings.TrimSpace(part); rec != "" {
			records = append(records, rec)
		}
	}
	return records
}

// Pending returns the unterminated tail without clearing it.
func (f *LineFramer) Pending() string {
	return f.pending.String()
}

// Discard clears and returns the unterminated tail. The caller decides
// what to log about it; it is never a record.
func (f *LineFramer) Discard() string {
	tail := f.pending.String()
	f.pending.Reset()
	return tail
}

// =============================================================================
// JSON RECORDS
// =============================================================================

// SkipFunc observes a record that failed to parse.
type SkipFunc func(record string, err error)

// DecodeJSON parses each record into a T. Records that are not valid JSON
// for T are skipped; onSkip, when non-nil, is told about each one.
func DecodeJSON[T any](records []string, onSkip SkipFunc) []T {
	if len(records) == 0 {
		return nil
	}
	out := make([]T, 0, len(records))
	for _, rec := range records {
		var v T
		if err := json.Unmarshal([]byte(rec), &v); err != nil {
			if onSkip != nil {
				onSkip(rec, err)
			}
			continue
		}
		out = append(out, v)
	}
	return out
}
