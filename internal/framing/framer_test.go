// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package framing

import (
	"encoding/json"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// =============================================================================
// LINE FRAMER TESTS
// =============================================================================

func TestLineFramer_Push(t *testing.T) {
	tests := []struct {
		name      string
		fragments []string
		want      []string
		pending   string
	}{
		{"single complete record", []string{"one\n"}, []string{"one"}, ""},
		{"record split mid-line", []string{"on", "e\ntw", "o\n"}, []string{"one", "two"}, ""},
		{"split exactly at delimiter", []string{"one", "\n", "two", "\n"}, []string{"one", "two"}, ""},
		{"unterminated tail stays pending", []string{"one\ntwo"}, []string{"one"}, "two"},
		{"blank lines are discarded", []string{"\n\n  \none\n\t\n"}, []string{"one"}, ""},
		{"crlf endings", []string{"one\r\ntwo\r", "\n"}, []string{"one", "two"}, ""},
		{"no delimiter at all", []string{"a", "b", "c"}, nil, "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f LineFramer
			var got []string
			for _, frag := range tt.fragments {
				got = append(got, f.Push(frag)...)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.pending, f.Pending())
		})
	}
}

func TestLineFramer_DiscardClearsTail(t *testing.T) {
	var f LineFramer
	require.Empty(t, f.Push(`{"partial":`))

	assert.Equal(t, `{"partial":`, f.Discard())
	assert.Equal(t, "", f.Pending())
	assert.Equal(t, []string{"next"}, f.Push("next\n"))
}

// =============================================================================
// JSON RECORD TESTS
// =============================================================================

func TestDecodeJSON_SkipsMalformedRecord(t *testing.T) {
	var f LineFramer
	var skipped []string

	records := f.Push("{\"a\":1}\nNOT_JSON\n{\"b\":2}\n")
	values := DecodeJSON[map[string]int](records, func(rec string, err error) {
		assert.Error(t, err)
		skipped = append(skipped, rec)
	})

	require.Len(t, values, 2)
	assert.Equal(t, map[string]int{"a": 1}, values[0])
	assert.Equal(t, map[string]int{"b": 2}, values[1])
	assert.Equal(t, []string{"NOT_JSON"}, skipped)
}

func TestDecodeJSON_TypedRecords(t *testing.T) {
	type step struct {
		Kind  string `json:"kind"`
		Delta string `json:"delta"`
	}

	values := DecodeJSON[step]([]string{`{"kind":"thought","delta":"hm"}`, `{"kind":`, `[1,2]`}, nil)

	require.Len(t, values, 1)
	assert.Equal(t, step{Kind: "thought", Delta: "hm"}, values[0])
}

func TestDecodeJSON_Empty(t *testing.T) {
	assert.Nil(t, DecodeJSON[json.RawMessage](nil, nil))
}

// =============================================================================
// PROPERTY TESTS
// =============================================================================

// referenceRecords splits the full text on the delimiter, drops the final
// unterminated remainder, and applies the same trim/empty policy.
func referenceRecords(text string) []string {
	parts := strings.Split(text, Delimiter)
	var out []string
	for _, p := range parts[:len(parts)-1] {
		if rec := strings.TrimSpace(p); rec != "" {
			out = append(out, rec)
		}
	}
	return out
}

func TestLineFramer_Property_SplitInvariance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lines := rapid.SliceOf(rapid.StringMatching(`[a-z{}":0-9 ]{0,12}`)).Draw(t, "lines")
		text := strings.Join(lines, Delimiter)
		if rapid.Bool().Draw(t, "terminated") {
			text += Delimiter
		}

		cuts := rapid.SliceOfN(rapid.IntRange(0, len(text)), 0, 10).Draw(t, "cuts")
		sort.Ints(cuts)

		var f LineFramer
		var got []string
		prev := 0
		for _, c := range cuts {
			got = append(got, f.Push(text[prev:c])...)
			prev = c
		}
		got = append(got, f.Push(text[prev:])...)

		want := referenceRecords(text)
		if len(got) != len(want) {
			t.Fatalf("got %d records %q, want %d %q", len(got), got, len(want), want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("record %d = %q, want %q", i, got[i], want[i])
			}
		}
	})
}
