// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func readAll(t *testing.T, r *Reader) []Frame {
	t.Helper()
	var frames []Frame
	for {
		f, err := r.ReadEvent()
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

// =============================================================================
// READER
// =============================================================================

func TestReader_Fields(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Frame
	}{
		{
			name:  "named event",
			input: "event: alert\ndata: {\"id\":1}\n\n",
			want:  []Frame{{Event: "alert", Data: `{"id":1}`}},
		},
		{
			name:  "default name",
			input: "data: hello\n\n",
			want:  []Frame{{Event: DefaultEventName, Data: "hello"}},
		},
		{
			name:  "multi-line data",
			input: "event: alert\ndata: line1\ndata: line2\n\n",
			want:  []Frame{{Event: "alert", Data: "line1\nline2"}},
		},
		{
			name:  "only one leading space stripped",
			input: "data:  two\ndata:none\n\n",
			want:  []Frame{{Event: DefaultEventName, Data: " two\nnone"}},
		},
		{
			name:  "CRLF line endings",
			input: "event: heartbeat\r\ndata: {}\r\n\r\n",
			want:  []Frame{{Event: "heartbeat", Data: "{}"}},
		},
		{
			name:  "bare CR line endings",
			input: "event: alert\rdata: {\"id\":1}\r\revent: alert\ndata: {\"id\":2}\n\n",
			want: []Frame{
				{Event: "alert", Data: `{"id":1}`},
				{Event: "alert", Data: `{"id":2}`},
			},
		},
		{
			name:  "mixed line endings",
			input: "data: a\r\ndata: b\rdata: c\n\r\n",
			want:  []Frame{{Event: DefaultEventName, Data: "a\nb\nc"}},
		},
		{
			name:  "comments and unknown fields ignored",
			input: ": keepalive\nfoo: bar\nevent: alert\ndata: x\n\n",
			want:  []Frame{{Event: "alert", Data: "x"}},
		},
		{
			name:  "event without data is skipped",
			input: "event: alert\n\ndata: y\n\n",
			want:  []Frame{{Event: DefaultEventName, Data: "y"}},
		},
		{
			name:  "id persists",
			input: "id: 7\ndata: a\n\ndata: b\n\n",
			want: []Frame{
				{Event: DefaultEventName, Data: "a", ID: "7"},
				{Event: DefaultEventName, Data: "b", ID: "7"},
			},
		},
		{
			name:  "retry",
			input: "retry: 1500\ndata: a\n\nretry: nope\ndata: b\n\n",
			want: []Frame{
				{Event: DefaultEventName, Data: "a", Retry: 1500 * time.Millisecond},
				{Event: DefaultEventName, Data: "b"},
			},
		},
		{
			name:  "leading BOM",
			input: "\ufeffevent: alert\ndata: x\n\n",
			want:  []Frame{{Event: "alert", Data: "x"}},
		},
		{
			name:  "partial event at end of stream",
			input: "data: done\n\nevent: alert\ndata: cut",
			want:  []Frame{{Event: DefaultEventName, Data: "done"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := readAll(t, NewReader(strings.NewReader(tt.input)))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReader_ByteAtATime(t *testing.T) {
	input := "event: alert\ndata: {\"title\":\"café ☃\"}\n\n"
	got := readAll(t, NewReader(iotest.OneByteReader(strings.NewReader(input))))
	require.Len(t, got, 1)
	assert.Equal(t, `{"title":"café ☃"}`, got[0].Data)
}

func TestReader_OversizedEventSkipped(t *testing.T) {
	big := strings.Repeat("x", MaxEventSize+10)
	input := "event: alert\ndata: " + big + "\n\nevent: heartbeat\ndata: {}\n\n"
	r := NewReader(strings.NewReader(input))

	_, err := r.ReadEvent()
	require.ErrorIs(t, err, ErrEventTooLarge)

	f, err := r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, Frame{Event: "heartbeat", Data: "{}"}, f)
}

func TestReader_OversizedAcrossDataLines(t *testing.T) {
	half := strings.Repeat("y", MaxEventSize/2+1)
	input := "data: " + half + "\ndata: " + half + "\n\ndata: ok\n\n"
	r := NewReader(strings.NewReader(input))

	_, err := r.ReadEvent()
	require.ErrorIs(t, err, ErrEventTooLarge)

	f, err := r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "ok", f.Data)
}

func TestReader_SplitInvariance(t *testing.T) {
	input := "event: alert\ndata: {\"k\":\"üß\"}\n\n: c\nevent: alert_update\r\ndata: {}\r\n\r\nevent: heartbeat\rdata: {}\r\r"
	want := readAll(t, NewReader(strings.NewReader(input)))

	rapid.Check(t, func(rt *rapid.T) {
		cut := rapid.IntRange(0, len(input)).Draw(rt, "cut")
		r := NewReader(io.MultiReader(
			strings.NewReader(input[:cut]),
			strings.NewReader(input[cut:]),
		))
		var got []Frame
		for {
			f, err := r.ReadEvent()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				rt.Fatalf("unexpected error: %v", err)
			}
			got = append(got, f)
		}
		if len(got) != len(want) {
			rt.Fatalf("got %d frames, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				rt.Fatalf("frame %d: got %+v, want %+v", i, got[i], want[i])
			}
		}
	})
}

// =============================================================================
// DECODING
// =============================================================================

func TestDecodeFrame(t *testing.T) {
	ev, err := decodeFrame(Frame{Event: EventAlert, Data: `{"id":"a1","severity":"high"}`})
	require.NoError(t, err)
	alert, ok := ev.(Alert)
	require.True(t, ok)
	var body struct {
		ID       string `json:"id"`
		Severity string `json:"severity"`
	}
	require.NoError(t, alert.Decode(&body))
	assert.Equal(t, "a1", body.ID)
	assert.Equal(t, "high", body.Severity)

	ev, err = decodeFrame(Frame{Event: EventAlertUpdate, Data: `{"alertId":"a1","status":"resolved"}`})
	require.NoError(t, err)
	assert.Equal(t, AlertUpdate{AlertID: "a1", Status: "resolved"}, ev)

	ev, err = decodeFrame(Frame{Event: EventHeartbeat, Data: `{"timestamp":"2025-01-01T00:00:00Z"}`})
	require.NoError(t, err)
	assert.Equal(t, Heartbeat{Timestamp: "2025-01-01T00:00:00Z"}, ev)
	assert.Equal(t, EventHeartbeat, ev.EventName())
}

func TestDecodeFrame_Errors(t *testing.T) {
	_, err := decodeFrame(Frame{Event: EventAlert, Data: "{not json"})
	assert.Error(t, err)

	_, err = decodeFrame(Frame{Event: EventAlertUpdate, Data: "[]"})
	assert.Error(t, err)

	_, err = decodeFrame(Frame{Event: "message", Data: "{}"})
	assert.ErrorIs(t, err, errUnknownEvent)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "state(9)", State(9).String())
}
