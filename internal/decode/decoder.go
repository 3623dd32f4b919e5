// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package decode

import (
	"bytes"
	"errors"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// =============================================================================
// DECODER
// =============================================================================

// Decoder is a stateful UTF-8 chunk decoder.
//
// A leading byte order mark is stripped. Invalid bytes decode to U+FFFD
// instead of failing the stream. A Decoder is not safe for concurrent use.
type Decoder struct {
	t       *encoding.Decoder
	pending []byte
	buf     []byte
}

// New creates a Decoder ready for the first chunk of a body.
func New() *Decoder {
	return &Decoder{t: unicode.UTF8BOM.NewDecoder()}
}

// Feed decodes the next chunk. A trailing incomplete sequence is held back
// until the following call.
func (d *Decoder) Feed(p []byte) string {
	return d.Decode(p, false)
}

// Flush emits whatever bytes are still held back and resets the decoder.
// It is the zero-byte final call; held bytes that never completed a
// character come out as U+FFFD.
func (d *Decoder) Flush() string {
	return d.Decode(nil, true)
}

// Pending reports how many bytes are being carried into the next call.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

// Decode decodes p after any carried bytes. When final is true the decoder
// drains completely and is reset for reuse.
func (d *Decoder) Decode(p []byte, final bool) string {
	src := p
	if len(d.pending) > 0 {
		src = make([]byte, 0, len(d.pending)+len(p))
		src = append(src, d.pending...)
		src = append(src, p...)
		d.pending = d.pending[:0]
	}

	// Every invalid byte may widen to a 3-byte replacement rune.
	if need := 3*len(src) + utf8.UTFMax; cap(d.buf) < need {
		d.buf = make([]byte, need)
	}
	dst := d.buf[:cap(d.buf)]

	out := make([]byte, 0, len(src))
	for {
		nDst, nSrc, err := d.t.Transform(dst, src, final)
		out = append(out, dst[:nDst]...)
		src = src[nSrc:]

		switch {
		case err == nil:
			if final {
				d.t.Reset()
			}
			return string(out)
		case errors.Is(err, transform.ErrShortDst):
			if nDst == 0 && nSrc == 0 {
				dst = make([]byte, 2*len(dst))
				d.buf = dst
			}
		case errors.Is(err, transform.ErrShortSrc):
			d.pending = append(d.pending, src...)
			return string(out)
		default:
			// The UTF-8 transformer only reports short buffers; anything else
			// is passed through lossily rather than dropped.
			out = append(out, bytes.ToValidUTF8(src, []byte("\uFFFD"))...)
			if final {
				d.t.Reset()
			}
			return string(out)
		}
	}
}
