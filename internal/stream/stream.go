// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/streamcore/internal/decode"
	"github.com/jeranaias/streamcore/internal/framing"
	"github.com/jeranaias/streamcore/internal/metrics"
	"github.com/jeranaias/streamcore/internal/util"
)

// previewRunes bounds how much of a skipped record ends up in the log.
const previewRunes = 120

// =============================================================================
// STREAM
// =============================================================================

// Stream is a finite, non-restartable sequence of records read from one
// response body.
//
// Next and Records must be called from a single goroutine. Close may be
// called from any goroutine, any number of times.
type Stream[T any] struct {
	id      string
	mode    Mode
	ctx     context.Context
	cancel  context.CancelFunc
	body    io.ReadCloser
	log     zerolog.Logger
	metrics *metrics.Metrics

	dec *decode.Decoder
	buf []byte

	// parse turns one decoded fragment into the records it completes;
	// flush does the same for the end of the body.
	parse func(fragment string) []T
	flush func() []T

	queue []T
	err   error
	// reported is set once the consumer has been handed the terminal error.
	reported  bool
	closed    atomic.Bool
	closeOnce sync.Once
	stats     Stats
}

// OpenText starts a text-mode stream. Every non-empty decoded fragment is
// one record.
func OpenText(ctx context.Context, c *Client, req Request) (*Stream[string], error) {
	mode, err := resolveMode(req.Mode, ModeText)
	if err != nil {
		return nil, err
	}
	s, err := open[string](ctx, c, req, mode)
	if err != nil {
		return nil, err
	}

	s.parse = func(fragment string) []string {
		if fragment == "" {
			return nil
		}
		return []string{fragment}
	}
	s.flush = func() []string {
		return s.parse(s.dec.Flush())
	}
	return s, nil
}

// OpenRecords starts an NDJSON stream whose lines decode into T. Lines that
// are blank or fail to decode are skipped without ending the stream. An
// unterminated final line is discarded.
func OpenRecords[T any](ctx context.Context, c *Client, req Request) (*Stream[T], error) {
	mode, err := resolveMode(req.Mode, ModeRecords)
	if err != nil {
		return nil, err
	}
	s, err := open[T](ctx, c, req, mode)
	if err != nil {
		return nil, err
	}

	var framer framing.LineFramer
	onSkip := func(record string, err error) {
		s.metrics.RecordSkipped()
		s.log.Debug().Err(err).Str("record", util.TruncateRunes(record, previewRunes)).Msg("skipping malformed record")
	}
	s.parse = func(fragment string) []T {
		if fragment == "" {
			return nil
		}
		return framing.DecodeJSON[T](framer.Push(fragment), onSkip)
	}
	s.flush = func() []T {
		records := framing.DecodeJSON[T](framer.Push(s.dec.Flush()), onSkip)
		// An unterminated tail may be a truncated record; it is dropped
		// rather than guessed at.
		if tail := framer.Discard(); strings.TrimSpace(tail) != "" {
			s.metrics.TailDiscarded()
			s.log.Debug().Str("tail", util.TruncateRunes(tail, previewRunes)).Msg("discarding unterminated final record")
		}
		return records
	}
	return s, nil
}

func open[T any](ctx context.Context, c *Client, req Request, mode Mode) (*Stream[T], error) {
	id := newRequestID()
	log := c.log.With().Str("request_id", id).Str("mode", mode.String()).Logger()

	streamCtx, cancel := context.WithCancel(ctx)
	started := time.Now()
	resp, err := c.send(streamCtx, req, mode, id)
	if err != nil {
		cancel()
		if !IsCanceled(err) {
			log.Warn().Err(err).Msg("stream request failed")
		}
		return nil, err
	}

	c.metrics.StreamStarted(mode.String())
	log.Debug().Str("url", req.URL).Int("status", resp.StatusCode).Msg("stream opened")

	return &Stream[T]{
		id:      id,
		mode:    mode,
		ctx:     streamCtx,
		cancel:  cancel,
		body:    resp.Body,
		log:     log,
		metrics: c.metrics,
		dec:     decode.New(),
		buf:     make([]byte, c.chunkSize),
		stats:   Stats{StartTime: started},
	}, nil
}

// ID returns the request ID sent as X-Request-ID.
func (s *Stream[T]) ID() string {
	return s.id
}

// Mode returns the wire mode the stream was opened with.
func (s *Stream[T]) Mode() Mode {
	return s.mode
}

// Stats returns the statistics collected so far. Call it from the goroutine
// that consumes the stream.
func (s *Stream[T]) Stats() Stats {
	return s.stats
}

// Next returns the next record.
//
// At the end of the body it returns io.EOF; after cancellation it returns
// ErrCanceled; a failed read returns a *TransportError. Once a terminal
// error has been returned every later call returns the same error.
func (s *Stream[T]) Next() (T, error) {
	var zero T
	for {
		if !s.reported {
			if s.closed.Load() {
				s.abandon()
			} else if s.err == nil {
				if err := s.ctx.Err(); err != nil {
					s.finish(s.classify(err))
				}
			}
		}
		if len(s.queue) > 0 {
			rec := s.queue[0]
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.delivered()
			return rec, nil
		}
		if s.err != nil {
			s.reported = true
			return zero, s.err
		}
		s.fill()
	}
}

// Records returns the stream as an iterator. Iteration ends quietly at the
// end of the body or on cancellation, and yields a single error for any
// other failure. Breaking out of the loop closes the stream.
func (s *Stream[T]) Records() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		defer s.Close()
		for {
			rec, err := s.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) && !IsCanceled(err) {
					var zero T
					yield(zero, err)
				}
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Close cancels the stream and releases its connection. It is the
// cancellation handle: a pending Next returns ErrCanceled rather than a
// transport error.
func (s *Stream[T]) Close() error {
	s.closed.Store(true)
	s.release()
	return nil
}

// release aborts the transfer and closes the body.
func (s *Stream[T]) release() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.body.Close()
	})
}

// abandon turns a pending result into a cancellation. Records that were
// framed but not yet handed out are dropped.
func (s *Stream[T]) abandon() {
	s.queue = nil
	if s.err == nil {
		s.finish(ErrCanceled)
		return
	}
	s.err = ErrCanceled
}

// fill performs one read and queues whatever records it completes.
func (s *Stream[T]) fill() {
	n, err := s.body.Read(s.buf)
	if n > 0 {
		s.stats.Bytes += int64(n)
		s.metrics.BytesReceived(n)
		s.queue = append(s.queue, s.parse(s.dec.Feed(s.buf[:n]))...)
	}

	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		s.queue = append(s.queue, s.flush()...)
		s.finish(io.EOF)
	case s.ctx.Err() != nil:
		s.finish(s.classify(s.ctx.Err()))
	default:
		s.finish(&TransportError{RequestID: s.id, Partial: s.stats.Records > 0, Err: err})
	}
}

// classify maps a context error to the stream's terminal error.
func (s *Stream[T]) classify(ctxErr error) error {
	if errors.Is(ctxErr, context.Canceled) {
		return ErrCanceled
	}
	return &TransportError{RequestID: s.id, Partial: s.stats.Records > 0, Err: ctxErr}
}

// finish records the terminal error and releases the body.
func (s *Stream[T]) finish(err error) {
	s.err = err
	if IsCanceled(err) {
		s.queue = nil
	}
	s.stats.Duration = time.Since(s.stats.StartTime)
	s.release()

	outcome := "complete"
	event := s.log.Debug()
	switch {
	case IsCanceled(err):
		outcome = "canceled"
	case !errors.Is(err, io.EOF):
		outcome = "error"
		event = s.log.Warn().Err(err)
	}
	s.metrics.StreamFinished(s.mode.String(), outcome)
	event.Str("outcome", outcome).
		Int("records", s.stats.Records+len(s.queue)).
		Int64("bytes", s.stats.Bytes).
		Dur("duration", s.stats.Duration).
		Msg("stream finished")
}

func (s *Stream[T]) delivered() {
	if s.stats.Records == 0 {
		s.stats.FirstRecord = time.Since(s.stats.StartTime)
	}
	s.stats.Records++
	s.metrics.RecordDelivered(s.mode.String())
}
