// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"io"
	"strings"
)

// =============================================================================
// CALLBACK DELIVERY
// =============================================================================

// Sink receives a stream through callbacks. OnRecord may fire any number of
// times; then exactly one of OnComplete or OnError fires, unless the stream
// was canceled, in which case neither does. Nil callbacks are skipped.
//
// Callbacks run on the goroutine that drives the stream, one at a time.
type Sink[T any] struct {
	OnRecord   func(T)
	OnComplete func()
	OnError    func(error)
}

// Drain pushes every record of an open stream into sink and closes it.
// It returns nil on completion, ErrCanceled on cancellation, and otherwise
// the same error handed to OnError.
func Drain[T any](s *Stream[T], sink Sink[T]) error {
	defer s.Close()
	for {
		rec, err := s.Next()
		switch {
		case err == nil:
			if sink.OnRecord != nil {
				sink.OnRecord(rec)
			}
		case errors.Is(err, io.EOF):
			if sink.OnComplete != nil {
				sink.OnComplete()
			}
			return nil
		case IsCanceled(err):
			return err
		default:
			sink.fail(err)
			return err
		}
	}
}

// RunText opens a text stream and drains it into sink, blocking until the
// stream ends. Failures to open are reported through OnError as well.
func RunText(ctx context.Context, c *Client, req Request, sink Sink[string]) error {
	s, err := OpenText(ctx, c, req)
	if err != nil {
		return sink.fail(err)
	}
	return Drain(s, sink)
}

// RunRecords is RunText for NDJSON streams.
func RunRecords[T any](ctx context.Context, c *Client, req Request, sink Sink[T]) error {
	s, err := OpenRecords[T](ctx, c, req)
	if err != nil {
		return sink.fail(err)
	}
	return Drain(s, sink)
}

func (sink Sink[T]) fail(err error) error {
	if !IsCanceled(err) && sink.OnError != nil {
		sink.OnError(err)
	}
	return err
}

// =============================================================================
// BACKGROUND STREAMS
// =============================================================================

// Handle controls a stream running on its own goroutine.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Cancel stops the stream. A callback that was already being delivered
// when Cancel ran may still finish; once Wait returns none is running and
// none will run. It is safe to call more than once.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed once the stream goroutine has released its resources.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the stream goroutine exits and returns its result as
// described on Drain.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// StartText runs RunText on a new goroutine.
func StartText(ctx context.Context, c *Client, req Request, sink Sink[string]) *Handle {
	return start(ctx, func(ctx context.Context) error {
		return RunText(ctx, c, req, sink)
	})
}

// StartRecords runs RunRecords on a new goroutine.
func StartRecords[T any](ctx context.Context, c *Client, req Request, sink Sink[T]) *Handle {
	return start(ctx, func(ctx context.Context) error {
		return RunRecords[T](ctx, c, req, sink)
	})
}

func start(ctx context.Context, run func(context.Context) error) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer cancel()
		h.err = run(ctx)
	}()
	return h
}

// =============================================================================
// HELPERS
// =============================================================================

// Collect reads a text stream to the end and returns the concatenated
// fragments.
func Collect(ctx context.Context, c *Client, req Request) (string, Stats, error) {
	s, err := OpenText(ctx, c, req)
	if err != nil {
		return "", Stats{}, err
	}
	defer s.Close()

	// PERFORMANCE: strings.Builder avoids quadratic allocations
	var sb strings.Builder
	for delta, err := range s.Records() {
		if err != nil {
			return sb.String(), s.Stats(), err
		}
		sb.WriteString(delta)
	}
	if err := ctx.Err(); err != nil && errors.Is(err, context.Canceled) {
		return sb.String(), s.Stats(), ErrCanceled
	}
	return sb.String(), s.Stats(), nil
}
