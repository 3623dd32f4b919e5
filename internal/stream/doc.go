// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream drives a single cancelable, chunked HTTP response to
// completion.
//
// A request stream POSTs a JSON payload and reads the response body as it
// arrives. In text mode every decoded fragment is an opaque delta string.
// In record mode the body is NDJSON and every complete line becomes one
// typed value; malformed lines are skipped.
//
// # Key Types
//
//   - Client: shared HTTP settings, logger and metrics
//   - Request: target URL, payload, mode and optional bearer token
//   - Stream: a lazily produced, non-restartable sequence of records
//   - Sink: callback form for callers that prefer OnRecord/OnComplete/OnError
//
// # Usage
//
// Pull records one at a time:
//
//	s, err := stream.OpenRecords[Step](ctx, client, stream.Request{
//	    URL:       "https://api.example.com/v1/reason",
//	    Payload:   map[string]string{"case": "42"},
//	    AuthToken: token,
//	})
//	if err != nil {
//	    return err
//	}
//	for step, err := range s.Records() {
//	    if err != nil {
//	        return err
//	    }
//	    render(step)
//	}
//
// Or hand the stream a sink and cancel it from elsewhere:
//
//	h := stream.StartText(ctx, client, req, stream.Sink[string]{
//	    OnRecord:   func(delta string) { fmt.Print(delta) },
//	    OnComplete: func() { fmt.Println() },
//	    OnError:    func(err error) { log.Print(err) },
//	})
//	defer h.Cancel()
//
// # Cancellation
//
// Canceling the context, calling Stream.Close or Handle.Cancel stops the
// transfer. The interruption is reported as ErrCanceled to pull callers
// and is never passed to Sink.OnError.
package stream
