// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/streamcore/internal/metrics"
)

const waitFor = 2 * time.Second

// =============================================================================
// TEST FEED
// =============================================================================

// feed is an SSE server whose connections are driven by the test. Each
// accepted connection is announced on conns; frames sent to its channel are
// written and flushed, and closing the channel ends the response.
type feed struct {
	srv    *httptest.Server
	conns  chan *feedConn
	active atomic.Int32
}

type feedConn struct {
	query  string
	frames chan string
	gone   chan struct{}
}

func newFeed(t *testing.T) *feed {
	t.Helper()
	f := &feed{conns: make(chan *feedConn, 16)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.active.Add(1)
		defer f.active.Add(-1)

		fc := &feedConn{
			query:  r.URL.RawQuery,
			frames: make(chan string, 64),
			gone:   make(chan struct{}),
		}
		defer close(fc.gone)

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		flusher.Flush()
		f.conns <- fc

		for {
			select {
			case <-r.Context().Done():
				return
			case frame, ok := <-fc.frames:
				if !ok {
					return
				}
				if _, err := fmt.Fprint(w, frame); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *feed) next(t *testing.T) *feedConn {
	t.Helper()
	select {
	case fc := <-f.conns:
		return fc
	case <-time.After(waitFor):
		t.Fatal("no connection reached the feed")
		return nil
	}
}

func sse(event, data string) string {
	return "event: " + event + "\ndata: " + data + "\n\n"
}

func testManager() *Manager {
	return NewManager(WithMetrics(metrics.New(prometheus.NewRegistry())))
}

// sink records every handler invocation.
type sink struct {
	mu      sync.Mutex
	alerts  []Alert
	updates []AlertUpdate
	beats   []Heartbeat
	errs    chan error
	calls   atomic.Int32
}

func newSink() *sink {
	return &sink{errs: make(chan error, 4)}
}

func (s *sink) handlers() Handlers {
	return Handlers{
		OnAlert: func(a Alert) {
			s.calls.Add(1)
			s.mu.Lock()
			defer s.mu.Unlock()
			s.alerts = append(s.alerts, a)
		},
		OnAlertUpdate: func(u AlertUpdate) {
			s.calls.Add(1)
			s.mu.Lock()
			defer s.mu.Unlock()
			s.updates = append(s.updates, u)
		},
		OnHeartbeat: func(h Heartbeat) {
			s.calls.Add(1)
			s.mu.Lock()
			defer s.mu.Unlock()
			s.beats = append(s.beats, h)
		},
		OnError: func(err error) { s.errs <- err },
	}
}

func (s *sink) count() int { return int(s.calls.Load()) }

func (s *sink) waitErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.errs:
		return err
	case <-time.After(waitFor):
		t.Fatal("OnError was not called")
		return nil
	}
}

// =============================================================================
// SUBSCRIBE
// =============================================================================

func TestManager_DispatchesAllEventTypes(t *testing.T) {
	f := newFeed(t)
	m := testManager()
	defer m.Close()
	s := newSink()

	require.NoError(t, m.Subscribe(f.srv.URL, "", s.handlers()))
	fc := f.next(t)
	require.Eventually(t, func() bool { return m.State() == StateOpen }, waitFor, 5*time.Millisecond)

	fc.frames <- sse(EventAlert, `{"id":"a1"}`)
	fc.frames <- sse(EventAlertUpdate, `{"alertId":"a1","status":"acknowledged"}`)
	fc.frames <- sse(EventHeartbeat, `{"timestamp":"t0"}`)

	require.Eventually(t, func() bool { return s.count() == 3 }, waitFor, 5*time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.alerts, 1)
	assert.JSONEq(t, `{"id":"a1"}`, string(s.alerts[0].Payload))
	assert.Equal(t, []AlertUpdate{{AlertID: "a1", Status: "acknowledged"}}, s.updates)
	assert.Equal(t, []Heartbeat{{Timestamp: "t0"}}, s.beats)
}

func TestManager_MalformedAndUnknownEventsKeepConnection(t *testing.T) {
	f := newFeed(t)
	m := testManager()
	defer m.Close()
	s := newSink()

	require.NoError(t, m.Subscribe(f.srv.URL, "", s.handlers()))
	fc := f.next(t)

	fc.frames <- sse(EventAlertUpdate, "{broken")
	fc.frames <- sse("mystery", `{}`)
	fc.frames <- "data: no name\n\n"
	fc.frames <- sse(EventAlert, `{"ok":true}`)

	require.Eventually(t, func() bool { return s.count() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, StateOpen, m.State())
	assert.Empty(t, s.errs)
}

func TestManager_OptionalHandlersMayBeNil(t *testing.T) {
	f := newFeed(t)
	m := testManager()
	defer m.Close()

	got := make(chan Alert, 1)
	require.NoError(t, m.Subscribe(f.srv.URL, "", Handlers{OnAlert: func(a Alert) { got <- a }}))
	fc := f.next(t)

	fc.frames <- sse(EventHeartbeat, `{"timestamp":"t"}`)
	fc.frames <- sse(EventAlertUpdate, `{"alertId":"x","status":"closed"}`)
	fc.frames <- sse(EventAlert, `{}`)

	select {
	case <-got:
	case <-time.After(waitFor):
		t.Fatal("alert not delivered")
	}
}

func TestManager_TokenInQuery(t *testing.T) {
	f := newFeed(t)
	m := NewManager(WithTokenParam("access_token"))
	defer m.Close()

	require.NoError(t, m.Subscribe(f.srv.URL+"/v1/notifications?tenant=7", "s3cret", newSink().handlers()))
	fc := f.next(t)
	assert.Contains(t, fc.query, "access_token=s3cret")
	assert.Contains(t, fc.query, "tenant=7")
}

func TestManager_InvalidArguments(t *testing.T) {
	f := newFeed(t)
	m := testManager()
	defer m.Close()
	s := newSink()

	err := m.Subscribe(f.srv.URL, "", Handlers{})
	assert.ErrorIs(t, err, ErrNoAlertHandler)
	assert.Equal(t, StateIdle, m.State())

	err = m.Subscribe("not a url", "", s.handlers())
	assert.ErrorIs(t, err, ErrInvalidURL)

	err = m.Subscribe("ftp://example.com/feed", "", s.handlers())
	assert.ErrorIs(t, err, ErrInvalidURL)

	// A rejected Subscribe leaves a live connection in place.
	require.NoError(t, m.Subscribe(f.srv.URL, "", s.handlers()))
	f.next(t)
	require.Eventually(t, func() bool { return m.State() == StateOpen }, waitFor, 5*time.Millisecond)
	id := m.ID()

	assert.ErrorIs(t, m.Subscribe("://bad", "", s.handlers()), ErrInvalidURL)
	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, id, m.ID())
	assert.Equal(t, int32(1), f.active.Load())
}

// =============================================================================
// SINGLE CONNECTION
// =============================================================================

func TestManager_ResubscribeReplacesConnection(t *testing.T) {
	f := newFeed(t)
	m := testManager()
	defer m.Close()

	first := newSink()
	require.NoError(t, m.Subscribe(f.srv.URL, "one", first.handlers()))
	oldConn := f.next(t)
	firstID := m.ID()

	// Keep the old connection busy so a late delivery would be caught.
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-oldConn.gone:
				return
			case oldConn.frames <- sse(EventHeartbeat, `{"timestamp":"old"}`):
			}
		}
	}()
	defer close(stop)
	require.Eventually(t, func() bool { return first.count() > 0 }, waitFor, time.Millisecond)

	second := newSink()
	require.NoError(t, m.Subscribe(f.srv.URL, "two", second.handlers()))
	seen := first.count()
	newConn := f.next(t)

	assert.NotEqual(t, firstID, m.ID())
	assert.Contains(t, newConn.query, "token=two")

	select {
	case <-oldConn.gone:
	case <-time.After(waitFor):
		t.Fatal("old connection was not closed")
	}
	assert.Eventually(t, func() bool { return f.active.Load() == 1 }, waitFor, 5*time.Millisecond)

	newConn.frames <- sse(EventAlert, `{"n":2}`)
	require.Eventually(t, func() bool { return second.count() == 1 }, waitFor, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seen, first.count(), "old handlers ran after Subscribe returned")
	assert.Empty(t, first.errs, "teardown must not report an error")
}

func TestManager_ConcurrentSubscribeKeepsOneConnection(t *testing.T) {
	f := newFeed(t)
	m := testManager()
	defer m.Close()

	go func() {
		for range f.conns {
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Subscribe(f.srv.URL, "", newSink().handlers()))
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return f.active.Load() == 1 }, waitFor, 5*time.Millisecond)
}

// =============================================================================
// DISCONNECT
// =============================================================================

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	m := testManager()
	m.Disconnect()
	assert.Equal(t, StateIdle, m.State())

	f := newFeed(t)
	s := newSink()
	require.NoError(t, m.Subscribe(f.srv.URL, "", s.handlers()))
	fc := f.next(t)

	m.Disconnect()
	assert.Equal(t, StateClosed, m.State())
	m.Disconnect()
	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())

	select {
	case <-fc.gone:
	case <-time.After(waitFor):
		t.Fatal("server did not observe the disconnect")
	}

	select {
	case fc.frames <- sse(EventAlert, `{}`):
	default:
	}
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, s.count())
	assert.Empty(t, s.errs)
}

func TestManager_DisconnectWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	m := testManager()
	s := newSink()
	require.NoError(t, m.Subscribe(srv.URL, "", s.handlers()))
	assert.Equal(t, StateConnecting, m.State())

	m.Disconnect()
	assert.Equal(t, StateClosed, m.State())
	assert.Empty(t, s.errs)
}

// =============================================================================
// FAILURES
// =============================================================================

func TestManager_ServerClosesStream(t *testing.T) {
	f := newFeed(t)
	m := testManager()
	defer m.Close()
	s := newSink()

	require.NoError(t, m.Subscribe(f.srv.URL, "", s.handlers()))
	fc := f.next(t)
	fc.frames <- sse(EventAlert, `{}`)
	close(fc.frames)

	err := s.waitErr(t)
	assert.ErrorIs(t, err, ErrStreamEnded)
	assert.True(t, IsStreamEnded(err))
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, 1, s.count())
}

func TestManager_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := testManager()
	defer m.Close()
	s := newSink()
	require.NoError(t, m.Subscribe(srv.URL, "expired", s.handlers()))

	err := s.waitErr(t)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Equal(t, StateClosed, m.State())

	select {
	case extra := <-s.errs:
		t.Fatalf("OnError called twice: %v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestManager_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	m := testManager()
	defer m.Close()
	s := newSink()
	require.NoError(t, m.Subscribe(target, "", s.handlers()))

	err := s.waitErr(t)
	assert.Error(t, err)
	assert.False(t, IsStreamEnded(err))
}

func TestManager_OnErrorMayResubscribe(t *testing.T) {
	f := newFeed(t)
	m := testManager()
	defer m.Close()

	resubscribed := make(chan error, 1)
	var h Handlers
	h = Handlers{
		OnAlert: func(Alert) {},
		OnError: func(error) {
			h.OnError = nil
			resubscribed <- m.Subscribe(f.srv.URL, "", h)
		},
	}
	require.NoError(t, m.Subscribe(f.srv.URL, "", h))
	first := f.next(t)
	close(first.frames)

	select {
	case err := <-resubscribed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("OnError did not run")
	}
	f.next(t)
	assert.Eventually(t, func() bool { return m.State() == StateOpen }, waitFor, 5*time.Millisecond)
}

// =============================================================================
// CALLS FROM HANDLERS
// =============================================================================

func TestManager_DisconnectFromHandler(t *testing.T) {
	f := newFeed(t)
	m := testManager()
	defer m.Close()

	returned := make(chan struct{})
	var alerts atomic.Int32
	require.NoError(t, m.Subscribe(f.srv.URL, "", Handlers{
		OnAlert: func(Alert) {
			alerts.Add(1)
			m.Disconnect()
			close(returned)
		},
	}))
	fc := f.next(t)
	fc.frames <- sse(EventAlert, `{"n":1}`) + sse(EventAlert, `{"n":2}`)

	select {
	case <-returned:
	case <-time.After(waitFor):
		t.Fatal("Disconnect from a handler did not return")
	}
	select {
	case <-fc.gone:
	case <-time.After(waitFor):
		t.Fatal("connection stayed open")
	}
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, int32(1), alerts.Load())

	// The manager still accepts calls afterwards.
	s := newSink()
	require.NoError(t, m.Subscribe(f.srv.URL, "", s.handlers()))
	f.next(t).frames <- sse(EventAlert, `{"n":3}`)
	assert.Eventually(t, func() bool { return s.count() == 1 }, waitFor, 5*time.Millisecond)
}

func TestManager_SubscribeFromHandler(t *testing.T) {
	f := newFeed(t)
	m := testManager()
	defer m.Close()

	second := newSink()
	var firstCalls atomic.Int32
	subscribed := make(chan error, 1)
	require.NoError(t, m.Subscribe(f.srv.URL, "one", Handlers{
		OnAlert: func(Alert) {
			if firstCalls.Add(1) == 1 {
				subscribed <- m.Subscribe(f.srv.URL, "two", second.handlers())
			}
		},
	}))
	oldConn := f.next(t)
	oldConn.frames <- sse(EventAlert, `{"n":1}`) + sse(EventAlert, `{"n":2}`)

	select {
	case err := <-subscribed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Subscribe from a handler did not return")
	}

	newConn := f.next(t)
	assert.Contains(t, newConn.query, "token=two")
	select {
	case <-oldConn.gone:
	case <-time.After(waitFor):
		t.Fatal("old connection was not closed")
	}
	assert.Eventually(t, func() bool { return f.active.Load() == 1 }, waitFor, 5*time.Millisecond)

	newConn.frames <- sse(EventAlert, `{"n":3}`)
	require.Eventually(t, func() bool { return second.count() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, int32(1), firstCalls.Load(), "old handler ran after it resubscribed")
	assert.Eventually(t, func() bool { return m.State() == StateOpen }, waitFor, 5*time.Millisecond)
}

func TestManager_LaterDisconnectWinsOverHandlerSubscribe(t *testing.T) {
	f := newFeed(t)
	m := testManager()
	defer m.Close()

	returned := make(chan struct{})
	require.NoError(t, m.Subscribe(f.srv.URL, "", Handlers{
		OnAlert: func(Alert) {
			m.Subscribe(f.srv.URL, "", Handlers{OnAlert: func(Alert) {}})
			close(returned)
		},
	}))
	f.next(t).frames <- sse(EventAlert, `{}`)

	select {
	case <-returned:
	case <-time.After(waitFor):
		t.Fatal("handler did not return")
	}
	m.Disconnect()

	assert.Eventually(t, func() bool {
		return f.active.Load() == 0 && m.State() == StateClosed
	}, waitFor, 5*time.Millisecond)
	assert.Never(t, func() bool { return f.active.Load() != 0 }, 100*time.Millisecond, 5*time.Millisecond)
}
