// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// subscriberBuffer is how many undelivered events a client may lag behind
// before it is dropped.
const subscriberBuffer = 64

// message is one outbound Server-Sent Event.
type message struct {
	ID    uint64
	Event string
	Data  string
}

// writeTo renders m in SSE wire format, one data: line per line of Data.
func (m message) writeTo(w io.Writer) error {
	var b strings.Builder
	if m.ID != 0 {
		fmt.Fprintf(&b, "id: %d\n", m.ID)
	}
	if m.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", m.Event)
	}
	for _, line := range strings.Split(m.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

// =============================================================================
// HUB
// =============================================================================

// Hub fans published events out to every connected notification client.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]chan message
	nextID uint64
	seq    uint64
	closed bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan message)}
}

// Subscribe registers a client. The returned channel is closed when the
// client is dropped or the hub closes; cancel unregisters it early.
func (h *Hub) Subscribe() (<-chan message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan message, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Broadcast assigns the next event ID and queues the event for every
// client. A client whose buffer is full is dropped rather than stalling
// the others. It returns the number of clients reached.
func (h *Hub) Broadcast(event, data string) (uint64, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, 0
	}

	h.seq++
	msg := message{ID: h.seq, Event: event, Data: data}
	delivered := 0
	for id, ch := range h.subs {
		select {
		case ch <- msg:
			delivered++
		default:
			delete(h.subs, id)
			close(ch)
		}
	}
	return msg.ID, delivered
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every client. Later subscribers get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
