// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes Prometheus collectors for the stream transports.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "streamcore"

// Metrics groups the collectors shared by request streams and the
// persistent event connection.
type Metrics struct {
	streamsStarted   *prometheus.CounterVec
	streamsFinished  *prometheus.CounterVec
	recordsDelivered *prometheus.CounterVec
	bytesReceived    prometheus.Counter
	recordsSkipped   prometheus.Counter
	tailsDiscarded   prometheus.Counter

	connections      prometheus.Gauge
	connectAttempts  prometheus.Counter
	eventsReceived   *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	connectionErrors prometheus.Counter
}

// New registers the collectors with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		streamsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "started_total",
			Help:      "Request streams opened, by mode",
		}, []string{"mode"}),
		streamsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "finished_total",
			Help:      "Request streams finished, by mode and outcome",
		}, []string{"mode", "outcome"}),
		recordsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "records_total",
			Help:      "Records handed to stream consumers, by mode",
		}, []string{"mode"}),
		bytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "bytes_total",
			Help:      "Raw body bytes read from request streams",
		}),
		recordsSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "malformed_records_total",
			Help:      "NDJSON records skipped because they failed to parse",
		}),
		tailsDiscarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "discarded_tails_total",
			Help:      "NDJSON streams that ended with an unterminated record",
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "connections",
			Help:      "Live persistent event connections (never above one)",
		}),
		connectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "subscribes_total",
			Help:      "Persistent connections created by Subscribe",
		}),
		eventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "received_total",
			Help:      "Named events dispatched to handlers",
		}, []string{"event"}),
		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Named events dropped, by reason",
		}, []string{"reason"}),
		connectionErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "errors_total",
			Help:      "Transport errors reported to subscribers",
		}),
	}
}

// =============================================================================
// REQUEST STREAMS
// =============================================================================

func (m *Metrics) StreamStarted(mode string) {
	if m == nil {
		return
	}
	m.streamsStarted.WithLabelValues(mode).Inc()
}

// StreamFinished records a terminal outcome: "complete", "error" or "canceled".
func (m *Metrics) StreamFinished(mode, outcome string) {
	if m == nil {
		return
	}
	m.streamsFinished.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) RecordDelivered(mode string) {
	if m == nil {
		return
	}
	m.recordsDelivered.WithLabelValues(mode).Inc()
}

func (m *Metrics) BytesReceived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) RecordSkipped() {
	if m == nil {
		return
	}
	m.recordsSkipped.Inc()
}

func (m *Metrics) TailDiscarded() {
	if m == nil {
		return
	}
	m.tailsDiscarded.Inc()
}

// =============================================================================
// PERSISTENT EVENTS
// =============================================================================

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) EventReceived(name string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(name).Inc()
}

// EventDropped records a named event that never reached a handler:
// "malformed", "unknown" or "closed".
func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ConnectionError() {
	if m == nil {
		return
	}
	m.connectionErrors.Inc()
}
