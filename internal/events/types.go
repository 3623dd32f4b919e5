// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire event names.
const (
	EventAlert       = "alert"
	EventAlertUpdate = "alert_update"
	EventHeartbeat   = "heartbeat"
)

// =============================================================================
// CONNECTION STATE
// =============================================================================

// State is the lifecycle state of the managed connection.
type State int32

const (
	// StateIdle means nothing has been subscribed yet.
	StateIdle State = iota
	// StateConnecting means the request is in flight.
	StateConnecting
	// StateOpen means the server accepted the stream.
	StateOpen
	// StateClosed means the connection failed or was torn down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// =============================================================================
// INBOUND EVENTS
// =============================================================================

// Event is one decoded inbound event: Alert, AlertUpdate or Heartbeat.
type Event interface {
	// EventName is the wire-level event name.
	EventName() string
	isEvent()
}

// Alert carries a full alert. Its shape belongs to the caller.
type Alert struct {
	Payload json.RawMessage
}

func (Alert) EventName() string { return EventAlert }
func (Alert) isEvent()          {}

// Decode unmarshals the payload into v.
func (a Alert) Decode(v any) error {
	return json.Unmarshal(a.Payload, v)
}

// AlertUpdate reports a status change for an existing alert.
type AlertUpdate struct {
	AlertID string `json:"alertId"`
	Status  string `json:"status"`
}

func (AlertUpdate) EventName() string { return EventAlertUpdate }
func (AlertUpdate) isEvent()          {}

// Heartbeat is liveness telemetry for the caller. The manager does not use
// it to detect stale connections.
type Heartbeat struct {
	Timestamp string `json:"timestamp"`
}

func (Heartbeat) EventName() string { return EventHeartbeat }
func (Heartbeat) isEvent()          {}

// errUnknownEvent marks a frame whose name maps to no Event.
var errUnknownEvent = errors.New("unknown event name")

// decodeFrame maps a wire frame onto its Event.
func decodeFrame(f Frame) (Event, error) {
	data := []byte(f.Data)
	switch f.Event {
	case EventAlert:
		if !json.Valid(data) {
			return nil, fmt.Errorf("alert payload is not valid JSON")
		}
		return Alert{Payload: json.RawMessage(data)}, nil
	case EventAlertUpdate:
		var u AlertUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, fmt.Errorf("decode alert_update: %w", err)
		}
		return u, nil
	case EventHeartbeat:
		var hb Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			return nil, fmt.Errorf("decode heartbeat: %w", err)
		}
		return hb, nil
	default:
		return nil, errUnknownEvent
	}
}

// =============================================================================
// HANDLERS
// =============================================================================

// Handlers is the subscriber's capability set. OnAlert is required.
//
// OnAlert, OnAlertUpdate and OnHeartbeat run one at a time on the
// connection's goroutine, in wire order, and should return promptly. They
// may call Subscribe or Disconnect: the call returns at once and takes
// effect when the handler returns, after which that connection delivers
// nothing more.
//
// OnError runs after the failed connection has been fully released, so it
// may call Subscribe directly.
type Handlers struct {
	OnAlert       func(Alert)
	OnAlertUpdate func(AlertUpdate)
	OnHeartbeat   func(Heartbeat)
	OnError       func(error)
}
