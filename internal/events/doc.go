// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events maintains the single server-pushed notification channel.
//
// The channel is a Server-Sent Events connection that cannot carry custom
// headers, so the auth token travels as a query parameter. Named wire
// events are decoded into typed values and handed to the current
// subscriber:
//
//   - alert: Alert, the full alert payload as raw JSON
//   - alert_update: AlertUpdate{AlertID, Status}
//   - heartbeat: Heartbeat{Timestamp}
//
// Unknown event names are ignored and events whose data is not valid JSON
// are logged and dropped; neither closes the connection.
//
// # Connection Manager
//
// A Manager owns at most one connection. Subscribe tears the existing one
// down completely (its handlers detached, its transport closed, its
// goroutine gone) before the new one is created, so two connections never
// exist at once and no event from the old one is delivered after
// Subscribe returns. Disconnect is the same teardown without a successor
// and may be called any number of times.
//
// The Manager never reconnects on its own. A transport failure is reported
// once through Handlers.OnError and the connection moves to StateClosed;
// the caller decides whether and when to Subscribe again.
//
// # Usage
//
//	mgr := events.NewManager(events.WithLogger(log))
//	defer mgr.Disconnect()
//
//	err := mgr.Subscribe(notifyURL, token, events.Handlers{
//	    OnAlert:       func(a events.Alert) { show(a) },
//	    OnAlertUpdate: func(u events.AlertUpdate) { update(u.AlertID, u.Status) },
//	    OnError:       func(err error) { reconnect <- err },
//	})
package events
