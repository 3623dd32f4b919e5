// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides a mock upstream for streamcore clients.
//
// # Endpoints
//
//   - POST /v1/reason                - reasoning steps as NDJSON or plain text (by Accept)
//   - GET  /v1/notifications         - Server-Sent Events: alert, alert_update, heartbeat
//   - POST /v1/alerts                - publish an alert to every notification client
//   - POST /v1/alerts/{id}/status    - publish an alert_update
//   - GET  /health                   - health check
//
// Records on /v1/reason are flushed in halves by default so clients see
// records and characters cut across reads.
//
// # Usage
//
//	srv := server.New(":8787", server.WithHeartbeat(15*time.Second))
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
