// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/streamcore/internal/events"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8787"

	// MaxRequestBodySize is the maximum size for a request body (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxPromptLength is the maximum prompt length in runes.
	MaxPromptLength = 100000

	// DefaultRetryMillis is the reconnect delay advertised to SSE clients.
	DefaultRetryMillis = 3000
)

// Content types served by the reasoning endpoint.
const (
	ContentTypeNDJSON = "application/x-ndjson"
	ContentTypeText   = "text/plain; charset=utf-8"
	ContentTypeSSE    = "text/event-stream"
)

// ============================================================================
// TYPES
// ============================================================================

// ReasonRequest is the body of POST /v1/reason.
type ReasonRequest struct {
	Prompt string `json:"prompt"`
}

// Step is one NDJSON record of a reasoning stream.
type Step struct {
	Step int    `json:"step"`
	Text string `json:"text"`
	Done bool   `json:"done,omitempty"`
}

// Reasoner turns a prompt into the steps streamed back to the client.
type Reasoner func(prompt string) []string

// StatusUpdate is the body of POST /v1/alerts/{id}/status.
type StatusUpdate struct {
	Status string `json:"status"`
}

// PublishResponse reports where a published event went.
type PublishResponse struct {
	EventID   uint64 `json:"event_id"`
	Delivered int    `json:"delivered"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string  `json:"status"`
	Subscribers int     `json:"subscribers"`
	UptimeSecs  float64 `json:"uptime_secs"`
}

// ============================================================================
// SERVER
// ============================================================================

// Server is a mock upstream for streamcore clients: a reasoning endpoint
// that streams NDJSON or text, and a notification feed over SSE.
type Server struct {
	addr   string
	mux    *http.ServeMux
	server *http.Server
	hub    *Hub
	log    zerolog.Logger

	reasoner   Reasoner
	stepDelay  time.Duration
	splitWrite bool
	heartbeat  time.Duration
	authToken  string
	tokenParam string
	limiter    *RateLimiter
	started    time.Time
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithReasoner replaces the built-in step generator.
func WithReasoner(r Reasoner) Option {
	return func(s *Server) {
		if r != nil {
			s.reasoner = r
		}
	}
}

// WithStepDelay pauses between streamed steps.
func WithStepDelay(d time.Duration) Option {
	return func(s *Server) { s.stepDelay = d }
}

// WithSplitWrites makes the reasoning endpoint flush every record in two
// halves, cutting records (and sometimes characters) across reads.
func WithSplitWrites(split bool) Option {
	return func(s *Server) { s.splitWrite = split }
}

// WithHeartbeat sets the per-client heartbeat interval; zero disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

// WithAuthToken requires token on the notification feed and publish routes.
func WithAuthToken(token, queryParam string) Option {
	return func(s *Server) {
		s.authToken = token
		if queryParam != "" {
			s.tokenParam = queryParam
		}
	}
}

// WithRateLimit limits requests per client IP.
func WithRateLimit(perMinute, burst int) Option {
	return func(s *Server) { s.limiter = NewRateLimiter(perMinute, burst) }
}

// New creates a Server that will listen on addr.
func New(addr string, opts ...Option) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{
		addr:       addr,
		mux:        http.NewServeMux(),
		hub:        NewHub(),
		log:        zerolog.Nop(),
		reasoner:   DefaultReasoner,
		splitWrite: true,
		tokenParam: events.DefaultTokenParam,
		started:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

// Hub returns the broadcaster behind the notification feed.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	auth := AuthMiddleware(s.authToken, s.tokenParam, s.log)

	s.mux.HandleFunc("POST /v1/reason", s.handleReason)
	s.mux.Handle("GET /v1/notifications", auth(http.HandlerFunc(s.handleNotifications)))
	s.mux.Handle("POST /v1/alerts", auth(http.HandlerFunc(s.handlePublishAlert)))
	s.mux.Handle("POST /v1/alerts/{id}/status", auth(http.HandlerFunc(s.handlePublishUpdate)))
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// Handle mounts an extra handler, such as /metrics.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	chain := []Middleware{
		RecoveryMiddleware(s.log),
		RequestIDMiddleware(),
		LoggingMiddleware(s.log),
	}
	if s.limiter != nil {
		chain = append(chain, RateLimitMiddleware(s.limiter, s.log))
	}
	return Chain(chain...)(s.mux)
}

// ============================================================================
// REASONING STREAM
// ============================================================================

// handleReason streams the steps for a prompt as NDJSON when the client
// accepts it, and as plain text otherwise.
func (s *Server) handleReason(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBodySize)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if len([]rune(req.Prompt)) > MaxPromptLength {
		s.writeError(w, http.StatusRequestEntityTooLarge, "prompt too long")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	ndjson := strings.Contains(r.Header.Get("Accept"), ContentTypeNDJSON)
	if ndjson {
		w.Header().Set("Content-Type", ContentTypeNDJSON)
	} else {
		w.Header().Set("Content-Type", ContentTypeText)
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	steps := s.reasoner(req.Prompt)
	for i, text := range steps {
		var chunk []byte
		if ndjson {
			rec, _ := json.Marshal(Step{Step: i + 1, Text: text, Done: i == len(steps)-1})
			chunk = append(rec, '\n')
		} else {
			chunk = []byte(text)
			if i < len(steps)-1 {
				chunk = append(chunk, '\n')
			}
		}

		if err := s.writeChunk(w, flusher, chunk); err != nil {
			s.log.Debug().Err(err).Str("request_id", RequestID(ctx)).Msg("client went away")
			return
		}
		if s.stepDelay > 0 && i < len(steps)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.stepDelay):
			}
		}
	}
}

func (s *Server) writeChunk(w io.Writer, flusher http.Flusher, chunk []byte) error {
	parts := [][]byte{chunk}
	if s.splitWrite && len(chunk) > 1 {
		parts = [][]byte{chunk[:len(chunk)/2], chunk[len(chunk)/2:]}
	}
	for _, p := range parts {
		if _, err := w.Write(p); err != nil {
			return err
		}
		flusher.Flush()
	}
	return nil
}

// DefaultReasoner produces a short deterministic walk through the prompt.
func DefaultReasoner(prompt string) []string {
	words := strings.Fields(prompt)
	steps := []string{fmt.Sprintf("Reading the question (%d words).", len(words))}
	for i, w := range words {
		if i == 5 {
			steps = append(steps, fmt.Sprintf("...and %d more.", len(words)-i))
			break
		}
		steps = append(steps, fmt.Sprintf("Considering %q.", w))
	}
	steps = append(steps, "Answer: "+strings.Join(words, " "))
	return steps
}

// ============================================================================
// NOTIFICATION FEED
// ============================================================================

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	ch, cancel := s.hub.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", ContentTypeSSE)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected\nretry: %d\n\n", DefaultRetryMillis)
	flusher.Flush()

	log := s.log.With().Str("request_id", RequestID(r.Context())).Logger()
	log.Debug().Int("subscribers", s.hub.Len()).Msg("notification client connected")
	defer log.Debug().Msg("notification client gone")

	var tick <-chan time.Time
	if s.heartbeat > 0 {
		t := time.NewTicker(s.heartbeat)
		defer t.Stop()
		tick = t.C
	}

	for {
		var msg message
		select {
		case <-r.Context().Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			msg = m
		case now := <-tick:
			data, _ := json.Marshal(events.Heartbeat{Timestamp: now.UTC().Format(time.RFC3339)})
			msg = message{Event: events.EventHeartbeat, Data: string(data)}
		}
		if err := msg.writeTo(w); err != nil {
			return
		}
		flusher.Flush()
	}
}

// PublishAlert broadcasts payload as an alert event.
func (s *Server) PublishAlert(payload any) (PublishResponse, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return PublishResponse{}, fmt.Errorf("encode alert: %w", err)
	}
	id, n := s.hub.Broadcast(events.EventAlert, string(data))
	return PublishResponse{EventID: id, Delivered: n}, nil
}

// PublishUpdate broadcasts a status change for alertID.
func (s *Server) PublishUpdate(alertID, status string) (PublishResponse, error) {
	data, err := json.Marshal(events.AlertUpdate{AlertID: alertID, Status: status})
	if err != nil {
		return PublishResponse{}, fmt.Errorf("encode alert update: %w", err)
	}
	id, n := s.hub.Broadcast(events.EventAlertUpdate, string(data))
	return PublishResponse{EventID: id, Delivered: n}, nil
}

func (s *Server) handlePublishAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		s.writeError(w, http.StatusBadRequest, "alert must be valid JSON")
		return
	}
	resp, err := s.PublishAlert(json.RawMessage(compact.Bytes()))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handlePublishUpdate(w http.ResponseWriter, r *http.Request) {
	var upd StatusUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBodySize)).Decode(&upd); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if upd.Status == "" {
		s.writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	resp, err := s.PublishUpdate(r.PathValue("id"), upd.Status)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Subscribers: s.hub.Len(),
		UptimeSecs:  time.Since(s.started).Seconds(),
	})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and blocks until Shutdown.
// It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.log.Info().Str("addr", s.addr).Msg("feed server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown disconnects notification clients and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.server == nil {
		return nil
	}
	s.log.Info().Msg("feed server shutting down")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	})
}
