// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/streamcore/internal/metrics"
)

// DefaultChunkSize is the read buffer used for response bodies.
const DefaultChunkSize = 32 * 1024

// =============================================================================
// CLIENT
// =============================================================================

// Client holds the settings shared by every stream it opens. It is safe for
// concurrent use; each stream it opens is independent.
type Client struct {
	httpClient *http.Client
	log        zerolog.Logger
	metrics    *metrics.Metrics
	chunkSize  int
	headers    http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport. The client should not set a
// Timeout: streams are bounded by their context instead.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithChunkSize sets the body read buffer size.
func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithHeader adds a header sent on every request. The content negotiation
// and Authorization headers always win over these.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Add(key, value) }
}

// NewClient creates a stream client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		// Streams have no overall timeout; cancellation comes from the context.
		httpClient: &http.Client{},
		log:        zerolog.Nop(),
		chunkSize:  DefaultChunkSize,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// send issues the POST and returns the response once headers arrive. A
// non-success status closes the body unread.
func (c *Client) send(ctx context.Context, req Request, mode Mode, requestID string) (*http.Response, error) {
	target, err := url.Parse(req.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, req.URL)
	}

	var body []byte
	if raw, ok := req.Payload.(json.RawMessage); ok {
		body = raw
	} else if body, err = json.Marshal(req.Payload); err != nil {
		return nil, fmt.Errorf("failed to marshal stream payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", mode.Accept())
	httpReq.Header.Set("Cache-Control", "no-cache")
	httpReq.Header.Set("X-Request-ID", requestID)
	if req.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.AuthToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ErrCanceled
		}
		return nil, &TransportError{RequestID: requestID, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, RequestID: requestID}
	}
	return resp, nil
}

func newRequestID() string {
	return uuid.NewString()
}
