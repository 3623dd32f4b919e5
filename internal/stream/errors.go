// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// Sentinel errors for easy checking.
var (
	// ErrCanceled marks a stream stopped by its caller. It wraps
	// context.Canceled.
	ErrCanceled = fmt.Errorf("stream canceled: %w", context.Canceled)

	// ErrModeMismatch is returned when a Request names a mode that the
	// opening function does not produce.
	ErrModeMismatch = errors.New("request mode does not match stream type")

	// ErrInvalidURL is returned for a missing or non-HTTP target.
	ErrInvalidURL = errors.New("stream target must be an absolute http(s) URL")
)

// StatusError reports a non-success status on the initial response. The
// body is never read.
type StatusError struct {
	StatusCode int
	Status     string
	RequestID  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream request %s failed: %s", e.RequestID, e.Status)
}

// TransportError reports a network failure while the request was being
// sent or the body was being read.
type TransportError struct {
	RequestID string
	// Partial is true when at least one record had been produced before
	// the failure.
	Partial bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Partial {
		return fmt.Sprintf("stream %s interrupted after partial delivery: %v", e.RequestID, e.Err)
	}
	return fmt.Sprintf("stream %s failed: %v", e.RequestID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsCanceled reports whether err is a caller-initiated cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

// IsStatus reports whether err is a StatusError with the given code. A
// code of zero matches any status.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return code == 0 || statusErr.StatusCode == code
}
