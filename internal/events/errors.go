// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"errors"
	"fmt"
)

// Sentinel errors for easy checking.
var (
	ErrNoAlertHandler = errors.New("subscribe requires an OnAlert handler")
	ErrInvalidURL     = errors.New("notification URL must be an absolute http(s) URL")
	// ErrStreamEnded is reported when the server closes the channel.
	ErrStreamEnded = errors.New("notification stream closed by server")
	// ErrEventTooLarge is returned by Reader for an event over MaxEventSize.
	// The event is skipped and the reader stays usable.
	ErrEventTooLarge = errors.New("event exceeds maximum size")
)

// StatusError reports a non-200 answer to the connection request.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("notification stream rejected: %s", e.Status)
}

// IsStreamEnded reports whether err means the server hung up cleanly.
func IsStreamEnded(err error) bool {
	return errors.Is(err, ErrStreamEnded)
}
