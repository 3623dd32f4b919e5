// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package framing splits decoded text into newline-delimited records.
//
// A LineFramer is fed text fragments as they arrive and hands back only the
// records whose terminating newline has been seen. The unterminated tail
// stays pending for the next fragment. There is no flush on close: a tail
// without a newline is never promoted to a record.
//
// DecodeJSON turns framed records into values for NDJSON streams, skipping
// any record that is not valid JSON so one corrupt line cannot end a
// long-running stream.
package framing
