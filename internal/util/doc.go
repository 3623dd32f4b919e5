// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the streamcore packages.
//
// # Key Functions
//
//   - TruncateRunes: UTF-8 safe truncation for log previews
//   - TruncateWidth: display-width truncation for terminal output
//   - RedactQuery: masks credentials carried in URL query parameters
//   - AtomicWriteFile: crash-safe file writing with fsync
package util
