// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the streamcore command line.
//
// # Commands
//
//   - ask: run one reasoning request and stream its output
//   - watch: hold the notification channel open and print events
//   - serve: run the mock feed server
//   - config: show, get and set configuration values
//   - version: print build information
//
// Every command shares the --config, --log-level and --log-format flags.
// Output goes to the command's stdout; logs go to stderr.
package cli
