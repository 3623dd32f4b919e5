// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package decode turns raw response chunks into UTF-8 text.
//
// Network reads split the body wherever the transport pleases, which is
// frequently in the middle of a multi-byte character. A Decoder keeps the
// trailing incomplete sequence of one chunk and prepends it to the next,
// so the concatenation of everything it returns equals decoding the whole
// body in one call.
//
// # Usage
//
//	dec := decode.New()
//	for chunk := range chunks {
//	    fmt.Print(dec.Feed(chunk))
//	}
//	fmt.Print(dec.Flush())
package decode
