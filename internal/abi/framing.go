// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package abi implements the MSGB length-prefixed string framing that
// crosses the cassette/host boundary and the bump allocator
// a cassette uses to answer alloc_buffer/dealloc_string/
// get_allocation_size against its own linear memory. The framing helpers
// are shared, as source, by both sides of the boundary: the host's
// wasmhost package and the wasm-targeted engine binary both call into
// this package rather than each re-implementing the 4-byte
// little-endian length prefix independently.
package abi

import (
	"encoding/binary"
	"errors"
)

// Magic is the 4-byte signature MSGB framing begins with.
const Magic = "MSGB"

const headerSize = 4 + 4 // magic + u32 length

// ErrTruncated means the buffer is shorter than its own declared length.
var ErrTruncated = errors.New("abi: truncated MSGB buffer")

// ErrBadMagic means the buffer doesn't start with the MSGB signature.
var ErrBadMagic = errors.New("abi: missing MSGB signature")

// Encode wraps payload in an MSGB frame: "MSGB" + u32le length + bytes.
func Encode(payload []byte) []byte {
	out := make([]byte, headerSize+len(payload))
	copy(out[:4], Magic)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(payload)))
	copy(out[8:], payload)
	return out
}

// Decode unwraps an MSGB frame, returning the payload. Unframed legacy
// buffers (a bare length-prefixed-by-caller buffer or a NUL-terminated
// string) are not this function's concern — callers that
// need to interoperate with pre-MSGB cassettes should fall back to
// DecodeLegacy.
func Decode(buf []byte) (payload []byte, err error) {
	if len(buf) < headerSize {
		return nil, ErrTruncated
	}
	if string(buf[:4]) != Magic {
		return nil, ErrBadMagic
	}
	length := binary.LittleEndian.Uint32(buf[4:8])
	end := headerSize + int(length)
	if end > len(buf) {
		return nil, ErrTruncated
	}
	return buf[headerSize:end], nil
}

// DecodeLegacy reads either a well-formed MSGB frame or, failing that,
// falls back to treating buf as a NUL-terminated (or whole-slice) raw
// string — the shape pre-ABI-freeze cassettes produced.
func DecodeLegacy(buf []byte) []byte {
	if payload, err := Decode(buf); err == nil {
		return payload
	}
	for i, b := range buf {
		if b == 0 {
			return buf[:i]
		}
	}
	return buf
}

// Len returns the total framed size Encode(payload) would produce.
func Len(payloadLen int) int {
	return headerSize + payloadLen
}
