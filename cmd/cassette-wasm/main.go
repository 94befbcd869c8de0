//go:build wasip1

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command cassette-wasm is the thin export shim that turns
// internal/engine + internal/abi into the frozen ABI export surface.
// It is the only package in this repository meant to be built with
// GOOS=wasip1 GOARCH=wasm (or an equivalent TinyGo target) rather
// than run on the host. The recording pipeline invokes that build
// after embedding a concrete event set via
// //go:embed events.json, replacing the empty placeholder checked in
// here.
//
// Keeping the engine logic in internal/engine keeps this file down to
// memory plumbing around a state machine that is otherwise fully
// unit-testable on the host.
package main

import (
	_ "embed"
	"unsafe"

	"github.com/sandwichfarm/cassette/internal/abi"
	"github.com/sandwichfarm/cassette/internal/engine"
	"github.com/sandwichfarm/cassette/internal/nostrmodel"
)

//go:embed events.json
var embeddedEvents []byte

//go:embed cassette.json
var embeddedMeta []byte

var (
	arena    = abi.NewArena(1 << 16)
	cassette *engine.Cassette
)

func init() {
	events, _ := nostrmodel.DecodeEventArray(embeddedEvents)
	meta := nostrmodel.ParseCassetteMeta(embeddedMeta)

	info := engine.Info{
		Name:          meta.Info.Name,
		Description:   meta.Info.Description,
		PubKey:        meta.Info.PubKey,
		Contact:       meta.Info.Contact,
		Software:      meta.Info.Software,
		Version:       meta.Info.Version,
		SupportedNIPs: meta.Info.SupportedNIPs,
	}
	features := engine.Features{
		NIP11: meta.Features.NIP11,
		NIP42: meta.Features.NIP42,
		NIP45: meta.Features.NIP45,
		NIP50: meta.Features.NIP50,
	}
	cassette = engine.New(events, info, features)
}

// alloc_buffer allocates size bytes of host-writable linear memory.
// The host owns the returned buffer and must release it with
// dealloc_string.
//
//go:wasmexport alloc_buffer
func allocBuffer(size uint32) uint32 {
	ptr := arena.Reserve(size)
	return ptr
}

// dealloc_string releases a buffer previously returned by alloc_buffer
// or by a cassette export. size may be 0 if the caller already knows the
// allocation's length via get_allocation_size.
//
//go:wasmexport dealloc_string
func deallocString(ptr uint32, _ uint32) {
	arena.Release(ptr)
}

// get_allocation_size returns the recorded length of ptr, or 0 if
// unknown.
//
//go:wasmexport get_allocation_size
func getAllocationSize(ptr uint32) uint32 {
	return arena.Size(ptr)
}

// scrub consumes one length-prefixed request located at [ptr, ptr+len)
// and returns a pointer to a length-prefixed response, or 0 for "no
// more output for this call".
//
//go:wasmexport scrub
func scrub(ptr uint32, length uint32) uint32 {
	raw := readMemory(ptr, length)
	payload := abi.DecodeLegacy(raw)

	out := cassette.Scrub(payload)
	if out == nil {
		return 0
	}
	return writeResponse(out)
}

// info returns a length-prefixed JSON document describing the relay.
// Always available.
//
//go:wasmexport info
func info() uint32 {
	return writeResponse(cassette.Info())
}

// set_info merges runtime overrides into the info document. Returns 0
// on success, non-zero on rejection.
//
//go:wasmexport set_info
func setInfo(ptr uint32, length uint32) int32 {
	raw := readMemory(ptr, length)
	payload := abi.DecodeLegacy(raw)
	if err := cassette.SetInfo(payload); err != nil {
		return 1
	}
	return 0
}

// The pre-freeze export names are aliased for one major version so
// hosts built against the old Go bindings keep working; new hosts must
// prefer the canonical names above.
//
//go:wasmexport send
func sendLegacy(ptr uint32, length uint32) uint32 {
	return scrub(ptr, length)
}

//go:wasmexport alloc_string
func allocStringLegacy(size uint32) uint32 {
	return allocBuffer(size)
}

//go:wasmexport describe
func describeLegacy() uint32 {
	return info()
}

func writeResponse(payload []byte) uint32 {
	framed := abi.Encode(payload)
	ptr := arena.Reserve(uint32(len(framed)))
	dst := memoryAt(ptr, uint32(len(framed)))
	copy(dst, framed)
	return ptr
}

func readMemory(ptr, length uint32) []byte {
	return memoryAt(ptr, length)
}

// memoryAt returns a byte slice aliasing this module's own linear
// memory at [ptr, ptr+length). This only makes sense once compiled to
// wasm32, where uintptr and our u32 ABI offsets coincide; on the host
// build tag this file is excluded entirely (see main_host_stub.go).
func memoryAt(ptr, length uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
}

func main() {}
