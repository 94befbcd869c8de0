// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wasmhost loads a compiled cassette (a `.wasm` module built by
// cmd/cassette-wasm or an older, pre-freeze toolchain) with wazero and
// drives its ABI exports: alloc_buffer/dealloc_string/
// get_allocation_size/scrub/info/set_info, falling back to the legacy
// send/alloc_string/describe names when the canonical ones aren't
// present; legacy req/close exports are not used. Everything here is
// host-side: the
// cassette itself never imports this package.
package wasmhost

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/sandwichfarm/cassette/internal/abi"
)

// exportSet names the ABI function a loaded module actually exposes,
// resolved once at load time so every later call avoids a name lookup.
type exportSet struct {
	allocBuffer       api.Function // alloc_buffer | alloc_string (legacy)
	deallocString     api.Function // dealloc_string, optional
	getAllocationSize api.Function // get_allocation_size, optional
	scrub             api.Function // scrub | send (legacy)
	info              api.Function // info, optional
	setInfo           api.Function // set_info, optional
	describe          api.Function // describe (legacy-only extra)
	legacy            bool         // true if scrub resolved to "send"
}

// Cassette is one loaded, instantiated module. Calls into a single
// cassette instance must be serialized, so Cassette holds its own
// mutex rather than trusting callers.
type Cassette struct {
	mu          sync.Mutex
	path        string
	fingerprint string
	runtime     wazero.Runtime
	module      api.Module
	mem         api.Memory
	exports     exportSet
}

// LoadCassette instantiates the wasm module at path under a fresh
// wazero runtime. The returned Cassette owns that runtime; Close
// releases it.
func LoadCassette(ctx context.Context, path string) (*Cassette, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wasmhost: read %s: %w", path, err)
	}
	sum := sha256.Sum256(raw)

	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasmhost: instantiate wasi: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, raw)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasmhost: compile %s: %w", path, err)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(path))
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasmhost: instantiate %s: %w", path, err)
	}

	mem := mod.Memory()
	if mem == nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasmhost: %s exports no linear memory", path)
	}

	exports, err := resolveExports(mod)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasmhost: %s: %w", path, err)
	}

	return &Cassette{
		path:        path,
		fingerprint: hex.EncodeToString(sum[:]),
		runtime:     rt,
		module:      mod,
		mem:         mem,
		exports:     exports,
	}, nil
}

// resolveExports finds the canonical ABI exports, falling back to the
// pre-freeze legacy names.
func resolveExports(mod api.Module) (exportSet, error) {
	var es exportSet

	es.allocBuffer = mod.ExportedFunction("alloc_buffer")
	if es.allocBuffer == nil {
		es.allocBuffer = mod.ExportedFunction("alloc_string")
	}
	es.deallocString = mod.ExportedFunction("dealloc_string")
	es.getAllocationSize = mod.ExportedFunction("get_allocation_size")
	es.info = mod.ExportedFunction("info")
	es.setInfo = mod.ExportedFunction("set_info")
	es.describe = mod.ExportedFunction("describe")

	if scrub := mod.ExportedFunction("scrub"); scrub != nil {
		es.scrub = scrub
	} else if send := mod.ExportedFunction("send"); send != nil {
		es.scrub = send
		es.legacy = true
	}

	if es.scrub == nil {
		return es, fmt.Errorf("no scrub/send export found")
	}
	return es, nil
}

// Fingerprint is the sha256 hex digest of the module's bytes on disk,
// used by internal/registry to tell "reload because the file changed"
// apart from a bare fsnotify rename/chmod event.
func (c *Cassette) Fingerprint() string { return c.fingerprint }

// Path is the filesystem path this cassette was loaded from.
func (c *Cassette) Path() string { return c.path }

// IsLegacy reports whether this module only exposes the pre-freeze
// send/alloc_string export names rather than scrub/alloc_buffer.
func (c *Cassette) IsLegacy() bool { return c.exports.legacy }

// Close releases the wazero runtime and everything it owns.
func (c *Cassette) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runtime.Close(ctx)
}

// Scrub writes req into the module's linear memory and invokes its
// scrub (or legacy send) export once, returning the decoded response
// payload, or nil for "no more output for this call".
// Callers implementing the REQ drain loop must invoke Scrub repeatedly
// with the identical request bytes, exactly as the frozen ABI requires.
func (c *Cassette) Scrub(ctx context.Context, req []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ptr, length, err := c.writeRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer c.free(ctx, ptr, length)

	results, err := c.exports.scrub.Call(ctx, uint64(ptr), uint64(length))
	if err != nil {
		return nil, fmt.Errorf("wasmhost: scrub call: %w", err)
	}
	return c.readResponse(ctx, uint32(results[0]))
}

// Info invokes the info export, or returns a minimal NIP-11 stub if the
// module doesn't export one at all (distinct from the module exporting
// info but reporting NIP-11 disabled, which is the module's own
// business).
func (c *Cassette) Info(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exports.info == nil {
		return []byte(`{"supported_nips":[]}`), nil
	}
	results, err := c.exports.info.Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("wasmhost: info call: %w", err)
	}
	return c.readResponse(ctx, uint32(results[0]))
}

// SetInfo invokes set_info if the module exports it; a module without
// one silently ignores the override (the export is optional).
func (c *Cassette) SetInfo(ctx context.Context, patch []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exports.setInfo == nil {
		return nil
	}
	ptr, length, err := c.writeRequest(ctx, patch)
	if err != nil {
		return err
	}
	defer c.free(ctx, ptr, length)

	results, err := c.exports.setInfo.Call(ctx, uint64(ptr), uint64(length))
	if err != nil {
		return fmt.Errorf("wasmhost: set_info call: %w", err)
	}
	if int32(results[0]) != 0 {
		return fmt.Errorf("wasmhost: set_info rejected by cassette")
	}
	return nil
}

// Describe calls the legacy describe export when present, synthesizing
// a description from Info otherwise.
func (c *Cassette) Describe(ctx context.Context) (string, error) {
	c.mu.Lock()
	hasDescribe := c.exports.describe != nil
	c.mu.Unlock()

	if !hasDescribe {
		infoBytes, err := c.Info(ctx)
		if err != nil {
			return "", err
		}
		return string(infoBytes), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	results, err := c.exports.describe.Call(ctx)
	if err != nil {
		return "", fmt.Errorf("wasmhost: describe call: %w", err)
	}
	out, err := c.readResponse(ctx, uint32(results[0]))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (c *Cassette) writeRequest(ctx context.Context, payload []byte) (ptr, length uint32, err error) {
	framed := abi.Encode(payload)
	if c.exports.legacy {
		// pre-freeze cassettes never understood MSGB on the way in,
		// only on the way out; they expect the raw bytes.
		framed = payload
	}
	if c.exports.allocBuffer == nil {
		return 0, 0, fmt.Errorf("wasmhost: module exports no allocator")
	}
	results, err := c.exports.allocBuffer.Call(ctx, uint64(len(framed)))
	if err != nil {
		return 0, 0, fmt.Errorf("wasmhost: alloc call: %w", err)
	}
	ptr = uint32(results[0])
	if ptr == 0 && len(framed) > 0 {
		return 0, 0, fmt.Errorf("wasmhost: allocation failed")
	}
	if !c.mem.Write(ptr, framed) {
		return 0, 0, fmt.Errorf("wasmhost: write out of bounds at %d", ptr)
	}
	return ptr, uint32(len(framed)), nil
}

func (c *Cassette) readResponse(ctx context.Context, ptr uint32) ([]byte, error) {
	if ptr == 0 {
		return nil, nil
	}
	length := uint32(0)
	if c.exports.getAllocationSize != nil {
		results, err := c.exports.getAllocationSize.Call(ctx, uint64(ptr))
		if err == nil {
			length = uint32(results[0])
		}
	}

	var raw []byte
	if length > 0 {
		buf, ok := c.mem.Read(ptr, length)
		if !ok {
			return nil, fmt.Errorf("wasmhost: read out of bounds at %d len %d", ptr, length)
		}
		raw = buf
	} else {
		// no recorded size: scan forward for either a complete MSGB
		// frame or a NUL terminator, same fallback the legacy Go
		// bindings used against pre-freeze cassettes.
		raw = c.scanUnknownLength(ptr)
	}

	payload := abi.DecodeLegacy(raw)
	c.free(ctx, ptr, uint32(len(raw)))
	return payload, nil
}

// scanUnknownLength reads forward from ptr in bounded chunks looking
// for the MSGB header's declared length or a NUL terminator, for
// modules that answer get_allocation_size with 0 or don't export it.
func (c *Cassette) scanUnknownLength(ptr uint32) []byte {
	const probe = 8
	const maxScan = 1 << 20 // 1MiB guard against a runaway scan

	header, ok := c.mem.Read(ptr, probe)
	if ok && len(header) == probe && string(header[:4]) == abi.Magic {
		declared := int(header[4]) | int(header[5])<<8 | int(header[6])<<16 | int(header[7])<<24
		total := probe + declared
		if total > 0 && total < maxScan {
			if buf, ok := c.mem.Read(ptr, uint32(total)); ok {
				return buf
			}
		}
	}

	size := c.mem.Size()
	for end := ptr; end < size && end-ptr < maxScan; end++ {
		b, ok := c.mem.ReadByte(end)
		if !ok || b == 0 {
			buf, _ := c.mem.Read(ptr, end-ptr)
			return buf
		}
	}
	return nil
}

func (c *Cassette) free(ctx context.Context, ptr, length uint32) {
	if ptr == 0 || c.exports.deallocString == nil {
		return
	}
	c.exports.deallocString.Call(ctx, uint64(ptr), uint64(length))
}
