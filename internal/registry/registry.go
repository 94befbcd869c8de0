// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package registry tracks the set of loaded cassettes backing a deck:
// one entry per `.wasm` file under a watched directory,
// refreshed on fsnotify events and by a periodic fallback sweep, with
// atomic swap-in so an in-flight Scrub call never observes a half
// reloaded cassette.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/sandwichfarm/cassette/internal/wasmhost"
	"github.com/sandwichfarm/cassette/pkg/log"
)

// Instance is the host-side view of one loaded cassette the rest of
// the deck drives: the scrub loop, the NIP-11 document, and the
// identity/lifecycle bookkeeping. *wasmhost.Cassette is the production
// implementation; tests substitute scripted fakes.
type Instance interface {
	Scrub(ctx context.Context, req []byte) ([]byte, error)
	Info(ctx context.Context) ([]byte, error)
	SetInfo(ctx context.Context, patch []byte) error
	Fingerprint() string
	Path() string
	IsLegacy() bool
	Close(ctx context.Context) error
}

// Entry is a snapshot of one registered cassette, safe to read after
// Snapshot returns (the registry never mutates an Entry in place; a
// reload replaces it wholesale).
type Entry struct {
	Path        string
	Fingerprint string
	EventCount  int
	Cassette    Instance
}

// cassetteEventCount calls info() and extracts cassette_event_count,
// used only for the admin snapshot; a cassette that doesn't report one
// (or whose info call fails) just shows 0.
func cassetteEventCount(ctx context.Context, c Instance) int {
	raw, err := c.Info(ctx)
	if err != nil {
		return 0
	}
	var body struct {
		EventCount int `json:"cassette_event_count"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return 0
	}
	return body.EventCount
}

// Registry is the deck's live view of every cassette under Dir. Reads
// (Snapshot, Get) never block on a reload in progress; a reload holds
// the write lock only long enough to swap the map.
type Registry struct {
	dir     string
	mu      sync.RWMutex
	entries map[string]*Entry // path -> entry
	watcher *fsnotify.Watcher
}

// New builds a registry over dir without loading anything yet; call
// Rescan to populate it.
func New(dir string) *Registry {
	return &Registry{dir: dir, entries: make(map[string]*Entry)}
}

// Rescan walks dir for `.wasm` files, loading any new or changed ones
// (by fingerprint) and dropping entries whose file disappeared. It is
// safe to call concurrently with Snapshot/Get, and is what both the
// fsnotify watch loop and internal/schedule's periodic fallback call.
func (r *Registry) Rescan(ctx context.Context) error {
	matches, err := filepath.Glob(filepath.Join(r.dir, "*.wasm"))
	if err != nil {
		return err
	}
	sort.Strings(matches) // deterministic fan-out order for internal/deck

	seen := make(map[string]bool, len(matches))
	for _, path := range matches {
		seen[path] = true
		if err := r.loadIfChanged(ctx, path); err != nil {
			log.Warnf("registry: skipping %s: %s", path, err.Error())
		}
	}

	r.mu.Lock()
	for path, entry := range r.entries {
		if !seen[path] {
			if entry.Cassette != nil {
				entry.Cassette.Close(ctx)
			}
			delete(r.entries, path)
			log.Infof("registry: removed %s (file no longer present)", path)
		}
	}
	r.mu.Unlock()
	return nil
}

// LoadExplicit loads exactly the given paths, ignoring r.dir entirely.
// Used by the read-only `listen` subcommand, whose cassette set is a
// fixed argv list rather than a watched directory (Rescan/Watch are for
// `deck`'s directory-glob mode).
func (r *Registry) LoadExplicit(ctx context.Context, paths []string) error {
	for _, path := range paths {
		if err := r.loadIfChanged(ctx, path); err != nil {
			return fmt.Errorf("registry: %s: %w", path, err)
		}
	}
	return nil
}

func (r *Registry) loadIfChanged(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}

	r.mu.RLock()
	existing, ok := r.entries[path]
	r.mu.RUnlock()

	loaded, err := wasmhost.LoadCassette(ctx, path)
	if err != nil {
		return err
	}
	if ok && existing.Fingerprint == loaded.Fingerprint() {
		loaded.Close(ctx) // unchanged: keep the already-instantiated module
		return nil
	}

	entry := &Entry{
		Path:        path,
		Fingerprint: loaded.Fingerprint(),
		EventCount:  cassetteEventCount(ctx, loaded),
		Cassette:    loaded,
	}

	r.mu.Lock()
	r.entries[path] = entry
	r.mu.Unlock()

	if ok {
		existing.Cassette.Close(ctx)
		log.Infof("registry: reloaded %s (fingerprint %s)", path, entry.Fingerprint[:12])
	} else {
		log.Infof("registry: loaded %s (fingerprint %s)", path, entry.Fingerprint[:12])
	}
	return nil
}

// Watch starts an fsnotify watch on the registry's directory, calling
// Rescan on every create/write/rename/remove event until ctx is
// cancelled. It is additive to, not a replacement for, the periodic
// fallback sweep internal/schedule runs (belt-and-suspenders against a
// missed or coalesced fs event).
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(r.dir); err != nil {
		w.Close()
		return err
	}
	r.watcher = w

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Ext(event.Name) != ".wasm" {
					continue
				}
				if err := r.Rescan(ctx); err != nil {
					log.Warnf("registry: rescan after %s: %s", event.Op, err.Error())
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("registry: watch error: %s", err.Error())
			}
		}
	}()
	return nil
}

// Snapshot returns every currently registered entry in a deterministic
// (path-sorted) order, the fan-out order internal/deck relies on.
func (r *Registry) Snapshot() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Get returns the entry for path, if registered.
func (r *Registry) Get(path string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[path]
	return e, ok
}

// Len reports how many cassettes are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close releases every loaded cassette and stops the fsnotify watch.
func (r *Registry) Close(ctx context.Context) error {
	if r.watcher != nil {
		r.watcher.Close()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Cassette != nil {
			e.Cassette.Close(ctx)
		}
	}
	r.entries = make(map[string]*Entry)
	return nil
}
