// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dedup bounds the per-subscription "have we already forwarded
// this event id" cache internal/deck needs when fanning a single REQ
// out across several cassettes that may share events. An unbounded
// map per subscription would leak under a long-lived subscription
// against a big deck, so this wraps
// hashicorp/golang-lru/v2 instead of hand-rolling an eviction policy.
package dedup

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity bounds how many event ids a single subscription's
// Seen cache remembers before evicting the least recently used one.
// Chosen generously above any single REQ's likely result set; a dedup
// miss past this point just means a duplicate slips through to the
// client, which NIP-01 clients already tolerate.
const DefaultCapacity = 8192

// Tracker holds one bounded seen-id cache per subscription id.
type Tracker struct {
	capacity int
	subs     map[string]*lru.Cache[string, struct{}]
}

// New builds a Tracker whose per-subscription caches hold capacity
// entries. A non-positive capacity falls back to DefaultCapacity.
func New(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tracker{capacity: capacity, subs: make(map[string]*lru.Cache[string, struct{}])}
}

// Seen reports whether id has already been forwarded for subscription
// subid, recording it as seen if not. The zero value of the cache is
// created lazily on first use.
func (t *Tracker) Seen(subid, id string) bool {
	cache, ok := t.subs[subid]
	if !ok {
		cache, _ = lru.New[string, struct{}](t.capacity)
		t.subs[subid] = cache
	}
	if cache.Contains(id) {
		return true
	}
	cache.Add(id, struct{}{})
	return false
}

// Reset drops the seen-id cache for subid, called whenever a REQ
// genuinely restarts a subscription (as opposed to the host replaying
// the same REQ bytes to drain the scrub loop).
func (t *Tracker) Reset(subid string) {
	delete(t.subs, subid)
}

// Forget removes subid's cache entirely, called on CLOSE.
func (t *Tracker) Forget(subid string) {
	delete(t.subs, subid)
}

// Len reports how many subscriptions currently have a live cache, used
// by internal/schedule's periodic GC pass to log cache pressure.
func (t *Tracker) Len() int {
	return len(t.subs)
}
