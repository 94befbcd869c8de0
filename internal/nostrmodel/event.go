// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package nostrmodel defines the closed, frozen data model a cassette
// serves: events and filters, and the canonical ordering between them.
package nostrmodel

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Tag is a single ordered sequence of strings; by convention the first
// element is the tag name.
type Tag []string

// Name returns the tag's first element, or "" for an empty tag.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the tag's second element (its conventional value), or ""
// if the tag has fewer than two elements.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Event is the immutable record a cassette holds. Fields mirror the wire
// shape exactly; nothing here is inferred or computed beyond what ships
// on the wire.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// TagValues returns every value of tags named name, in tag order.
func (e *Event) TagValues(name string) []string {
	var out []string
	for _, t := range e.Tags {
		if t.Name() == name {
			out = append(out, t.Value())
		}
	}
	return out
}

// HasTagValue reports whether the event carries a tag named name whose
// value is v.
func (e *Event) HasTagValue(name, v string) bool {
	for _, t := range e.Tags {
		if t.Name() == name && t.Value() == v {
			return true
		}
	}
	return false
}

// Less implements the canonical total order: created_at descending, id
// ascending on ties.
func Less(a, b *Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID < b.ID
}

// SortCanonical sorts events in place into canonical order. Events are
// sorted at record time, so a cassette only ever needs to do this once,
// at build/load time.
func SortCanonical(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return Less(events[i], events[j])
	})
}

// Validate performs the NIP-01 structural checks the deck host's
// admission pipeline requires: array shape is handled by the
// caller (this validates one already-decoded Event); hex lengths and
// required fields are checked here. Signature verification is explicitly
// out of scope.
func (e *Event) Validate() error {
	if len(e.ID) != 64 || !isHex(e.ID) {
		return fmt.Errorf("invalid id: want 64 hex chars")
	}
	if len(e.PubKey) != 64 || !isHex(e.PubKey) {
		return fmt.Errorf("invalid pubkey: want 64 hex chars")
	}
	if len(e.Sig) != 128 || !isHex(e.Sig) {
		return fmt.Errorf("invalid sig: want 128 hex chars")
	}
	if e.CreatedAt < 0 {
		return fmt.Errorf("invalid created_at: must be unsigned")
	}
	if e.Kind < 0 {
		return fmt.Errorf("invalid kind: must be unsigned")
	}
	for _, t := range e.Tags {
		if len(t) == 0 {
			return fmt.Errorf("invalid tag: empty")
		}
	}
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// ParseEventArray decodes a `["EVENT", {...}]` frame's second element into
// an Event, performing only the shape check; field validity is a
// separate step (Validate).
func ParseEventArray(raw []json.RawMessage) (*Event, error) {
	if len(raw) != 2 {
		return nil, fmt.Errorf("EVENT frame must have exactly 2 elements")
	}
	var e Event
	if err := json.Unmarshal(raw[1], &e); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}
	return &e, nil
}

// MarshalJSON renders tags as plain [][]string so the wire shape matches
// NIP-01 exactly (no object wrapper around Tag).
func (t Tag) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string(t))
}

func (t *Tag) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = raw
	return nil
}

// Fingerprint produces a short human-diagnostic id string for logging;
// not used for matching.
func (e *Event) Fingerprint() string {
	if len(e.ID) >= 8 {
		return e.ID[:8]
	}
	return e.ID
}

// String implements fmt.Stringer for debug logging.
func (e *Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event{id=%s kind=%d created_at=%d}", e.Fingerprint(), e.Kind, e.CreatedAt)
	return b.String()
}
