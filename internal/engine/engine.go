// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package engine implements the in-cassette relay state machine: request
// parsing, filter evaluation, the per-subscription scrub loop, and the
// optional NIP-11/45/50 extensions.
package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sandwichfarm/cassette/internal/nostrmodel"
)

// Features toggles the optional NIPs a built cassette supports, decided
// at build time.
type Features struct {
	NIP11 bool
	NIP42 bool // AUTH parsed; enforcement is a host-side hook
	NIP45 bool // COUNT
	NIP50 bool // search
}

// AuthHook lets a host wire a later enforcement layer onto AUTH without
// changing the ABI. New installs a hook that always accepts, matching
// "parsed but not enforced"; SetAuthHook ignores a nil hook.
type AuthHook func(event *nostrmodel.Event) (ok bool, reason string)

// Info is the NIP-11 relay information document.
type Info struct {
	Name          string   `json:"name,omitempty"`
	Description   string   `json:"description,omitempty"`
	PubKey        string   `json:"pubkey,omitempty"`
	Contact       string   `json:"contact,omitempty"`
	SupportedNIPs []int    `json:"supported_nips"`
	Software      string   `json:"software,omitempty"`
	Version       string   `json:"version,omitempty"`
	EventCount    int      `json:"cassette_event_count"`
	CreatedAt     int64    `json:"cassette_created_at,omitempty"`
}

// allowed runtime-settable keys for set_info.
var settableInfoKeys = map[string]bool{
	"name": true, "description": true, "contact": true, "pubkey": true,
}

// Cassette is one immutable relay instance. It is not safe for
// concurrent use; the host must serialize calls.
type Cassette struct {
	sorted   []*nostrmodel.Event
	info     Info
	features Features
	subs     map[string]*Subscription
	authHook AuthHook
}

// New builds a Cassette from an unsorted event slice, sorting it into
// canonical order exactly once. info should already carry the static
// fields (name, description, supported NIPs, software, version);
// EventCount/CreatedAt are filled in.
func New(events []*nostrmodel.Event, info Info, features Features) *Cassette {
	sorted := make([]*nostrmodel.Event, len(events))
	copy(sorted, events)
	nostrmodel.SortCanonical(sorted)

	info.EventCount = len(sorted)
	if info.CreatedAt == 0 {
		info.CreatedAt = time.Now().Unix()
	}

	return &Cassette{
		sorted:   sorted,
		info:     info,
		features: features,
		subs:     make(map[string]*Subscription),
		authHook: func(*nostrmodel.Event) (bool, string) { return true, "" },
	}
}

// SetAuthHook installs the enforcement hook an embedding host may wire in
// later without reshaping the ABI.
func (c *Cassette) SetAuthHook(h AuthHook) {
	if h != nil {
		c.authHook = h
	}
}

// EventCount reports the size of the immutable event set.
func (c *Cassette) EventCount() int { return len(c.sorted) }

// Info renders the NIP-11 document. When NIP-11 is disabled a minimal
// stub is returned
func (c *Cassette) Info() []byte {
	if !c.features.NIP11 {
		stub, _ := json.Marshal(Info{SupportedNIPs: []int{1}})
		return stub
	}
	out, _ := json.Marshal(c.info)
	return out
}

// SetInfo merges runtime overrides into the info document, accepting
// only the narrow allowed key set. Returns an error for
// malformed JSON; unknown keys are silently ignored, not rejected.
func (c *Cassette) SetInfo(raw []byte) error {
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(raw, &patch); err != nil {
		return fmt.Errorf("set_info: malformed json: %w", err)
	}
	for key, v := range patch {
		if !settableInfoKeys[key] {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			continue
		}
		switch key {
		case "name":
			c.info.Name = s
		case "description":
			c.info.Description = s
		case "contact":
			c.info.Contact = s
		case "pubkey":
			c.info.PubKey = s
		}
	}
	return nil
}

// frame is the generic `[cmd, ...]` wire shape.
type frame []json.RawMessage

func decodeFrame(raw []byte) (frame, string, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, "", err
	}
	if len(f) == 0 {
		return nil, "", fmt.Errorf("empty frame")
	}
	var cmd string
	if err := json.Unmarshal(f[0], &cmd); err != nil {
		return nil, "", fmt.Errorf("frame[0] is not a command string")
	}
	return f, cmd, nil
}

func notice(reason string) []byte {
	out, _ := json.Marshal([]any{"NOTICE", reason})
	return out
}

// Scrub consumes one request and returns one response message, per the
// ABI's scrub contract. For REQ the caller must invoke Scrub
// repeatedly with the identical raw bytes until a terminal message (EOSE
// or CLOSED) or nil is returned.
func (c *Cassette) Scrub(raw []byte) []byte {
	f, cmd, err := decodeFrame(raw)
	if err != nil {
		return notice(fmt.Sprintf("malformed request: %s", err.Error()))
	}

	switch cmd {
	case "REQ":
		return c.handleREQ(f, raw)
	case "CLOSE":
		return c.handleCLOSE(f)
	case "COUNT":
		return c.handleCOUNT(f)
	case "AUTH":
		return c.handleAUTH(f)
	default:
		return notice(fmt.Sprintf("unknown command %q", cmd))
	}
}

func (c *Cassette) parseReq(f frame) (subid string, filters []*nostrmodel.Filter, err error) {
	if len(f) < 3 {
		return "", nil, fmt.Errorf("REQ requires a subscription id and at least one filter")
	}
	if err := json.Unmarshal(f[1], &subid); err != nil {
		return "", nil, fmt.Errorf("subscription id must be a string")
	}
	for _, raw := range f[2:] {
		filter, ferr := nostrmodel.ParseFilter(raw)
		if ferr != nil {
			// discard just this filter, proceed with the rest.
			continue
		}
		filters = append(filters, filter)
	}
	if len(filters) == 0 {
		return subid, nil, fmt.Errorf("no valid filters in REQ")
	}
	return subid, filters, nil
}

func (c *Cassette) handleREQ(f frame, raw []byte) []byte {
	subid, filters, err := c.parseReq(f)
	if err != nil {
		return notice(err.Error())
	}

	sub, exists := c.subs[subid]
	switch {
	case !exists:
		sub = &Subscription{ID: subid}
		c.subs[subid] = sub
		sub.Replace(filters, c.sorted)
	case sub.IsTerminal():
		if bytes.Equal(sub.lastRaw, raw) {
			// The host is still polling a drained subscription with the
			// identical request buffer: null pointer, per the scrub
			// contract. Only a genuinely new REQ (different bytes)
			// reactivates a terminal subscription.
			return nil
		}
		sub.Replace(filters, c.sorted)
	case !bytes.Equal(sub.lastRaw, raw):
		sub.Replace(filters, c.sorted)
	}
	sub.lastRaw = raw

	event, eose := sub.Next()
	if eose {
		out, _ := json.Marshal([]any{"EOSE", subid})
		return out
	}
	if event == nil {
		return nil
	}
	out, _ := json.Marshal([]any{"EVENT", subid, event})
	return out
}

func (c *Cassette) handleCLOSE(f frame) []byte {
	if len(f) < 2 {
		return notice("CLOSE requires a subscription id")
	}
	var subid string
	if err := json.Unmarshal(f[1], &subid); err != nil {
		return notice("subscription id must be a string")
	}

	sub, ok := c.subs[subid]
	if !ok {
		return notice(fmt.Sprintf("unknown subscription %s", subid))
	}
	if !sub.Close() {
		return notice(fmt.Sprintf("subscription %s already closed", subid))
	}
	out, _ := json.Marshal([]any{"CLOSED", subid, ""})
	return out
}

func (c *Cassette) handleCOUNT(f frame) []byte {
	if !c.features.NIP45 {
		return notice("COUNT is not supported by this relay")
	}
	subid, filters, err := c.parseReq(f)
	if err != nil {
		return notice(err.Error())
	}
	selection := buildSelection(filters, c.sorted)
	out, _ := json.Marshal([]any{"COUNT", subid, map[string]int{"count": len(selection)}})
	return out
}

func (c *Cassette) handleAUTH(f frame) []byte {
	if !c.features.NIP42 {
		return notice("AUTH is not supported by this relay")
	}
	if len(f) < 2 {
		return notice("AUTH requires an event")
	}
	var ev nostrmodel.Event
	if err := json.Unmarshal(f[1], &ev); err != nil {
		return notice("AUTH event is malformed")
	}
	ok, reason := c.authHook(&ev)
	out, _ := json.Marshal([]any{"OK", ev.ID, ok, reason})
	return out
}
