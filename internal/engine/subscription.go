// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package engine

import (
	"sort"

	"github.com/sandwichfarm/cassette/internal/nostrmodel"
	"github.com/sandwichfarm/cassette/internal/search"
)

type subState int

const (
	stateActive subState = iota
	stateTerminal
)

// scored pairs a candidate event with its ranking key under the
// subscription's current ordering mode.
type scored struct {
	event    *nostrmodel.Event
	score    int
	searched bool
}

// Subscription is a cassette's view of one client subscription. The
// cassette owns this as a cache; the deck host is the authority and
// drives it to consistency.
type Subscription struct {
	ID      string
	filters []*nostrmodel.Filter
	state   subState
	cursor  int
	// selection is the precomputed, ordered, already-limited list of
	// events this subscription will emit, built once per REQ.
	selection []*nostrmodel.Event
	// lastRaw is the raw REQ frame that last (re)built the selection; the
	// scrub loop compares against it to distinguish a continuation poll
	// (same bytes, keep draining) from a genuinely new REQ on the same id
	// (different bytes, reset cursor) — see Cassette.handleREQ.
	lastRaw []byte
}

// Replace installs a new filter list, resets the cursor, and
//(re)computes the selection against sorted. Per the subscription state
// table, this applies whether the subscription was absent,
// Active, or Terminal.
func (s *Subscription) Replace(filters []*nostrmodel.Filter, sorted []*nostrmodel.Event) {
	s.filters = filters
	s.cursor = 0
	s.state = stateActive
	s.selection = buildSelection(filters, sorted)
}

// Next advances the cursor and returns the next event to emit, or nil
// with eose=true once the selection is exhausted.
func (s *Subscription) Next() (event *nostrmodel.Event, eose bool) {
	if s.state == stateTerminal {
		return nil, false
	}
	if s.cursor >= len(s.selection) {
		s.state = stateTerminal
		return nil, true
	}
	e := s.selection[s.cursor]
	s.cursor++
	return e, false
}

// Close transitions the subscription to Terminal idempotently. Returns
// true the first time (CLOSED should be emitted), false on subsequent
// calls, so a repeated CLOSE yields a NOTICE instead of a second
// CLOSED.
func (s *Subscription) Close() bool {
	if s.state == stateTerminal {
		return false
	}
	s.state = stateTerminal
	return true
}

func (s *Subscription) IsTerminal() bool {
	return s.state == stateTerminal
}

// buildSelection evaluates and orders the filter list's matches,
// unioned across the OR'd filters.
//
// When search is active, `limit` selects the top-scored N events for
// that filter, not merely the first N encountered in the canonical
// walk. The engine tests pin this down.
func buildSelection(filters []*nostrmodel.Filter, sorted []*nostrmodel.Event) []*nostrmodel.Event {
	seen := make(map[string]bool)
	var all []scored

	for _, f := range filters {
		matches := matchFilter(f, sorted)
		for _, m := range matches {
			if seen[m.event.ID] {
				continue
			}
			seen[m.event.ID] = true
			all = append(all, m)
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.searched != b.searched {
			// Scored candidates rank ahead of unscored ones encountered
			// via a different, non-searching filter in the same OR set.
			return a.searched
		}
		if a.searched && a.score != b.score {
			return a.score > b.score
		}
		return nostrmodel.Less(a.event, b.event)
	})

	out := make([]*nostrmodel.Event, len(all))
	for i, m := range all {
		out[i] = m.event
	}
	return out
}

// matchFilter evaluates one filter against the canonically-sorted event
// array and returns matches already in this filter's emission order,
// truncated by limit
func matchFilter(f *nostrmodel.Filter, sorted []*nostrmodel.Event) []scored {
	var matches []scored

	if f.HasSearch {
		q := search.Parse(f.Search)
		for _, e := range sorted {
			if !f.BasicMatch(e) {
				continue
			}
			sc := q.Score(e)
			if sc == 0 {
				continue
			}
			matches = append(matches, scored{event: e, score: sc, searched: true})
		}
		sort.SliceStable(matches, func(i, j int) bool {
			if matches[i].score != matches[j].score {
				return matches[i].score > matches[j].score
			}
			return nostrmodel.Less(matches[i].event, matches[j].event)
		})
		if f.Limit != nil && *f.Limit >= 0 && len(matches) > *f.Limit {
			matches = matches[:*f.Limit]
		}
		return matches
	}

	for _, e := range sorted {
		if f.Limit != nil && *f.Limit >= 0 && len(matches) >= *f.Limit {
			break
		}
		if !f.BasicMatch(e) {
			continue
		}
		matches = append(matches, scored{event: e})
	}
	return matches
}
