// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package nostrmodel

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TagConstraint is the `{values, mode}` pair the design notes
// prescribe for tag filters: a small closed variant, not an open bag.
type TagConstraint struct {
	Values []string
	AND    bool // false: "#x" OR semantics; true: "&x" NIP-119 AND semantics
}

// Filter is the internal, closed representation of one wire filter
// object. The field set is closed; unrecognized keys are ignored
// (they are neither malformed nor constraining).
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   *int64
	Until   *int64
	Limit   *int
	Search  string
	HasSearch bool
	Tags    map[string]TagConstraint // keyed by the single-letter tag name
}

// ParseFilter decodes one wire filter object into a Filter. It returns an
// error for any recognized field carrying the wrong JSON type; the
// callers in internal/engine and internal/deck drop the whole filter
// without sending a NOTICE and proceed with the rest of the filter
// list — ParseFilter itself has no partial-success mode.
func ParseFilter(raw json.RawMessage) (*Filter, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("filter is not a JSON object: %w", err)
	}

	f := &Filter{Tags: map[string]TagConstraint{}}

	if v, ok := obj["ids"]; ok {
		if err := json.Unmarshal(v, &f.IDs); err != nil {
			return nil, fmt.Errorf("ids: %w", err)
		}
	}
	if v, ok := obj["authors"]; ok {
		if err := json.Unmarshal(v, &f.Authors); err != nil {
			return nil, fmt.Errorf("authors: %w", err)
		}
	}
	if v, ok := obj["kinds"]; ok {
		if err := json.Unmarshal(v, &f.Kinds); err != nil {
			return nil, fmt.Errorf("kinds: %w", err)
		}
	}
	if v, ok := obj["since"]; ok {
		var since int64
		if err := json.Unmarshal(v, &since); err != nil {
			return nil, fmt.Errorf("since: %w", err)
		}
		f.Since = &since
	}
	if v, ok := obj["until"]; ok {
		var until int64
		if err := json.Unmarshal(v, &until); err != nil {
			return nil, fmt.Errorf("until: %w", err)
		}
		f.Until = &until
	}
	if v, ok := obj["limit"]; ok {
		var limit int
		if err := json.Unmarshal(v, &limit); err != nil {
			return nil, fmt.Errorf("limit: %w", err)
		}
		f.Limit = &limit
	}
	if v, ok := obj["search"]; ok {
		if err := json.Unmarshal(v, &f.Search); err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}
		f.HasSearch = true
	}

	for key, v := range obj {
		if len(key) < 2 {
			continue
		}
		mode := key[0]
		name := key[1:]
		if mode != '#' && mode != '&' {
			continue
		}
		if len(name) != 1 {
			continue
		}
		var values []string
		if err := json.Unmarshal(v, &values); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		existing, had := f.Tags[name]
		and := mode == '&'
		if had {
			// Both "#x" and "&x" present for the same letter: keep both
			// constraints distinct by merging mode-sensitive behavior --
			// a second constraint for the same letter is rare in
			// practice; we require both to hold (AND across the two).
			existing.Values = append(existing.Values, values...)
			existing.AND = existing.AND || and
			f.Tags[name] = existing
			continue
		}
		f.Tags[name] = TagConstraint{Values: values, AND: and}
	}

	return f, nil
}

func containsPrefix(set []string, value string) bool {
	for _, p := range set {
		if len(p) == 64 {
			if p == value {
				return true
			}
			continue
		}
		if strings.HasPrefix(value, p) {
			return true
		}
	}
	return false
}

func containsInt(set []int, v int) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

// BasicMatch applies every filter constraint except search. The
// search step (8) lives in package search to avoid this package
// depending on tokenization concerns; engine combines the two.
func (f *Filter) BasicMatch(e *Event) bool {
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if len(f.IDs) > 0 && !containsPrefix(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsPrefix(f.Authors, e.PubKey) {
		return false
	}
	for name, constraint := range f.Tags {
		if constraint.AND {
			for _, want := range constraint.Values {
				if !e.HasTagValue(name, want) {
					return false
				}
			}
		} else {
			ok := false
			for _, want := range constraint.Values {
				if e.HasTagValue(name, want) {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
		}
	}
	return true
}
