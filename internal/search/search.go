// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package search implements the NIP-50 free-text query language the
// engine's scrub loop uses to score and rank candidate events when a
// filter sets `search`.
package search

import (
	"regexp"
	"strings"

	"github.com/sandwichfarm/cassette/internal/nostrmodel"
)

// contentWeight, tagWeight, and tTagWeight are the per-token-hit
// weights: content tokens count 1, tag values 2, explicit t-tag
// matches 3.
const (
	contentWeight = 1
	tagWeight     = 2
	tTagWeight    = 3
)

var punctuation = regexp.MustCompile(`[^\w\s:]+`)
var extensionPattern = regexp.MustCompile(`^([a-z][a-z0-9_]*):(\S+)$`)

// Query is a parsed NIP-50 search expression: the free-text terms to
// score against, plus any `key:value` extensions pulled out of the raw
// string.
type Query struct {
	Terms      []string
	Extensions map[string]string
}

// Parse tokenizes raw: lowercase, strip punctuation,
// split on whitespace, and extract any `key:value` extensions before
// the remaining tokens become search terms.
func Parse(raw string) *Query {
	q := &Query{Extensions: make(map[string]string)}

	lowered := strings.ToLower(raw)
	for _, field := range strings.Fields(lowered) {
		if m := extensionPattern.FindStringSubmatch(field); m != nil {
			q.Extensions[m[1]] = m[2]
			continue
		}
		cleaned := punctuation.ReplaceAllString(field, "")
		if cleaned == "" {
			continue
		}
		q.Terms = append(q.Terms, cleaned)
	}
	return q
}

// Score computes e's relevance to q. A score of 0 means the event does
// not match and the filter step rejects it. An event
// that fails one of q's extension constraints always scores 0,
// regardless of how many terms it otherwise matches.
func (q *Query) Score(e *nostrmodel.Event) int {
	if !q.satisfiesExtensions(e) {
		return 0
	}
	if len(q.Terms) == 0 {
		return 0
	}

	score := 0
	contentTokens := tokenize(e.Content)
	for _, term := range q.Terms {
		score += contentWeight * countOccurrences(contentTokens, term)
	}

	for _, tag := range e.Tags {
		if len(tag) < 2 {
			continue
		}
		valueTokens := tokenize(tag.Value())
		weight := tagWeight
		if tag.Name() == "t" {
			weight = tTagWeight
		}
		for _, term := range q.Terms {
			score += weight * countOccurrences(valueTokens, term)
		}
	}
	return score
}

// satisfiesExtensions checks every key:value extension against the
// event's tags (e.g. "language:en" against an `l` tag, "domain:x" against
// a `domain`-named tag). An extension naming a tag the event doesn't
// carry at all is treated as non-restrictive: this search engine has no
// independent source of that metadata, so it does not manufacture a
// rejection for a claim it cannot evaluate.
func (q *Query) satisfiesExtensions(e *nostrmodel.Event) bool {
	for key, want := range q.Extensions {
		tagName := extensionTagName(key)
		found := false
		matched := false
		for _, tag := range e.Tags {
			if tag.Name() != tagName {
				continue
			}
			found = true
			if strings.EqualFold(tag.Value(), want) {
				matched = true
				break
			}
		}
		if found && !matched {
			return false
		}
	}
	return true
}

// extensionTagName maps a NIP-50 extension key to the tag name carrying
// that metadata; unrecognized keys are assumed to share their own name.
func extensionTagName(key string) string {
	switch key {
	case "language":
		return "l"
	default:
		return key
	}
}

func tokenize(s string) []string {
	lowered := strings.ToLower(s)
	cleaned := punctuation.ReplaceAllString(lowered, " ")
	return strings.Fields(cleaned)
}

func countOccurrences(tokens []string, term string) int {
	n := 0
	for _, t := range tokens {
		if t == term {
			n++
		}
	}
	return n
}
