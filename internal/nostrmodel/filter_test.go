// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package nostrmodel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilter_MalformedFieldErrors(t *testing.T) {
	_, err := ParseFilter(json.RawMessage(`{"kinds":"not-an-array"}`))
	assert.Error(t, err)
}

func TestParseFilter_UnrecognizedKeyIgnored(t *testing.T) {
	f, err := ParseFilter(json.RawMessage(`{"unknown_field":123}`))
	require.NoError(t, err)
	assert.Empty(t, f.Tags)
}

func TestFilter_PrefixMatching(t *testing.T) {
	e := &Event{ID: "abcd1234" + string(make([]byte, 56))}
	f, err := ParseFilter(json.RawMessage(`{"ids":["abcd"]}`))
	require.NoError(t, err)
	assert.True(t, f.BasicMatch(e))
}

func TestFilter_AndOrTags(t *testing.T) {
	e := &Event{Tags: []Tag{{"t", "a"}, {"t", "b"}}}

	orFilter, _ := ParseFilter(json.RawMessage(`{"#t":["a","z"]}`))
	assert.True(t, orFilter.BasicMatch(e))

	andFilter, _ := ParseFilter(json.RawMessage(`{"&t":["a","z"]}`))
	assert.False(t, andFilter.BasicMatch(e))

	andFilterOk, _ := ParseFilter(json.RawMessage(`{"&t":["a","b"]}`))
	assert.True(t, andFilterOk.BasicMatch(e))
}

func TestSortCanonical(t *testing.T) {
	events := []*Event{
		{ID: "b", CreatedAt: 1},
		{ID: "a", CreatedAt: 1},
		{ID: "z", CreatedAt: 2},
	}
	SortCanonical(events)
	assert.Equal(t, "z", events[0].ID)
	assert.Equal(t, "a", events[1].ID)
	assert.Equal(t, "b", events[2].ID)
}
