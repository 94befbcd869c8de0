// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandwichfarm/cassette/internal/nostrmodel"
)

func id64(prefix byte) string {
	s := make([]byte, 64)
	for i := range s {
		s[i] = prefix
	}
	return string(s)
}

func mkEvent(idPrefix byte, createdAt int64, tags ...nostrmodel.Tag) *nostrmodel.Event {
	return &nostrmodel.Event{
		ID:        id64(idPrefix),
		PubKey:    id64('f'),
		CreatedAt: createdAt,
		Kind:      1,
		Tags:      tags,
		Content:   "hello world",
		Sig:       "00000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000",
	}
}

func decode(t *testing.T, raw []byte) []any {
	t.Helper()
	require.NotNil(t, raw)
	var out []any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func req(subid string, filters ...string) []byte {
	parts := append([]string{`"REQ"`, `"` + subid + `"`}, filters...)
	out := "["
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	out += "]"
	return []byte(out)
}

// Three events, plain REQ: canonical order, single EOSE.
func TestScrub_RoundTrip(t *testing.T) {
	a := mkEvent('a', 3)
	b := mkEvent('b', 2)
	c := mkEvent('c', 1)
	cas := New([]*nostrmodel.Event{c, a, b}, Info{}, Features{})

	r := req("s1", "{}")

	m1 := decode(t, cas.Scrub(r))
	assert.Equal(t, "EVENT", m1[0])
	assert.Equal(t, a.ID, m1[2].(map[string]any)["id"])

	m2 := decode(t, cas.Scrub(r))
	assert.Equal(t, b.ID, m2[2].(map[string]any)["id"])

	m3 := decode(t, cas.Scrub(r))
	assert.Equal(t, c.ID, m3[2].(map[string]any)["id"])

	m4 := decode(t, cas.Scrub(r))
	assert.Equal(t, []any{"EOSE", "s1"}, m4)

	assert.Nil(t, cas.Scrub(r))
}

// limit:1 yields only the newest event, then EOSE.
func TestScrub_Limit(t *testing.T) {
	a := mkEvent('a', 3)
	b := mkEvent('b', 2)
	c := mkEvent('c', 1)
	cas := New([]*nostrmodel.Event{c, a, b}, Info{}, Features{})

	r := req("s1", `{"limit":1}`)
	m1 := decode(t, cas.Scrub(r))
	assert.Equal(t, a.ID, m1[2].(map[string]any)["id"])

	m2 := decode(t, cas.Scrub(r))
	assert.Equal(t, []any{"EOSE", "s1"}, m2)
}

// OR (#t) vs AND (&t, NIP-119) tag semantics.
func TestScrub_TagOrAnd(t *testing.T) {
	e1 := mkEvent('a', 1, nostrmodel.Tag{"t", "value1"})
	e2 := mkEvent('b', 2, nostrmodel.Tag{"t", "value1"}, nostrmodel.Tag{"t", "value2"})
	cas := New([]*nostrmodel.Event{e1, e2}, Info{}, Features{})

	rOr := req("s1", `{"#t":["value1","value2"]}`)
	m1 := decode(t, cas.Scrub(rOr))
	m2 := decode(t, cas.Scrub(rOr))
	m3 := decode(t, cas.Scrub(rOr))
	assert.Equal(t, "EVENT", m1[0])
	assert.Equal(t, "EVENT", m2[0])
	assert.Equal(t, []any{"EOSE", "s1"}, m3)

	cas2 := New([]*nostrmodel.Event{e1, e2}, Info{}, Features{})
	rAnd := req("s1", `{"&t":["value1","value2"]}`)
	a1 := decode(t, cas2.Scrub(rAnd))
	assert.Equal(t, e2.ID, a1[2].(map[string]any)["id"])
	a2 := decode(t, cas2.Scrub(rAnd))
	assert.Equal(t, []any{"EOSE", "s1"}, a2)
}

// since is an inclusive lower bound on created_at.
func TestScrub_Since(t *testing.T) {
	old := mkEvent('a', 1741300000)
	mid := mkEvent('b', 1741400000)
	recent := mkEvent('c', 1741500000)
	cas := New([]*nostrmodel.Event{old, mid, recent}, Info{}, Features{})

	r := req("s1", `{"since":1741380000}`)
	m1 := decode(t, cas.Scrub(r))
	assert.Equal(t, recent.ID, m1[2].(map[string]any)["id"])
	m2 := decode(t, cas.Scrub(r))
	assert.Equal(t, mid.ID, m2[2].(map[string]any)["id"])
	m3 := decode(t, cas.Scrub(r))
	assert.Equal(t, []any{"EOSE", "s1"}, m3)
}

// CLOSE on an unknown subscription is a NOTICE, not a CLOSED.
func TestScrub_CloseUnknown(t *testing.T) {
	cas := New(nil, Info{}, Features{})
	out := decode(t, cas.Scrub([]byte(`["CLOSE","s1"]`)))
	assert.Equal(t, []any{"NOTICE", "unknown subscription s1"}, out)
}

func TestScrub_CloseIdempotent(t *testing.T) {
	a := mkEvent('a', 1)
	cas := New([]*nostrmodel.Event{a}, Info{}, Features{})
	cas.Scrub(req("s1", "{}")) // consume the one event
	cas.Scrub(req("s1", "{}")) // EOSE

	out1 := decode(t, cas.Scrub([]byte(`["CLOSE","s1"]`)))
	assert.Equal(t, "NOTICE", out1[0]) // already terminal via EOSE -> "already closed"

	out2 := decode(t, cas.Scrub([]byte(`["CLOSE","s1"]`)))
	assert.Equal(t, "NOTICE", out2[0])
}

func TestScrub_CloseBeforeEOSE(t *testing.T) {
	a := mkEvent('a', 1)
	b := mkEvent('b', 2)
	cas := New([]*nostrmodel.Event{a, b}, Info{}, Features{})
	cas.Scrub(req("s1", "{}")) // first event only

	out := decode(t, cas.Scrub([]byte(`["CLOSE","s1"]`)))
	assert.Equal(t, []any{"CLOSED", "s1", ""}, out)

	out2 := decode(t, cas.Scrub([]byte(`["CLOSE","s1"]`)))
	assert.Equal(t, "NOTICE", out2[0])
}

func TestScrub_MalformedFrame(t *testing.T) {
	cas := New(nil, Info{}, Features{})
	out := decode(t, cas.Scrub([]byte(`not json`)))
	assert.Equal(t, "NOTICE", out[0])
}

func TestScrub_UnknownCommand(t *testing.T) {
	cas := New(nil, Info{}, Features{})
	out := decode(t, cas.Scrub([]byte(`["BOGUS","x"]`)))
	assert.Equal(t, "NOTICE", out[0])
}

func TestScrub_CountEnabled(t *testing.T) {
	a := mkEvent('a', 1)
	b := mkEvent('b', 2)
	cas := New([]*nostrmodel.Event{a, b}, Info{}, Features{NIP45: true})
	out := decode(t, cas.Scrub([]byte(`["COUNT","s1",{}]`)))
	assert.Equal(t, "COUNT", out[0])
	counts := out[2].(map[string]any)
	assert.EqualValues(t, 2, counts["count"])
}

func TestScrub_CountDisabled(t *testing.T) {
	cas := New(nil, Info{}, Features{NIP45: false})
	out := decode(t, cas.Scrub([]byte(`["COUNT","s1",{}]`)))
	assert.Equal(t, "NOTICE", out[0])
}

func TestScrub_InvalidFilterFieldDiscardsOnlyThatFilter(t *testing.T) {
	a := mkEvent('a', 1)
	cas := New([]*nostrmodel.Event{a}, Info{}, Features{})
	// "kinds" is a string instead of an array: that filter is discarded,
	// the second (empty, matches all) filter proceeds.
	out := decode(t, cas.Scrub(req("s1", `{"kinds":"nope"}`, `{}`)))
	assert.Equal(t, "EVENT", out[0])
}

// When search is active, limit selects the top-scored N matches, not
// merely the first N encountered in canonical (created_at desc) order.
func TestScrub_SearchLimitPicksTopScored(t *testing.T) {
	newest := mkEvent('a', 3) // canonical-first, but no search hit
	newest.Content = "irrelevant"
	weak := mkEvent('b', 2, nostrmodel.Tag{"t", "gm"}) // content + t tag: scores 4
	weak.Content = "gm"
	strong := mkEvent('c', 1, nostrmodel.Tag{"t", "gm"}) // oldest but highest score
	strong.Content = "gm gm gm"

	cas := New([]*nostrmodel.Event{newest, weak, strong}, Info{}, Features{NIP50: true})
	out := decode(t, cas.Scrub(req("s1", `{"search":"gm","limit":1}`)))
	assert.Equal(t, strong.ID, out[2].(map[string]any)["id"])

	eose := decode(t, cas.Scrub(req("s1", `{"search":"gm","limit":1}`)))
	assert.Equal(t, []any{"EOSE", "s1"}, eose)
}

func TestInfo_DisabledReturnsStub(t *testing.T) {
	cas := New(nil, Info{Name: "secret"}, Features{NIP11: false})
	var doc map[string]any
	require.NoError(t, json.Unmarshal(cas.Info(), &doc))
	assert.Nil(t, doc["name"])
}

func TestSetInfo_OnlyAllowedKeys(t *testing.T) {
	cas := New(nil, Info{}, Features{NIP11: true})
	require.NoError(t, cas.SetInfo([]byte(`{"name":"new-name","software":"evil"}`)))
	var doc Info
	require.NoError(t, json.Unmarshal(cas.Info(), &doc))
	assert.Equal(t, "new-name", doc.Name)
	assert.Equal(t, "", doc.Software)
}

func TestMemoryConservation_CycleCountStable(t *testing.T) {
	a := mkEvent('a', 1)
	cas := New([]*nostrmodel.Event{a}, Info{}, Features{})
	for i := 0; i < 50; i++ {
		cas.Scrub(req("s1", "{}"))
		cas.Scrub(req("s1", "{}")) // EOSE
		cas.Scrub([]byte(`["CLOSE","s1"]`))
	}
	assert.Len(t, cas.subs, 1) // one entry reused, not leaked per cycle
}
