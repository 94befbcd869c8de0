// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandwichfarm/cassette/internal/nostrmodel"
)

func TestParse_ExtractsExtensions(t *testing.T) {
	q := Parse("hello language:en world")
	assert.Equal(t, []string{"hello", "world"}, q.Terms)
	assert.Equal(t, "en", q.Extensions["language"])
}

func TestParse_LowercasesAndStripsPunctuation(t *testing.T) {
	q := Parse("Hello, World!!")
	assert.Equal(t, []string{"hello", "world"}, q.Terms)
}

func TestScore_WeightsContentTagAndTTagDifferently(t *testing.T) {
	q := Parse("gm")

	content := &nostrmodel.Event{Content: "gm gm"}
	assert.Equal(t, 2, q.Score(content))

	tagged := &nostrmodel.Event{Tags: []nostrmodel.Tag{{"subject", "gm"}}}
	assert.Equal(t, 2, q.Score(tagged))

	tTagged := &nostrmodel.Event{Tags: []nostrmodel.Tag{{"t", "gm"}}}
	assert.Equal(t, 3, q.Score(tTagged))
}

func TestScore_NoMatchIsZero(t *testing.T) {
	q := Parse("gm")
	ev := &nostrmodel.Event{Content: "irrelevant"}
	assert.Equal(t, 0, q.Score(ev))
}

func TestScore_ExtensionMismatchRejects(t *testing.T) {
	q := Parse("gm language:en")
	require.Equal(t, "en", q.Extensions["language"])

	wrongLang := &nostrmodel.Event{
		Content: "gm",
		Tags:    []nostrmodel.Tag{{"l", "fr"}},
	}
	assert.Equal(t, 0, q.Score(wrongLang))

	rightLang := &nostrmodel.Event{
		Content: "gm",
		Tags:    []nostrmodel.Tag{{"l", "en"}},
	}
	assert.Greater(t, q.Score(rightLang), 0)
}

func TestScore_ExtensionForAbsentTagIsNonRestrictive(t *testing.T) {
	q := Parse("gm domain:example.com")
	ev := &nostrmodel.Event{Content: "gm"}
	assert.Greater(t, q.Score(ev), 0)
}
