// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_StartsEmpty(t *testing.T) {
	r := New(t.TempDir())
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Snapshot())
}

func TestRescan_EmptyDirectoryStaysEmpty(t *testing.T) {
	r := New(t.TempDir())
	assert.NoError(t, r.Rescan(context.Background()))
	assert.Equal(t, 0, r.Len())
}

func TestLoadExplicit_MissingPathErrors(t *testing.T) {
	r := New(t.TempDir())
	err := r.LoadExplicit(context.Background(), []string{"/nonexistent/cassette.wasm"})
	assert.Error(t, err)
}

func TestGet_UnknownPathNotFound(t *testing.T) {
	r := New(t.TempDir())
	_, ok := r.Get("/never/registered.wasm")
	assert.False(t, ok)
}
