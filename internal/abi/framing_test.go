// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package abi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	payload := []byte(`["EOSE","s1"]`)
	framed := Encode(payload)
	decoded, err := Decode(framed)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestDecode_Truncated(t *testing.T) {
	_, err := Decode([]byte("MSG"))
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecode_BadMagic(t *testing.T) {
	buf := make([]byte, 8)
	copy(buf, "XXXX")
	_, err := Decode(buf)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeLegacy_FallsBackToNulTerminated(t *testing.T) {
	buf := append([]byte("hello"), 0, 'x')
	assert.Equal(t, []byte("hello"), DecodeLegacy(buf))
}

func TestDecodeLegacy_PrefersMSGB(t *testing.T) {
	framed := Encode([]byte("payload"))
	assert.Equal(t, []byte("payload"), DecodeLegacy(framed))
}

func TestArena_ReserveSizeRelease(t *testing.T) {
	a := NewArena(0)
	ptr := a.Reserve(16)
	assert.NotZero(t, ptr)
	assert.EqualValues(t, 16, a.Size(ptr))
	assert.Equal(t, 1, a.Live())
	a.Release(ptr)
	assert.Equal(t, 0, a.Live())
	assert.EqualValues(t, 0, a.Size(ptr))
}

func TestArena_ZeroSizeReserveReturnsNull(t *testing.T) {
	a := NewArena(0)
	assert.EqualValues(t, 0, a.Reserve(0))
}
