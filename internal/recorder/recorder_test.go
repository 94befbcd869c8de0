// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandwichfarm/cassette/internal/nostrmodel"
	"github.com/sandwichfarm/cassette/internal/registry"
)

type fakeCompiler struct {
	out   []byte
	err   error
	calls int
	got   [][]*nostrmodel.Event
}

func (f *fakeCompiler) Compile(_ context.Context, events []*nostrmodel.Event) ([]byte, error) {
	f.calls++
	snapshot := make([]*nostrmodel.Event, len(events))
	copy(snapshot, events)
	f.got = append(f.got, snapshot)
	return f.out, f.err
}

func id64(prefix string) string {
	for len(prefix) < 64 {
		prefix += "0"
	}
	return prefix[:64]
}

func mkEvent(idPrefix string, createdAt int64) *nostrmodel.Event {
	return &nostrmodel.Event{
		ID:        id64(idPrefix),
		PubKey:    id64("f"),
		CreatedAt: createdAt,
		Kind:      1,
		Content:   "hello",
		Sig:       id64("9") + id64("9"),
	}
}

func newTestRecorder(t *testing.T, thresholds Thresholds, compiler Compiler) (*Recorder, string) {
	t.Helper()
	dir := t.TempDir()
	rec, err := New(dir, thresholds, compiler, registry.New(dir), S3Config{})
	require.NoError(t, err)
	return rec, dir
}

func wasmFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.wasm"))
	require.NoError(t, err)
	return matches
}

func TestAppend_RotatesOnEventThreshold(t *testing.T) {
	compiler := &fakeCompiler{out: []byte("\x00asm-fake")}
	rec, dir := newTestRecorder(t, Thresholds{MaxEvents: 2}, compiler)

	require.NoError(t, rec.Append(context.Background(), mkEvent("aaa", 1)))
	assert.Empty(t, wasmFiles(t, dir), "below threshold: no rotation yet")

	require.NoError(t, rec.Append(context.Background(), mkEvent("bbb", 2)))

	files := wasmFiles(t, dir)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, compiler.out, data)
	assert.Equal(t, 0, rec.BufferedEvents())
	assert.Equal(t, 0, rec.FailureCount())
}

func TestRotate_HandsCompilerCanonicallySortedEvents(t *testing.T) {
	compiler := &fakeCompiler{out: []byte("\x00asm-fake")}
	rec, _ := newTestRecorder(t, Thresholds{}, compiler)

	older := mkEvent("aaa", 1)
	newer := mkEvent("bbb", 9)
	require.NoError(t, rec.Append(context.Background(), older))
	require.NoError(t, rec.Append(context.Background(), newer))

	require.NoError(t, rec.Rotate(context.Background()))
	require.Len(t, compiler.got, 1)
	require.Len(t, compiler.got[0], 2)
	assert.Equal(t, newer.ID, compiler.got[0][0].ID)
	assert.Equal(t, older.ID, compiler.got[0][1].ID)
}

func TestRotate_EmptyBufferIsNoop(t *testing.T) {
	compiler := &fakeCompiler{out: []byte("\x00asm-fake")}
	rec, dir := newTestRecorder(t, Thresholds{}, compiler)

	require.NoError(t, rec.Rotate(context.Background()))
	assert.Zero(t, compiler.calls)
	assert.Empty(t, wasmFiles(t, dir))
}

func TestRotate_CompileFailureKeepsBuffer(t *testing.T) {
	compiler := &fakeCompiler{err: fmt.Errorf("toolchain exploded")}
	rec, dir := newTestRecorder(t, Thresholds{}, compiler)

	require.NoError(t, rec.Append(context.Background(), mkEvent("aaa", 1)))
	require.NoError(t, rec.Append(context.Background(), mkEvent("bbb", 2)))

	err := rec.Rotate(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, rec.BufferedEvents(), "failed rotation must not lose events")
	assert.Equal(t, 1, rec.FailureCount())
	assert.Empty(t, wasmFiles(t, dir))

	// A later successful rotation clears the failure streak.
	compiler.err = nil
	compiler.out = []byte("\x00asm-fake")
	require.NoError(t, rec.Rotate(context.Background()))
	assert.Equal(t, 0, rec.FailureCount())
	assert.Len(t, wasmFiles(t, dir), 1)
}

func TestAppend_RejectsAfterPersistentRotationFailure(t *testing.T) {
	compiler := &fakeCompiler{err: fmt.Errorf("toolchain exploded")}
	rec, _ := newTestRecorder(t, Thresholds{MaxEvents: 1}, compiler)

	for i := 0; i < maxConsecutiveFailures; i++ {
		// Each append crosses the one-event threshold and fails to
		// rotate; the event stays buffered and the append succeeds.
		require.NoError(t, rec.Append(context.Background(), mkEvent(fmt.Sprintf("%02x", i), int64(i+1))))
	}
	assert.Equal(t, maxConsecutiveFailures, rec.FailureCount())

	err := rec.Append(context.Background(), mkEvent("ff", 99))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not accepting events")
}
