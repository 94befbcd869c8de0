// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package deck

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandwichfarm/cassette/internal/engine"
	"github.com/sandwichfarm/cassette/internal/nostrmodel"
	"github.com/sandwichfarm/cassette/internal/registry"
)

// engineInstance satisfies registry.Instance by driving a real
// in-process engine.Cassette, so these tests exercise the same state
// machine a compiled cassette runs, minus the wasm boundary.
type engineInstance struct {
	path string
	cas  *engine.Cassette
}

func (e *engineInstance) Scrub(_ context.Context, req []byte) ([]byte, error) {
	return e.cas.Scrub(req), nil
}
func (e *engineInstance) Info(context.Context) ([]byte, error)    { return e.cas.Info(), nil }
func (e *engineInstance) SetInfo(_ context.Context, p []byte) error { return e.cas.SetInfo(p) }
func (e *engineInstance) Fingerprint() string                     { return "fp-" + e.path }
func (e *engineInstance) Path() string                            { return e.path }
func (e *engineInstance) IsLegacy() bool                          { return false }
func (e *engineInstance) Close(context.Context) error             { return nil }

type fakeRegistry struct {
	entries []*registry.Entry
}

func (f *fakeRegistry) Snapshot() []*registry.Entry { return f.entries }

func (f *fakeRegistry) Get(path string) (*registry.Entry, bool) {
	for _, e := range f.entries {
		if e.Path == path {
			return e, true
		}
	}
	return nil, false
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

func newDeck(t *testing.T, rec Recorder, eventSets ...[]*nostrmodel.Event) *Deck {
	t.Helper()
	reg := &fakeRegistry{}
	for i, events := range eventSets {
		path := fmt.Sprintf("cassette-%d.wasm", i)
		inst := &engineInstance{
			path: path,
			cas:  engine.New(events, engine.Info{}, engine.Features{NIP45: true}),
		}
		reg.entries = append(reg.entries, &registry.Entry{
			Path:        path,
			Fingerprint: inst.Fingerprint(),
			EventCount:  len(events),
			Cassette:    inst,
		})
	}
	return New(reg, rec)
}

// drain reads every frame currently buffered in the outbox, returning
// once the outbox is empty or closed.
func drain(t *testing.T, c *Connection) [][]any {
	t.Helper()
	var frames [][]any
	for {
		select {
		case raw, ok := <-c.Outbox():
			if !ok {
				return frames
			}
			var frame []any
			require.NoError(t, json.Unmarshal(raw, &frame))
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func eventIDs(frames [][]any) []string {
	var ids []string
	for _, f := range frames {
		if f[0] == "EVENT" {
			ids = append(ids, f[2].(map[string]any)["id"].(string))
		}
	}
	return ids
}

func countCmd(frames [][]any, cmd string) int {
	n := 0
	for _, f := range frames {
		if f[0] == cmd {
			n++
		}
	}
	return n
}

// Two cassettes holding the same event yield one EVENT frame and one
// EOSE.
func TestREQ_DedupsAcrossCassettes(t *testing.T) {
	shared := mkEvent("eee", 5)
	onlyA := mkEvent("aaa", 3)
	d := newDeck(t, nil,
		[]*nostrmodel.Event{shared, onlyA},
		[]*nostrmodel.Event{shared},
	)
	c := d.NewConnection()
	defer c.Close(context.Background())

	c.REQ(context.Background(), "s1", []byte(`["REQ","s1",{}]`))

	frames := drain(t, c)
	assert.ElementsMatch(t, []string{shared.ID, onlyA.ID}, eventIDs(frames))
	assert.Equal(t, 1, countCmd(frames, "EOSE"))
	assert.Equal(t, "EOSE", frames[len(frames)-1][0], "EOSE must come after every EVENT")
}

func TestREQ_MalformedYieldsNotice(t *testing.T) {
	d := newDeck(t, nil, nil)
	c := d.NewConnection()
	defer c.Close(context.Background())

	c.REQ(context.Background(), "s1", []byte(`["REQ","s1"]`))

	frames := drain(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, "NOTICE", frames[0][0])
}

func TestCLOSE_UnknownSubscriptionYieldsNotice(t *testing.T) {
	d := newDeck(t, nil, nil)
	c := d.NewConnection()
	defer c.Close(context.Background())

	c.CLOSE(context.Background(), "nope")

	frames := drain(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, "NOTICE", frames[0][0])
	assert.Equal(t, 0, countCmd(frames, "CLOSED"))
}

func TestCLOSE_SecondCloseIsNotice(t *testing.T) {
	d := newDeck(t, nil, []*nostrmodel.Event{mkEvent("aaa", 1)})
	c := d.NewConnection()
	defer c.Close(context.Background())

	c.REQ(context.Background(), "s1", []byte(`["REQ","s1",{}]`))
	drain(t, c)

	c.CLOSE(context.Background(), "s1")
	frames := drain(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, "CLOSED", frames[0][0])

	c.CLOSE(context.Background(), "s1")
	frames = drain(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, "NOTICE", frames[0][0])
}

func TestCOUNT_SumsAcrossCassettes(t *testing.T) {
	d := newDeck(t, nil,
		[]*nostrmodel.Event{mkEvent("aaa", 1), mkEvent("bbb", 2)},
		[]*nostrmodel.Event{mkEvent("ccc", 3)},
	)
	c := d.NewConnection()
	defer c.Close(context.Background())

	c.COUNT(context.Background(), "s1", []byte(`["COUNT","s1",{}]`))

	frames := drain(t, c)
	require.Len(t, frames, 1)
	require.Equal(t, "COUNT", frames[0][0])
	assert.EqualValues(t, 3, frames[0][2].(map[string]any)["count"])
}

type captureRecorder struct {
	events []*nostrmodel.Event
}

func (r *captureRecorder) Append(_ context.Context, ev *nostrmodel.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func TestEVENT_ReadOnlyDeckRejects(t *testing.T) {
	d := newDeck(t, nil, nil)
	ok, reason := d.EVENT(context.Background(), mkEvent("aaa", 1))
	assert.False(t, ok)
	assert.Contains(t, reason, "read-only")
}

func TestEVENT_StructurallyInvalidRejected(t *testing.T) {
	d := newDeck(t, &captureRecorder{}, nil)
	bad := mkEvent("aaa", 1)
	bad.PubKey = "too-short"
	ok, reason := d.EVENT(context.Background(), bad)
	assert.False(t, ok)
	assert.Contains(t, reason, "pubkey")
}

func TestEVENT_AppendsAndReplicatesToLiveSubscription(t *testing.T) {
	rec := &captureRecorder{}
	d := newDeck(t, rec, nil)
	c := d.NewConnection()
	defer c.Close(context.Background())

	// A mid-drain subscription (not yet terminal) with a match-all
	// filter; writable mode replicates admitted events to it, minus
	// limit.
	matchAll, err := nostrmodel.ParseFilter(json.RawMessage(`{}`))
	require.NoError(t, err)
	c.mu.Lock()
	c.subs["live"] = &subscription{filters: []*nostrmodel.Filter{matchAll}}
	c.mu.Unlock()

	ev := mkEvent("abc", 7)
	ok, reason := d.EVENT(context.Background(), ev)
	require.True(t, ok, reason)
	require.Len(t, rec.events, 1)

	frames := drain(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, "EVENT", frames[0][0])
	assert.Equal(t, "live", frames[0][1])

	// The seen-id cache suppresses the duplicate a rotation replay
	// would otherwise produce.
	ok, _ = d.EVENT(context.Background(), ev)
	require.True(t, ok)
	assert.Empty(t, drain(t, c))
}

func TestEVENT_TerminalSubscriptionNotReplicated(t *testing.T) {
	rec := &captureRecorder{}
	d := newDeck(t, rec, nil)
	c := d.NewConnection()
	defer c.Close(context.Background())

	matchAll, err := nostrmodel.ParseFilter(json.RawMessage(`{}`))
	require.NoError(t, err)
	c.mu.Lock()
	c.subs["done"] = &subscription{filters: []*nostrmodel.Filter{matchAll}, terminal: true}
	c.mu.Unlock()

	ok, _ := d.EVENT(context.Background(), mkEvent("abc", 7))
	require.True(t, ok)
	assert.Empty(t, drain(t, c))
}

// Past the bounded outbox the slow client is dropped, not
// backpressured — the outbox channel closes so the write pump tears
// the socket down.
func TestSlowClientOutboxCloses(t *testing.T) {
	var events []*nostrmodel.Event
	for i := 0; i < OutboxCapacity+200; i++ {
		events = append(events, mkEvent(fmt.Sprintf("%04x", i), int64(i+1)))
	}
	d := newDeck(t, nil, events)
	c := d.NewConnection()

	// Nobody drains the outbox: the overflow budget (limiter burst)
	// runs out and the connection is dropped mid-REQ.
	c.REQ(context.Background(), "s1", []byte(`["REQ","s1",{}]`))

	closed := false
	received := 0
	for {
		_, ok := <-c.Outbox()
		if !ok {
			closed = true
			break
		}
		received++
	}
	assert.True(t, closed)
	assert.LessOrEqual(t, received, OutboxCapacity+1)
}
