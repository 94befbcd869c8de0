// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package deck is the host-side multiplexer that turns a directory of
// loaded cassettes into a single NIP-01 relay surface:
// REQ fan-out across every registered cassette with cross-cassette
// dedup, CLOSE propagation, admission-checked writable EVENT handling,
// and per-connection backpressure. internal/wireserver drives the
// WebSocket loop and calls into this package; nothing here knows about
// HTTP or gorilla/websocket.
package deck

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sandwichfarm/cassette/internal/dedup"
	"github.com/sandwichfarm/cassette/internal/metrics"
	"github.com/sandwichfarm/cassette/internal/nostrmodel"
	"github.com/sandwichfarm/cassette/internal/registry"
	"github.com/sandwichfarm/cassette/pkg/log"
)

// Recorder is the writable-mode collaborator a deck appends admitted
// events to. internal/recorder implements this; Deck only depends on
// the interface so the two packages don't import each other.
type Recorder interface {
	Append(ctx context.Context, ev *nostrmodel.Event) error
}

// Registry is the subset of *registry.Registry a deck drives: a
// deterministic snapshot for REQ fan-out and a path lookup for CLOSE
// propagation. Tests substitute a fixed entry list.
type Registry interface {
	Snapshot() []*registry.Entry
	Get(path string) (*registry.Entry, bool)
}

// ScrubBudget bounds how long the host waits on a single cassette's
// scrub loop for one subscription before giving up on that cassette
// and moving on.
const ScrubBudget = 5 * time.Second

// Deck owns the cassette registry and the set of live connections that
// need to hear about newly admitted EVENTs in writable mode.
type Deck struct {
	Registry Registry
	Recorder Recorder            // nil in read-only "listen" mode
	Metrics  *metrics.Collectors // nil disables instrumentation

	mu    sync.RWMutex
	conns map[*Connection]struct{}
}

// New builds a Deck over an already-populated registry. Recorder may be
// nil for read-only serving.
func New(reg Registry, rec Recorder) *Deck {
	return &Deck{Registry: reg, Recorder: rec, conns: make(map[*Connection]struct{})}
}

// subscription is the host-level bookkeeping for one client REQ: which
// cassettes it was fanned out to (for CLOSE propagation). Its dedup
// cache lives on the Connection, keyed by subscription id.
type subscription struct {
	filters  []*nostrmodel.Filter
	paths    []string
	terminal bool
}

// Connection is one client's worth of subscription state. Callers (the
// WebSocket read loop) create one per accepted socket and must call
// Close when the socket goes away, which counts as CLOSE applied to
// every subscription the connection owns.
type Connection struct {
	deck *Deck
	out  chan []byte
	// limiter paces how often a full outbox is tolerated before the
	// client is declared too slow and dropped: cassettes are cheap and
	// deterministic, so the host prefers cancellation over backpressure.
	limiter *rate.Limiter

	// sendMu guards the outbox channel's lifecycle separately from mu:
	// replicate sends while holding mu, so the two must not be the same
	// lock.
	sendMu sync.Mutex
	closed bool

	mu    sync.Mutex
	subs  map[string]*subscription
	dedup *dedup.Tracker
}

// OutboxCapacity is the bounded per-connection queue depth beyond
// which a slow client is dropped rather than backpressuring cassette
// scrubs.
const OutboxCapacity = 256

// NewConnection registers a new connection against the deck. out is
// the channel the caller's write pump drains; Connection sends are
// non-blocking past OutboxCapacity (the caller should treat a closed
// or full outbox as "drop this client").
func (d *Deck) NewConnection() *Connection {
	c := &Connection{
		deck:    d,
		out:     make(chan []byte, OutboxCapacity),
		limiter: rate.NewLimiter(rate.Limit(10), 100), // tolerated overflow drops/sec before the client counts as slow
		subs:    make(map[string]*subscription),
		dedup:   dedup.New(dedup.DefaultCapacity),
	}
	d.mu.Lock()
	d.conns[c] = struct{}{}
	d.mu.Unlock()
	return c
}

// Outbox is the channel server→client frames are delivered on.
func (c *Connection) Outbox() <-chan []byte { return c.out }

// Deliver pushes a frame straight to the connection's outbox, for
// replies (like an EVENT's OK ack) that aren't scoped to a
// subscription id.
func (c *Connection) Deliver(frame []byte) { c.send(frame) }

// Close tears down every subscription the connection owns (a
// connection drop is CLOSE applied to each of them), then closes the
// outbox so the caller's write pump drains the remaining frames and
// exits. It is idempotent: the write path may already have dropped the
// client.
func (c *Connection) Close(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.CLOSE(ctx, id)
	}

	c.closeOutbox()

	c.deck.mu.Lock()
	delete(c.deck.conns, c)
	c.deck.mu.Unlock()
}

func (c *Connection) closeOutbox() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

// send enqueues a frame for the write pump. A full outbox is tolerated
// at the limiter's rate (the frame is dropped, the client kept — a
// re-scrub is cheap); once the outbox stays full faster than the
// limiter allows, the client is declared too slow, sent a best-effort
// NOTICE, and its outbox closed so the write pump tears the socket
// down.
func (c *Connection) send(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- frame:
		return true
	default:
	}
	if c.limiter.Allow() {
		return false
	}
	log.Warnf("deck: dropping slow client (outbox persistently full)")
	select {
	case c.out <- notice("slow client: closing connection"):
	default:
	}
	c.closed = true
	close(c.out)
	return false
}

func notice(reason string) []byte {
	out, _ := json.Marshal([]any{"NOTICE", reason})
	return out
}

// REQ fans raw (the exact client REQ bytes) out to every registered
// cassette, draining each cassette's scrub loop in its own goroutine
// and funneling EVENT frames into the connection's outbox, deduped
// against the subscription's seen-id cache. It emits a single EOSE
// once every cassette has signaled done, or returns early with a
// NOTICE on a malformed frame.
func (c *Connection) REQ(ctx context.Context, subid string, raw []byte) {
	filters, err := parseFilters(raw)
	if err != nil {
		c.send(notice(err.Error()))
		return
	}

	entries := c.deck.Registry.Snapshot()
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}

	c.mu.Lock()
	c.dedup.Reset(subid)
	c.subs[subid] = &subscription{filters: filters, paths: paths}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(e *registry.Entry) {
			defer wg.Done()
			c.drainCassette(ctx, subid, raw, e)
		}(entry)
	}
	wg.Wait()

	c.mu.Lock()
	sub, ok := c.subs[subid]
	if ok {
		sub.terminal = true
	}
	c.mu.Unlock()
	if !ok {
		return // CLOSE raced us; don't emit a stray EOSE
	}

	out, _ := json.Marshal([]any{"EOSE", subid})
	c.send(out)
}

// drainCassette repeatedly calls Scrub with the identical raw REQ
// bytes until the cassette signals EOSE/CLOSED or a scrub budget
// timeout elapses, relaying and deduping each EVENT along the way.
func (c *Connection) drainCassette(ctx context.Context, subid string, raw []byte, e *registry.Entry) {
	deadline := time.Now().Add(ScrubBudget)
	for {
		if time.Now().After(deadline) {
			log.Warnf("deck: scrub budget exceeded for %s subscription %s", e.Path, subid)
			return
		}
		start := time.Now()
		resp, err := e.Cassette.Scrub(ctx, raw)
		if m := c.deck.Metrics; m != nil {
			m.ScrubLatency.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			log.Warnf("deck: scrub error against %s: %s", e.Path, err.Error())
			c.send(notice(fmt.Sprintf("subscription %s failed against one source", subid)))
			return
		}
		if resp == nil {
			return // this cassette has nothing further for this call
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(resp, &frame); err != nil || len(frame) == 0 {
			continue
		}
		var cmd string
		json.Unmarshal(frame[0], &cmd)

		switch cmd {
		case "EVENT":
			if len(frame) < 3 {
				continue
			}
			var ev nostrmodel.Event
			if err := json.Unmarshal(frame[2], &ev); err != nil {
				continue
			}
			c.mu.Lock()
			dup := c.dedup.Seen(subid, ev.ID)
			c.mu.Unlock()
			if dup {
				if m := c.deck.Metrics; m != nil {
					m.DedupDrops.Inc()
				}
				continue
			}
			c.send(resp)
			continue
		case "EOSE", "CLOSED":
			return
		default:
			// NOTICE or anything else from this cassette's own parse
			// errors is per-cassette noise, not forwarded to the client
			// (the host's own REQ-level validation already ran).
			return
		}
	}
}

// CLOSE forwards CLOSE to every cassette the subscription was fanned
// out to and drops its dedup cache. A second CLOSE for the same subid
// yields a NOTICE, not a second CLOSED.
func (c *Connection) CLOSE(ctx context.Context, subid string) {
	c.mu.Lock()
	sub, ok := c.subs[subid]
	if ok {
		delete(c.subs, subid)
	}
	c.mu.Unlock()

	if !ok {
		c.send(notice(fmt.Sprintf("unknown subscription %s", subid)))
		return
	}

	raw, _ := json.Marshal([]any{"CLOSE", subid})
	for _, path := range sub.paths {
		if entry, ok := c.deck.Registry.Get(path); ok {
			entry.Cassette.Scrub(ctx, raw)
		}
	}
	c.dedup.Forget(subid)

	out, _ := json.Marshal([]any{"CLOSED", subid, ""})
	c.send(out)
}

// COUNT fans the COUNT frame out to every cassette advertising NIP-45
// and sums the results (not otherwise deduped: distinct cassettes
// holding the same event both contribute to their own count, since
// NIP-45 counts are inherently approximate across federated sources).
func (c *Connection) COUNT(ctx context.Context, subid string, raw []byte) {
	entries := c.deck.Registry.Snapshot()
	total := 0
	answered := false
	for _, e := range entries {
		resp, err := e.Cassette.Scrub(ctx, raw)
		if err != nil || resp == nil {
			continue
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(resp, &frame); err != nil || len(frame) < 3 {
			continue
		}
		var cmd string
		json.Unmarshal(frame[0], &cmd)
		if cmd != "COUNT" {
			continue
		}
		var body struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(frame[2], &body); err == nil {
			total += body.Count
			answered = true
		}
	}
	if !answered {
		c.send(notice("COUNT is not supported by any registered cassette"))
		return
	}
	out, _ := json.Marshal([]any{"COUNT", subid, map[string]int{"count": total}})
	c.send(out)
}

// EVENT validates an incoming EVENT frame structurally (signature
// verification stays out of scope), appends it to the deck's recorder
// when running in writable mode, and replicates it to every live
// subscription on every connection whose filters match (minus limit).
func (d *Deck) EVENT(ctx context.Context, ev *nostrmodel.Event) (ok bool, reason string) {
	if err := ev.Validate(); err != nil {
		return false, err.Error()
	}
	if d.Recorder == nil {
		return false, "this relay is read-only"
	}
	if err := d.Recorder.Append(ctx, ev); err != nil {
		return false, fmt.Sprintf("rotation buffer rejected event: %s", err.Error())
	}

	d.mu.RLock()
	conns := make([]*Connection, 0, len(d.conns))
	for conn := range d.conns {
		conns = append(conns, conn)
	}
	d.mu.RUnlock()

	for _, conn := range conns {
		conn.replicate(ev)
	}
	return true, ""
}

// replicate delivers ev to every subscription on c whose filters match
// it, keying the outgoing frame with that subscription's id.
func (c *Connection) replicate(ev *nostrmodel.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for subid, sub := range c.subs {
		if sub.terminal {
			continue
		}
		matched := false
		for _, f := range sub.filters {
			if f.BasicMatch(ev) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if c.dedup.Seen(subid, ev.ID) {
			continue
		}
		out, _ := json.Marshal([]any{"EVENT", subid, ev})
		c.send(out)
	}
}

func parseFilters(raw []byte) ([]*nostrmodel.Filter, error) {
	var f []json.RawMessage
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("malformed request: %s", err.Error())
	}
	if len(f) < 3 {
		return nil, fmt.Errorf("REQ requires a subscription id and at least one filter")
	}
	var filters []*nostrmodel.Filter
	for _, r := range f[2:] {
		filter, err := nostrmodel.ParseFilter(r)
		if err != nil {
			continue
		}
		filters = append(filters, filter)
	}
	if len(filters) == 0 {
		return nil, fmt.Errorf("no valid filters in REQ")
	}
	return filters, nil
}
