// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package bus publishes and subscribes to cassette rotation notices
// over NATS: when a deck-host process rotates a new
// cassette into its watch directory, it publishes on RotationSubject
// so sibling deck-host processes sharing that directory over a network
// filesystem can hot-reload without relying solely on fsnotify, which
// can miss events on some network mounts. This is additive: fsnotify
// plus the registry's periodic re-enumeration remains authoritative.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sandwichfarm/cassette/pkg/log"
	"github.com/sandwichfarm/cassette/pkg/nats"
)

// RotationSubject is the NATS subject rotation notices are published
// on.
const RotationSubject = "cassette.rotated"

// RotationNotice is the payload published after a successful rotation.
type RotationNotice struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
	RotatedAt   int64  `json:"rotated_at"`
}

// Bus wraps a pkg/nats.Client with the rotation-notice concern. A nil
// *Bus (returned by NewDisabled) makes every method a no-op, so callers
// don't need to branch on whether NATS was configured.
type Bus struct {
	client *nats.Client
}

// New connects to NATS using cfg and returns a Bus publishing/
// subscribing on RotationSubject.
func New(cfg nats.NatsConfig) (*Bus, error) {
	client, err := nats.NewClient(&cfg)
	if err != nil {
		return nil, fmt.Errorf("bus: %w", err)
	}
	return &Bus{client: client}, nil
}

// NewDisabled returns a Bus with no backing connection; every method
// becomes a no-op. Used when the operator hasn't configured NATS.
func NewDisabled() *Bus { return nil }

// PublishRotation announces that path was just rotated into the watch
// directory with the given content fingerprint.
func (b *Bus) PublishRotation(path, fingerprint string) {
	if b == nil || b.client == nil {
		return
	}
	notice := RotationNotice{Path: path, Fingerprint: fingerprint, RotatedAt: time.Now().Unix()}
	data, err := json.Marshal(notice)
	if err != nil {
		log.Warnf("bus: marshal rotation notice: %s", err.Error())
		return
	}
	if err := b.client.Publish(RotationSubject, data); err != nil {
		log.Warnf("bus: publish rotation notice: %s", err.Error())
	}
}

// SubscribeRotations registers handler to be called for every rotation
// notice this process hears about from a sibling deck-host.
func (b *Bus) SubscribeRotations(handler func(RotationNotice)) error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Subscribe(RotationSubject, func(_ string, data []byte) {
		var notice RotationNotice
		if err := json.Unmarshal(data, &notice); err != nil {
			log.Warnf("bus: malformed rotation notice: %s", err.Error())
			return
		}
		handler(notice)
	})
}

// Close releases the underlying NATS connection, if any.
func (b *Bus) Close() {
	if b == nil || b.client == nil {
		return
	}
	b.client.Close()
}
