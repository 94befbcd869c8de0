// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics registers the Prometheus collectors the deck host
// exposes on /metrics: subscription counts, event throughput,
// dedup effectiveness, scrub latency, and rotation outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles every metric the deck host updates. Construct one
// with NewCollectors and register it with a prometheus.Registerer
// (typically prometheus.DefaultRegisterer, wired in cmd/cassette).
type Collectors struct {
	SubscriptionsActive prometheus.Gauge
	EventsEmitted       prometheus.Counter
	DedupDrops          prometheus.Counter
	ScrubLatency        prometheus.Histogram
	RotationsPerformed  prometheus.Counter
	RotationsFailed     prometheus.Counter
}

// NewCollectors builds and registers every collector under the
// "cassette" namespace.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cassette",
			Name:      "subscriptions_active",
			Help:      "Number of currently open REQ subscriptions across all connections.",
		}),
		EventsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cassette",
			Name:      "events_emitted_total",
			Help:      "Number of EVENT frames relayed to clients.",
		}),
		DedupDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cassette",
			Name:      "dedup_drops_total",
			Help:      "Number of duplicate events suppressed by the cross-cassette seen-id cache.",
		}),
		ScrubLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cassette",
			Name:      "scrub_latency_seconds",
			Help:      "Latency of a single scrub call into a cassette instance.",
			Buckets:   prometheus.DefBuckets,
		}),
		RotationsPerformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cassette",
			Name:      "rotations_performed_total",
			Help:      "Number of successful writable-deck rotations.",
		}),
		RotationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cassette",
			Name:      "rotations_failed_total",
			Help:      "Number of writable-deck rotations that failed to compile or install.",
		}),
	}

	reg.MustRegister(
		c.SubscriptionsActive,
		c.EventsEmitted,
		c.DedupDrops,
		c.ScrubLatency,
		c.RotationsPerformed,
		c.RotationsFailed,
	)
	return c
}
