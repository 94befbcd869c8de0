// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package schedule runs the deck host's periodic maintenance jobs with
// go-co-op/gocron: a belt-and-suspenders registry
// re-enumeration alongside fsnotify, seen-id cache pressure logging,
// and a rotation retry that runs at a fixed interval (the interval does
// not grow between attempts).
package schedule

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/sandwichfarm/cassette/internal/dedup"
	"github.com/sandwichfarm/cassette/internal/recorder"
	"github.com/sandwichfarm/cassette/internal/registry"
	"github.com/sandwichfarm/cassette/pkg/log"
)

// Rescanner is the subset of *registry.Registry schedule needs,
// narrowed to ease testing with a fake.
type Rescanner interface {
	Rescan(ctx context.Context) error
}

// Scheduler owns the gocron scheduler and every registered job.
type Scheduler struct {
	gocron.Scheduler
}

// Options configures which jobs Start registers and at what cadence.
// RescanInterval and DedupGCInterval fall back to a default when zero;
// a zero RotationRetryEvery disables the retry job.
type Options struct {
	RescanInterval     time.Duration // default 30s if zero
	DedupGCInterval    time.Duration // default 5m if zero
	RotationRetryEvery time.Duration // 0 disables
	MaxRotationRetries int           // past this many consecutive failures, only log; 0 never gives up
}

// Start builds and starts a gocron scheduler running the given jobs.
// reg drives the fallback rescan, tracker is logged for cache pressure,
// and rec (may be nil in read-only mode) drives the rotation retry.
func Start(ctx context.Context, reg *registry.Registry, tracker *dedup.Tracker, rec *recorder.Recorder, opts Options) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	sch := &Scheduler{Scheduler: s}

	rescanEvery := opts.RescanInterval
	if rescanEvery <= 0 {
		rescanEvery = 30 * time.Second
	}
	if _, err := s.NewJob(
		gocron.DurationJob(rescanEvery),
		gocron.NewTask(func() {
			if err := reg.Rescan(ctx); err != nil {
				log.Warnf("schedule: periodic registry rescan: %s", err.Error())
			}
		}),
	); err != nil {
		return nil, err
	}

	if tracker != nil {
		gcEvery := opts.DedupGCInterval
		if gcEvery <= 0 {
			gcEvery = 5 * time.Minute
		}
		if _, err := s.NewJob(
			gocron.DurationJob(gcEvery),
			gocron.NewTask(func() {
				log.Debugf("schedule: %d subscriptions hold a live dedup cache", tracker.Len())
			}),
		); err != nil {
			return nil, err
		}
	}

	if rec != nil && opts.RotationRetryEvery > 0 {
		if _, err := s.NewJob(
			gocron.DurationJob(opts.RotationRetryEvery),
			gocron.NewTask(func() {
				failures := rec.FailureCount()
				if failures == 0 {
					return
				}
				if opts.MaxRotationRetries > 0 && failures > opts.MaxRotationRetries {
					log.Errorf("schedule: rotation has failed %d times consecutively, giving up until operator intervenes", failures)
					return
				}
				log.Warnf("schedule: retrying rotation after %d consecutive failures", failures)
				if err := rec.Rotate(ctx); err != nil {
					log.Warnf("schedule: rotation retry failed: %s", err.Error())
				}
			}),
		); err != nil {
			return nil, err
		}
	}

	s.Start()
	return sch, nil
}

// Stop gracefully shuts the scheduler down.
func (s *Scheduler) Stop() error {
	return s.Scheduler.Shutdown()
}
