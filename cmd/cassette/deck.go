// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sandwichfarm/cassette/internal/auth"
	"github.com/sandwichfarm/cassette/internal/bus"
	"github.com/sandwichfarm/cassette/internal/config"
	"github.com/sandwichfarm/cassette/internal/deck"
	"github.com/sandwichfarm/cassette/internal/metrics"
	"github.com/sandwichfarm/cassette/internal/nostrmodel"
	"github.com/sandwichfarm/cassette/internal/policy"
	"github.com/sandwichfarm/cassette/internal/recorder"
	"github.com/sandwichfarm/cassette/internal/registry"
	"github.com/sandwichfarm/cassette/internal/schedule"
	"github.com/sandwichfarm/cassette/internal/wireserver"
	"github.com/sandwichfarm/cassette/pkg/log"
)

// runDeck implements `deck <dir>`: watch dir, load every cassette, and
// serve them. EVENTs are accepted (admission policy, rotation
// thresholds, rotation notices over NATS) only when the config sets
// writable; otherwise the deck is read-only.
func runDeck(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("deck", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a JSON config file")
	compilerPath := fs.String("compiler", "", "path to the external cassette-compiler binary")
	gops := fs.Bool("gops", false, "enable the gops process-introspection agent")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	dirArgs := fs.Args()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return fail("%s", err.Error())
		}
		cfg = loaded
	}
	if len(dirArgs) > 0 {
		cfg.CassetteDir = dirArgs[0]
	}
	log.SetLogLevel(cfg.LogLevel)

	stopGops := maybeStartGops(*gops)
	defer stopGops()

	pol, err := policy.Compile(cfg.PolicyRules)
	if err != nil {
		return fail("%s", err.Error())
	}

	reg := registry.New(cfg.CassetteDir)
	if err := reg.Rescan(ctx); err != nil {
		return fail("deck: initial rescan: %s", err.Error())
	}
	if err := reg.Watch(ctx); err != nil {
		return fail("deck: %s", err.Error())
	}
	defer reg.Close(ctx)

	messageBus := bus.NewDisabled()
	if cfg.Nats.Address != "" {
		messageBus, err = bus.New(cfg.Nats)
		if err != nil {
			return fail("%s", err.Error())
		}
		defer messageBus.Close()
		messageBus.SubscribeRotations(func(n bus.RotationNotice) {
			log.Infof("deck: sibling rotated %s (fingerprint %s)", n.Path, n.Fingerprint)
			if err := reg.Rescan(ctx); err != nil {
				log.Warnf("deck: rescan after sibling rotation notice: %s", err.Error())
			}
		})
	}

	var rec *recorder.Recorder
	if cfg.Writable {
		if *compilerPath == "" {
			return fail("deck: writable mode requires -compiler <path>")
		}
		compiler := &recorder.ExecCompiler{BinaryPath: *compilerPath}
		rec, err = recorder.New(cfg.CassetteDir, cfg.Rotation, compiler, reg, cfg.S3)
		if err != nil {
			return fail("%s", err.Error())
		}
		rec.OnRotate(messageBus.PublishRotation)
	}

	d := deck.New(reg, &policyRecorder{rec: rec, policy: pol})

	// The default registerer backs wireserver's /metrics handler.
	collectors := metrics.NewCollectors(prometheus.DefaultRegisterer)
	d.Metrics = collectors
	if rec != nil {
		rec.Metrics = collectors
	}

	sch, err := schedule.Start(ctx, reg, nil, rec, schedule.Options{
		RescanInterval:     30 * time.Second,
		RotationRetryEvery: time.Minute,
		MaxRotationRetries: 5,
	})
	if err != nil {
		return fail("%s", err.Error())
	}
	defer sch.Stop()

	var adminMiddleware mux.MiddlewareFunc
	var login http.HandlerFunc
	if !cfg.AdminAuth.Disabled {
		a, err := auth.New(cfg.AdminAuth)
		if err != nil {
			log.Warnf("deck: admin auth disabled: %s", err.Error())
		} else {
			adminMiddleware = a.Middleware
			login = a.Login
		}
	}

	srv := wireserver.New(d, reg, rec, collectors, wireserver.Config{
		Addr:          cfg.Addr,
		HttpsCertFile: cfg.HttpsCertFile,
		HttpsKeyFile:  cfg.HttpsKeyFile,
		AdminAuth:     adminMiddleware,
		Login:         login,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
	})

	mode := "read-only"
	if cfg.Writable {
		mode = "writable"
	}
	log.Infof("deck: serving %d cassette(s) from %s on %s (%s)", reg.Len(), cfg.CassetteDir, cfg.Addr, mode)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		fail("%s", err.Error())
		return exitFatal
	}
	return exitOK
}

// policyRecorder adapts internal/recorder.Recorder into internal/deck's
// narrower Recorder interface, running the operator's admission policy
// ahead of the append. A nil rec (a read-only deck, whose config
// does not set writable) makes Append always reject, matching
// internal/deck's behavior when no Recorder is wired at all.
type policyRecorder struct {
	rec    *recorder.Recorder
	policy *policy.Policy
}

func (p *policyRecorder) Append(ctx context.Context, ev *nostrmodel.Event) error {
	if p.rec == nil {
		return fmt.Errorf("this relay is read-only")
	}
	if ok, reason := p.policy.Evaluate(ev); !ok {
		return fmt.Errorf("%s", reason)
	}
	return p.rec.Append(ctx, ev)
}
