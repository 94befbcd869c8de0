// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sandwichfarm/cassette/internal/auth"
	"github.com/sandwichfarm/cassette/internal/config"
	"github.com/sandwichfarm/cassette/internal/deck"
	"github.com/sandwichfarm/cassette/internal/metrics"
	"github.com/sandwichfarm/cassette/internal/registry"
	"github.com/sandwichfarm/cassette/internal/wireserver"
	"github.com/sandwichfarm/cassette/pkg/log"
)

// runListen implements `listen <paths...>`: load the given .wasm
// files and serve NIP-01 on a configured bind address, read-only (no
// Recorder wired, so internal/deck.EVENT always rejects writes).
func runListen(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	addr := fs.String("addr", ":8080", "address to listen on")
	configPath := fs.String("config", "", "path to a JSON config file (optional)")
	gops := fs.Bool("gops", false, "enable the gops process-introspection agent")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	paths := fs.Args()
	if len(paths) == 0 {
		return fail("listen requires at least one .wasm path")
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return fail("%s", err.Error())
		}
		cfg = loaded
	}
	cfg.Addr = *addr
	log.SetLogLevel(cfg.LogLevel)

	stopGops := maybeStartGops(*gops)
	defer stopGops()

	reg := registry.New("")
	if err := reg.LoadExplicit(ctx, paths); err != nil {
		return fail("%s", err.Error())
	}

	d := deck.New(reg, nil)

	// The default registerer backs wireserver's /metrics handler.
	collectors := metrics.NewCollectors(prometheus.DefaultRegisterer)
	d.Metrics = collectors

	// listen's cassette set is a fixed argv list, not a watched
	// directory, so there is no periodic rescan job here — that belongs
	// to `deck`, which owns a directory the registry actually globs.

	var adminMiddleware mux.MiddlewareFunc
	var login http.HandlerFunc
	if !cfg.AdminAuth.Disabled {
		a, err := auth.New(cfg.AdminAuth)
		if err != nil {
			log.Warnf("listen: admin auth disabled: %s", err.Error())
		} else {
			adminMiddleware = a.Middleware
			login = a.Login
		}
	}

	srv := wireserver.New(d, reg, nil, collectors, wireserver.Config{
		Addr:          cfg.Addr,
		HttpsCertFile: cfg.HttpsCertFile,
		HttpsKeyFile:  cfg.HttpsKeyFile,
		AdminAuth:     adminMiddleware,
		Login:         login,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
	})

	log.Infof("listen: serving %d cassette(s) on %s", reg.Len(), cfg.Addr)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		fail("%s", err.Error())
		return exitFatal
	}
	return exitOK
}
