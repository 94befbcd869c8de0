// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command cassette is the deck/relay host: it drives loaded
// cassettes through the ABI and exposes NIP-01 over WebSocket, in three
// modes dispatched as subcommands from a single binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gops/agent"
	"github.com/joho/godotenv"

	"github.com/sandwichfarm/cassette/pkg/log"
)

func main() {
	os.Exit(run())
}

func run() int {
	// A missing .env is not an error: operators who keep S3/NATS
	// credentials in the environment directly never need one.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("cassette: .env: %s", err.Error())
	}

	if len(os.Args) < 2 {
		usage()
		return 1
	}

	sub, args := os.Args[1], os.Args[2:]

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch sub {
	case "listen":
		return runListen(ctx, args)
	case "play":
		return runPlay(ctx, args)
	case "deck":
		return runDeck(ctx, args)
	case "-h", "-help", "--help", "help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "cassette: unknown subcommand %q\n", sub)
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: cassette <subcommand> [flags]

subcommands:
  listen <paths...>   load the given .wasm cassettes and serve NIP-01 on a bind address
  play <path> <json>  run a single REQ against one cassette, print JSONL, exit on EOSE
  deck <dir>           watch dir, load every cassette, and serve (writable when the config sets writable)`)
}

// maybeStartGops starts the gops agent for attach-on-demand debugging
// of a long-running listen/deck process; play is a one-shot CLI and
// never calls this.
func maybeStartGops(enabled bool) func() {
	if !enabled {
		return func() {}
	}
	if err := agent.Listen(agent.Options{}); err != nil {
		log.Warnf("gops: %s", err.Error())
		return func() {}
	}
	return agent.Close
}

// Exit codes: 0 clean shutdown, 1 configuration error, 2 fatal
// runtime error.
const (
	exitOK     = 0
	exitConfig = 1
	exitFatal  = 2
)

func fail(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "cassette: "+format+"\n", args...)
	return exitConfig
}
