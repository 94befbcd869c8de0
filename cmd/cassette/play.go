// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sandwichfarm/cassette/internal/wasmhost"
)

// runPlay implements `play <path> <filter-json>`: run a single REQ
// against one cassette and print the events as JSONL, exiting on EOSE.
// It is the CLI player: the same compiled artifact any other host
// drives, just without a WebSocket in front of it.
func runPlay(ctx context.Context, args []string) int {
	if len(args) != 2 {
		return fail("play requires exactly two arguments: <path> <filter-json>")
	}
	path, filterJSON := args[0], args[1]

	var filter json.RawMessage
	if err := json.Unmarshal([]byte(filterJSON), &filter); err != nil {
		return fail("play: filter is not valid JSON: %s", err.Error())
	}

	cassette, err := wasmhost.LoadCassette(ctx, path)
	if err != nil {
		return fail("play: %s", err.Error())
	}
	defer cassette.Close(ctx)

	req, _ := json.Marshal([]any{"REQ", "play", filter})

	for {
		resp, err := cassette.Scrub(ctx, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cassette: play: scrub: %s\n", err.Error())
			return exitFatal
		}
		if resp == nil {
			return exitOK
		}

		os.Stdout.Write(resp)
		os.Stdout.Write([]byte("\n"))

		var frame []json.RawMessage
		if err := json.Unmarshal(resp, &frame); err != nil || len(frame) == 0 {
			continue
		}
		var cmd string
		json.Unmarshal(frame[0], &cmd)
		if cmd == "EOSE" || cmd == "CLOSED" {
			return exitOK
		}
	}
}
