// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/sandwichfarm/cassette/internal/nostrmodel"
)

// ExecCompiler implements Compiler by shelling out to an external
// cassette-compiler binary (the Rust/TinyGo toolchain lives outside
// this module): the sorted event set is piped to
// the binary's stdin as a JSON array, and the compiled .wasm is read
// back from stdout.
type ExecCompiler struct {
	BinaryPath string
	Args       []string
}

// Compile runs BinaryPath with Args, writing events as a JSON array on
// stdin and returning whatever bytes the process writes to stdout.
func (c *ExecCompiler) Compile(ctx context.Context, events []*nostrmodel.Event) ([]byte, error) {
	payload, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("execcompiler: marshal events: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.BinaryPath, c.Args...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("execcompiler: %s: %w: %s", c.BinaryPath, err, stderr.String())
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("execcompiler: %s produced no output", c.BinaryPath)
	}
	return stdout.Bytes(), nil
}
