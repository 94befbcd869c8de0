//go:build !wasip1

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// This package only does something useful when cross-compiled with
// GOOS=wasip1 GOARCH=wasm; main.go's //go:wasmexport directives are
// rejected by the compiler on any other target. This stub keeps the
// package buildable from a regular host so `go build ./...` and `go
// vet ./...` don't have to know about the cross-compile requirement.
package main

func main() {
	panic("cmd/cassette-wasm must be built with GOOS=wasip1 GOARCH=wasm")
}
