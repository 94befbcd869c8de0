// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the deck host's JSON configuration
// for the listen, deck, and shared server profiles: the document is
// validated against an embedded JSON Schema before it is decoded, so a
// typo fails loudly at startup instead of silently running with a
// default.
package config

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sandwichfarm/cassette/internal/policy"
	"github.com/sandwichfarm/cassette/internal/recorder"
	"github.com/sandwichfarm/cassette/pkg/nats"
)

//go:embed schemas/*
var schemaFiles embed.FS

func loadSchema(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	// url.Parse puts the first segment after "//" ("schemas") in u.Host.
	return schemaFiles.Open(u.Host + u.Path)
}

func init() {
	// jsonschema looks loaders up by the parsed URL scheme, which
	// url.Parse lowercases.
	jsonschema.Loaders["embedfs"] = loadSchema
}

// AdminAuth configures operator authentication for the /admin
// surface, independent of the relay's own unauthenticated NIP-42 AUTH
// handling.
type AdminAuth struct {
	Disabled  bool              `json:"disabled"`
	JWTSecret string            `json:"jwt-public-key"`
	LDAP      json.RawMessage   `json:"ldap"`
	OIDC      json.RawMessage   `json:"oidc"`
	Operators []OperatorAccount `json:"operators"`
}

// OperatorAccount is one locally-configured operator login, checked by
// internal/auth's local authenticator before falling through to LDAP or
// OIDC.
type OperatorAccount struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password-hash"`
}

// Config is the full deck host configuration document.
type Config struct {
	Addr          string              `json:"addr"`
	CassetteDir   string              `json:"cassette-dir"`
	LogLevel      string              `json:"log-level"`
	Writable      bool                `json:"writable"`
	Rotation      recorder.Thresholds `json:"rotation"`
	S3            recorder.S3Config   `json:"s3-archive"`
	Nats          nats.NatsConfig     `json:"nats"`
	AdminAuth     AdminAuth           `json:"admin-auth"`
	HttpsCertFile string              `json:"https-cert-file"`
	HttpsKeyFile  string              `json:"https-key-file"`
	PolicyRules   []policy.Rule       `json:"policy-rules"`
}

// Default returns the baseline configuration before any file or
// environment overlay is applied.
func Default() Config {
	return Config{
		Addr:        ":8080",
		CassetteDir: "./cassettes",
		LogLevel:    "info",
	}
}

// Load reads path, validates it against the embedded JSON schema, and
// decodes it over Default(). A missing file is not an error: the CLI
// treats "no config file" as "run with defaults plus flags."
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	schema, err := jsonschema.Compile("embedFS://schemas/config.schema.json")
	if err != nil {
		return cfg, fmt.Errorf("config: compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return cfg, fmt.Errorf("config: %s is not valid JSON: %w", path, err)
	}
	if err := schema.Validate(v); err != nil {
		return cfg, fmt.Errorf("config: %s failed schema validation: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}

	applyEnvOverlay(&cfg)
	return cfg, nil
}

// applyEnvOverlay lets CASSETTE_DIR override cassette-dir and
// CASSETTE_LOG the log level, and resolves
// any "env:VARNAME" value elsewhere in the config to that variable's
// value, keeping secrets out of the config file on disk.
func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("CASSETTE_DIR"); v != "" {
		cfg.CassetteDir = v
	}
	if v := os.Getenv("CASSETTE_LOG"); v != "" {
		cfg.LogLevel = v
	}
	cfg.S3.SecretKey = resolveEnvRef(cfg.S3.SecretKey)
	cfg.S3.AccessKey = resolveEnvRef(cfg.S3.AccessKey)
	cfg.Nats.Password = resolveEnvRef(cfg.Nats.Password)
}

func resolveEnvRef(v string) string {
	if !strings.HasPrefix(v, "env:") {
		return v
	}
	return os.Getenv(strings.TrimPrefix(v, "env:"))
}
