// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package recorder implements the writable "deck" mode's rotation
// pipeline: buffer admitted events, hand them to an external compiler
// once a threshold is crossed, atomically install the resulting
// cassette, and optionally archive a copy to S3.
package recorder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sandwichfarm/cassette/internal/metrics"
	"github.com/sandwichfarm/cassette/internal/nostrmodel"
	"github.com/sandwichfarm/cassette/internal/registry"
	"github.com/sandwichfarm/cassette/pkg/log"
)

// Compiler turns a sorted event set into a compiled cassette binary.
// The real compiler (Rust/TinyGo toolchain) is out of scope for the
// core; this interface keeps it an injectable collaborator,
// so tests can supply a fake.
type Compiler interface {
	Compile(ctx context.Context, events []*nostrmodel.Event) ([]byte, error)
}

// Thresholds configures when the recorder triggers a rotation.
type Thresholds struct {
	MaxEvents int `json:"max-events"`
	MaxBytes  int `json:"max-bytes"`
}

// S3Config optionally archives every rotated cassette to an
// S3-compatible bucket. The zero value disables archival.
type S3Config struct {
	Enabled      bool   `json:"enabled"`
	Endpoint     string `json:"endpoint"`
	Bucket       string `json:"bucket"`
	AccessKey    string `json:"access-key"`
	SecretKey    string `json:"secret-key"`
	Region       string `json:"region"`
	UsePathStyle bool   `json:"use-path-style"`
}

// maxConsecutiveFailures is how many rotations may fail back to back
// before the recorder stops accepting new EVENTs until a retry (driven
// by internal/schedule or the admin force-rotate endpoint) succeeds.
const maxConsecutiveFailures = 5

// Recorder buffers admitted events and drives rotation into the
// registry's watch directory. It implements internal/deck.Recorder.
type Recorder struct {
	watchDir   string
	thresholds Thresholds
	compiler   Compiler
	registry   *registry.Registry
	s3         *s3.Client
	s3Bucket   string

	// Metrics may be set (before serving) to count rotation outcomes;
	// nil disables instrumentation.
	Metrics *metrics.Collectors

	mu         sync.Mutex
	buffer     []*nostrmodel.Event
	bufferSize int
	failures   int

	onRotate func(path, fingerprint string)
}

// OnRotate registers a callback invoked after every successful Rotate,
// with the installed cassette's path and content fingerprint. Used by
// cmd/cassette to publish a cross-process rotation notice over NATS;
// nil (the default) disables the callback.
func (r *Recorder) OnRotate(fn func(path, fingerprint string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRotate = fn
}

// New builds a Recorder that rotates compiled cassettes into watchDir
// (the same directory the deck's registry watches). s3cfg may be the
// zero value to disable archival.
func New(watchDir string, thresholds Thresholds, compiler Compiler, reg *registry.Registry, s3cfg S3Config) (*Recorder, error) {
	r := &Recorder{
		watchDir:   watchDir,
		thresholds: thresholds,
		compiler:   compiler,
		registry:   reg,
	}
	if s3cfg.Enabled {
		client, err := newS3Client(s3cfg)
		if err != nil {
			return nil, fmt.Errorf("recorder: %w", err)
		}
		r.s3 = client
		r.s3Bucket = s3cfg.Bucket
	}
	return r, nil
}

func newS3Client(cfg S3Config) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 archival enabled with empty bucket name")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	opts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}
	return s3.NewFromConfig(awsCfg, opts), nil
}

// Append adds ev to the in-memory buffer (post admission-check),
// triggering a rotation when either threshold is crossed.
func (r *Recorder) Append(ctx context.Context, ev *nostrmodel.Event) error {
	encoded, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("recorder: marshal event: %w", err)
	}

	r.mu.Lock()
	if r.failures >= maxConsecutiveFailures {
		r.mu.Unlock()
		return fmt.Errorf("rotation is persistently failing; not accepting events")
	}
	r.buffer = append(r.buffer, ev)
	r.bufferSize += len(encoded)
	shouldRotate := r.thresholdCrossedLocked()
	r.mu.Unlock()

	if shouldRotate {
		if err := r.Rotate(ctx); err != nil {
			log.Errorf("recorder: rotation failed: %s", err.Error())
			return nil // the event is still accepted; rotation retries via internal/schedule
		}
	}
	return nil
}

func (r *Recorder) thresholdCrossedLocked() bool {
	if r.thresholds.MaxEvents > 0 && len(r.buffer) >= r.thresholds.MaxEvents {
		return true
	}
	if r.thresholds.MaxBytes > 0 && r.bufferSize >= r.thresholds.MaxBytes {
		return true
	}
	return false
}

// Rotate compiles the current buffer into a cassette, atomically
// installs it into the watch directory, triggers a registry rescan,
// and archives to S3 if configured. It is safe to call out-of-cycle
// (the admin API's force-rotate endpoint does exactly that).
func (r *Recorder) Rotate(ctx context.Context) error {
	// Swap the buffer out up front so events admitted while the
	// compiler runs land in the next rotation's buffer instead of
	// being dropped with this one.
	r.mu.Lock()
	events, size := r.buffer, r.bufferSize
	r.buffer, r.bufferSize = nil, 0
	r.mu.Unlock()

	if len(events) == 0 {
		return nil
	}

	nostrmodel.SortCanonical(events)

	wasm, err := r.compiler.Compile(ctx, events)
	if err != nil {
		r.restoreBuffer(events, size)
		return fmt.Errorf("compile: %w", err)
	}

	name := fmt.Sprintf("deck-%d.wasm", time.Now().UnixNano())
	finalPath := filepath.Join(r.watchDir, name)
	if err := atomicWrite(finalPath, wasm); err != nil {
		r.restoreBuffer(events, size)
		return fmt.Errorf("install cassette: %w", err)
	}

	r.mu.Lock()
	r.failures = 0
	r.mu.Unlock()
	if r.Metrics != nil {
		r.Metrics.RotationsPerformed.Inc()
	}

	if err := r.registry.Rescan(ctx); err != nil {
		log.Warnf("recorder: registry rescan after rotation: %s", err.Error())
	}

	if r.s3 != nil {
		if err := r.archive(ctx, name, wasm); err != nil {
			log.Warnf("recorder: s3 archival failed for %s: %s", name, err.Error())
		}
	}

	r.mu.Lock()
	onRotate := r.onRotate
	r.mu.Unlock()
	if onRotate != nil {
		sum := sha256.Sum256(wasm)
		onRotate(finalPath, hex.EncodeToString(sum[:]))
	}
	return nil
}

// restoreBuffer puts a failed rotation's events back at the front of
// the buffer (canonical position doesn't matter; the next rotation
// re-sorts) and counts the failure.
func (r *Recorder) restoreBuffer(events []*nostrmodel.Event, size int) {
	r.mu.Lock()
	r.buffer = append(events, r.buffer...)
	r.bufferSize += size
	r.failures++
	r.mu.Unlock()
	if r.Metrics != nil {
		r.Metrics.RotationsFailed.Inc()
	}
}

// atomicWrite writes data to a temp file in the target directory, then
// renames it into place; os.Rename is atomic within one filesystem.
func atomicWrite(finalPath string, data []byte) error {
	dir := filepath.Dir(finalPath)
	tmp, err := os.CreateTemp(dir, ".cassette-*.wasm.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, finalPath)
}

func (r *Recorder) archive(ctx context.Context, name string, data []byte) error {
	_, err := r.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.s3Bucket),
		Key:         aws.String(name),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/wasm"),
	})
	return err
}

// FailureCount reports consecutive rotation failures, consulted by
// internal/schedule's fixed-interval rotation retry job.
func (r *Recorder) FailureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// BufferedEvents reports how many events are currently buffered,
// surfaced on the admin stats endpoint.
func (r *Recorder) BufferedEvents() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}
