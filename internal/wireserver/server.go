// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wireserver is the deck host's HTTP/WebSocket front end:
// NIP-01 over a WebSocket upgrade, the NIP-11 info
// document on a plain GET with the nostr+json Accept header, and the
// operator admin surface (stats, forced rotation, Prometheus metrics,
// Swagger UI). It owns no relay logic itself — every request is a thin
// adapter onto internal/deck and internal/registry.
package wireserver

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/sandwichfarm/cassette/internal/deck"
	"github.com/sandwichfarm/cassette/internal/metrics"
	"github.com/sandwichfarm/cassette/internal/nostrmodel"
	"github.com/sandwichfarm/cassette/internal/recorder"
	"github.com/sandwichfarm/cassette/internal/registry"
	"github.com/sandwichfarm/cassette/pkg/log"
)

// swaggerDoc is the hand-authored OpenAPI document for the admin
// surface, served to the Swagger UI on /swagger/doc.json. It is small
// enough that a codegen step would cost more than it saves.
//
//go:embed swagger.json
var swaggerDoc []byte

// Config carries everything Serve needs beyond the deck itself.
type Config struct {
	Addr          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	HttpsCertFile string
	HttpsKeyFile  string
	AdminAuth     mux.MiddlewareFunc // nil disables auth on /admin
	Login         http.HandlerFunc   // nil disables the login endpoint entirely
}

// Server bundles the deck and everything needed to answer NIP-01,
// NIP-11, and the operator admin surface over HTTP.
type Server struct {
	deck     *deck.Deck
	registry *registry.Registry
	recorder *recorder.Recorder // nil in read-only mode
	metrics  *metrics.Collectors
	upgrader websocket.Upgrader
	cfg      Config
}

// New builds a Server. rec and m may be nil (read-only mode, no
// metrics wired) and both are handled gracefully.
func New(d *deck.Deck, reg *registry.Registry, rec *recorder.Recorder, m *metrics.Collectors, cfg Config) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{
		deck:     d,
		registry: reg,
		recorder: rec,
		metrics:  m,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		cfg:      cfg,
	}
}

// Router builds the full mux.Router, split out from Serve so tests can
// exercise it with httptest without binding a real socket.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleRoot)

	// /admin/login issues the credentials AdminAuth's middleware checks,
	// so it must sit outside the subrouter that middleware guards.
	if s.cfg.Login != nil {
		r.HandleFunc("/admin/login", s.cfg.Login).Methods(http.MethodPost)
	}

	admin := r.PathPrefix("/admin").Subrouter()
	if s.cfg.AdminAuth != nil {
		admin.Use(s.cfg.AdminAuth)
	}
	// Compression and CORS stay off the root route: the WebSocket
	// upgrade needs the raw http.Hijacker the compress wrapper hides.
	admin.Use(handlers.CompressHandler)
	admin.Use(handlers.CORS(
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedOrigins([]string{"*"}),
	))
	admin.HandleFunc("/cassettes", s.handleAdminCassettes).Methods(http.MethodGet)
	admin.HandleFunc("/stats", s.handleAdminStats).Methods(http.MethodGet)
	admin.HandleFunc("/rotate", s.handleAdminRotate).Methods(http.MethodPost)

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}

	// The UI fetches its document from doc.json, so that route must be
	// registered ahead of the catch-all prefix.
	r.HandleFunc("/swagger/doc.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(swaggerDoc)
	})
	r.PathPrefix("/swagger/").Handler(httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	return r
}

// handleRoot serves either the NIP-11 relay information document
// (Accept: application/nostr+json) or upgrades to a NIP-01 WebSocket
// connection, mirroring the convention of serving both from the same
// URL.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "application/nostr+json") {
		s.handleInfo(w, r)
		return
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.handleWebSocket(w, r)
		return
	}
	http.Error(w, "this endpoint speaks NIP-01 over WebSocket or NIP-11 over Accept: application/nostr+json", http.StatusUpgradeRequired)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	entries := s.registry.Snapshot()
	if len(entries) == 0 {
		w.Header().Set("Content-Type", "application/nostr+json")
		w.Write([]byte(`{"supported_nips":[]}`))
		return
	}
	info, err := entries[0].Cassette.Info(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/nostr+json")
	w.Write(info)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("wireserver: upgrade failed: %s", err.Error())
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	dc := s.deck.NewConnection()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		// Closing the socket here wakes the read loop when the deck
		// drops a slow client by closing the outbox from its side.
		defer conn.Close()
		for frame := range dc.Outbox() {
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				cancel()
				return
			}
			if s.metrics != nil && bytes.HasPrefix(frame, []byte(`["EVENT"`)) {
				s.metrics.EventsEmitted.Inc()
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.dispatch(ctx, dc, raw)
	}
	cancel()
	// Close tears down every subscription and then closes the outbox,
	// letting the write pump drain the final CLOSED frames and exit.
	dc.Close(context.WithoutCancel(ctx))
	<-writeDone
}

func (s *Server) dispatch(ctx context.Context, dc *deck.Connection, raw []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) == 0 {
		return
	}
	var cmd string
	if err := json.Unmarshal(frame[0], &cmd); err != nil {
		return
	}

	switch cmd {
	case "REQ":
		var subid string
		if len(frame) < 2 || json.Unmarshal(frame[1], &subid) != nil {
			return
		}
		if s.metrics != nil {
			s.metrics.SubscriptionsActive.Inc()
		}
		go dc.REQ(ctx, subid, raw)
	case "CLOSE":
		var subid string
		if len(frame) < 2 || json.Unmarshal(frame[1], &subid) != nil {
			return
		}
		if s.metrics != nil {
			s.metrics.SubscriptionsActive.Dec()
		}
		dc.CLOSE(ctx, subid)
	case "COUNT":
		var subid string
		if len(frame) < 2 || json.Unmarshal(frame[1], &subid) != nil {
			return
		}
		dc.COUNT(ctx, subid, raw)
	case "EVENT":
		ev, err := nostrmodel.ParseEventArray(frame)
		if err != nil {
			return
		}
		ok, reason := s.deck.EVENT(ctx, ev)
		out, _ := json.Marshal([]any{"OK", ev.ID, ok, reason})
		// EVENT acks don't route through a subscription's outbox; write
		// directly via the connection's own deck.Connection plumbing by
		// treating it as a zero-subscription frame.
		dc.Deliver(out)
	case "AUTH":
		// Parsed but not enforced: the event is JSON-decoded (not
		// structurally validated) so a later enforcement layer can slot in without reshaping the
		// dispatch, and the client gets its OK either way.
		if len(frame) < 2 {
			return
		}
		var ev nostrmodel.Event
		if err := json.Unmarshal(frame[1], &ev); err != nil {
			return
		}
		out, _ := json.Marshal([]any{"OK", ev.ID, true, ""})
		dc.Deliver(out)
	}
}

func (s *Server) handleAdminCassettes(w http.ResponseWriter, r *http.Request) {
	entries := s.registry.Snapshot()
	type row struct {
		Path        string `json:"path"`
		Fingerprint string `json:"fingerprint"`
		EventCount  int    `json:"event_count"`
		Legacy      bool   `json:"legacy"`
	}
	rows := make([]row, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, row{
			Path:        e.Path,
			Fingerprint: e.Fingerprint,
			EventCount:  e.EventCount,
			Legacy:      e.Cassette.IsLegacy(),
		})
	}
	writeJSON(w, rows)
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"cassettes_loaded": s.registry.Len(),
	}
	if s.recorder != nil {
		stats["buffered_events"] = s.recorder.BufferedEvents()
		stats["rotation_failures"] = s.recorder.FailureCount()
	}
	writeJSON(w, stats)
}

func (s *Server) handleAdminRotate(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		http.Error(w, "this deck is read-only", http.StatusConflict)
		return
	}
	if err := s.recorder.Rotate(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.Encode(v)
}

// Serve binds cfg.Addr and blocks serving HTTP (or HTTPS, if both cert
// fields are set) until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	handler := handlers.CustomLoggingHandler(log.InfoWriter, s.Router(), func(w io.Writer, params handlers.LogFormatterParams) {
		log.Finfof(w, "%s %s (Response: %d, Size: %d)", params.Request.Method, params.URL.RequestURI(), params.StatusCode, params.Size)
	})

	server := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("wireserver: listen %s: %w", s.cfg.Addr, err)
	}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	if s.cfg.HttpsCertFile != "" && s.cfg.HttpsKeyFile != "" {
		return server.ServeTLS(listener, s.cfg.HttpsCertFile, s.cfg.HttpsKeyFile)
	}
	return server.Serve(listener)
}
