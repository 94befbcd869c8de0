// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package auth protects the deck host's operator admin surface: a
// bearer JWT for the REST endpoints under /admin, backed by a
// session cookie for the Swagger UI login flow. Credentials are tried
// as a local+LDAP+OIDC authenticator chain, with a single operator
// role checked against a small configured account list; cassette has
// no concept of a "user" beyond whoever is allowed to administer a
// deck.
//
// This package is entirely separate from NIP-42 AUTH,
// which remains an unauthenticated-but-parsed wire message; operator
// auth protects host administration, not relay subscriptions.
package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/sessions"

	"github.com/sandwichfarm/cassette/internal/config"
	"github.com/sandwichfarm/cassette/pkg/log"
)

// Operator is the identity behind an authenticated admin request.
type Operator struct {
	Username string
	Via      string // "local", "ldap", "oidc", "jwt"
}

type contextKey string

const operatorContextKey contextKey = "cassette-operator"

// GetOperator returns the authenticated operator stored on ctx by
// Middleware, or nil if the request was never authenticated (which
// Middleware never lets reach the wrapped handler, but packages other
// than wireserver may still want to check).
func GetOperator(ctx context.Context) *Operator {
	op, _ := ctx.Value(operatorContextKey).(*Operator)
	return op
}

// authenticator is one credential check in the chain Authentication
// tries in order; the first to return a non-nil Operator wins.
type authenticator interface {
	Authenticate(r *http.Request) (*Operator, error)
}

// Authentication is the operator auth chain: local password, optional
// LDAP bind, optional OIDC bearer token, and a JWT authenticator that
// also issues the tokens Login hands back.
type Authentication struct {
	jwt            *jwtAuthenticator
	sessions       *sessions.CookieStore
	authenticators []authenticator
}

// New builds the authenticator chain from cfg. It does not look at
// cfg.Disabled: callers check it and skip New when admin auth is off.
func New(cfg config.AdminAuth) (*Authentication, error) {
	jwtAuth, err := newJWTAuthenticator(cfg.JWTSecret)
	if err != nil {
		return nil, err
	}

	a := &Authentication{
		jwt:      jwtAuth,
		sessions: sessions.NewCookieStore([]byte(cfg.JWTSecret)),
	}
	a.authenticators = append(a.authenticators, newLocalAuthenticator(cfg.Operators))
	a.authenticators = append(a.authenticators, &sessionAuthenticator{store: a.sessions})
	a.authenticators = append(a.authenticators, jwtAuth)

	if len(cfg.LDAP) > 0 {
		ldapAuth, err := newLDAPAuthenticator(cfg.LDAP)
		if err != nil {
			return nil, err
		}
		a.authenticators = append(a.authenticators, ldapAuth)
	}
	if len(cfg.OIDC) > 0 {
		oidcAuth, err := newOIDCAuthenticator(cfg.OIDC)
		if err != nil {
			return nil, err
		}
		a.authenticators = append(a.authenticators, oidcAuth)
	}
	return a, nil
}

// Middleware returns a mux.MiddlewareFunc gating every request behind
// the authenticator chain, suitable for wireserver.Config.AdminAuth.
func (a *Authentication) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, auther := range a.authenticators {
			op, err := auther.Authenticate(r)
			if err != nil {
				log.Warnf("auth: %s", err.Error())
				continue
			}
			if op == nil {
				continue
			}
			ctx := context.WithValue(r.Context(), operatorContextKey, op)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

// loginRequest is the POST body Login accepts.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login checks username/password against the local account list and,
// on success, both sets a session cookie (for the Swagger UI) and
// returns a signed JWT the caller can use as a bearer token against
// /admin.
func (a *Authentication) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed login request", http.StatusBadRequest)
		return
	}

	authenticated := false
	for _, auther := range a.authenticators {
		switch v := auther.(type) {
		case *localAuthenticator:
			authenticated = authenticated || v.checkPassword(req.Username, req.Password)
		case *ldapAuthenticator:
			authenticated = authenticated || v.bindLogin(req.Username, req.Password)
		}
	}
	if !authenticated {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := a.jwt.issue(req.Username)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	session, _ := a.sessions.New(r, "cassette-admin-session")
	session.Values["username"] = req.Username
	if err := a.sessions.Save(r, w, session); err != nil {
		log.Warnf("auth: session save failed: %s", err.Error())
	}

	log.Infof("auth: operator %q logged in", req.Username)
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}
