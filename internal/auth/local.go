// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package auth

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/sandwichfarm/cassette/internal/config"
)

// localAuthenticator never authenticates a bare HTTP request (there is
// no credential on the wire to check); it exists so Login can look up
// and verify a configured operator account's bcrypt password hash.
type localAuthenticator struct {
	accounts map[string]string // username -> bcrypt hash
}

func newLocalAuthenticator(accounts []config.OperatorAccount) *localAuthenticator {
	m := make(map[string]string, len(accounts))
	for _, a := range accounts {
		m[a.Username] = a.PasswordHash
	}
	return &localAuthenticator{accounts: m}
}

func (l *localAuthenticator) checkPassword(username, password string) bool {
	hash, ok := l.accounts[username]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Authenticate always defers to the session/JWT authenticators; the
// local authenticator's only credential check (the login form) isn't
// expressible as a stateless per-request check.
func (l *localAuthenticator) Authenticate(r *http.Request) (*Operator, error) {
	return nil, nil
}
