// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package auth

import (
	"net/http"

	"github.com/gorilla/sessions"
)

// sessionAuthenticator recognizes the cookie Login set, so the
// Swagger UI (which can't easily attach a bearer header to every
// browser-initiated request) stays logged in across page loads.
type sessionAuthenticator struct {
	store *sessions.CookieStore
}

func (s *sessionAuthenticator) Authenticate(r *http.Request) (*Operator, error) {
	session, err := s.store.Get(r, "cassette-admin-session")
	if err != nil || session.IsNew {
		return nil, nil
	}
	username, _ := session.Values["username"].(string)
	if username == "" {
		return nil, nil
	}
	return &Operator{Username: username, Via: "session"}, nil
}
