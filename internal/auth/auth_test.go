// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sandwichfarm/cassette/internal/config"
)

func newTestAuth(t *testing.T) *Authentication {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	a, err := New(config.AdminAuth{
		JWTSecret: "test-signing-secret",
		Operators: []config.OperatorAccount{
			{Username: "root", PasswordHash: string(hash)},
		},
	})
	require.NoError(t, err)
	return a
}

func TestLoginIssuesBearerToken(t *testing.T) {
	a := newTestAuth(t)

	body, _ := json.Marshal(loginRequest{Username: "root", Password: "hunter2"})
	req := httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	a.Login(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["token"])
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	a := newTestAuth(t)

	body, _ := json.Marshal(loginRequest{Username: "root", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	a.Login(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAcceptsIssuedToken(t *testing.T) {
	a := newTestAuth(t)

	body, _ := json.Marshal(loginRequest{Username: "root", Password: "hunter2"})
	loginReq := httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewReader(body))
	loginRec := httptest.NewRecorder()
	a.Login(loginRec, loginReq)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(loginRec.Body.Bytes(), &resp))

	var gotOperator *Operator
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOperator = GetOperator(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/cassettes", nil)
	req.Header.Set("Authorization", "Bearer "+resp["token"])
	rec := httptest.NewRecorder()

	a.Middleware(next).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotOperator)
	require.Equal(t, "root", gotOperator.Username)
}

func TestMiddlewareRejectsMissingCredentials(t *testing.T) {
	a := newTestAuth(t)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached without credentials")
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/cassettes", nil)
	rec := httptest.NewRecorder()

	a.Middleware(next).ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
