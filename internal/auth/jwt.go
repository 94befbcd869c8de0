// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwtAuthenticator issues and verifies the bearer tokens Login hands
// out. HMAC-signed (HS256) on a shared secret rather than an
// asymmetric keypair: a single deck host has no need to distribute a
// public verification key to other services.
type jwtAuthenticator struct {
	secret []byte
	maxAge time.Duration
}

func newJWTAuthenticator(secret string) (*jwtAuthenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: admin-auth.jwt-public-key must be set to a non-empty signing secret")
	}
	return &jwtAuthenticator{secret: []byte(secret), maxAge: 24 * time.Hour}, nil
}

func (j *jwtAuthenticator) issue(username string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": username,
		"iat": now.Unix(),
		"exp": now.Add(j.maxAge).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

func (j *jwtAuthenticator) Authenticate(r *http.Request) (*Operator, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, nil
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("jwt: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("jwt: invalid token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("jwt: token has no subject")
	}
	return &Operator{Username: sub, Via: "jwt"}, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
