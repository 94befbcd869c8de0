// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// oidcConfig is the narrow OIDC surface operator auth needs: verify a
// bearer ID token issued by an external
// identity provider, so CI/automation can authenticate against
// /admin without a locally configured password.
type oidcConfig struct {
	Issuer   string `json:"issuer"`
	ClientID string `json:"client-id"`
}

// oidcAuthenticator verifies `Authorization: Bearer <id_token>`
// requests against an external OIDC provider, independent of the
// jwtAuthenticator's self-issued tokens (an OIDC token never has this
// host's signing secret).
type oidcAuthenticator struct {
	verifier *oidc.IDTokenVerifier
}

func newOIDCAuthenticator(raw json.RawMessage) (*oidcAuthenticator, error) {
	var cfg oidcConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("auth: admin-auth.oidc: %w", err)
	}
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("auth: admin-auth.oidc requires issuer and client-id")
	}

	provider, err := oidc.NewProvider(context.Background(), cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("auth: oidc provider discovery: %w", err)
	}
	return &oidcAuthenticator{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

func (oa *oidcAuthenticator) Authenticate(r *http.Request) (*Operator, error) {
	raw := bearerToken(r)
	if raw == "" || strings.Count(raw, ".") != 2 {
		// no bearer token, or not a JWT-shaped one: nothing for OIDC
		// to verify, so this is normal noise, not an error.
		return nil, nil
	}

	idToken, err := oa.verifier.Verify(r.Context(), raw)
	if err != nil {
		return nil, nil // let the next authenticator in the chain try
	}

	var claims struct {
		Subject string `json:"sub"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("oidc: %w", err)
	}
	return &Operator{Username: claims.Subject, Via: "oidc"}, nil
}
