// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ldapConfig is the narrow LDAP surface operator auth needs: cassette
// has no user-sync job, so only the bind pattern exists.
type ldapConfig struct {
	URL      string `json:"url"`
	UserBind string `json:"user-bind"` // "{username}" is substituted
}

// ldapAuthenticator lets an operator log in with their directory
// password instead of a locally configured one. There is no background
// sync job populating a user table; cassette has no such table.
type ldapAuthenticator struct {
	cfg ldapConfig
}

func newLDAPAuthenticator(raw json.RawMessage) (*ldapAuthenticator, error) {
	var cfg ldapConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("auth: admin-auth.ldap: %w", err)
	}
	if cfg.URL == "" || cfg.UserBind == "" {
		return nil, fmt.Errorf("auth: admin-auth.ldap requires url and user-bind")
	}
	return &ldapAuthenticator{cfg: cfg}, nil
}

// bindLogin binds as username with password, returning whether the
// directory accepted the credentials. Login calls this directly (it
// isn't expressible as the stateless per-request Authenticate check).
func (la *ldapAuthenticator) bindLogin(username, password string) bool {
	conn, err := ldap.DialURL(la.cfg.URL)
	if err != nil {
		return false
	}
	defer conn.Close()

	userDN := strings.Replace(la.cfg.UserBind, "{username}", username, -1)
	return conn.Bind(userDN, password) == nil
}

func (la *ldapAuthenticator) Authenticate(r *http.Request) (*Operator, error) {
	return nil, nil
}
