// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package nostrmodel

import "encoding/json"

// DecodeEventArray decodes the flat JSON array of events the
// recording pipeline embeds into a cassette binary at build time. It
// is deliberately forgiving: a malformed or empty
// embed yields an empty event set rather than a build failure, since the
// engine has to start up regardless (an empty cassette is a valid, if
// useless, cassette).
func DecodeEventArray(raw []byte) ([]*Event, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var events []*Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// CassetteMeta is the small build-time manifest the recording pipeline
// embeds alongside events.json: static NIP-11 fields and which optional
// NIPs this cassette supports.
type CassetteMeta struct {
	Info struct {
		Name          string `json:"name"`
		Description   string `json:"description"`
		PubKey        string `json:"pubkey"`
		Contact       string `json:"contact"`
		Software      string `json:"software"`
		Version       string `json:"version"`
		SupportedNIPs []int  `json:"supported_nips"`
	} `json:"info"`
	Features struct {
		NIP11 bool `json:"nip11"`
		NIP42 bool `json:"nip42"`
		NIP45 bool `json:"nip45"`
		NIP50 bool `json:"nip50"`
	} `json:"features"`
}

// ParseCassetteMeta decodes the embedded cassette.json manifest. A
// malformed or empty manifest yields the zero value (an info-less,
// all-features-off cassette) rather than an error, for the same
// "must still start up" reason as DecodeEventArray.
func ParseCassetteMeta(raw []byte) CassetteMeta {
	var meta CassetteMeta
	if len(raw) == 0 {
		return meta
	}
	_ = json.Unmarshal(raw, &meta)
	return meta
}
