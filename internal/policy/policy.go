// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cassette.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package policy evaluates an optional operator-supplied admission
// rule set against incoming EVENTs. It is strictly additive
// to the mandatory NIP-01 structural checks nostrmodel.Event.Validate
// performs, never a replacement, and never reaches into the read-path
// filter engine.
package policy

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/sandwichfarm/cassette/internal/nostrmodel"
)

// Rule is one named admission rule: its Expression is evaluated against
// a flattened view of the event, and a truthy result rejects the event
// with the message "blocked: <Name>". Reason is kept with the rule but
// is not part of that message.
type Rule struct {
	Name       string `json:"name"`
	Expression string `json:"expr"`
	Reason     string `json:"reason"`

	program *vm.Program
}

// Policy is a compiled set of admission rules, evaluated in order; the
// first rule to evaluate truthy rejects the event.
type Policy struct {
	rules []Rule
}

// env is the flattened view a rule expression sees.
type env struct {
	Kind          int            `expr:"kind"`
	PubKey        string         `expr:"pubkey"`
	ContentLength int            `expr:"content_length"`
	TagNames      map[string]int `expr:"tag_names"` // tag name -> occurrence count
	CreatedAt     int64          `expr:"created_at"`
}

// Compile parses and type-checks every rule's expression up front, so a
// malformed operator-supplied rule fails at load time rather than on
// the first matching event.
func Compile(rules []Rule) (*Policy, error) {
	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		program, err := expr.Compile(r.Expression, expr.Env(env{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", r.Name, err)
		}
		r.program = program
		compiled[i] = r
	}
	return &Policy{rules: compiled}, nil
}

// Evaluate runs every rule against ev in order. It returns (true, "")
// when no rule rejects the event, or (false, reason) for the first
// rule that does.
func (p *Policy) Evaluate(ev *nostrmodel.Event) (ok bool, reason string) {
	if p == nil {
		return true, ""
	}
	e := env{
		Kind:          ev.Kind,
		PubKey:        ev.PubKey,
		ContentLength: len(ev.Content),
		CreatedAt:     ev.CreatedAt,
		TagNames:      make(map[string]int),
	}
	for _, t := range ev.Tags {
		e.TagNames[t.Name()]++
	}

	for _, r := range p.rules {
		out, err := expr.Run(r.program, e)
		if err != nil {
			continue // a rule erroring at runtime doesn't block admission
		}
		if truthy, ok := out.(bool); ok && truthy {
			return false, fmt.Sprintf("blocked: %s", r.Name)
		}
	}
	return true, ""
}
