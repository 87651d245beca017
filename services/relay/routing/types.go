// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing selects exactly one destination per turn.
//
// Selection is pure: the router reads the message and the destination
// registry and emits a RouteDecision. It never executes tools, never
// mutates sessions, and never returns an error — every failure degrades to
// the direct_answer sentinel so a broken routing model cannot take the
// service down.
package routing

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/config"
)

// DirectAnswer is the sentinel destination meaning "no specialist applies;
// answer directly". It is always a valid routing outcome and never appears
// in the registry.
const DirectAnswer = "direct_answer"

// Decision sources.
const (
	// SourcePrefilter means the deterministic keyword fast path decided.
	SourcePrefilter = "prefilter"

	// SourceOracle means the routing oracle decided.
	SourceOracle = "oracle"

	// SourceFallback means routing failed (oracle error, bad JSON,
	// unknown label) and degraded to direct_answer.
	SourceFallback = "fallback"
)

// RouteDecision is the single routing outcome for one turn.
//
// Thread Safety: RouteDecision is immutable once returned.
type RouteDecision struct {
	// Destination is a registered destination name or DirectAnswer.
	Destination string `json:"destination"`

	// Reason is a short human-readable explanation of the decision.
	Reason string `json:"reason"`

	// Source records which tier decided: prefilter, oracle, or fallback.
	Source string `json:"source"`

	// Duration is how long the decision took.
	Duration time.Duration `json:"duration_ns"`
}

// Destination is one routable specialist.
type Destination struct {
	// Name is the label the router emits.
	Name string

	// Description is the capability summary shown to the routing oracle.
	Description string

	// keywords are pre-lowercased for the prefilter.
	keywords []string
}

// Registry holds the routable destinations in declaration order.
//
// Description:
//
//	The active rule set is swapped atomically on hot reload; readers
//	always see a complete, validated revision. Declaration order is the
//	prefilter tie-break — first declared match wins. That ordering is
//	implementation-defined policy, not a contract.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	current atomic.Pointer[[]Destination]
}

// NewRegistry builds a registry from validated routing rules.
func NewRegistry(rules *config.RoutingRules) *Registry {
	r := &Registry{}
	r.Replace(rules)
	return r
}

// Replace atomically installs a new rule revision. Used by the hot-reload
// watcher.
func (r *Registry) Replace(rules *config.RoutingRules) {
	dests := make([]Destination, 0, len(rules.Destinations))
	for _, d := range rules.Destinations {
		kws := make([]string, 0, len(d.Keywords))
		for _, kw := range d.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				kws = append(kws, kw)
			}
		}
		dests = append(dests, Destination{
			Name:        d.Name,
			Description: d.Description,
			keywords:    kws,
		})
	}
	r.current.Store(&dests)
}

// Destinations returns the current revision in declaration order.
func (r *Registry) Destinations() []Destination {
	return *r.current.Load()
}

// Names returns the current destination labels in declaration order.
func (r *Registry) Names() []string {
	dests := r.Destinations()
	names := make([]string, 0, len(dests))
	for _, d := range dests {
		names = append(names, d.Name)
	}
	return names
}

// Contains reports whether name is a registered destination.
func (r *Registry) Contains(name string) bool {
	for _, d := range r.Destinations() {
		if d.Name == name {
			return true
		}
	}
	return false
}
