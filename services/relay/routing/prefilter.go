// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	prefilterMatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "prefilter",
		Name:      "match_total",
		Help:      "Prefilter outcomes by destination (miss = no keyword matched)",
	}, []string{"destination"})
)

// =============================================================================
// PreFilter
// =============================================================================

// PreFilter is the deterministic routing fast path.
//
// Description:
//
//	Lowercase substring keyword matching against the registered
//	destinations in declaration order. The first destination with a
//	matching keyword wins, which makes the common explicit cases
//	("show me the open PRs on github", "where is my order") resolve in
//	microseconds without an oracle call. A miss is not a failure — it
//	hands the message to the oracle tier.
//
// Thread Safety: Safe for concurrent use.
type PreFilter struct {
	registry *Registry
}

// NewPreFilter creates a PreFilter over the registry.
func NewPreFilter(registry *Registry) *PreFilter {
	return &PreFilter{registry: registry}
}

// Match returns the first destination with a keyword contained in the
// message, plus the keyword that fired. Found is false on a miss.
//
// Inputs:
//   - message: The raw user message.
//
// Outputs:
//   - destination: The matched destination name.
//   - keyword: The keyword that matched.
//   - found: Whether any keyword matched.
func (p *PreFilter) Match(message string) (destination, keyword string, found bool) {
	lowered := strings.ToLower(message)
	for _, dest := range p.registry.Destinations() {
		for _, kw := range dest.keywords {
			if strings.Contains(lowered, kw) {
				prefilterMatchTotal.WithLabelValues(dest.Name).Inc()
				return dest.Name, kw, true
			}
		}
	}
	prefilterMatchTotal.WithLabelValues("miss").Inc()
	return "", "", false
}
