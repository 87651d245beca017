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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianRelay/services/relay/llm"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	routerDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "router",
		Name:      "decisions_total",
		Help:      "Routing decisions by source and destination",
	}, []string{"source", "destination"})

	routerOracleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "router",
		Name:      "oracle_latency_seconds",
		Help:      "Latency of oracle-tier routing calls",
		Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var routerTracer = otel.Tracer("aleutian.relay.routing")

// =============================================================================
// Router
// =============================================================================

// oracleTimeout bounds the oracle-tier routing call. Routing is a single
// short classification; anything slower should degrade, not block the turn.
const oracleTimeout = 10 * time.Second

// Router makes the single routing decision for a turn.
//
// Description:
//
//	Two tiers. The prefilter handles messages with explicit keywords
//	deterministically. Everything else goes to the oracle with a
//	JSON-constrained classification prompt. The label set is closed: any
//	oracle output that is not a registered destination — including parse
//	failures and transport errors — becomes direct_answer. Route never
//	returns an error.
//
// Thread Safety: Safe for concurrent use.
type Router struct {
	registry  *Registry
	prefilter *PreFilter
	oracle    llm.Oracle
	logger    *slog.Logger
}

// NewRouter creates a Router.
//
// Inputs:
//   - registry: The destination registry. Must not be nil.
//   - oracle: The routing oracle. Must not be nil.
//   - logger: Logger instance. May be nil.
func NewRouter(registry *Registry, oracle llm.Oracle, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:  registry,
		prefilter: NewPreFilter(registry),
		oracle:    oracle,
		logger:    logger,
	}
}

// Route decides the destination for one message.
//
// Outputs:
//   - RouteDecision: Destination is always a registered name or
//     DirectAnswer. Never an error.
func (r *Router) Route(ctx context.Context, message string) RouteDecision {
	ctx, span := routerTracer.Start(ctx, "routing.Router.Route",
		trace.WithAttributes(
			attribute.Int("message_length", len(message)),
		),
	)
	defer span.End()

	start := time.Now()

	if dest, keyword, ok := r.prefilter.Match(message); ok {
		decision := RouteDecision{
			Destination: dest,
			Reason:      fmt.Sprintf("keyword %q matched destination %s", keyword, dest),
			Source:      SourcePrefilter,
			Duration:    time.Since(start),
		}
		r.finish(span, decision)
		return decision
	}

	decision := r.routeViaOracle(ctx, message)
	decision.Duration = time.Since(start)
	r.finish(span, decision)
	return decision
}

func (r *Router) finish(span trace.Span, d RouteDecision) {
	routerDecisionsTotal.WithLabelValues(d.Source, d.Destination).Inc()
	span.SetAttributes(
		attribute.String("destination", d.Destination),
		attribute.String("source", d.Source),
	)
	r.logger.Debug("route decided",
		slog.String("destination", d.Destination),
		slog.String("source", d.Source),
		slog.String("reason", d.Reason),
		slog.Duration("duration", d.Duration),
	)
}

// oracleDecision is the JSON shape the routing prompt demands.
type oracleDecision struct {
	Agent  string `json:"agent"`
	Reason string `json:"reason"`
}

func (r *Router) routeViaOracle(ctx context.Context, message string) RouteDecision {
	ctx, cancel := context.WithTimeout(ctx, oracleTimeout)
	defer cancel()

	start := time.Now()
	raw, err := r.oracle.Complete(ctx,
		[]llm.ChatMessage{
			{Role: "system", Content: r.buildPrompt()},
			{Role: "user", Content: message},
		},
		llm.Options{Temperature: 0, ForceJSON: true},
	)
	routerOracleLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		r.logger.Warn("routing oracle unavailable, degrading to direct answer",
			slog.String("error", err.Error()),
		)
		return RouteDecision{
			Destination: DirectAnswer,
			Reason:      "routing oracle unavailable",
			Source:      SourceFallback,
		}
	}

	var decision oracleDecision
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &decision); err != nil {
		r.logger.Warn("routing oracle returned unparseable JSON",
			slog.String("raw_preview", preview(raw, 120)),
		)
		return RouteDecision{
			Destination: DirectAnswer,
			Reason:      "routing response was not valid JSON",
			Source:      SourceFallback,
		}
	}

	agent := strings.TrimSpace(decision.Agent)
	if agent == "none" || agent == "" {
		return RouteDecision{
			Destination: DirectAnswer,
			Reason:      orDefault(decision.Reason, "no specialist applies"),
			Source:      SourceOracle,
		}
	}
	if !r.registry.Contains(agent) {
		// Closed label set: a hallucinated destination degrades rather
		// than dispatching to something that does not exist.
		r.logger.Warn("routing oracle returned unknown destination",
			slog.String("destination", agent),
		)
		return RouteDecision{
			Destination: DirectAnswer,
			Reason:      fmt.Sprintf("oracle picked unknown destination %q", agent),
			Source:      SourceFallback,
		}
	}

	return RouteDecision{
		Destination: agent,
		Reason:      orDefault(decision.Reason, "oracle selection"),
		Source:      SourceOracle,
	}
}

// buildPrompt renders the routing system prompt from the live registry, so
// hot-reloaded destinations are visible to the oracle immediately.
func (r *Router) buildPrompt() string {
	var b strings.Builder
	b.WriteString("You are a supervisor that routes user requests to the correct specialist agent.\n\n")
	b.WriteString("Available agents:\n")
	for _, d := range r.registry.Destinations() {
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
	}
	b.WriteString("\nRules:\n")
	b.WriteString("- If the request clearly maps to one of the agents above, route to it.\n")
	b.WriteString("- If the request is vague but plausible, still route to the best agent; the agent can ask for clarification.\n")
	b.WriteString("- If the request has NOTHING to do with any available agent (general chat, math, writing, weather), use agent \"none\".\n")
	b.WriteString("- Respond ONLY with a valid JSON object. No markdown, no explanation, no code fences.\n\n")
	fmt.Fprintf(&b, "Response format (strict):\n{\n  \"agent\": \"<one of: %s, none>\",\n  \"reason\": \"<one sentence explaining the routing decision>\"\n}\n",
		strings.Join(r.registry.Names(), ", "))
	return b.String()
}

var codeFenceRe = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

// stripCodeFences removes markdown fences some models wrap JSON in even
// when told not to.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
