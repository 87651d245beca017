// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay assembles the Relay supervisor service: routing, destination
// handlers, session persistence, and the HTTP surface.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRelay/services/relay/agent"
	"github.com/AleutianAI/AleutianRelay/services/relay/agent/events"
	"github.com/AleutianAI/AleutianRelay/services/relay/approval"
	"github.com/AleutianAI/AleutianRelay/services/relay/audit"
	"github.com/AleutianAI/AleutianRelay/services/relay/config"
	"github.com/AleutianAI/AleutianRelay/services/relay/llm"
	"github.com/AleutianAI/AleutianRelay/services/relay/routing"
	"github.com/AleutianAI/AleutianRelay/services/relay/session"
	storage "github.com/AleutianAI/AleutianRelay/services/relay/storage/badger"
	"github.com/AleutianAI/AleutianRelay/services/relay/toolcache"
	"github.com/AleutianAI/AleutianRelay/services/relay/tools"
	"github.com/AleutianAI/AleutianRelay/services/relay/tools/github"
	"github.com/AleutianAI/AleutianRelay/services/relay/tools/support"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	serviceTurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "service",
		Name:      "turns_total",
		Help:      "Completed turns by destination and outcome",
	}, []string{"destination", "outcome"})

	serviceTurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "service",
		Name:      "turn_duration_seconds",
		Help:      "End-to-end turn latency by destination",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"destination"})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var serviceTracer = otel.Tracer("aleutian.relay.service")

// =============================================================================
// Service
// =============================================================================

// directAnswerPrompt steers the oracle when no specialist applies.
const directAnswerPrompt = "You are a helpful assistant. Answer the user " +
	"directly and concisely. You have no tools available for this request."

// Service owns every long-lived component of the Relay supervisor.
//
// Description:
//
//	One Service instance backs the whole process: a shared BadgerDB for
//	sessions, tool cache, and demo order data; one oracle client reused by
//	the router and every destination handler; and a hot-reloadable routing
//	registry. Handlers are constructed once at startup — destinations are
//	static for the process lifetime even though their routing keywords are
//	not.
//
// Thread Safety: Safe for concurrent use after NewService returns.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *storage.DB
	cache    toolcache.Cache
	gate     *approval.Gate
	sessions *session.Store
	auditLog *audit.Logger

	oracle       llm.Oracle
	githubClient *github.Client
	supportStore *support.Store

	registry     *routing.Registry
	router       *routing.Router
	rulesWatcher *config.RulesWatcher

	handlers map[string]*agent.Handler
}

// NewService wires a Service from configuration.
//
// Description:
//
//	Opens storage, builds the oracle client, registers both built-in
//	destinations (github, support), seeds demo order data, and starts the
//	routing rules watcher when a rules file is configured. Fails fast on
//	any wiring error; a partially constructed Service is never returned.
//
// Inputs:
//   - ctx: Context for seeding and initial I/O.
//   - cfg: Validated configuration from config.Load.
//   - logger: Logger instance. May be nil.
//
// Outputs:
//   - *Service: The assembled service. Callers must Close it.
//   - error: Non-nil if any component fails to initialize.
func NewService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dbCfg := storage.DefaultConfig()
	dbCfg.Path = cfg.DataDir
	dbCfg.Logger = logger
	db, err := storage.OpenDB(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		sessions: session.NewStore(db, cfg.Session.TTL),
		auditLog: audit.NewLogger(logger),
		handlers: make(map[string]*agent.Handler),
	}

	// Any failure past this point must release what we already hold.
	fail := func(err error) (*Service, error) {
		s.Close()
		return nil, err
	}

	switch cfg.Cache.Backend {
	case config.CacheBackendBadger:
		s.cache = toolcache.NewBadgerCache(db)
	default:
		mem, err := toolcache.NewMemoryCache(cfg.Cache.MaxSize)
		if err != nil {
			return fail(fmt.Errorf("create tool cache: %w", err))
		}
		s.cache = mem
	}

	s.gate, err = approval.NewGate([]byte(cfg.Approval.Secret), cfg.Approval.TokenTTL)
	if err != nil {
		return fail(fmt.Errorf("create approval gate: %w", err))
	}

	oracle, err := llm.NewOpenAIClient(
		cfg.Oracle.APIKey,
		cfg.Oracle.Model,
		cfg.Oracle.BaseURL,
		cfg.Oracle.RequestTimeout,
		logger,
	)
	if err != nil {
		return fail(fmt.Errorf("create oracle client: %w", err))
	}
	s.oracle = oracle

	s.githubClient = github.NewClient(cfg.GitHub.Token, cfg.GitHub.BaseURL, logger)
	s.supportStore = support.NewStore(db)
	if err := s.supportStore.SeedDemoData(ctx); err != nil {
		return fail(fmt.Errorf("seed support data: %w", err))
	}

	githubRegistry, err := github.NewRegistry(s.githubClient)
	if err != nil {
		return fail(fmt.Errorf("build github registry: %w", err))
	}
	supportRegistry, err := support.NewRegistry(s.supportStore)
	if err != nil {
		return fail(fmt.Errorf("build support registry: %w", err))
	}

	for _, reg := range []*tools.Registry{githubRegistry, supportRegistry} {
		h, err := agent.NewHandler(agent.Config{
			Oracle:          s.oracle,
			Registry:        reg,
			Cache:           s.cache,
			CacheVersion:    cfg.Cache.ToolVersion,
			DefaultCacheTTL: cfg.Cache.DefaultTTL,
			Gate:            s.gate,
			AuditLog:        s.auditLog,
			MaxSteps:        cfg.MaxSteps,
			Logger:          logger,
		})
		if err != nil {
			return fail(fmt.Errorf("build %s handler: %w", reg.Destination(), err))
		}
		s.handlers[h.Destination()] = h
	}

	rules, err := s.loadRules()
	if err != nil {
		return fail(err)
	}
	s.registry = routing.NewRegistry(rules)
	s.router = routing.NewRouter(s.registry, s.oracle, logger)

	if cfg.RoutingRulesPath != "" {
		watcher, err := config.WatchRoutingRules(cfg.RoutingRulesPath, s.registry.Replace, logger)
		if err != nil {
			return fail(fmt.Errorf("watch routing rules: %w", err))
		}
		s.rulesWatcher = watcher
	}

	logger.Info("relay service assembled",
		slog.Int("destinations", len(s.handlers)),
		slog.String("cache_backend", string(cfg.Cache.Backend)),
		slog.String("oracle_model", cfg.Oracle.Model),
	)
	return s, nil
}

// loadRules loads the configured rules file, or the embedded defaults.
func (s *Service) loadRules() (*config.RoutingRules, error) {
	if s.cfg.RoutingRulesPath != "" {
		rules, err := config.LoadRoutingRulesFile(s.cfg.RoutingRulesPath)
		if err != nil {
			return nil, fmt.Errorf("load routing rules: %w", err)
		}
		return rules, nil
	}
	rules, err := config.DefaultRoutingRules()
	if err != nil {
		return nil, fmt.Errorf("load embedded routing rules: %w", err)
	}
	return rules, nil
}

// Close releases all service resources. Safe to call on a partially
// constructed Service.
func (s *Service) Close() error {
	if s.rulesWatcher != nil {
		s.rulesWatcher.Close()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// =============================================================================
// Turn Execution
// =============================================================================

// Turn is the outcome of one completed supervisor turn.
type Turn struct {
	// SessionID identifies the conversation, newly minted when the request
	// omitted one.
	SessionID string `json:"session_id"`

	// Output is the final text for the user.
	Output string `json:"output"`

	// AgentUsed names the destination that produced the output, or
	// "direct_answer".
	AgentUsed string `json:"agent_used"`

	// Routing describes how the destination was chosen.
	Routing routing.RouteDecision `json:"routing"`

	// ToolCalls lists executed tool invocations in order. Empty for direct
	// answers.
	ToolCalls []agent.ToolCallRecord `json:"tool_calls"`

	// Trace is the ordered per-turn trace when the caller requested one.
	Trace []agent.TraceEntry `json:"trace,omitempty"`
}

// RunTurn executes one full supervisor turn.
//
// Description:
//
//	Validates the message, loads session history, routes to exactly one
//	destination (or direct answer), runs it, and persists both sides of
//	the exchange. The emitter, when non-nil, observes the turn in order:
//	routing first, tool_call/tool_result pairs, then final_output. The
//	error event for a failed turn is emitted here, not by the caller.
//
// Inputs:
//   - ctx: Request context; the configured turn timeout is applied here.
//   - sessionID: Existing session, or "" to start a new one.
//   - message: The user message.
//   - emitter: Optional event sink for streaming surfaces.
//
// Outputs:
//   - *Turn: The completed turn. Nil on error.
//   - error: A *TurnError describing the failure.
func (s *Service) RunTurn(ctx context.Context, sessionID, message string, emitter *events.Emitter) (*Turn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout)
	defer cancel()

	ctx, span := serviceTracer.Start(ctx, "relay.Service.RunTurn")
	defer span.End()
	start := time.Now()

	message = strings.TrimSpace(message)
	if message == "" {
		return nil, s.fail(emitter, span, ErrCodeInvalidInput, "message must not be empty")
	}
	if len(message) > s.cfg.MaxMessageLength {
		return nil, s.fail(emitter, span, ErrCodeInvalidInput,
			fmt.Sprintf("message exceeds %d characters", s.cfg.MaxMessageLength))
	}

	if sessionID == "" {
		sessionID = session.NewSessionID()
	}
	span.SetAttributes(attribute.String("session_id", sessionID))

	history, err := s.sessions.History(ctx, sessionID)
	if err != nil {
		return nil, s.fail(emitter, span, ErrCodeUpstream, "session storage unavailable")
	}

	decision := s.router.Route(ctx, message)
	emitter.Emit(events.TypeRouting, events.RoutingData{
		Destination: decision.Destination,
		Reason:      decision.Reason,
		Source:      decision.Source,
	})

	recorder := agent.NewTraceRecorder()
	recorder.Record(agent.TraceRouting, "", decision)

	turn := &Turn{
		SessionID: sessionID,
		AgentUsed: decision.Destination,
		Routing:   decision,
	}

	if decision.Destination == routing.DirectAnswer {
		output, err := s.directAnswer(ctx, history, message)
		if err != nil {
			serviceTurnsTotal.WithLabelValues(routing.DirectAnswer, "oracle_error").Inc()
			return nil, s.fail(emitter, span, ErrCodeUpstream, "language model unavailable")
		}
		turn.Output = output
		emitter.Emit(events.TypeFinalOutput, events.FinalOutputData{
			Output:    output,
			AgentUsed: routing.DirectAnswer,
		})
	} else {
		handler, ok := s.handlers[decision.Destination]
		if !ok {
			// Routing rules can name destinations this process has no
			// handler for (e.g. a hot-reloaded rules file ahead of a
			// deploy). Degrade the same way the router does.
			s.logger.Warn("no handler for routed destination, answering directly",
				slog.String("destination", decision.Destination),
			)
			turn.AgentUsed = routing.DirectAnswer
			output, err := s.directAnswer(ctx, history, message)
			if err != nil {
				return nil, s.fail(emitter, span, ErrCodeUpstream, "language model unavailable")
			}
			turn.Output = output
			emitter.Emit(events.TypeFinalOutput, events.FinalOutputData{
				Output:    output,
				AgentUsed: routing.DirectAnswer,
			})
		} else {
			result, err := handler.Run(ctx, sessionID, toChatHistory(history), message, emitter, recorder)
			if err != nil {
				serviceTurnsTotal.WithLabelValues(decision.Destination, "oracle_error").Inc()
				return nil, s.fail(emitter, span, ErrCodeUpstream, "language model unavailable")
			}
			turn.Output = result.Output
			turn.ToolCalls = result.ToolCalls
		}
	}

	turn.Trace = recorder.Entries()

	if err := s.sessions.Append(ctx, sessionID,
		session.Turn{Role: "user", Content: message, At: start.UTC()},
		session.Turn{Role: "assistant", Content: turn.Output, At: time.Now().UTC()},
	); err != nil {
		// The turn already succeeded; losing one history write is not
		// worth failing the response over.
		s.logger.Warn("session append failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}

	serviceTurnsTotal.WithLabelValues(turn.AgentUsed, "ok").Inc()
	serviceTurnDuration.WithLabelValues(turn.AgentUsed).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("agent_used", turn.AgentUsed))
	return turn, nil
}

// directAnswer handles turns no specialist claims.
func (s *Service) directAnswer(ctx context.Context, history []session.Turn, message string) (string, error) {
	messages := make([]llm.ChatMessage, 0, len(history)+2)
	messages = append(messages, llm.ChatMessage{Role: "system", Content: directAnswerPrompt})
	messages = append(messages, toChatHistory(history)...)
	messages = append(messages, llm.ChatMessage{Role: "user", Content: message})
	return s.oracle.Complete(ctx, messages, llm.Options{})
}

// fail emits the error event, marks the span, and returns the typed error.
func (s *Service) fail(emitter *events.Emitter, span oteltrace.Span, code, message string) error {
	emitter.Emit(events.TypeError, events.ErrorData{Code: code, Message: message})
	span.SetStatus(codes.Error, message)
	return &TurnError{Code: code, Message: message}
}

// toChatHistory converts persisted turns into oracle messages.
func toChatHistory(history []session.Turn) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(history))
	for _, t := range history {
		out = append(out, llm.ChatMessage{Role: t.Role, Content: t.Content})
	}
	return out
}

// =============================================================================
// Session Access
// =============================================================================

// SessionHistory returns the persisted turns for a session, oldest first.
// Unknown sessions return an empty slice. Reading a live session counts as
// activity: its idle TTL is refreshed so a client paging through history
// does not watch the conversation expire underneath it.
func (s *Service) SessionHistory(ctx context.Context, sessionID string) ([]session.Turn, error) {
	history, err := s.sessions.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		if err := s.sessions.Touch(ctx, sessionID); err != nil {
			s.logger.Warn("session touch failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}
	return history, nil
}

// =============================================================================
// Health
// =============================================================================

// DependencyStatus reports one upstream dependency probe.
type DependencyStatus struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// CheckReadiness probes upstream dependencies concurrently.
//
// Description:
//
//	Probes the GitHub API and storage in parallel and reports per-dependency
//	status. The oracle is deliberately not probed: a completion round-trip
//	costs tokens, and oracle failures already degrade gracefully at the
//	router. Overall readiness is the conjunction of the probes.
//
// Outputs:
//   - []DependencyStatus: One entry per probe, stable order.
//   - bool: True when every probe passed.
func (s *Service) CheckReadiness(ctx context.Context) ([]DependencyStatus, bool) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	statuses := make([]DependencyStatus, 2)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.githubClient.Ping(ctx)
		statuses[0] = DependencyStatus{Name: "github", OK: err == nil}
		if err != nil {
			statuses[0].Detail = err.Error()
		}
		return nil
	})
	g.Go(func() error {
		_, err := s.sessions.History(ctx, "readiness-probe")
		statuses[1] = DependencyStatus{Name: "storage", OK: err == nil}
		if err != nil {
			statuses[1].Detail = err.Error()
		}
		return nil
	})

	// Probes report status instead of failing the group, so Wait cannot
	// return an error here.
	_ = g.Wait()

	ready := true
	for _, st := range statuses {
		ready = ready && st.OK
	}
	return statuses, ready
}
