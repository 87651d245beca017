// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"

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

// newTestService assembles a Service over in-memory storage, a scripted
// oracle, and a stub GitHub API.
func newTestService(t *testing.T, oracle llm.Oracle, githubAPI http.HandlerFunc) *Service {
	t.Helper()

	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	srv := httptest.NewServer(githubAPI)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.DiscardHandler)
	cache, err := toolcache.NewMemoryCache(64)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	gate, err := approval.NewGate([]byte("test-secret-test-secret-test-1234"), time.Minute)
	if err != nil {
		t.Fatalf("create gate: %v", err)
	}

	githubClient := github.NewClient("", srv.URL, logger)
	supportStore := support.NewStore(db)
	if err := supportStore.SeedDemoData(context.Background()); err != nil {
		t.Fatalf("seed support data: %v", err)
	}

	githubRegistry, err := github.NewRegistry(githubClient)
	if err != nil {
		t.Fatalf("build github registry: %v", err)
	}
	supportRegistry, err := support.NewRegistry(supportStore)
	if err != nil {
		t.Fatalf("build support registry: %v", err)
	}

	s := &Service{
		cfg: &config.Config{
			MaxMessageLength: 2000,
			MaxSteps:         6,
			TurnTimeout:      30 * time.Second,
			Cache: config.CacheConfig{
				DefaultTTL:  time.Minute,
				ToolVersion: "v1",
			},
		},
		logger:       logger,
		db:           db,
		cache:        cache,
		gate:         gate,
		sessions:     session.NewStore(db, time.Hour),
		auditLog:     audit.NewLogger(logger),
		oracle:       oracle,
		githubClient: githubClient,
		supportStore: supportStore,
		handlers:     make(map[string]*agent.Handler),
	}

	for _, reg := range []*tools.Registry{githubRegistry, supportRegistry} {
		h, err := agent.NewHandler(agent.Config{
			Oracle:          oracle,
			Registry:        reg,
			Cache:           cache,
			CacheVersion:    s.cfg.Cache.ToolVersion,
			DefaultCacheTTL: s.cfg.Cache.DefaultTTL,
			Gate:            gate,
			AuditLog:        s.auditLog,
			MaxSteps:        s.cfg.MaxSteps,
			Logger:          logger,
		})
		if err != nil {
			t.Fatalf("build %s handler: %v", reg.Destination(), err)
		}
		s.handlers[h.Destination()] = h
	}

	rules, err := config.DefaultRoutingRules()
	if err != nil {
		t.Fatalf("load routing rules: %v", err)
	}
	s.registry = routing.NewRegistry(rules)
	s.router = routing.NewRouter(s.registry, oracle, logger)
	return s
}

func collectTurnEvents(sessionID string) (*events.Emitter, *[]events.Event) {
	emitter := events.NewEmitter(sessionID)
	collected := &[]events.Event{}
	emitter.Subscribe(func(ev events.Event) {
		*collected = append(*collected, ev)
	})
	return emitter, collected
}

func eventTypes(evs []events.Event) []events.Type {
	out := make([]events.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// =============================================================================
// Turn Scenarios
// =============================================================================

func TestService_RunTurn_GitHubScenario(t *testing.T) {
	oracle := &llm.ScriptedOracle{Steps: []*llm.StepResult{
		{
			ToolCalls: []llm.ToolCallRequest{{
				ID:        "call_1",
				Name:      "get_repo_info",
				Arguments: json.RawMessage(`{"owner": "golang", "repo": "go"}`),
			}},
			StopReason: llm.StopReasonToolUse,
		},
		{Content: "golang/go has 120000 stars.", StopReason: llm.StopReasonEnd},
	}}
	s := newTestService(t, oracle, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"name": "go", "full_name": "golang/go", "stargazers_count": 120000,
		})
	})

	emitter, collected := collectTurnEvents("sess-gh")
	turn, err := s.RunTurn(context.Background(), "sess-gh",
		"How many stars does golang/go have on github?", emitter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if turn.AgentUsed != "github" {
		t.Errorf("expected github destination, got %s", turn.AgentUsed)
	}
	if turn.Routing.Source != routing.SourcePrefilter {
		t.Errorf("expected keyword prefilter routing, got %s", turn.Routing.Source)
	}
	if oracle.CompleteCalls() != 0 {
		t.Error("prefilter hit must not consult the routing oracle")
	}
	if turn.Output != "golang/go has 120000 stars." {
		t.Errorf("unexpected output %q", turn.Output)
	}
	if len(turn.ToolCalls) != 1 || turn.ToolCalls[0].ToolName != "get_repo_info" {
		t.Fatalf("expected one get_repo_info call, got %+v", turn.ToolCalls)
	}

	want := []events.Type{events.TypeRouting, events.TypeToolCall, events.TypeToolResult, events.TypeFinalOutput}
	got := eventTypes(*collected)
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	// Both sides of the exchange are persisted.
	history, err := s.SessionHistory(context.Background(), "sess-gh")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Role != "user" || history[1].Role != "assistant" {
		t.Errorf("expected user+assistant turns persisted, got %+v", history)
	}
}

func TestService_RunTurn_SupportScenario(t *testing.T) {
	oracle := &llm.ScriptedOracle{Steps: []*llm.StepResult{
		{
			ToolCalls: []llm.ToolCallRequest{{
				ID:        "call_1",
				Name:      "get_order_status",
				Arguments: json.RawMessage(`{"order_id": "1002"}`),
			}},
			StopReason: llm.StopReasonToolUse,
		},
		{Content: "Order 1002 has shipped.", StopReason: llm.StopReasonEnd},
	}}
	s := newTestService(t, oracle, func(w http.ResponseWriter, r *http.Request) {
		t.Error("support turns must not reach the GitHub API")
	})

	turn, err := s.RunTurn(context.Background(), "sess-sup",
		"What is the status of order 1002?", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if turn.AgentUsed != "support" {
		t.Errorf("expected support destination, got %s", turn.AgentUsed)
	}
	if turn.Output != "Order 1002 has shipped." {
		t.Errorf("unexpected output %q", turn.Output)
	}
	payload := turn.ToolCalls[0].ToolOutput.(map[string]any)
	if payload["status"] != support.StatusShipped {
		t.Errorf("expected live order data in the tool record, got %v", payload)
	}
}

func TestService_RunTurn_DirectAnswer(t *testing.T) {
	// First completion answers the routing oracle, second the user.
	oracle := &llm.ScriptedOracle{Completions: []string{
		`{"agent": "none", "reason": "no specialist covers weather"}`,
		"I cannot check live weather, but I can help with GitHub or orders.",
	}}
	s := newTestService(t, oracle, func(w http.ResponseWriter, r *http.Request) {
		t.Error("direct answers must not reach the GitHub API")
	})

	emitter, collected := collectTurnEvents("sess-da")
	turn, err := s.RunTurn(context.Background(), "sess-da", "What is the weather like today?", emitter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if turn.AgentUsed != routing.DirectAnswer {
		t.Errorf("expected direct answer, got %s", turn.AgentUsed)
	}
	if len(turn.ToolCalls) != 0 {
		t.Errorf("expected no tool calls on a direct answer, got %d", len(turn.ToolCalls))
	}

	got := eventTypes(*collected)
	if len(got) != 2 || got[0] != events.TypeRouting || got[1] != events.TypeFinalOutput {
		t.Errorf("expected routing then final_output, got %v", got)
	}
}

func TestService_RunTurn_MintsSessionID(t *testing.T) {
	oracle := &llm.ScriptedOracle{Completions: []string{
		`{"agent": "none", "reason": "chitchat"}`,
		"Hello!",
	}}
	s := newTestService(t, oracle, func(w http.ResponseWriter, r *http.Request) {})

	turn, err := s.RunTurn(context.Background(), "", "Hello there, how are you?", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if turn.SessionID == "" {
		t.Fatal("expected a minted session id")
	}

	history, err := s.SessionHistory(context.Background(), turn.SessionID)
	if err != nil || len(history) != 2 {
		t.Errorf("expected history under the minted id, got %d turns, err %v", len(history), err)
	}
}

// sessionExpiry reads the raw Badger expiry timestamp for a session entry.
func sessionExpiry(t *testing.T, db *storage.DB, sessionID string) uint64 {
	t.Helper()
	var expiresAt uint64
	err := db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("session:" + sessionID))
		if err != nil {
			return err
		}
		expiresAt = item.ExpiresAt()
		return nil
	})
	if err != nil {
		t.Fatalf("read session entry: %v", err)
	}
	return expiresAt
}

func TestService_SessionHistory_RefreshesIdleTTL(t *testing.T) {
	oracle := &llm.ScriptedOracle{}
	s := newTestService(t, oracle, func(w http.ResponseWriter, r *http.Request) {})
	ctx := context.Background()

	if err := s.sessions.Append(ctx, "sess-ttl", session.Turn{Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	before := sessionExpiry(t, s.db, "sess-ttl")

	// Badger TTLs have second granularity; cross a boundary so the refresh
	// is observable.
	time.Sleep(1100 * time.Millisecond)

	history, err := s.SessionHistory(ctx, "sess-ttl")
	if err != nil || len(history) != 1 {
		t.Fatalf("expected 1 turn, got %d, err %v", len(history), err)
	}

	after := sessionExpiry(t, s.db, "sess-ttl")
	if after <= before {
		t.Errorf("expected the read to refresh the idle TTL, expiry stayed at %d", after)
	}
}

func TestService_SessionHistory_UnknownSessionNotCreated(t *testing.T) {
	oracle := &llm.ScriptedOracle{}
	s := newTestService(t, oracle, func(w http.ResponseWriter, r *http.Request) {})

	history, err := s.SessionHistory(context.Background(), "never-seen")
	if err != nil || len(history) != 0 {
		t.Fatalf("expected empty history for unknown session, got %d, err %v", len(history), err)
	}

	// The read path must not have created an entry as a side effect.
	again, err := s.sessions.History(context.Background(), "never-seen")
	if err != nil || len(again) != 0 {
		t.Errorf("expected unknown session to stay absent, got %d turns", len(again))
	}
}

// =============================================================================
// Input Validation
// =============================================================================

func TestService_RunTurn_RejectsBadInput(t *testing.T) {
	oracle := &llm.ScriptedOracle{}
	s := newTestService(t, oracle, func(w http.ResponseWriter, r *http.Request) {})
	s.cfg.MaxMessageLength = 20

	tests := []struct {
		name    string
		message string
	}{
		{name: "empty", message: ""},
		{name: "whitespace only", message: "   \n\t  "},
		{name: "oversized", message: "this message is far longer than twenty characters"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			emitter, collected := collectTurnEvents("sess-bad")
			_, err := s.RunTurn(context.Background(), "sess-bad", tc.message, emitter)

			var turnErr *TurnError
			if !errors.As(err, &turnErr) {
				t.Fatalf("expected *TurnError, got %v", err)
			}
			if turnErr.Code != ErrCodeInvalidInput {
				t.Errorf("expected %s, got %s", ErrCodeInvalidInput, turnErr.Code)
			}
			if turnErr.HTTPStatus() != http.StatusBadRequest {
				t.Errorf("expected 400 mapping, got %d", turnErr.HTTPStatus())
			}

			got := eventTypes(*collected)
			if len(got) != 1 || got[0] != events.TypeError {
				t.Errorf("expected a single error event, got %v", got)
			}
		})
	}
}

func TestService_RunTurn_OracleFailureIsUpstream(t *testing.T) {
	oracle := &llm.ScriptedOracle{Err: errors.New("connection refused")}
	s := newTestService(t, oracle, func(w http.ResponseWriter, r *http.Request) {})

	// Routed to github by keyword; the handler's first oracle step fails.
	_, err := s.RunTurn(context.Background(), "sess-up",
		"List open issues in the golang/go github repository", nil)

	var turnErr *TurnError
	if !errors.As(err, &turnErr) {
		t.Fatalf("expected *TurnError, got %v", err)
	}
	if turnErr.Code != ErrCodeUpstream {
		t.Errorf("expected %s, got %s", ErrCodeUpstream, turnErr.Code)
	}
	if turnErr.HTTPStatus() != http.StatusBadGateway {
		t.Errorf("expected 502 mapping, got %d", turnErr.HTTPStatus())
	}
}

// =============================================================================
// Readiness
// =============================================================================

func TestService_CheckReadiness(t *testing.T) {
	oracle := &llm.ScriptedOracle{}
	s := newTestService(t, oracle, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	statuses, ready := s.CheckReadiness(context.Background())
	if !ready {
		t.Fatalf("expected ready with healthy dependencies, got %+v", statuses)
	}
	if len(statuses) != 2 || statuses[0].Name != "github" || statuses[1].Name != "storage" {
		t.Errorf("expected github and storage probes, got %+v", statuses)
	}
}

func TestService_CheckReadiness_GitHubDown(t *testing.T) {
	oracle := &llm.ScriptedOracle{}
	// 404 is a definite failure, so the probe fails without retry delays.
	s := newTestService(t, oracle, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	statuses, ready := s.CheckReadiness(context.Background())
	if ready {
		t.Fatal("expected not ready when the GitHub probe fails")
	}
	if statuses[0].OK || statuses[0].Detail == "" {
		t.Errorf("expected failed github probe with detail, got %+v", statuses[0])
	}
	if !statuses[1].OK {
		t.Errorf("expected storage probe to pass, got %+v", statuses[1])
	}
}
