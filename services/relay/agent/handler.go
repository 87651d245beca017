// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent runs the bounded tool-call loop for one destination.
//
// The handler owns a single turn: it feeds the conversation and the
// destination's tool declarations to the oracle, executes requested tools
// sequentially, feeds results (including typed failures) back into the
// conversation, and stops on a final answer or the step cap. Tool failures
// are recoverable data the oracle sees; only oracle transport failure fails
// the turn.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianRelay/services/relay/agent/events"
	"github.com/AleutianAI/AleutianRelay/services/relay/approval"
	"github.com/AleutianAI/AleutianRelay/services/relay/audit"
	"github.com/AleutianAI/AleutianRelay/services/relay/llm"
	"github.com/AleutianAI/AleutianRelay/services/relay/toolcache"
	"github.com/AleutianAI/AleutianRelay/services/relay/tools"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	handlerTurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "handler",
		Name:      "turns_total",
		Help:      "Handler turns by destination and outcome (final, step_limit, oracle_error)",
	}, []string{"destination", "outcome"})

	handlerStepsPerTurn = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "handler",
		Name:      "steps_per_turn",
		Help:      "Oracle steps taken per turn",
		Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
	}, []string{"destination"})

	handlerToolDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "handler",
		Name:      "tool_dispatch_total",
		Help:      "Tool dispatches by destination, tool, and outcome",
	}, []string{"destination", "tool", "outcome"})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var handlerTracer = otel.Tracer("aleutian.relay.agent")

// =============================================================================
// Types
// =============================================================================

// defaultMaxSteps bounds the loop when the configuration does not.
const defaultMaxSteps = 6

// defaultCacheTTL applies when neither the tool nor the configuration
// declares a TTL.
const defaultCacheTTL = 5 * time.Minute

// stepLimitMessage is the user-visible text when the step cap fires.
const stepLimitMessage = "I could not complete this request within the allowed number of steps. Please try a more specific request."

// ToolCallRecord is one executed tool invocation, reported in the turn
// result in execution order.
type ToolCallRecord struct {
	// ToolName is the tool that was invoked.
	ToolName string `json:"tool_name"`

	// ToolInput is the validated argument map.
	ToolInput map[string]any `json:"tool_input"`

	// ToolOutput is the result payload, or an error envelope for typed
	// failures.
	ToolOutput any `json:"tool_output"`
}

// TurnResult is the outcome of one handled turn.
type TurnResult struct {
	// Output is the final text shown to the user.
	Output string `json:"output"`

	// ToolCalls lists executed invocations in order.
	ToolCalls []ToolCallRecord `json:"tool_calls"`

	// StepLimitHit is true when the turn ended on the step cap rather
	// than a final answer.
	StepLimitHit bool `json:"step_limit_hit,omitempty"`
}

// Handler runs turns against one destination's tool registry.
//
// Thread Safety: Safe for concurrent use; all per-turn state is local to
// Run.
type Handler struct {
	destination  string
	oracle       llm.Oracle
	registry     *tools.Registry
	cache        toolcache.Cache
	cacheVersion string
	cacheTTL     time.Duration
	gate         *approval.Gate
	auditLog     *audit.Logger
	maxSteps     int
	logger       *slog.Logger
}

// Config assembles a Handler.
type Config struct {
	// Oracle drives the loop. Must not be nil.
	Oracle llm.Oracle

	// Registry is the destination's tool set. Must not be nil.
	Registry *tools.Registry

	// Cache serves read-only tool results. Nil disables caching.
	Cache toolcache.Cache

	// CacheVersion is the deployment-wide tool schema version prefixed to
	// every cache key's version segment. Bumping it invalidates all cached
	// results at once. Empty uses each tool's own version unprefixed.
	CacheVersion string

	// DefaultCacheTTL applies to read-only tools that do not declare their
	// own CacheTTL. Zero uses the package default (5m).
	DefaultCacheTTL time.Duration

	// Gate validates approval tokens for sensitive tools. Nil disables
	// sensitive tools entirely; set it in any real deployment.
	Gate *approval.Gate

	// AuditLog records approved sensitive executions. Nil disables audit.
	AuditLog *audit.Logger

	// MaxSteps caps oracle steps per turn. Zero uses the default (6).
	MaxSteps int

	// Logger may be nil.
	Logger *slog.Logger
}

// NewHandler creates a Handler for the registry's destination.
//
// Outputs:
//   - *Handler: The handler.
//   - error: Non-nil if Oracle or Registry is missing.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("agent: oracle must not be nil")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("agent: registry must not be nil")
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	cacheTTL := cfg.DefaultCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		destination:  cfg.Registry.Destination(),
		oracle:       cfg.Oracle,
		registry:     cfg.Registry,
		cache:        cfg.Cache,
		cacheVersion: cfg.CacheVersion,
		cacheTTL:     cacheTTL,
		gate:         cfg.Gate,
		auditLog:     cfg.AuditLog,
		maxSteps:     maxSteps,
		logger:       logger.With(slog.String("destination", cfg.Registry.Destination())),
	}, nil
}

// Destination returns the destination label this handler serves.
func (h *Handler) Destination() string {
	return h.destination
}

// =============================================================================
// Turn Loop
// =============================================================================

// Run executes one turn.
//
// Description:
//
//	Builds the conversation (system prompt, prior history, new message)
//	and loops: oracle step, then sequential tool dispatch for any
//	requested calls, each result appended as a tool message before the
//	next step. A final answer ends the turn. Reaching the step cap ends
//	it with a degraded message and StepLimitHit set — that is a result,
//	not an error. The only error return is oracle transport failure.
//
// Inputs:
//   - ctx: Context bounding the whole turn.
//   - sessionID: The session this turn belongs to.
//   - history: Prior conversation turns, oldest first.
//   - message: The (possibly refined) user message.
//   - emitter: Receives turn events. May be nil.
//   - recorder: Receives trace entries. May be nil.
//
// Outputs:
//   - *TurnResult: The turn outcome. Nil only when error is non-nil.
//   - error: Oracle transport failure.
func (h *Handler) Run(ctx context.Context, sessionID string, history []llm.ChatMessage, message string, emitter *events.Emitter, recorder *TraceRecorder) (*TurnResult, error) {
	ctx, span := handlerTracer.Start(ctx, "agent.Handler.Run",
		trace.WithAttributes(
			attribute.String("destination", h.destination),
			attribute.Int("history_length", len(history)),
		),
	)
	defer span.End()

	messages := make([]llm.ChatMessage, 0, len(history)+2)
	messages = append(messages, llm.ChatMessage{Role: "system", Content: h.systemPrompt()})
	messages = append(messages, history...)
	messages = append(messages, llm.ChatMessage{Role: "user", Content: message})

	defs := h.registry.Definitions()
	result := &TurnResult{ToolCalls: []ToolCallRecord{}}

	for step := 1; step <= h.maxSteps; step++ {
		stepResult, err := h.oracle.Step(ctx, messages, defs, llm.Options{Temperature: 0})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "oracle step failed")
			handlerTurnsTotal.WithLabelValues(h.destination, "oracle_error").Inc()
			return nil, fmt.Errorf("agent: oracle step %d: %w", step, err)
		}

		if stepResult.IsFinal() {
			result.Output = stepResult.Content
			handlerTurnsTotal.WithLabelValues(h.destination, "final").Inc()
			handlerStepsPerTurn.WithLabelValues(h.destination).Observe(float64(step))
			span.SetAttributes(attribute.Int("steps", step))
			emitter.Emit(events.TypeFinalOutput, events.FinalOutputData{
				Output:    result.Output,
				AgentUsed: h.destination,
			})
			return result, nil
		}

		// Assistant message carrying the tool requests must precede the
		// tool results in the conversation.
		messages = append(messages, llm.ChatMessage{
			Role:      "assistant",
			Content:   stepResult.Content,
			ToolCalls: stepResult.ToolCalls,
		})

		for _, call := range stepResult.ToolCalls {
			callID := call.ID
			if callID == "" {
				callID = uuid.NewString()
			}
			payload, record := h.dispatch(ctx, sessionID, callID, call, emitter, recorder)
			result.ToolCalls = append(result.ToolCalls, record)

			raw, err := json.Marshal(payload)
			if err != nil {
				raw = []byte(fmt.Sprintf(`{"error":{"code":%q,"message":"result serialization failed"}}`,
					tools.ErrCodeUpstreamUnavailable))
			}
			messages = append(messages, llm.ChatMessage{
				Role:       "tool",
				Content:    string(raw),
				ToolCallID: callID,
				ToolName:   call.Name,
			})
		}
	}

	// Step cap reached: a degraded result, not an error.
	result.Output = stepLimitMessage
	result.StepLimitHit = true
	handlerTurnsTotal.WithLabelValues(h.destination, "step_limit").Inc()
	handlerStepsPerTurn.WithLabelValues(h.destination).Observe(float64(h.maxSteps))
	span.SetAttributes(attribute.Bool("step_limit_hit", true))
	h.logger.Warn("turn hit step limit",
		slog.String("session_id", sessionID),
		slog.Int("max_steps", h.maxSteps),
	)
	emitter.Emit(events.TypeFinalOutput, events.FinalOutputData{
		Output:    result.Output,
		AgentUsed: h.destination,
	})
	return result, nil
}

// systemPrompt renders the destination's instructions from its live tool
// registry.
func (h *Handler) systemPrompt() string {
	names := h.registry.Names()
	prompt := fmt.Sprintf(
		"You are the %s specialist agent. Use the provided tools to fulfill the user's request, then answer concisely based on tool results.\n"+
			"Available tools: %s.\n"+
			"If a tool returns an error object, read its code and message: fix your arguments and retry, use a different tool, or explain the problem to the user. "+
			"If a tool result says approval_required, relay the approval token and instructions to the user instead of retrying.",
		h.destination, joinNames(names))
	return prompt
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

// =============================================================================
// Tool Dispatch
// =============================================================================

// errorEnvelope is the serialized form of a typed tool failure fed back to
// the oracle.
type errorEnvelope struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func envelope(code, message string, retryable bool) errorEnvelope {
	var e errorEnvelope
	e.Error.Code = code
	e.Error.Message = message
	e.Error.Retryable = retryable
	return e
}

// dispatch validates, gates, caches, and executes one tool call. It always
// produces a payload — failures become error envelopes the oracle can act
// on — and emits the paired tool_call/tool_result events.
func (h *Handler) dispatch(ctx context.Context, sessionID, callID string, call llm.ToolCallRequest, emitter *events.Emitter, recorder *TraceRecorder) (any, ToolCallRecord) {
	args, err := call.ArgumentsMap()
	if err != nil {
		args = map[string]any{}
	}

	emitter.Emit(events.TypeToolCall, events.ToolCallData{
		CallID: callID,
		Tool:   call.Name,
		Args:   args,
	})
	recorder.Record(TraceToolCall, callID, map[string]any{
		"tool": call.Name,
		"args": args,
	})

	payload, errCode, cacheHit := h.execute(ctx, sessionID, call.Name, args, err)

	handlerToolDispatchTotal.WithLabelValues(h.destination, call.Name, outcomeLabel(errCode, cacheHit)).Inc()
	emitter.Emit(events.TypeToolResult, events.ToolResultData{
		CallID:   callID,
		Tool:     call.Name,
		OK:       errCode == "",
		ErrCode:  errCode,
		CacheHit: cacheHit,
	})
	recorder.Record(TraceToolResult, callID, map[string]any{
		"tool":      call.Name,
		"ok":        errCode == "",
		"err_code":  errCode,
		"cache_hit": cacheHit,
	})

	return payload, ToolCallRecord{
		ToolName:   call.Name,
		ToolInput:  args,
		ToolOutput: payload,
	}
}

func outcomeLabel(errCode string, cacheHit bool) string {
	switch {
	case errCode != "":
		return errCode
	case cacheHit:
		return "cache_hit"
	default:
		return "success"
	}
}

// execute performs the validation/approval/cache/execution pipeline and
// returns the result payload, the error code (empty on success), and
// whether the cache served it.
func (h *Handler) execute(ctx context.Context, sessionID, name string, args map[string]any, argsErr error) (any, string, bool) {
	if argsErr != nil {
		return envelope(tools.ErrCodeInvalidArgument,
			"tool arguments were not a JSON object", false), tools.ErrCodeInvalidArgument, false
	}

	tool := h.registry.Get(name)
	if tool == nil {
		return envelope(tools.ErrCodeInvalidArgument,
			fmt.Sprintf("unknown tool %q", name), false), tools.ErrCodeInvalidArgument, false
	}

	validated, err := tools.ValidateArgs(tool, args)
	if err != nil {
		te := tools.AsToolError(err)
		return envelope(te.Code, te.Message, te.Retryable), te.Code, false
	}

	if tool.Sensitive {
		payload, ok := h.checkApproval(sessionID, tool, validated)
		if !ok {
			return payload, approvalErrCode(payload), false
		}
		delete(validated, "approval_token")
	}

	if tool.ReadOnly && h.cache != nil {
		return h.executeCached(ctx, tool, validated)
	}

	payload, errCode := h.callTool(ctx, tool, validated)
	return payload, errCode, false
}

func approvalErrCode(payload any) string {
	if _, isEnvelope := payload.(errorEnvelope); isEnvelope {
		return "approval_invalid_or_expired"
	}
	// Token issuance is not a failure; the oracle relays it to the user.
	return ""
}

// checkApproval enforces the approval gate for a sensitive tool. Returns
// (payload, false) when execution must not proceed: either a freshly issued
// token for the user, or a rejection envelope. Returns (nil, true) when the
// action is approved.
func (h *Handler) checkApproval(sessionID string, tool *tools.Tool, validated map[string]any) (any, bool) {
	token, _ := validated["approval_token"].(string)

	// The binding covers the action arguments only, never the token itself.
	binding := make(map[string]any, len(validated))
	for k, v := range validated {
		if k != "approval_token" {
			binding[k] = v
		}
	}

	if h.gate == nil {
		return envelope("approval_invalid_or_expired",
			"approval gate is not configured; sensitive tools are disabled", false), false
	}

	if token == "" {
		issued, err := h.gate.Issue(tool.Name, binding, sessionID)
		if err != nil {
			return envelope(tools.ErrCodeUpstreamUnavailable,
				"could not issue approval token", true), false
		}
		return map[string]any{
			"approval_required": true,
			"tool_name":         tool.Name,
			"approval_token":    issued.Value,
			"expires_at":        issued.ExpiresAt,
			"message":           "Re-run with approval_token to execute this mutating action.",
		}, false
	}

	reason, err := h.gate.Validate(token, tool.Name, binding, sessionID)
	if err != nil {
		return envelope(tools.ErrCodeUpstreamUnavailable,
			"approval validation unavailable", true), false
	}
	if reason != approval.ReasonOK {
		h.logger.Warn("approval rejected",
			slog.String("session_id", sessionID),
			slog.String("tool", tool.Name),
			slog.String("reason", reason),
		)
		return envelope("approval_invalid_or_expired",
			fmt.Sprintf("approval validation failed: %s", reason), false), false
	}

	if h.auditLog != nil {
		h.auditLog.SensitiveAction(sessionID, h.destination, tool.Name, binding)
	}
	return nil, true
}

// executeCached serves a read-only tool through the cache.
func (h *Handler) executeCached(ctx context.Context, tool *tools.Tool, validated map[string]any) (any, string, bool) {
	key, err := toolcache.BuildKey(h.destination, tool.Name, h.cacheKeyVersion(tool), validated)
	if err != nil {
		// Unkeyable args: fall through to direct execution.
		payload, errCode := h.callTool(ctx, tool, validated)
		return payload, errCode, false
	}

	if raw, found, err := h.cache.Get(ctx, key); err == nil && found {
		var payload any
		if json.Unmarshal(raw, &payload) == nil {
			return payload, "", true
		}
	}

	payload, errCode := h.callTool(ctx, tool, validated)
	if errCode == "" {
		ttl := tool.CacheTTL
		if ttl <= 0 {
			ttl = h.cacheTTL
		}
		if raw, err := json.Marshal(payload); err == nil {
			if err := h.cache.Set(ctx, key, raw, ttl); err != nil {
				h.logger.Warn("tool cache write failed",
					slog.String("tool", tool.Name),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return payload, errCode, false
}

// cacheKeyVersion composes the deployment cache version with the tool's own
// version. Bumping either one retires that slice of the cache.
func (h *Handler) cacheKeyVersion(tool *tools.Tool) string {
	if h.cacheVersion == "" {
		return tool.Version
	}
	return h.cacheVersion + "." + tool.Version
}

// callTool invokes the tool body, converting failures to envelopes.
func (h *Handler) callTool(ctx context.Context, tool *tools.Tool, validated map[string]any) (any, string) {
	payload, err := tool.Func(ctx, validated)
	if err == nil {
		return payload, ""
	}
	te := tools.AsToolError(err)
	if te == nil {
		te = tools.UpstreamUnavailable(tool.Name, err.Error())
	}
	h.logger.Debug("tool failed",
		slog.String("tool", tool.Name),
		slog.String("code", te.Code),
		slog.String("error", te.Message),
	)
	return envelope(te.Code, te.Message, te.Retryable), te.Code
}
