// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	oracleRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "oracle",
		Name:      "requests_total",
		Help:      "Oracle requests by kind (complete, step) and outcome",
	}, []string{"kind", "outcome"})

	oracleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "oracle",
		Name:      "latency_seconds",
		Help:      "Latency of oracle calls",
		Buckets:   []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
	}, []string{"kind"})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var oracleTracer = otel.Tracer("aleutian.relay.llm.openai")

// =============================================================================
// OpenAI Wire Types
// =============================================================================

type openaiRequest struct {
	Model               string                `json:"model"`
	Messages            []openaiMessage       `json:"messages"`
	Temperature         *float64              `json:"temperature,omitempty"`
	MaxCompletionTokens *int                  `json:"max_completion_tokens,omitempty"`
	Tools               []openaiTool          `json:"tools,omitempty"`
	ResponseFormat      *openaiRespFormat     `json:"response_format,omitempty"`
}

type openaiRespFormat struct {
	Type string `json:"type"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  ToolParameters `json:"parameters"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiCallFunction `json:"function"`
}

type openaiCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Choices []openaiChoice `json:"choices"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// =============================================================================
// Client Implementation
// =============================================================================

// OpenAIClient implements Oracle against any OpenAI-compatible Chat
// Completions endpoint using raw net/http.
//
// Description:
//
//	Uses the REST API directly without third-party SDKs. The same client
//	serves OpenAI, vLLM, Ollama's OpenAI-compatible mode, and LiteLLM —
//	only BaseURL changes. Supports plain chat and function calling.
//
// Thread Safety: OpenAIClient is safe for concurrent use.
type OpenAIClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
	logger     *slog.Logger
}

// NewOpenAIClient creates an OpenAIClient with explicit configuration.
//
// Inputs:
//   - apiKey: Bearer token. May be empty for local endpoints.
//   - model: Model name sent with every request. Must not be empty.
//   - baseURL: API root (e.g. "https://api.openai.com/v1").
//   - timeout: Per-request timeout. Zero uses a 60s default.
//   - logger: Logger instance. May be nil.
//
// Outputs:
//   - *OpenAIClient: The configured client. Never nil.
//   - error: Non-nil if model or baseURL is empty.
func NewOpenAIClient(apiKey, model, baseURL string, timeout time.Duration, logger *slog.Logger) (*OpenAIClient, error) {
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("openai: base URL must not be empty")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}, nil
}

// Model returns the configured model name.
func (o *OpenAIClient) Model() string {
	return o.model
}

// Complete implements Oracle.Complete using the chat completions API.
//
// Inputs:
//   - ctx: Context for cancellation and timeout.
//   - messages: Conversation history (system, user, assistant).
//   - opts: Generation options.
//
// Outputs:
//   - string: The assistant's response text.
//   - error: Non-nil if the request fails.
//
// Thread Safety: This method is safe for concurrent use.
func (o *OpenAIClient) Complete(ctx context.Context, messages []ChatMessage, opts Options) (string, error) {
	ctx, span := oracleTracer.Start(ctx, "llm.OpenAIClient.Complete",
		trace.WithAttributes(
			attribute.String("model", o.model),
			attribute.Int("message_count", len(messages)),
		),
	)
	defer span.End()

	resp, err := o.send(ctx, "complete", messages, nil, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "oracle complete failed")
		return "", err
	}
	return resp.Message.Content, nil
}

// Step implements Oracle.Step using OpenAI function calling.
//
// Description:
//
//	Sends the conversation with tool definitions. A response with
//	tool_calls becomes a tool-request StepResult; otherwise the content
//	is the final answer.
//
// Thread Safety: This method is safe for concurrent use.
func (o *OpenAIClient) Step(ctx context.Context, messages []ChatMessage, tools []ToolDef, opts Options) (*StepResult, error) {
	ctx, span := oracleTracer.Start(ctx, "llm.OpenAIClient.Step",
		trace.WithAttributes(
			attribute.String("model", o.model),
			attribute.Int("message_count", len(messages)),
			attribute.Int("tool_count", len(tools)),
		),
	)
	defer span.End()

	choice, err := o.send(ctx, "step", messages, tools, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "oracle step failed")
		return nil, err
	}

	result := &StepResult{
		Content:    choice.Message.Content,
		StopReason: StopReasonEnd,
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if len(result.ToolCalls) > 0 {
		result.StopReason = StopReasonToolUse
	}

	span.SetAttributes(
		attribute.String("stop_reason", result.StopReason),
		attribute.Int("tool_calls", len(result.ToolCalls)),
	)
	return result, nil
}

// send performs one chat completions request and returns the first choice.
func (o *OpenAIClient) send(ctx context.Context, kind string, messages []ChatMessage, tools []ToolDef, opts Options) (*openaiChoice, error) {
	oaiMessages := make([]openaiMessage, 0, len(messages))
	for _, msg := range messages {
		oaiMsg := openaiMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiCallFunction{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		oaiMessages = append(oaiMessages, oaiMsg)
	}

	reqPayload := openaiRequest{
		Model:    o.model,
		Messages: oaiMessages,
	}
	if opts.Temperature >= 0 {
		t := opts.Temperature
		reqPayload.Temperature = &t
	}
	if opts.MaxTokens > 0 {
		reqPayload.MaxCompletionTokens = &opts.MaxTokens
	}
	if opts.ForceJSON {
		reqPayload.ResponseFormat = &openaiRespFormat{Type: "json_object"}
	}
	for _, td := range tools {
		reqPayload.Tools = append(reqPayload.Tools, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        td.Function.Name,
				Description: td.Function.Description,
				Parameters:  td.Function.Parameters,
			},
		})
	}

	reqBody, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("openai: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("openai: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	start := time.Now()
	resp, err := o.httpClient.Do(httpReq)
	oracleLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		oracleRequestsTotal.WithLabelValues(kind, "transport_error").Inc()
		return nil, fmt.Errorf("openai: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		oracleRequestsTotal.WithLabelValues(kind, "read_error").Inc()
		return nil, fmt.Errorf("openai: reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		oracleRequestsTotal.WithLabelValues(kind, "http_error").Inc()
		return nil, fmt.Errorf("openai: API returned status %d: %s",
			resp.StatusCode, SafeLogString(string(bodyBytes)))
	}

	var apiResp openaiResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		oracleRequestsTotal.WithLabelValues(kind, "parse_error").Inc()
		return nil, fmt.Errorf("openai: parsing response JSON: %w", err)
	}
	if apiResp.Error != nil {
		oracleRequestsTotal.WithLabelValues(kind, "api_error").Inc()
		return nil, fmt.Errorf("openai: API error: %s - %s",
			apiResp.Error.Type, SafeLogString(apiResp.Error.Message))
	}
	if len(apiResp.Choices) == 0 {
		oracleRequestsTotal.WithLabelValues(kind, "empty").Inc()
		return nil, fmt.Errorf("openai: returned no choices")
	}

	oracleRequestsTotal.WithLabelValues(kind, "success").Inc()
	o.logger.Debug("oracle response",
		slog.String("kind", kind),
		slog.String("finish_reason", apiResp.Choices[0].FinishReason),
		slog.Int("tool_calls", len(apiResp.Choices[0].Message.ToolCalls)),
	)
	return &apiResp.Choices[0], nil
}
