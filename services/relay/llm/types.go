// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm isolates the Relay service's one non-deterministic dependency —
// the language-model oracle — behind a narrow interface.
//
// The oracle either answers directly or requests tool invocations; everything
// downstream of its output is deterministic. Tests substitute a
// ScriptedOracle with a fixed response sequence.
//
// Thread Safety:
//
//	All implementations in this package must be safe for concurrent use.
package llm

import (
	"context"
	"encoding/json"
)

// ToolDef is the generic tool definition sent to the oracle.
// Follows the OpenAI function calling schema.
//
// Thread Safety: ToolDef is immutable and safe for concurrent read access.
type ToolDef struct {
	// Type is the tool type. Always "function" for function calling.
	Type string `json:"type"`

	// Function contains the function definition.
	Function ToolFunction `json:"function"`
}

// ToolFunction contains the function name, description, and parameter schema.
type ToolFunction struct {
	// Name is the function name the model will call.
	Name string `json:"name"`

	// Description explains what the function does.
	Description string `json:"description"`

	// Parameters defines the JSON Schema for function parameters.
	Parameters ToolParameters `json:"parameters"`
}

// ToolParameters defines the JSON Schema for tool parameters.
type ToolParameters struct {
	// Type is the JSON Schema type. Always "object" for tool parameters.
	Type string `json:"type"`

	// Properties maps parameter names to their definitions.
	Properties map[string]ToolParamDef `json:"properties,omitempty"`

	// Required lists parameter names that must be provided.
	Required []string `json:"required,omitempty"`
}

// ToolParamDef defines a single parameter in JSON Schema format.
type ToolParamDef struct {
	// Type is the JSON Schema type (string, integer, boolean, number).
	Type string `json:"type"`

	// Description explains what the parameter is for.
	Description string `json:"description,omitempty"`

	// Enum restricts values to a set of options.
	Enum []any `json:"enum,omitempty"`

	// Default is the default value if not provided.
	Default any `json:"default,omitempty"`
}

// ChatMessage is one conversation message with optional tool metadata.
//
// Description:
//
//	Regular messages use Role + Content. Tool results include ToolCallID
//	and ToolName. Assistant messages that requested tools carry ToolCalls.
//
// Thread Safety: ChatMessage is safe for concurrent read access.
type ChatMessage struct {
	// Role is the message role: "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content,omitempty"`

	// ToolCalls contains tool invocations (for assistant messages).
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`

	// ToolCallID links this message back to a specific tool call
	// (for tool result messages).
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolName is the tool name for tool result messages.
	ToolName string `json:"tool_name,omitempty"`
}

// ToolCallRequest is one tool invocation requested by the oracle.
//
// Thread Safety: ToolCallRequest is safe for concurrent read access.
type ToolCallRequest struct {
	// ID uniquely identifies this call within the turn. Providers that do
	// not supply IDs get synthetic ones.
	ID string `json:"id"`

	// Name is the tool name to call.
	Name string `json:"name"`

	// Arguments is the raw JSON argument object for the tool.
	Arguments json.RawMessage `json:"arguments"`
}

// ArgumentsMap decodes the raw arguments into a generic map.
//
// Outputs:
//   - map[string]any: Decoded arguments. Empty map for empty input.
//   - error: Non-nil if the arguments are not a JSON object.
func (t *ToolCallRequest) ArgumentsMap() (map[string]any, error) {
	if len(t.Arguments) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(t.Arguments, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// Stop reasons reported by StepResult.
const (
	// StopReasonEnd means the oracle produced a final answer.
	StopReasonEnd = "end"

	// StopReasonToolUse means the oracle requested tool invocations.
	StopReasonToolUse = "tool_use"
)

// StepResult is the tagged result of one oracle step.
//
// Description:
//
//	Exactly one of the two variants is meaningful: when ToolCalls is empty
//	the step is a final answer (Content), otherwise it is a tool request.
//	IsFinal() expresses the tag.
//
// Thread Safety: StepResult is safe for concurrent read access.
type StepResult struct {
	// Content is the text response (may be empty if only tool calls).
	Content string

	// ToolCalls contains tool requests from the oracle.
	ToolCalls []ToolCallRequest

	// StopReason indicates why generation stopped:
	// StopReasonEnd or StopReasonToolUse.
	StopReason string
}

// IsFinal reports whether this step is a final answer with no tool requests.
func (r *StepResult) IsFinal() bool {
	return len(r.ToolCalls) == 0
}

// Options holds provider-agnostic generation options for one request.
type Options struct {
	// Temperature controls randomness. Negative omits it from the request.
	Temperature float64

	// MaxTokens limits the response length. Zero omits it.
	MaxTokens int

	// ForceJSON requests a JSON-object response format. Used by the router
	// so the oracle cannot wrap its decision in prose or code fences.
	ForceJSON bool
}

// Oracle is the language-model dependency of the Relay core.
//
// Description:
//
//	Complete serves plain text generation (routing decisions, direct
//	answers). Step advances a tool-call loop: given the conversation and
//	the visible tool set, the oracle returns either a final answer or a
//	batch of tool requests.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Oracle interface {
	Complete(ctx context.Context, messages []ChatMessage, opts Options) (string, error)
	Step(ctx context.Context, messages []ChatMessage, tools []ToolDef, opts Options) (*StepResult, error)
}
