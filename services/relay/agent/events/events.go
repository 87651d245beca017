// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides typed turn events for the streaming surface.
//
// Events let the HTTP layer observe a turn in flight without coupling to
// the handler implementation. Emission is synchronous and in-order: a
// subscriber sees routing before any tool_call, each tool_call before its
// tool_result, and exactly one final_output or error last.
//
// Thread Safety:
//
//	All types in this package are safe for concurrent use.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeRouting is emitted once when the routing decision is made.
	TypeRouting Type = "routing"

	// TypeToolCall is emitted when a tool is about to be invoked.
	TypeToolCall Type = "tool_call"

	// TypeToolResult is emitted when a tool invocation finishes.
	TypeToolResult Type = "tool_result"

	// TypeFinalOutput is emitted once with the turn's final text.
	TypeFinalOutput Type = "final_output"

	// TypeError is emitted instead of final_output when the turn fails.
	TypeError Type = "error"
)

// Event is one observable step of a turn.
//
// Thread Safety: Events are immutable after creation.
type Event struct {
	// ID uniquely identifies this event.
	ID string `json:"id"`

	// Type identifies the kind of event.
	Type Type `json:"type"`

	// SessionID links the event to its session.
	SessionID string `json:"session_id"`

	// Timestamp is when the event occurred (Unix milliseconds UTC).
	Timestamp int64 `json:"timestamp"`

	// Data is the event-specific payload: RoutingData, ToolCallData,
	// ToolResultData, FinalOutputData, or ErrorData.
	Data any `json:"data"`
}

// RoutingData is the payload of a routing event.
type RoutingData struct {
	Destination string `json:"destination"`
	Reason      string `json:"reason"`
	Source      string `json:"source"`
}

// ToolCallData is the payload of a tool_call event.
type ToolCallData struct {
	CallID string         `json:"call_id"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
}

// ToolResultData is the payload of a tool_result event.
type ToolResultData struct {
	CallID   string `json:"call_id"`
	Tool     string `json:"tool"`
	OK       bool   `json:"ok"`
	ErrCode  string `json:"error_code,omitempty"`
	CacheHit bool   `json:"cache_hit"`
}

// FinalOutputData is the payload of a final_output event.
type FinalOutputData struct {
	Output    string `json:"output"`
	AgentUsed string `json:"agent_used"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler processes one event. Handlers must not block: emission is
// synchronous and a slow handler stalls the turn.
type Handler func(Event)

// Emitter broadcasts one turn's events to subscribers in emission order.
//
// Thread Safety: Safe for concurrent use.
type Emitter struct {
	mu        sync.RWMutex
	sessionID string
	handlers  []Handler
}

// NewEmitter creates an emitter for one turn of the given session.
func NewEmitter(sessionID string) *Emitter {
	return &Emitter{sessionID: sessionID}
}

// Subscribe registers a handler for all subsequent events.
func (e *Emitter) Subscribe(h Handler) {
	if h == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Emit delivers an event to all subscribers synchronously, preserving
// emission order. Nil emitters are silently inert so handlers can run
// without a streaming consumer.
func (e *Emitter) Emit(t Type, data any) {
	if e == nil {
		return
	}
	ev := Event{
		ID:        uuid.NewString(),
		Type:      t,
		SessionID: e.sessionID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
