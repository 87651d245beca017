// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"sync"
	"time"
)

// TraceEntryKind distinguishes trace entries.
type TraceEntryKind string

const (
	// TraceRouting records the turn's routing decision.
	TraceRouting TraceEntryKind = "routing"

	// TraceToolCall records a tool invocation request.
	TraceToolCall TraceEntryKind = "tool_call"

	// TraceToolResult records a tool invocation outcome.
	TraceToolResult TraceEntryKind = "tool_result"
)

// TraceEntry is one recorded step of a turn.
type TraceEntry struct {
	// Kind distinguishes routing, tool_call, and tool_result entries.
	Kind TraceEntryKind `json:"kind"`

	// At is when the entry was recorded (UTC).
	At time.Time `json:"at"`

	// CallID pairs a tool_result with its tool_call. Empty for routing.
	CallID string `json:"call_id,omitempty"`

	// Detail is the kind-specific payload.
	Detail any `json:"detail"`
}

// TraceRecorder accumulates the ordered trace of one turn.
//
// Description:
//
//	The recorder lives for a single turn and is discarded afterward; a
//	caller that wants durable traces copies Entries() out before the turn
//	ends. Entries are append-only and returned in recording order, which
//	for tool entries means each tool_call is immediately answerable by
//	the tool_result bearing the same CallID.
//
// Thread Safety: Safe for concurrent use.
type TraceRecorder struct {
	mu      sync.Mutex
	entries []TraceEntry
}

// NewTraceRecorder creates an empty recorder.
func NewTraceRecorder() *TraceRecorder {
	return &TraceRecorder{}
}

// Record appends one entry.
func (t *TraceRecorder) Record(kind TraceEntryKind, callID string, detail any) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, TraceEntry{
		Kind:   kind,
		At:     time.Now().UTC(),
		CallID: callID,
		Detail: detail,
	})
}

// Entries returns a copy of the recorded entries in order.
func (t *TraceRecorder) Entries() []TraceEntry {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}
