// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"testing"
)

func TestEmitter_DeliversInOrder(t *testing.T) {
	emitter := NewEmitter("sess-1")

	var got []Event
	emitter.Subscribe(func(ev Event) {
		got = append(got, ev)
	})

	emitter.Emit(TypeRouting, RoutingData{Destination: "github", Source: "prefilter"})
	emitter.Emit(TypeToolCall, ToolCallData{CallID: "call_1", Tool: "list_issues"})
	emitter.Emit(TypeToolResult, ToolResultData{CallID: "call_1", Tool: "list_issues", OK: true})
	emitter.Emit(TypeFinalOutput, FinalOutputData{Output: "done", AgentUsed: "github"})

	want := []Type{TypeRouting, TypeToolCall, TypeToolResult, TypeFinalOutput}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(got))
	}
	for i, ev := range got {
		if ev.Type != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], ev.Type)
		}
		if ev.SessionID != "sess-1" {
			t.Errorf("event %d: expected session id stamped, got %q", i, ev.SessionID)
		}
		if ev.ID == "" {
			t.Errorf("event %d: expected non-empty id", i)
		}
		if ev.Timestamp == 0 {
			t.Errorf("event %d: expected timestamp", i)
		}
	}
}

func TestEmitter_MultipleSubscribers(t *testing.T) {
	emitter := NewEmitter("sess-1")

	var a, b int
	emitter.Subscribe(func(Event) { a++ })
	emitter.Subscribe(func(Event) { b++ })

	emitter.Emit(TypeFinalOutput, FinalOutputData{Output: "done"})

	if a != 1 || b != 1 {
		t.Errorf("expected both subscribers to see the event, got %d and %d", a, b)
	}
}

func TestEmitter_NilIsInert(t *testing.T) {
	var emitter *Emitter
	// Must not panic: handlers run without a streaming consumer.
	emitter.Emit(TypeFinalOutput, FinalOutputData{Output: "done"})
}

func TestEmitter_NilHandlerIgnored(t *testing.T) {
	emitter := NewEmitter("sess-1")
	emitter.Subscribe(nil)
	emitter.Emit(TypeRouting, RoutingData{Destination: "github"})
}
