// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package approval

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

// newTestGate builds a gate with a fresh secret. memguard wipes the secret
// slice passed to NewGate, so every call allocates its own copy.
func newTestGate(t *testing.T, ttl time.Duration) *Gate {
	t.Helper()
	gate, err := NewGate([]byte("test-approval-secret"), ttl)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return gate
}

func testArgs() map[string]any {
	return map[string]any{"owner": "golang", "repo": "go", "workflow_id": "ci.yml"}
}

func TestGate_IssueValidateRoundTrip(t *testing.T) {
	gate := newTestGate(t, time.Minute)

	token, err := gate.Issue("trigger_workflow_dispatch", testArgs(), "sess-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token.Value == "" {
		t.Fatal("expected non-empty token value")
	}

	reason, err := gate.Validate(token.Value, "trigger_workflow_dispatch", testArgs(), "sess-1")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if reason != ReasonOK {
		t.Errorf("expected %s, got %s", ReasonOK, reason)
	}
}

func TestGate_Validate_Rejections(t *testing.T) {
	gate := newTestGate(t, time.Minute)
	token, err := gate.Issue("trigger_workflow_dispatch", testArgs(), "sess-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tests := []struct {
		name       string
		token      string
		tool       string
		args       map[string]any
		sessionID  string
		wantReason string
	}{
		{
			name:       "no separator",
			token:      "garbage-without-dot",
			tool:       "trigger_workflow_dispatch",
			args:       testArgs(),
			sessionID:  "sess-1",
			wantReason: ReasonInvalidFormat,
		},
		{
			name:       "bad base64 payload",
			token:      "!!!." + strings.Split(token.Value, ".")[1],
			tool:       "trigger_workflow_dispatch",
			args:       testArgs(),
			sessionID:  "sess-1",
			wantReason: ReasonInvalidFormat,
		},
		{
			name:       "wrong tool",
			token:      token.Value,
			tool:       "list_issues",
			args:       testArgs(),
			sessionID:  "sess-1",
			wantReason: ReasonToolMismatch,
		},
		{
			name:       "wrong session",
			token:      token.Value,
			tool:       "trigger_workflow_dispatch",
			args:       testArgs(),
			sessionID:  "sess-2",
			wantReason: ReasonSessionMismatch,
		},
		{
			name:       "changed args",
			token:      token.Value,
			tool:       "trigger_workflow_dispatch",
			args:       map[string]any{"owner": "golang", "repo": "go", "workflow_id": "release.yml"},
			sessionID:  "sess-1",
			wantReason: ReasonArgsMismatch,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reason, err := gate.Validate(tc.token, tc.tool, tc.args, tc.sessionID)
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if reason != tc.wantReason {
				t.Errorf("expected %s, got %s", tc.wantReason, reason)
			}
		})
	}
}

func TestGate_Validate_TamperedPayload(t *testing.T) {
	gate := newTestGate(t, time.Minute)
	token, err := gate.Issue("trigger_workflow_dispatch", testArgs(), "sess-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Re-encode a modified payload while keeping the original signature.
	payloadB64, sig, _ := strings.Cut(token.Value, ".")
	raw, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	tampered := strings.Replace(string(raw), "sess-1", "sess-9", 1)
	forged := base64.RawURLEncoding.EncodeToString([]byte(tampered)) + "." + sig

	reason, err := gate.Validate(forged, "trigger_workflow_dispatch", testArgs(), "sess-9")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if reason != ReasonInvalidSignature {
		t.Errorf("expected %s for tampered payload, got %s", ReasonInvalidSignature, reason)
	}
}

func TestGate_Validate_Expired(t *testing.T) {
	gate := newTestGate(t, 30*time.Second)

	issued := time.Now()
	gate.now = func() time.Time { return issued }
	token, err := gate.Issue("trigger_workflow_dispatch", testArgs(), "sess-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	gate.now = func() time.Time { return issued.Add(29 * time.Second) }
	if reason, _ := gate.Validate(token.Value, "trigger_workflow_dispatch", testArgs(), "sess-1"); reason != ReasonOK {
		t.Errorf("expected token valid inside TTL, got %s", reason)
	}

	gate.now = func() time.Time { return issued.Add(31 * time.Second) }
	if reason, _ := gate.Validate(token.Value, "trigger_workflow_dispatch", testArgs(), "sess-1"); reason != ReasonExpired {
		t.Errorf("expected %s past TTL, got %s", ReasonExpired, reason)
	}
}

func TestGate_Validate_NumericArgsNormalized(t *testing.T) {
	gate := newTestGate(t, time.Minute)

	// Issue with a Go int; validate with the float64 the same value becomes
	// after a JSON round trip. The binding must still hold.
	token, err := gate.Issue("create_return_request", map[string]any{"order_id": "1001", "count": 2}, "sess-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	reason, err := gate.Validate(token.Value, "create_return_request", map[string]any{"order_id": "1001", "count": float64(2)}, "sess-1")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if reason != ReasonOK {
		t.Errorf("expected numeric representations to compare equal, got %s", reason)
	}
}

func TestGate_CrossGateTokensRejected(t *testing.T) {
	gateA := newTestGate(t, time.Minute)
	gateB, err := NewGate([]byte("a-different-secret"), time.Minute)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	token, err := gateA.Issue("trigger_workflow_dispatch", testArgs(), "sess-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	reason, err := gateB.Validate(token.Value, "trigger_workflow_dispatch", testArgs(), "sess-1")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if reason != ReasonInvalidSignature {
		t.Errorf("expected %s across gates, got %s", ReasonInvalidSignature, reason)
	}
}

func TestNewGate_RejectsEmptySecret(t *testing.T) {
	if _, err := NewGate(nil, time.Minute); err == nil {
		t.Error("expected error for empty secret")
	}
}
