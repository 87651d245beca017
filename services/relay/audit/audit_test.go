// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestMaskValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{name: "long string", in: "ghp_0123456789abcdef", want: "ghp***ef"},
		{name: "short string", in: "staging", want: "staging"},
		{name: "exactly eight", in: "12345678", want: "12345678"},
		{name: "number", in: 42, want: 42},
		{name: "boolean", in: true, want: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := MaskValue(tc.in); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestMaskValue_RecursesIntoContainers(t *testing.T) {
	in := map[string]any{
		"target": "production-east",
		"inputs": []any{"short", "a-very-long-secret-value"},
		"nested": map[string]any{"token": "sk-abcdef1234567890"},
	}

	out := MaskValue(in).(map[string]any)
	if out["target"] != "pro***st" {
		t.Errorf("expected top-level string masked, got %v", out["target"])
	}
	inputs := out["inputs"].([]any)
	if inputs[0] != "short" || inputs[1] != "a-v***ue" {
		t.Errorf("expected slice elements masked individually, got %v", inputs)
	}
	nested := out["nested"].(map[string]any)
	if nested["token"] != "sk-***90" {
		t.Errorf("expected nested map masked, got %v", nested)
	}

	// The input must not be modified.
	if in["target"] != "production-east" {
		t.Error("expected input left untouched")
	}
}

func TestLogger_SensitiveAction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	logger.SensitiveAction("sess-1", "github", "trigger_workflow_dispatch", map[string]any{
		"workflow_id": "deploy-production.yml",
	})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode audit entry: %v", err)
	}
	if entry["log"] != "audit" {
		t.Errorf("expected audit log marker, got %v", entry["log"])
	}
	if entry["session_id"] != "sess-1" || entry["tool"] != "trigger_workflow_dispatch" {
		t.Errorf("unexpected audit fields: %v", entry)
	}
	if strings.Contains(buf.String(), "deploy-production.yml") {
		t.Error("expected argument values masked in audit output")
	}
}
