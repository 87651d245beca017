// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianRelay/services/relay/llm"
)

// makeTestTool builds a tool with one of each parameter shape.
func makeTestTool() *Tool {
	return &Tool{
		Name: "list_widgets",
		Schema: llm.ToolParameters{
			Type: "object",
			Properties: map[string]llm.ToolParamDef{
				"owner":    {Type: "string", Description: "Widget owner"},
				"state":    {Type: "string", Enum: []any{"open", "closed", "all"}, Default: "open"},
				"page":     {Type: "integer", Default: float64(1)},
				"ratio":    {Type: "number"},
				"detailed": {Type: "boolean"},
			},
			Required: []string{"owner"},
		},
		Func: func(context.Context, map[string]any) (any, error) { return nil, nil },
	}
}

func TestValidateArgs_Valid(t *testing.T) {
	tool := makeTestTool()

	out, err := ValidateArgs(tool, map[string]any{
		"owner":    "golang",
		"state":    "closed",
		"page":     float64(3),
		"ratio":    float64(0.5),
		"detailed": true,
	})
	if err != nil {
		t.Fatalf("expected valid args, got %v", err)
	}
	if out["page"] != 3 {
		t.Errorf("expected whole float64 coerced to int 3, got %v (%T)", out["page"], out["page"])
	}
	if out["state"] != "closed" {
		t.Errorf("expected state 'closed', got %v", out["state"])
	}
}

func TestValidateArgs_DefaultsApplied(t *testing.T) {
	tool := makeTestTool()

	out, err := ValidateArgs(tool, map[string]any{"owner": "golang"})
	if err != nil {
		t.Fatalf("expected valid args, got %v", err)
	}
	if out["state"] != "open" {
		t.Errorf("expected default state 'open', got %v", out["state"])
	}
	if out["page"] != float64(1) {
		t.Errorf("expected default page 1, got %v", out["page"])
	}
	if _, present := out["detailed"]; present {
		t.Errorf("expected absent optional without default to stay absent")
	}
}

func TestValidateArgs_Violations(t *testing.T) {
	tool := makeTestTool()

	tests := []struct {
		name    string
		args    map[string]any
		wantMsg string
	}{
		{
			name:    "missing required",
			args:    map[string]any{"state": "open"},
			wantMsg: "missing required",
		},
		{
			name:    "unknown parameter",
			args:    map[string]any{"owner": "golang", "color": "red"},
			wantMsg: "unknown parameter",
		},
		{
			name:    "wrong type",
			args:    map[string]any{"owner": 42},
			wantMsg: "expected string",
		},
		{
			name:    "fractional integer",
			args:    map[string]any{"owner": "golang", "page": 1.5},
			wantMsg: "expected integer",
		},
		{
			name:    "enum violation",
			args:    map[string]any{"owner": "golang", "state": "stale"},
			wantMsg: "not in allowed set",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateArgs(tool, tc.args)
			if err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
			te := AsToolError(err)
			if te == nil {
				t.Fatalf("expected *ToolError, got %T", err)
			}
			if te.Code != ErrCodeInvalidArgument {
				t.Errorf("expected code %s, got %s", ErrCodeInvalidArgument, te.Code)
			}
			if !strings.Contains(te.Message, tc.wantMsg) {
				t.Errorf("expected message containing %q, got %q", tc.wantMsg, te.Message)
			}
		})
	}
}

func TestValidateArgs_NilArgs(t *testing.T) {
	tool := makeTestTool()
	tool.Schema.Required = nil

	out, err := ValidateArgs(tool, nil)
	if err != nil {
		t.Fatalf("expected nil args accepted when nothing required, got %v", err)
	}
	if out == nil {
		t.Fatal("expected non-nil validated map")
	}
}

// =============================================================================
// Registry Tests
// =============================================================================

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	noop := func(context.Context, map[string]any) (any, error) { return nil, nil }
	_, err := NewRegistry("widgets", []Tool{
		{Name: "get_widget", Func: noop},
		{Name: "get_widget", Func: noop},
	})
	if err == nil {
		t.Fatal("expected error for duplicate tool name")
	}
}

func TestNewRegistry_RejectsNilFunc(t *testing.T) {
	_, err := NewRegistry("widgets", []Tool{{Name: "get_widget"}})
	if err == nil {
		t.Fatal("expected error for nil Func")
	}
}

func TestRegistry_PreservesDeclarationOrder(t *testing.T) {
	noop := func(context.Context, map[string]any) (any, error) { return nil, nil }
	reg, err := NewRegistry("widgets", []Tool{
		{Name: "zeta", Func: noop},
		{Name: "alpha", Func: noop},
		{Name: "mid", Func: noop},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"zeta", "alpha", "mid"}
	got := reg.Names()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}

	defs := reg.Definitions()
	for i := range want {
		if defs[i].Function.Name != want[i] {
			t.Fatalf("expected definitions in declaration order %v, got %s at %d", want, defs[i].Function.Name, i)
		}
	}
}

func TestRegistry_DefaultVersion(t *testing.T) {
	noop := func(context.Context, map[string]any) (any, error) { return nil, nil }
	reg, err := NewRegistry("widgets", []Tool{{Name: "get_widget", Func: noop}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := reg.Get("get_widget").Version; got != "1" {
		t.Errorf("expected default version '1', got %q", got)
	}
}
