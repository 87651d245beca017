// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools defines the tool registry shared by all Relay destinations.
//
// A registry is built explicitly at startup from literal Tool values and is
// immutable afterward. There is no global registration and no init()-time
// side effects: what a destination can do is visible at its construction
// site.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/llm"
)

// Func is the execution body of a tool.
//
// Inputs:
//   - ctx: Context for cancellation and timeout.
//   - args: Schema-validated arguments. Optional parameters with defaults
//     are filled in before the call.
//
// Outputs:
//   - any: JSON-serializable result payload.
//   - error: A *ToolError for domain failures; any other error is wrapped
//     as upstream_unavailable by the dispatcher.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Tool is one invocable capability of a destination.
//
// Thread Safety: Tool values are immutable after registry construction.
type Tool struct {
	// Name is the unique tool name within its destination (e.g. "list_issues").
	Name string

	// Description is shown to the oracle as the function description.
	Description string

	// Version participates in cache keys. Bumping it invalidates cached
	// results for this tool without touching other entries.
	Version string

	// Schema declares the parameters in the oracle's function-calling format.
	// The same schema drives argument validation before dispatch.
	Schema llm.ToolParameters

	// ReadOnly marks tools whose results may be served from cache.
	ReadOnly bool

	// Sensitive marks tools that require an approval token before execution.
	Sensitive bool

	// CacheTTL is the cache lifetime for this tool's results. Zero means
	// the registry default applies. Ignored unless ReadOnly.
	CacheTTL time.Duration

	// Func executes the tool.
	Func Func
}

// Registry is an immutable, ordered collection of tools for one destination.
//
// Thread Safety: Safe for concurrent use after construction.
type Registry struct {
	destination string
	order       []string
	byName      map[string]*Tool
}

// NewRegistry builds a registry from literal tool values.
//
// Inputs:
//   - destination: The destination label owning these tools (e.g. "github").
//   - list: Tools in declaration order.
//
// Outputs:
//   - *Registry: The immutable registry.
//   - error: Non-nil on an unnamed tool, a duplicate name, or a nil Func.
func NewRegistry(destination string, list []Tool) (*Registry, error) {
	if destination == "" {
		return nil, fmt.Errorf("tools: destination must not be empty")
	}
	r := &Registry{
		destination: destination,
		byName:      make(map[string]*Tool, len(list)),
	}
	for i := range list {
		t := list[i]
		if t.Name == "" {
			return nil, fmt.Errorf("tools: tool %d for %s has empty name", i, destination)
		}
		if t.Func == nil {
			return nil, fmt.Errorf("tools: tool %s has nil Func", t.Name)
		}
		if _, dup := r.byName[t.Name]; dup {
			return nil, fmt.Errorf("tools: duplicate tool %s in %s", t.Name, destination)
		}
		if t.Version == "" {
			t.Version = "1"
		}
		r.byName[t.Name] = &t
		r.order = append(r.order, t.Name)
	}
	return r, nil
}

// Destination returns the destination label this registry serves.
func (r *Registry) Destination() string {
	return r.destination
}

// Get returns the named tool, or nil if unknown.
func (r *Registry) Get(name string) *Tool {
	return r.byName[name]
}

// Names returns tool names in declaration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions returns the oracle-facing function declarations, in
// declaration order. The validation schema and the declaration are the same
// object, so they cannot drift.
func (r *Registry) Definitions() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		t := r.byName[name]
		defs = append(defs, llm.ToolDef{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		})
	}
	return defs
}
