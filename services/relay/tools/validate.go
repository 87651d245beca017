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
	"fmt"
	"math"
)

// ValidateArgs checks args against a tool's parameter schema and fills in
// declared defaults.
//
// Description:
//
//	Required parameters must be present and type-correct. Unknown
//	parameters are rejected — the oracle is calling a declared function,
//	not a permissive endpoint. JSON numbers arrive as float64; integer
//	parameters accept them only when they are whole.
//
// Inputs:
//   - t: The tool whose schema applies.
//   - args: Decoded argument object. May be nil.
//
// Outputs:
//   - map[string]any: Validated args with defaults applied. Never nil on
//     success.
//   - error: A *ToolError with code invalid_argument describing the first
//     violation found.
//
// Thread Safety: This function is safe for concurrent use.
func ValidateArgs(t *Tool, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}

	for name := range args {
		if _, declared := t.Schema.Properties[name]; !declared {
			return nil, InvalidArgument(t.Name,
				fmt.Sprintf("unknown parameter %q", name))
		}
	}

	required := make(map[string]bool, len(t.Schema.Required))
	for _, name := range t.Schema.Required {
		required[name] = true
	}

	out := make(map[string]any, len(t.Schema.Properties))
	for name, def := range t.Schema.Properties {
		raw, present := args[name]
		if !present {
			if required[name] {
				return nil, InvalidArgument(t.Name,
					fmt.Sprintf("missing required parameter %q", name))
			}
			if def.Default != nil {
				out[name] = def.Default
			}
			continue
		}

		coerced, err := coerceValue(def.Type, raw)
		if err != nil {
			return nil, InvalidArgument(t.Name,
				fmt.Sprintf("parameter %q: %v", name, err))
		}
		if len(def.Enum) > 0 && !enumContains(def.Enum, coerced) {
			return nil, InvalidArgument(t.Name,
				fmt.Sprintf("parameter %q: value %v not in allowed set", name, coerced))
		}
		out[name] = coerced
	}
	return out, nil
}

// coerceValue checks a decoded JSON value against a schema type, converting
// whole float64s to int for integer parameters.
func coerceValue(schemaType string, raw any) (any, error) {
	switch schemaType {
	case "string":
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return s, nil
	case "integer":
		switch v := raw.(type) {
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			return int(v), nil
		case int:
			return v, nil
		default:
			return nil, fmt.Errorf("expected integer, got %T", raw)
		}
	case "number":
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		default:
			return nil, fmt.Errorf("expected number, got %T", raw)
		}
	case "boolean":
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", raw)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported schema type %q", schemaType)
	}
}

func enumContains(enum []any, value any) bool {
	for _, e := range enum {
		// Integer enums decode as float64 in the schema literal but arrive
		// coerced to int here.
		if ef, ok := e.(float64); ok {
			if iv, ok := value.(int); ok && float64(iv) == ef {
				return true
			}
		}
		if e == value {
			return true
		}
	}
	return false
}
