// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit records approved sensitive actions with masked arguments.
//
// Every execution of an approval-gated tool produces exactly one audit
// entry, written before the upstream call is made. Argument values are
// masked — long strings keep three leading and two trailing characters —
// so the log shows what was acted on without reproducing payloads or
// anything secret-shaped verbatim.
package audit

import (
	"encoding/json"
	"log/slog"
)

// Logger writes audit events through structured logging.
//
// Thread Safety: Safe for concurrent use.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates an audit logger. A nil logger uses slog.Default.
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger.With(slog.String("log", "audit"))}
}

// SensitiveAction records one approved execution of a sensitive tool.
//
// Inputs:
//   - sessionID: The session that approved the action.
//   - destination: The destination label (e.g. "github").
//   - toolName: The sensitive tool executed.
//   - args: The validated arguments. Masked before logging.
func (l *Logger) SensitiveAction(sessionID, destination, toolName string, args map[string]any) {
	masked, _ := json.Marshal(MaskValue(args))
	l.logger.Info("sensitive action executed",
		slog.String("session_id", sessionID),
		slog.String("destination", destination),
		slog.String("tool", toolName),
		slog.String("args", string(masked)),
	)
}

// MaskValue recursively masks string values for audit output.
//
// Description:
//
//	Strings longer than 8 characters become prefix***suffix (3+2 chars).
//	Shorter strings, numbers, and booleans pass through: they are too
//	short to be credentials and too useful for correlation to hide.
//
// Outputs:
//   - any: The masked copy. The input is not modified.
func MaskValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = MaskValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = MaskValue(inner)
		}
		return out
	case string:
		if len(val) > 8 {
			return val[:3] + "***" + val[len(val)-2:]
		}
		return val
	default:
		return v
	}
}
