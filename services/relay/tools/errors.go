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
	"errors"
)

// Tool failure codes. These travel in tool results fed back to the oracle
// and in API error envelopes, so they are stable wire values.
const (
	// ErrCodeNotFound means the requested entity does not exist upstream.
	ErrCodeNotFound = "not_found"

	// ErrCodeInvalidArgument means the arguments failed schema validation
	// or were rejected by the upstream API.
	ErrCodeInvalidArgument = "invalid_argument"

	// ErrCodeUpstreamUnavailable means the backing system could not be
	// reached or returned a server-side failure.
	ErrCodeUpstreamUnavailable = "upstream_unavailable"

	// ErrCodeConflict means the request is valid but the entity's current
	// state does not permit it (e.g. returning an undelivered order).
	ErrCodeConflict = "conflict"
)

// ToolError is a typed tool failure.
//
// Description:
//
//	Tool failures are data, not control flow: the handler serializes them
//	into the conversation so the oracle can correct itself (retry with
//	fixed arguments, pick another tool, or explain to the user). Retryable
//	distinguishes transient upstream trouble from caller mistakes.
//
// Thread Safety: ToolError is immutable after construction.
type ToolError struct {
	// Code is the machine-readable failure code.
	Code string `json:"code"`

	// Tool is the tool name that failed.
	Tool string `json:"tool"`

	// Message is a human-readable description safe to show the oracle.
	Message string `json:"message"`

	// Retryable indicates whether retrying unchanged might succeed.
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return e.Code + ": " + e.Message
}

// NewToolError creates a ToolError with an explicit code.
func NewToolError(code, tool, message string, retryable bool) *ToolError {
	return &ToolError{Code: code, Tool: tool, Message: message, Retryable: retryable}
}

// NotFound builds a not_found failure.
func NotFound(tool, message string) *ToolError {
	return NewToolError(ErrCodeNotFound, tool, message, false)
}

// InvalidArgument builds an invalid_argument failure.
func InvalidArgument(tool, message string) *ToolError {
	return NewToolError(ErrCodeInvalidArgument, tool, message, false)
}

// UpstreamUnavailable builds an upstream_unavailable failure.
func UpstreamUnavailable(tool, message string) *ToolError {
	return NewToolError(ErrCodeUpstreamUnavailable, tool, message, true)
}

// Conflict builds a conflict failure.
func Conflict(tool, message string) *ToolError {
	return NewToolError(ErrCodeConflict, tool, message, false)
}

// AsToolError extracts a *ToolError from err's chain.
//
// Outputs:
//   - *ToolError: The typed failure, or nil if err carries none.
func AsToolError(err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
