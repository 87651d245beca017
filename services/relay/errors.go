// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"errors"
	"fmt"
	"net/http"
)

// Turn-level error codes surfaced on the HTTP API. Tool-level codes
// (not_found, invalid_argument, ...) never reach this layer: they travel
// inside the conversation as data the oracle recovers from.
const (
	// ErrCodeInvalidInput marks a request rejected before routing.
	ErrCodeInvalidInput = "invalid_input"

	// ErrCodeUpstream marks an oracle or storage failure the turn could
	// not recover from.
	ErrCodeUpstream = "upstream_unavailable"

	// ErrCodeUnauthorized marks a missing or wrong API key.
	ErrCodeUnauthorized = "unauthorized"

	// ErrCodeRateLimited marks a request dropped by the rate limiter.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeNotFound marks an unknown resource (e.g. session).
	ErrCodeNotFound = "not_found"
)

// TurnError is a turn-level failure with a wire code.
type TurnError struct {
	// Code is one of the ErrCode* constants.
	Code string `json:"code"`

	// Message is safe to show to the client.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *TurnError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the error code to an HTTP status.
func (e *TurnError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

// AsTurnError extracts a *TurnError, wrapping unknown errors as upstream
// failures so the HTTP layer never leaks internal error strings.
func AsTurnError(err error) *TurnError {
	var te *TurnError
	if errors.As(err, &te) {
		return te
	}
	return &TurnError{Code: ErrCodeUpstream, Message: "internal error"}
}
