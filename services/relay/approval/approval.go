// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package approval implements the HMAC approval gate for sensitive write
// tools.
//
// A sensitive tool call without a token returns a fresh token bound to the
// exact (tool, args, session) triple instead of executing. The caller
// re-submits with the token; any drift in tool name, arguments, or session —
// or an expired or tampered token — rejects the action. Tokens are
// single-purpose capabilities, not bearer credentials: possession authorizes
// one specific action for one session within the TTL window.
package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	approvalTokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "approval",
		Name:      "tokens_issued_total",
		Help:      "Approval tokens issued",
	})

	approvalValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "approval",
		Name:      "validations_total",
		Help:      "Approval token validations by result",
	}, []string{"result"})
)

// =============================================================================
// Validation Results
// =============================================================================

// Validation failure reasons. All reasons map to the same user-facing error
// class; the distinction exists for logs and metrics.
const (
	ReasonOK               = "ok"
	ReasonInvalidFormat    = "invalid_format"
	ReasonInvalidSignature = "invalid_signature"
	ReasonExpired          = "expired"
	ReasonToolMismatch     = "tool_mismatch"
	ReasonSessionMismatch  = "session_mismatch"
	ReasonArgsMismatch     = "args_mismatch"
)

// tokenPayload is the signed binding of a token to one specific action.
type tokenPayload struct {
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args"`
	SessionID string         `json:"session_id"`
	IssuedAt  int64          `json:"iat"`
	ExpiresAt int64          `json:"exp"`
}

// Token is an issued approval token plus its expiry for the caller.
type Token struct {
	// Value is the opaque token string: b64url(payload).hex(signature).
	Value string `json:"approval_token"`

	// ExpiresAt is the Unix expiry timestamp.
	ExpiresAt int64 `json:"expires_at"`
}

// =============================================================================
// Gate
// =============================================================================

// Gate issues and validates approval tokens.
//
// Description:
//
//	The signing secret lives in a memguard enclave and is decrypted only
//	for the microseconds each HMAC computation needs, then re-sealed. The
//	plaintext secret never sits in regular heap memory between calls.
//
// Thread Safety: Gate is safe for concurrent use.
type Gate struct {
	secret   *memguard.Enclave
	tokenTTL time.Duration

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewGate creates an approval gate.
//
// Inputs:
//   - secret: HMAC signing secret. Must not be empty. The caller's copy
//     should be discarded after this call.
//   - tokenTTL: Token lifetime. Zero uses a 5 minute default.
//
// Outputs:
//   - *Gate: The gate.
//   - error: Non-nil if the secret is empty.
func NewGate(secret []byte, tokenTTL time.Duration) (*Gate, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("approval: secret must not be empty")
	}
	if tokenTTL <= 0 {
		tokenTTL = 5 * time.Minute
	}
	// NewEnclave wipes the input slice.
	return &Gate{
		secret:   memguard.NewEnclave(secret),
		tokenTTL: tokenTTL,
		now:      time.Now,
	}, nil
}

// Issue generates a token binding (tool, args, session) for the TTL window.
//
// Inputs:
//   - toolName: The sensitive tool being approved.
//   - args: The exact validated arguments the approval covers.
//   - sessionID: The session requesting approval.
//
// Outputs:
//   - *Token: The issued token.
//   - error: Non-nil on serialization or enclave failure.
func (g *Gate) Issue(toolName string, args map[string]any, sessionID string) (*Token, error) {
	now := g.now().Unix()
	payload := tokenPayload{
		ToolName:  toolName,
		Args:      normalizeArgs(args),
		SessionID: sessionID,
		IssuedAt:  now,
		ExpiresAt: now + int64(g.tokenTTL.Seconds()),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("approval: marshaling payload: %w", err)
	}
	sig, err := g.sign(raw)
	if err != nil {
		return nil, err
	}
	approvalTokensIssued.Inc()
	return &Token{
		Value:     base64.RawURLEncoding.EncodeToString(raw) + "." + sig,
		ExpiresAt: payload.ExpiresAt,
	}, nil
}

// Validate checks a token against the action being attempted.
//
// Description:
//
//	Signature is verified first, over the raw payload bytes with a
//	constant-time compare, so nothing from an unauthenticated payload is
//	trusted before that point. Expiry, tool, session, and argument
//	bindings are then checked in order; the first failure wins.
//
// Outputs:
//   - string: A Reason* constant. ReasonOK means the action may proceed.
//   - error: Non-nil only on enclave failure (not a validation verdict).
func (g *Gate) Validate(token, expectedTool string, expectedArgs map[string]any, sessionID string) (string, error) {
	payloadB64, sig, found := strings.Cut(token, ".")
	if !found || payloadB64 == "" || sig == "" {
		return g.reject(ReasonInvalidFormat), nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return g.reject(ReasonInvalidFormat), nil
	}

	expectedSig, err := g.sign(raw)
	if err != nil {
		return "", err
	}
	if !hmac.Equal([]byte(sig), []byte(expectedSig)) {
		return g.reject(ReasonInvalidSignature), nil
	}

	var payload tokenPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return g.reject(ReasonInvalidFormat), nil
	}

	if payload.ExpiresAt < g.now().Unix() {
		return g.reject(ReasonExpired), nil
	}
	if payload.ToolName != expectedTool {
		return g.reject(ReasonToolMismatch), nil
	}
	if payload.SessionID != sessionID {
		return g.reject(ReasonSessionMismatch), nil
	}
	if !argsEqual(payload.Args, normalizeArgs(expectedArgs)) {
		return g.reject(ReasonArgsMismatch), nil
	}

	approvalValidations.WithLabelValues(ReasonOK).Inc()
	return ReasonOK, nil
}

func (g *Gate) reject(reason string) string {
	approvalValidations.WithLabelValues(reason).Inc()
	return reason
}

// sign computes the hex HMAC-SHA256 of raw using the enclave-held secret.
func (g *Gate) sign(raw []byte) (string, error) {
	buf, err := g.secret.Open()
	if err != nil {
		return "", fmt.Errorf("approval: opening secret enclave: %w", err)
	}
	defer buf.Destroy()

	mac := hmac.New(sha256.New, buf.Bytes())
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// normalizeArgs round-trips args through JSON so that issued and validated
// forms compare with the same value types (ints become float64 both ways).
func normalizeArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return args
	}
	return out
}

// argsEqual compares two normalized argument maps by canonical JSON.
func argsEqual(a, b map[string]any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ra) == string(rb)
}
