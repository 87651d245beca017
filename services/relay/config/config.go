// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config centralizes configuration for the Aleutian Relay service.
//
// All configuration is read from environment variables once at startup and
// carried in an explicit Config struct passed by reference into the router
// and handlers. No component reads os.Getenv directly after startup, and
// there is no ambient global registry.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// CacheBackend selects the tool-result cache implementation.
type CacheBackend string

const (
	// CacheBackendMemory uses the in-process LRU cache.
	CacheBackendMemory CacheBackend = "memory"

	// CacheBackendBadger uses the embedded BadgerDB cache with native TTL.
	CacheBackendBadger CacheBackend = "badger"
)

// Config holds all Relay service configuration.
//
// Description:
//
//	Built once by Load() at startup and treated as immutable afterwards.
//	Components receive the sub-structs they need; nothing reads the
//	environment after Load returns.
//
// Thread Safety: Immutable after Load; safe for concurrent read access.
type Config struct {
	// Port is the HTTP listen port for the Relay API.
	Port int `validate:"gt=0,lte=65535"`

	// DataDir is the directory for BadgerDB files (sessions, tool cache).
	DataDir string `validate:"required"`

	// APIKey is the shared secret clients must present in X-API-Key.
	// Empty disables authentication (development only).
	APIKey string

	// MaxMessageLength bounds inbound user messages in characters.
	// Oversized messages are rejected as invalid_input before routing.
	MaxMessageLength int `validate:"gt=0"`

	// RateLimitPerMinute is the per-client request budget. Zero disables
	// rate limiting.
	RateLimitPerMinute int `validate:"gte=0"`

	// MaxSteps is the hard cap on oracle/tool iterations per turn.
	MaxSteps int `validate:"gt=0,lte=32"`

	// TurnTimeout bounds one full turn (routing + tool loop).
	TurnTimeout time.Duration `validate:"gt=0"`

	Oracle   OracleConfig
	GitHub   GitHubConfig
	Cache    CacheConfig
	Approval ApprovalConfig
	Session  SessionConfig

	// RoutingRulesPath optionally overrides the embedded routing rules.
	// When set, the file is watched and hot-reloaded on change.
	RoutingRulesPath string
}

// OracleConfig configures the LLM oracle endpoint.
type OracleConfig struct {
	// APIKey authenticates against the OpenAI-compatible endpoint.
	APIKey string

	// Model is the model name sent with every request.
	Model string `validate:"required"`

	// BaseURL is the chat completions endpoint. Defaults to the OpenAI API;
	// point it at any OpenAI-compatible server (vLLM, Ollama, LiteLLM).
	BaseURL string `validate:"required,url"`

	// RequestTimeout bounds a single oracle call.
	RequestTimeout time.Duration `validate:"gt=0"`
}

// GitHubConfig configures the GitHub destination's REST client.
type GitHubConfig struct {
	// Token is the bearer token for api.github.com. Empty means
	// unauthenticated requests (60/hour — fine for demos, not production).
	Token string

	// BaseURL is the GitHub REST API root.
	BaseURL string `validate:"required,url"`
}

// CacheConfig configures the read-tool result cache.
type CacheConfig struct {
	// Backend selects memory or badger.
	Backend CacheBackend `validate:"oneof=memory badger"`

	// MaxSize is the in-memory LRU entry cap. Ignored by the badger backend.
	MaxSize int `validate:"gt=0"`

	// DefaultTTL applies to tools that do not declare their own TTL.
	DefaultTTL time.Duration `validate:"gt=0"`

	// ToolVersion is the global tool schema version. Bumping it changes
	// every cache key, invalidating all entries without explicit eviction.
	ToolVersion string `validate:"required"`
}

// ApprovalConfig configures the approval gate for sensitive write tools.
type ApprovalConfig struct {
	// Secret signs approval tokens. Falls back to APIKey, then a dev-only
	// default, mirroring how deployments usually share one secret.
	Secret string `validate:"required"`

	// TokenTTL is how long an issued token remains confirmable.
	TokenTTL time.Duration `validate:"gt=0"`
}

// SessionConfig configures conversation persistence.
type SessionConfig struct {
	// TTL is the idle lifetime of a session. Enforced by BadgerDB's GC,
	// not by application code.
	TTL time.Duration `validate:"gt=0"`
}

// Load builds a Config from environment variables and validates it.
//
// Description:
//
//	Reads the full RELAY_* / OPENAI_* / GITHUB_* configuration surface,
//	applies defaults for everything optional, and validates the result
//	with go-playground/validator. A validation failure is a startup
//	error — the service refuses to run with a bad configuration.
//
// Outputs:
//
//	*Config - The validated configuration. Never nil on success.
//	error   - Non-nil if a value is malformed or validation fails.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               envInt("RELAY_PORT", 8080),
		DataDir:            envStr("RELAY_DATA_DIR", defaultDataDir()),
		APIKey:             os.Getenv("RELAY_API_KEY"),
		MaxMessageLength:   envInt("MAX_MESSAGE_LENGTH", 2000),
		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 20),
		MaxSteps:           envInt("RELAY_MAX_STEPS", 6),
		TurnTimeout:        envDuration("RELAY_TURN_TIMEOUT", 120*time.Second),
		Oracle: OracleConfig{
			APIKey:         os.Getenv("OPENAI_API_KEY"),
			Model:          envStr("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL:        envStr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			RequestTimeout: envDuration("ORACLE_TIMEOUT", 60*time.Second),
		},
		GitHub: GitHubConfig{
			Token:   os.Getenv("GITHUB_TOKEN"),
			BaseURL: envStr("GITHUB_BASE_URL", "https://api.github.com"),
		},
		Cache: CacheConfig{
			Backend:     CacheBackend(envStr("CACHE_BACKEND", "memory")),
			MaxSize:     envInt("CACHE_MAX_SIZE", 256),
			DefaultTTL:  envDuration("CACHE_DEFAULT_TTL", 120*time.Second),
			ToolVersion: envStr("TOOL_VERSION", "v1"),
		},
		Approval: ApprovalConfig{
			Secret:   envStr("APPROVAL_SECRET", ""),
			TokenTTL: envDuration("APPROVAL_TOKEN_TTL", 10*time.Minute),
		},
		Session: SessionConfig{
			TTL: envDuration("SESSION_TTL", 24*time.Hour),
		},
		RoutingRulesPath: os.Getenv("RELAY_ROUTING_RULES"),
	}

	if cfg.Approval.Secret == "" {
		if cfg.APIKey != "" {
			cfg.Approval.Secret = cfg.APIKey
		} else {
			cfg.Approval.Secret = "dev-approval-secret"
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("relay config invalid: %w", err)
	}
	return cfg, nil
}

// defaultDataDir returns ~/.aleutian/relay, falling back to a relative
// directory when the home directory cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aleutian-relay"
	}
	return home + "/.aleutian/relay"
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envDuration parses a Go duration string ("90s", "10m"). Bare integers are
// accepted as seconds for compatibility with the older *_SEC variables.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
