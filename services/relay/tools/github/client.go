// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package github implements the GitHub destination toolset against the
// GitHub REST API v3, using raw net/http.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianRelay/services/relay/tools"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	githubRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "github",
		Name:      "requests_total",
		Help:      "GitHub API requests by outcome",
	}, []string{"outcome"})

	githubRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "github",
		Name:      "rate_limited_total",
		Help:      "GitHub API responses with status 429",
	})
)

// =============================================================================
// Client
// =============================================================================

const (
	defaultBaseURL = "https://api.github.com"
	apiVersion     = "2022-11-28"
	maxAttempts    = 4
)

// Client is a minimal GitHub REST API client with retry and backoff.
//
// Description:
//
//	Transient failures (network errors, 5xx, 429) are retried up to four
//	attempts with exponential backoff and jitter; 429 honors Retry-After
//	when present. Definite failures (404, auth, other 4xx) map straight
//	to typed tool failures without retrying.
//
// Thread Safety: Client is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *slog.Logger
}

// NewClient creates a GitHub API client.
//
// Inputs:
//   - token: Personal access token. Empty means unauthenticated requests
//     (public data only, low rate limits).
//   - baseURL: API root override for GitHub Enterprise or test servers.
//     Empty uses api.github.com.
//   - logger: Logger instance. May be nil.
func NewClient(token, baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		token:      token,
		logger:     logger,
	}
}

// Ping checks API reachability for readiness probes.
//
// Description:
//
//	Hits the API root, which answers for both authenticated and anonymous
//	clients and does not consume a meaningful rate-limit budget.
func (c *Client) Ping(ctx context.Context) error {
	var root map[string]any
	if err := c.get(ctx, "ping", "/", nil, &root); err != nil {
		return fmt.Errorf("github unreachable: %w", err)
	}
	return nil
}

// get performs a GET request and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, toolName, path string, params url.Values, out any) error {
	return c.request(ctx, toolName, http.MethodGet, path, params, nil, out)
}

// post performs a POST request with a JSON body.
func (c *Client) post(ctx context.Context, toolName, path string, body any, out any) error {
	return c.request(ctx, toolName, http.MethodPost, path, nil, body, out)
}

// request performs one API call with retries, mapping HTTP outcomes to
// typed tool failures.
func (c *Client) request(ctx context.Context, toolName, method, path string, params url.Values, body any, out any) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("github: marshaling request body: %w", err)
		}
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return fmt.Errorf("github: creating request: %w", err)
		}
		httpReq.Header.Set("Accept", "application/vnd.github+json")
		httpReq.Header.Set("X-GitHub-Api-Version", apiVersion)
		if bodyBytes != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt == maxAttempts {
				githubRequestsTotal.WithLabelValues("network_error").Inc()
				return tools.UpstreamUnavailable(toolName,
					fmt.Sprintf("github network error: %v", err))
			}
			if err := sleepBackoff(ctx, backoffDelay(attempt, "")); err != nil {
				return err
			}
			continue
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if readErr != nil {
			githubRequestsTotal.WithLabelValues("read_error").Inc()
			return tools.UpstreamUnavailable(toolName,
				fmt.Sprintf("github response read error: %v", readErr))
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			githubRateLimitedTotal.Inc()
			if attempt == maxAttempts {
				githubRequestsTotal.WithLabelValues("rate_limited").Inc()
				return tools.UpstreamUnavailable(toolName, "github rate limit exceeded")
			}
			if err := sleepBackoff(ctx, backoffDelay(attempt, resp.Header.Get("Retry-After"))); err != nil {
				return err
			}
			continue
		case resp.StatusCode >= 500:
			if attempt == maxAttempts {
				githubRequestsTotal.WithLabelValues("server_error").Inc()
				return tools.UpstreamUnavailable(toolName,
					fmt.Sprintf("github server error (%d)", resp.StatusCode))
			}
			if err := sleepBackoff(ctx, backoffDelay(attempt, "")); err != nil {
				return err
			}
			continue
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			githubRequestsTotal.WithLabelValues("auth_error").Inc()
			return tools.UpstreamUnavailable(toolName,
				fmt.Sprintf("github authorization failed (%d)", resp.StatusCode))
		case resp.StatusCode == http.StatusNotFound:
			githubRequestsTotal.WithLabelValues("not_found").Inc()
			return tools.NotFound(toolName, "github resource not found")
		case resp.StatusCode >= 400:
			githubRequestsTotal.WithLabelValues("client_error").Inc()
			return tools.InvalidArgument(toolName,
				fmt.Sprintf("github error (%d): %s", resp.StatusCode, truncate(string(respBody), 200)))
		}

		githubRequestsTotal.WithLabelValues("success").Inc()
		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return tools.UpstreamUnavailable(toolName,
				fmt.Sprintf("github response parse error: %v", err))
		}
		return nil
	}
	return tools.UpstreamUnavailable(toolName, "github request failed unexpectedly")
}

// backoffDelay computes the sleep before the next attempt. A numeric
// Retry-After header takes precedence.
func backoffDelay(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	base := time.Duration(1<<(attempt-1)) * time.Second
	jitter := time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
	return base + jitter
}

func sleepBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
