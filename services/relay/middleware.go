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
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	authRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "http",
		Name:      "auth_rejected_total",
		Help:      "Requests rejected for a missing or wrong API key",
	})

	rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests dropped by the per-client rate limiter",
	})
)

// =============================================================================
// Request ID
// =============================================================================

// RequestIDMiddleware ensures every request carries an X-Request-ID, minting
// one when the client did not send one. The id is echoed on the response.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// getRequestID returns the request id set by RequestIDMiddleware.
func getRequestID(c *gin.Context) string {
	if id, ok := c.Get("request_id"); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// =============================================================================
// API Key Auth
// =============================================================================

// APIKeyMiddleware rejects requests that do not present the shared key in
// X-API-Key. An empty configured key disables authentication entirely, which
// is a development-only posture.
func APIKeyMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}
		presented := c.GetHeader("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
			authRejectedTotal.Inc()
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: "missing or invalid API key",
				Code:  ErrCodeUnauthorized,
			})
			return
		}
		c.Next()
	}
}

// =============================================================================
// Rate Limiting
// =============================================================================

// clientLimiter tracks one client's token bucket and its last use for
// eviction.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterTTL is how long an idle client's bucket is kept before eviction.
const limiterTTL = 10 * time.Minute

// RateLimitMiddleware applies a per-client token bucket keyed by client IP.
//
// Description:
//
//	Each client gets perMinute tokens per minute with a burst of perMinute,
//	so a quiet client can send a short burst without tripping the limit.
//	Idle buckets are evicted lazily on the next request after limiterTTL,
//	bounding memory without a background goroutine.
//
// Inputs:
//   - perMinute: Request budget per client per minute. Zero disables
//     limiting.
func RateLimitMiddleware(perMinute int) gin.HandlerFunc {
	if perMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	var (
		mu       sync.Mutex
		clients  = make(map[string]*clientLimiter)
		lastScan = time.Now()
	)

	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		now := time.Now()
		if now.Sub(lastScan) > limiterTTL {
			for key, cl := range clients {
				if now.Sub(cl.lastSeen) > limiterTTL {
					delete(clients, key)
				}
			}
			lastScan = now
		}
		cl, ok := clients[ip]
		if !ok {
			cl = &clientLimiter{
				limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
			}
			clients[ip] = cl
		}
		cl.lastSeen = now
		allowed := cl.limiter.Allow()
		mu.Unlock()

		if !allowed {
			rateLimitedTotal.Inc()
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "rate limit exceeded",
				Code:  ErrCodeRateLimited,
			})
			return
		}
		c.Next()
	}
}
