// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package toolcache

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	cacheOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "toolcache",
		Name:      "ops_total",
		Help:      "Tool cache operations by backend and outcome (hit, miss, set, error)",
	}, []string{"backend", "outcome"})
)

// =============================================================================
// Cache Interface
// =============================================================================

// Cache stores serialized tool results with a per-entry TTL.
//
// Description:
//
//	Get returns (nil, false, nil) on a miss — an absent key and an
//	expired one are indistinguishable to callers. Set is best-effort
//	last-writer-wins; concurrent writers for the same key may overwrite
//	each other and that is acceptable for idempotent read-tool results.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Cache interface {
	// Get retrieves a cached value. Found is false on miss or expiry.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores a value with the given TTL. TTL must be positive.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Close releases backend resources.
	Close() error
}
