// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package toolcache caches read-only tool results under deterministic,
// versioned keys.
//
// Two backends share one interface: an in-memory LRU with TTL for
// single-instance deployments and tests, and a BadgerDB store whose native
// per-entry TTL survives restarts. Both are last-writer-wins; the cache is
// an optimization, never a source of truth.
package toolcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// keyPrefix versions the whole key namespace. Bump on format changes.
const keyPrefix = "relay:tool"

// BuildKey computes the cache key for one tool invocation.
//
// Description:
//
//	Key = relay:tool:{destination}:{tool}:{version}:{sha256(canonical
//	args)}. Canonical form is JSON with object keys sorted recursively,
//	which encoding/json produces for map values. Two argument maps with
//	the same contents in different insertion order therefore hash
//	identically. The version segment means a tool version bump changes
//	every key for that tool — old entries become unreachable and age out
//	via TTL, no eviction pass needed.
//
// Inputs:
//   - destination: Destination label (e.g. "github").
//   - tool: Tool name.
//   - version: Tool version string.
//   - args: Validated argument map. Nil is treated as empty.
//
// Outputs:
//   - string: The cache key.
//   - error: Non-nil only if args contain values JSON cannot encode.
func BuildKey(destination, tool, version string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	canonical, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("toolcache: canonicalizing args: %w", err)
	}
	digest := sha256.Sum256(canonical)
	return fmt.Sprintf("%s:%s:%s:%s:%s",
		keyPrefix, destination, tool, version, hex.EncodeToString(digest[:])), nil
}
