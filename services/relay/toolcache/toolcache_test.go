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
	"strings"
	"testing"
	"time"

	storage "github.com/AleutianAI/AleutianRelay/services/relay/storage/badger"
)

// =============================================================================
// Key Tests
// =============================================================================

func TestBuildKey_DeterministicAcrossInsertionOrder(t *testing.T) {
	a := map[string]any{"owner": "golang", "repo": "go", "page": 2, "state": "open"}
	b := map[string]any{"state": "open", "page": 2, "repo": "go", "owner": "golang"}

	keyA, err := BuildKey("github", "list_issues", "1", a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	keyB, err := BuildKey("github", "list_issues", "1", b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if keyA != keyB {
		t.Errorf("expected identical keys regardless of insertion order:\n%s\n%s", keyA, keyB)
	}
}

func TestBuildKey_Layout(t *testing.T) {
	key, err := BuildKey("github", "get_repo_info", "2", map[string]any{"owner": "golang"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(key, "relay:tool:github:get_repo_info:2:") {
		t.Errorf("expected namespaced prefix, got %s", key)
	}
	// Trailing segment is a full sha256 hex digest.
	hash := key[strings.LastIndex(key, ":")+1:]
	if len(hash) != 64 {
		t.Errorf("expected 64-char hash segment, got %d chars", len(hash))
	}
}

func TestBuildKey_DistinguishesVersionAndArgs(t *testing.T) {
	base, _ := BuildKey("github", "list_issues", "1", map[string]any{"owner": "golang"})

	otherVersion, _ := BuildKey("github", "list_issues", "2", map[string]any{"owner": "golang"})
	if base == otherVersion {
		t.Error("expected version bump to change the key")
	}

	otherArgs, _ := BuildKey("github", "list_issues", "1", map[string]any{"owner": "kubernetes"})
	if base == otherArgs {
		t.Error("expected different args to change the key")
	}
}

// =============================================================================
// MemoryCache Tests
// =============================================================================

func TestMemoryCache_RoundTrip(t *testing.T) {
	cache, err := NewMemoryCache(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	if err := cache.Set(ctx, "k1", []byte(`{"ok":true}`), time.Minute); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	got, hit, err := cache.Get(ctx, "k1")
	if err != nil || !hit {
		t.Fatalf("expected hit, got hit=%v err=%v", hit, err)
	}
	if string(got) != `{"ok":true}` {
		t.Errorf("expected stored value back, got %s", got)
	}

	_, hit, _ = cache.Get(ctx, "missing")
	if hit {
		t.Error("expected miss for unknown key")
	}
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache, _ := NewMemoryCache(2)
	ctx := context.Background()

	cache.Set(ctx, "a", []byte("1"), time.Minute)
	cache.Set(ctx, "b", []byte("2"), time.Minute)

	// Touch "a" so "b" becomes the eviction candidate.
	cache.Get(ctx, "a")
	cache.Set(ctx, "c", []byte("3"), time.Minute)

	if _, hit, _ := cache.Get(ctx, "b"); hit {
		t.Error("expected least recently used entry 'b' to be evicted")
	}
	if _, hit, _ := cache.Get(ctx, "a"); !hit {
		t.Error("expected recently used entry 'a' to survive")
	}
	if cache.Len() != 2 {
		t.Errorf("expected capacity-bounded length 2, got %d", cache.Len())
	}
}

func TestMemoryCache_ExpiresEntries(t *testing.T) {
	cache, _ := NewMemoryCache(4)
	ctx := context.Background()

	current := time.Now()
	cache.now = func() time.Time { return current }

	cache.Set(ctx, "k1", []byte("v"), 30*time.Second)

	current = current.Add(29 * time.Second)
	if _, hit, _ := cache.Get(ctx, "k1"); !hit {
		t.Error("expected hit before expiry")
	}

	current = current.Add(2 * time.Second)
	if _, hit, _ := cache.Get(ctx, "k1"); hit {
		t.Error("expected miss after expiry")
	}
}

func TestMemoryCache_CopiesValues(t *testing.T) {
	cache, _ := NewMemoryCache(4)
	ctx := context.Background()

	original := []byte("payload")
	cache.Set(ctx, "k1", original, time.Minute)
	original[0] = 'X'

	got, _, _ := cache.Get(ctx, "k1")
	if string(got) != "payload" {
		t.Errorf("expected stored copy unaffected by caller mutation, got %s", got)
	}

	got[0] = 'Y'
	again, _, _ := cache.Get(ctx, "k1")
	if string(again) != "payload" {
		t.Errorf("expected returned copy isolated from cache, got %s", again)
	}
}

func TestNewMemoryCache_RejectsNonPositiveCapacity(t *testing.T) {
	if _, err := NewMemoryCache(0); err == nil {
		t.Error("expected error for zero capacity")
	}
	if _, err := NewMemoryCache(-1); err == nil {
		t.Error("expected error for negative capacity")
	}
}

// =============================================================================
// BadgerCache Tests
// =============================================================================

func TestBadgerCache_RoundTrip(t *testing.T) {
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	defer db.Close()

	cache := NewBadgerCache(db)
	ctx := context.Background()

	if err := cache.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	got, hit, err := cache.Get(ctx, "k1")
	if err != nil || !hit {
		t.Fatalf("expected hit, got hit=%v err=%v", hit, err)
	}
	if string(got) != "v1" {
		t.Errorf("expected 'v1', got %s", got)
	}

	_, hit, err = cache.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("expected clean miss, got %v", err)
	}
	if hit {
		t.Error("expected miss for unknown key")
	}
}
