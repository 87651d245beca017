// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package github

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/tools"
)

func TestClient_SendsAPIHeaders(t *testing.T) {
	var gotAccept, gotVersion, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotVersion = r.Header.Get("X-GitHub-Api-Version")
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient("test-token", srv.URL, nil)
	var out map[string]any
	if err := client.get(context.Background(), "test", "/repos/a/b", nil, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotAccept != "application/vnd.github+json" {
		t.Errorf("expected github media type, got %q", gotAccept)
	}
	if gotVersion != apiVersion {
		t.Errorf("expected api version header %s, got %q", apiVersion, gotVersion)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	client := NewClient("", srv.URL, nil)
	var out map[string]any
	if err := client.get(context.Background(), "test", "/", nil, &out); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestClient_HonorsRetryAfterOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient("", srv.URL, nil)
	start := time.Now()
	var out map[string]any
	if err := client.get(context.Background(), "test", "/", nil, &out); err != nil {
		t.Fatalf("expected retry after 429 to succeed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("expected at least the Retry-After delay, waited only %v", elapsed)
	}
}

func TestClient_DefiniteFailuresDoNotRetry(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode string
	}{
		{name: "not found", status: http.StatusNotFound, wantCode: tools.ErrCodeNotFound},
		{name: "unauthorized", status: http.StatusUnauthorized, wantCode: tools.ErrCodeUpstreamUnavailable},
		{name: "forbidden", status: http.StatusForbidden, wantCode: tools.ErrCodeUpstreamUnavailable},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, wantCode: tools.ErrCodeInvalidArgument},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			client := NewClient("", srv.URL, nil)
			err := client.get(context.Background(), "test", "/", nil, nil)
			te := tools.AsToolError(err)
			if te == nil {
				t.Fatalf("expected *ToolError, got %v", err)
			}
			if te.Code != tc.wantCode {
				t.Errorf("expected code %s, got %s", tc.wantCode, te.Code)
			}
			if calls.Load() != 1 {
				t.Errorf("expected no retries for %d, got %d attempts", tc.status, calls.Load())
			}
		})
	}
}

func TestClient_ContextCancellationStopsBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	client := NewClient("", srv.URL, nil)
	start := time.Now()
	err := client.get(ctx, "test", "/", nil, nil)
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("expected backoff to abort promptly on context cancellation")
	}
}

func TestBackoffDelay(t *testing.T) {
	// Retry-After dominates the exponential schedule.
	if d := backoffDelay(1, "7"); d != 7*time.Second {
		t.Errorf("expected Retry-After to win, got %v", d)
	}

	// Exponential base doubles per attempt; jitter adds at most 250ms.
	for attempt, base := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second} {
		d := backoffDelay(attempt, "")
		if d < base || d > base+250*time.Millisecond {
			t.Errorf("attempt %d: expected %v..%v, got %v", attempt, base, base+250*time.Millisecond, d)
		}
	}

	// Non-numeric Retry-After falls back to the schedule.
	if d := backoffDelay(1, "soon"); d < time.Second || d > time.Second+250*time.Millisecond {
		t.Errorf("expected fallback schedule for junk Retry-After, got %v", d)
	}
}

func TestClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"current_user_url": "https://api.github.com/user"}`))
	}))
	defer srv.Close()

	client := NewClient("", srv.URL, nil)
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("expected ping to succeed, got %v", err)
	}
}
