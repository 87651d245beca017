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
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/AleutianRelay/services/relay/tools"
)

func newTestRegistry(t *testing.T, handler http.HandlerFunc) *tools.Registry {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	reg, err := NewRegistry(NewClient("", srv.URL, nil))
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func TestToolset_RegisteredTools(t *testing.T) {
	reg := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {})

	want := []string{
		"get_repo_info", "list_issues", "list_pull_requests",
		"get_file_from_repo", "search_code", "list_workflows",
		"trigger_workflow_dispatch",
	}
	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("expected %d tools, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected tool %s at %d, got %s", want[i], i, got[i])
		}
	}

	dispatch := reg.Get("trigger_workflow_dispatch")
	if !dispatch.Sensitive {
		t.Error("expected trigger_workflow_dispatch to be approval-gated")
	}
	if dispatch.ReadOnly {
		t.Error("expected trigger_workflow_dispatch to be uncacheable")
	}
	if _, declared := dispatch.Schema.Properties["approval_token"]; !declared {
		t.Error("expected approval_token declared so validation accepts it")
	}

	for _, name := range []string{"get_repo_info", "list_issues", "search_code"} {
		if !reg.Get(name).ReadOnly {
			t.Errorf("expected %s to be cacheable read-only", name)
		}
	}
}

func TestToolset_GetRepoInfo(t *testing.T) {
	reg := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/golang/go" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"name":             "go",
			"full_name":        "golang/go",
			"stargazers_count": 120000,
			"language":         "Go",
			"default_branch":   "master",
			"license":          map[string]any{"name": "BSD 3-Clause"},
		})
	})

	result, err := reg.Get("get_repo_info").Func(context.Background(),
		map[string]any{"owner": "golang", "repo": "go"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload := result.(map[string]any)
	if payload["full_name"] != "golang/go" {
		t.Errorf("expected full_name 'golang/go', got %v", payload["full_name"])
	}
	if payload["stars"] != 120000 {
		t.Errorf("expected stars 120000, got %v", payload["stars"])
	}
	if payload["license"] != "BSD 3-Clause" {
		t.Errorf("expected flattened license name, got %v", payload["license"])
	}
}

func TestToolset_ListIssues_SkipsPullRequests(t *testing.T) {
	reg := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{
				"number": 7, "title": "real issue", "state": "open",
				"user":   map[string]any{"login": "gopher"},
				"labels": []map[string]any{{"name": "bug"}, {"name": "help wanted"}},
			},
			{
				"number": 8, "title": "actually a PR", "state": "open",
				"user":         map[string]any{"login": "gopher"},
				"pull_request": map[string]any{},
			},
		})
	})

	result, err := reg.Get("list_issues").Func(context.Background(),
		map[string]any{"owner": "golang", "repo": "go"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	issues := result.([]map[string]any)
	if len(issues) != 1 {
		t.Fatalf("expected PR filtered out of issue list, got %d entries", len(issues))
	}
	if issues[0]["number"] != 7 {
		t.Errorf("expected issue 7, got %v", issues[0]["number"])
	}
	labels := issues[0]["labels"].([]string)
	if len(labels) != 2 || labels[0] != "bug" {
		t.Errorf("expected label names extracted, got %v", labels)
	}
}

func TestToolset_GetFileFromRepo_DecodesContent(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("package main\n"))
	reg := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"name":     "main.go",
			"path":     "cmd/main.go",
			"encoding": "base64",
			"content":  encoded,
		})
	})

	result, err := reg.Get("get_file_from_repo").Func(context.Background(),
		map[string]any{"owner": "golang", "repo": "go", "file_path": "cmd/main.go"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload := result.(map[string]any)
	if payload["content"] != "package main\n" {
		t.Errorf("expected decoded content, got %q", payload["content"])
	}
}

func TestToolset_SearchCode_BuildsQualifiers(t *testing.T) {
	var gotQuery string
	reg := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
	})

	_, err := reg.Get("search_code").Func(context.Background(), map[string]any{
		"query": "http.HandlerFunc", "owner": "golang", "repo": "go", "language": "go",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotQuery != "http.HandlerFunc repo:golang/go language:go" {
		t.Errorf("unexpected search query %q", gotQuery)
	}
}

func TestToolset_TriggerWorkflowDispatch(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	reg := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	})

	result, err := reg.Get("trigger_workflow_dispatch").Func(context.Background(), map[string]any{
		"owner":       "golang",
		"repo":        "go",
		"workflow_id": "ci.yml",
		"ref":         "master",
		"inputs_json": `{"dry_run": true}`,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotPath != "/repos/golang/go/actions/workflows/ci.yml/dispatches" {
		t.Errorf("unexpected dispatch path %s", gotPath)
	}
	if gotBody["ref"] != "master" {
		t.Errorf("expected ref in dispatch body, got %v", gotBody["ref"])
	}
	inputs := gotBody["inputs"].(map[string]any)
	if inputs["dry_run"] != true {
		t.Errorf("expected parsed inputs_json forwarded, got %v", inputs)
	}

	payload := result.(map[string]any)
	if payload["status"] != "queued" {
		t.Errorf("expected queued status, got %v", payload["status"])
	}
}

func TestToolset_TriggerWorkflowDispatch_BadInputsJSON(t *testing.T) {
	reg := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for invalid inputs_json")
	})

	_, err := reg.Get("trigger_workflow_dispatch").Func(context.Background(), map[string]any{
		"owner": "golang", "repo": "go", "workflow_id": "ci.yml", "ref": "master",
		"inputs_json": "not json",
	})
	te := tools.AsToolError(err)
	if te == nil || te.Code != tools.ErrCodeInvalidArgument {
		t.Fatalf("expected invalid_argument, got %v", err)
	}
}
