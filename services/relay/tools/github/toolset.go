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
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/llm"
	"github.com/AleutianAI/AleutianRelay/services/relay/tools"
)

// Destination is the routing label served by this toolset.
const Destination = "github"

// ToolVersion participates in cache keys for every tool in this set.
// Bump it when a tool's output shape changes.
const ToolVersion = "1"

// NewRegistry builds the GitHub destination's tool registry.
//
// Description:
//
//	Seven tools: six read-only lookups (cacheable, per-tool TTL) and one
//	sensitive write (trigger_workflow_dispatch, approval-gated by the
//	dispatcher). The approval_token parameter on the write tool is
//	consumed by the gate before execution; the tool body never sees it.
//
// Outputs:
//   - *tools.Registry: The immutable registry.
//   - error: Non-nil only on a registry construction bug.
func NewRegistry(client *Client) (*tools.Registry, error) {
	return tools.NewRegistry(Destination, []tools.Tool{
		{
			Name:        "get_repo_info",
			Description: "Fetch general metadata about a GitHub repository: stars, forks, language, description, default branch, license, topics.",
			Version:     ToolVersion,
			ReadOnly:    true,
			CacheTTL:    5 * time.Minute,
			Schema: llm.ToolParameters{
				Type: "object",
				Properties: map[string]llm.ToolParamDef{
					"owner": {Type: "string", Description: "GitHub username or organization name (e.g. 'anthropics')"},
					"repo":  {Type: "string", Description: "Repository name (e.g. 'anthropic-sdk-python')"},
				},
				Required: []string{"owner", "repo"},
			},
			Func: client.getRepoInfo,
		},
		{
			Name:        "list_issues",
			Description: "List issues for a GitHub repository, filtered by state and labels. Pull requests are excluded.",
			Version:     ToolVersion,
			ReadOnly:    true,
			CacheTTL:    90 * time.Second,
			Schema: llm.ToolParameters{
				Type: "object",
				Properties: map[string]llm.ToolParamDef{
					"owner":    {Type: "string", Description: "GitHub username or organization name"},
					"repo":     {Type: "string", Description: "Repository name"},
					"state":    {Type: "string", Description: "Issue state", Enum: []any{"open", "closed", "all"}, Default: "open"},
					"labels":   {Type: "string", Description: "Comma-separated label names to filter by (e.g. 'bug,help wanted')"},
					"per_page": {Type: "integer", Description: "Results per page (max 100)", Default: float64(20)},
					"page":     {Type: "integer", Description: "Page number", Default: float64(1)},
				},
				Required: []string{"owner", "repo"},
			},
			Func: client.listIssues,
		},
		{
			Name:        "list_pull_requests",
			Description: "List pull requests for a GitHub repository, filtered by state and base branch.",
			Version:     ToolVersion,
			ReadOnly:    true,
			CacheTTL:    90 * time.Second,
			Schema: llm.ToolParameters{
				Type: "object",
				Properties: map[string]llm.ToolParamDef{
					"owner":    {Type: "string", Description: "GitHub username or organization name"},
					"repo":     {Type: "string", Description: "Repository name"},
					"state":    {Type: "string", Description: "Pull request state", Enum: []any{"open", "closed", "all"}, Default: "open"},
					"base":     {Type: "string", Description: "Filter by base branch name (e.g. 'main')"},
					"per_page": {Type: "integer", Description: "Results per page (max 100)", Default: float64(20)},
					"page":     {Type: "integer", Description: "Page number", Default: float64(1)},
				},
				Required: []string{"owner", "repo"},
			},
			Func: client.listPullRequests,
		},
		{
			Name:        "get_file_from_repo",
			Description: "Retrieve the decoded text content of a specific file from a GitHub repository.",
			Version:     ToolVersion,
			ReadOnly:    true,
			CacheTTL:    2 * time.Minute,
			Schema: llm.ToolParameters{
				Type: "object",
				Properties: map[string]llm.ToolParamDef{
					"owner":     {Type: "string", Description: "GitHub username or organization name"},
					"repo":      {Type: "string", Description: "Repository name"},
					"file_path": {Type: "string", Description: "Path to the file inside the repo (e.g. 'src/main.py')"},
					"branch":    {Type: "string", Description: "Branch name. Defaults to the repo's default branch."},
				},
				Required: []string{"owner", "repo", "file_path"},
			},
			Func: client.getFileFromRepo,
		},
		{
			Name:        "search_code",
			Description: "Search for code across GitHub repositories, optionally scoped to an owner, repo, or language.",
			Version:     ToolVersion,
			ReadOnly:    true,
			CacheTTL:    time.Minute,
			Schema: llm.ToolParameters{
				Type: "object",
				Properties: map[string]llm.ToolParamDef{
					"query":    {Type: "string", Description: "Search keyword or expression (e.g. 'def authenticate')"},
					"owner":    {Type: "string", Description: "Limit search to a specific GitHub user/org"},
					"repo":     {Type: "string", Description: "Limit search to a specific repo (requires owner)"},
					"language": {Type: "string", Description: "Filter by programming language (e.g. 'go', 'python')"},
					"per_page": {Type: "integer", Description: "Results per page (max 100)", Default: float64(10)},
					"page":     {Type: "integer", Description: "Page number", Default: float64(1)},
				},
				Required: []string{"query"},
			},
			Func: client.searchCode,
		},
		{
			Name:        "list_workflows",
			Description: "List GitHub Actions workflows defined in a repository.",
			Version:     ToolVersion,
			ReadOnly:    true,
			CacheTTL:    3 * time.Minute,
			Schema: llm.ToolParameters{
				Type: "object",
				Properties: map[string]llm.ToolParamDef{
					"owner":    {Type: "string", Description: "GitHub username or organization name"},
					"repo":     {Type: "string", Description: "Repository name"},
					"per_page": {Type: "integer", Description: "Results per page (max 100)", Default: float64(20)},
					"page":     {Type: "integer", Description: "Page number", Default: float64(1)},
				},
				Required: []string{"owner", "repo"},
			},
			Func: client.listWorkflows,
		},
		{
			Name:        "trigger_workflow_dispatch",
			Description: "Trigger a GitHub Actions workflow_dispatch event. This is a mutating action and requires an approval token.",
			Version:     ToolVersion,
			Sensitive:   true,
			Schema: llm.ToolParameters{
				Type: "object",
				Properties: map[string]llm.ToolParamDef{
					"owner":          {Type: "string", Description: "GitHub username or organization name"},
					"repo":           {Type: "string", Description: "Repository name"},
					"workflow_id":    {Type: "string", Description: "Workflow file name or numeric id (e.g. 'ci.yml')"},
					"ref":            {Type: "string", Description: "Git ref to run the workflow on (branch or tag)"},
					"inputs_json":    {Type: "string", Description: "Optional JSON object of workflow inputs"},
					"approval_token": {Type: "string", Description: "Approval token authorizing this dispatch. Omit on the first call to receive one."},
				},
				Required: []string{"owner", "repo", "workflow_id", "ref"},
			},
			Func: client.triggerWorkflowDispatch,
		},
	})
}

// =============================================================================
// Wire Types (GitHub REST API responses)
// =============================================================================

type repoResponse struct {
	Name          string   `json:"name"`
	FullName      string   `json:"full_name"`
	Description   string   `json:"description"`
	HTMLURL       string   `json:"html_url"`
	Stars         int      `json:"stargazers_count"`
	Forks         int      `json:"forks_count"`
	OpenIssues    int      `json:"open_issues_count"`
	Language      string   `json:"language"`
	DefaultBranch string   `json:"default_branch"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
	Topics        []string `json:"topics"`
	Visibility    string   `json:"visibility"`
	SizeKB        int      `json:"size"`
	License       *struct {
		Name string `json:"name"`
	} `json:"license"`
}

type issueResponse struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	State     string `json:"state"`
	Comments  int    `json:"comments"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	HTMLURL   string `json:"html_url"`
	Body      string `json:"body"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	PullRequest *struct{} `json:"pull_request"`
}

type pullResponse struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	State     string `json:"state"`
	Draft     bool   `json:"draft"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	HTMLURL   string `json:"html_url"`
	Body      string `json:"body"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
	Head struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

type contentResponse struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Size     int    `json:"size"`
	HTMLURL  string `json:"html_url"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

type searchResponse struct {
	Items []struct {
		Name       string `json:"name"`
		Path       string `json:"path"`
		SHA        string `json:"sha"`
		HTMLURL    string `json:"html_url"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	} `json:"items"`
}

type workflowsResponse struct {
	Workflows []struct {
		ID      int64  `json:"id"`
		Name    string `json:"name"`
		Path    string `json:"path"`
		State   string `json:"state"`
		HTMLURL string `json:"html_url"`
	} `json:"workflows"`
}

// =============================================================================
// Tool Bodies
// =============================================================================

func (c *Client) getRepoInfo(ctx context.Context, args map[string]any) (any, error) {
	owner, repo := args["owner"].(string), args["repo"].(string)

	var data repoResponse
	path := fmt.Sprintf("/repos/%s/%s", url.PathEscape(owner), url.PathEscape(repo))
	if err := c.get(ctx, "get_repo_info", path, nil, &data); err != nil {
		return nil, err
	}

	result := map[string]any{
		"name":           data.Name,
		"full_name":      data.FullName,
		"description":    data.Description,
		"url":            data.HTMLURL,
		"stars":          data.Stars,
		"forks":          data.Forks,
		"open_issues":    data.OpenIssues,
		"language":       data.Language,
		"default_branch": data.DefaultBranch,
		"created_at":     data.CreatedAt,
		"updated_at":     data.UpdatedAt,
		"topics":         data.Topics,
		"visibility":     data.Visibility,
		"size_kb":        data.SizeKB,
	}
	if data.License != nil {
		result["license"] = data.License.Name
	}
	return result, nil
}

func (c *Client) listIssues(ctx context.Context, args map[string]any) (any, error) {
	owner, repo := args["owner"].(string), args["repo"].(string)

	params := url.Values{}
	params.Set("state", stringArg(args, "state", "open"))
	params.Set("per_page", strconv.Itoa(clampPage(intArg(args, "per_page", 20))))
	params.Set("page", strconv.Itoa(maxInt(1, intArg(args, "page", 1))))
	if labels := stringArg(args, "labels", ""); labels != "" {
		params.Set("labels", labels)
	}

	var data []issueResponse
	path := fmt.Sprintf("/repos/%s/%s/issues", url.PathEscape(owner), url.PathEscape(repo))
	if err := c.get(ctx, "list_issues", path, params, &data); err != nil {
		return nil, err
	}

	issues := make([]map[string]any, 0, len(data))
	for _, item := range data {
		// The issues endpoint also returns PRs; skip them.
		if item.PullRequest != nil {
			continue
		}
		issues = append(issues, map[string]any{
			"number":     item.Number,
			"title":      item.Title,
			"state":      item.State,
			"author":     item.User.Login,
			"labels":     labelNames(item.Labels),
			"comments":   item.Comments,
			"created_at": item.CreatedAt,
			"updated_at": item.UpdatedAt,
			"url":        item.HTMLURL,
			"body":       truncate(item.Body, 500),
		})
	}
	return issues, nil
}

func (c *Client) listPullRequests(ctx context.Context, args map[string]any) (any, error) {
	owner, repo := args["owner"].(string), args["repo"].(string)

	params := url.Values{}
	params.Set("state", stringArg(args, "state", "open"))
	params.Set("per_page", strconv.Itoa(clampPage(intArg(args, "per_page", 20))))
	params.Set("page", strconv.Itoa(maxInt(1, intArg(args, "page", 1))))
	if base := stringArg(args, "base", ""); base != "" {
		params.Set("base", base)
	}

	var data []pullResponse
	path := fmt.Sprintf("/repos/%s/%s/pulls", url.PathEscape(owner), url.PathEscape(repo))
	if err := c.get(ctx, "list_pull_requests", path, params, &data); err != nil {
		return nil, err
	}

	pulls := make([]map[string]any, 0, len(data))
	for _, item := range data {
		pulls = append(pulls, map[string]any{
			"number":      item.Number,
			"title":       item.Title,
			"state":       item.State,
			"author":      item.User.Login,
			"head_branch": item.Head.Ref,
			"base_branch": item.Base.Ref,
			"draft":       item.Draft,
			"labels":      labelNames(item.Labels),
			"created_at":  item.CreatedAt,
			"updated_at":  item.UpdatedAt,
			"url":         item.HTMLURL,
			"body":        truncate(item.Body, 500),
		})
	}
	return pulls, nil
}

func (c *Client) getFileFromRepo(ctx context.Context, args map[string]any) (any, error) {
	owner, repo := args["owner"].(string), args["repo"].(string)
	filePath := args["file_path"].(string)

	params := url.Values{}
	if branch := stringArg(args, "branch", ""); branch != "" {
		params.Set("ref", branch)
	}

	var data contentResponse
	path := fmt.Sprintf("/repos/%s/%s/contents/%s",
		url.PathEscape(owner), url.PathEscape(repo), escapeFilePath(filePath))
	if err := c.get(ctx, "get_file_from_repo", path, params, &data); err != nil {
		return nil, err
	}

	var content string
	if data.Content != "" {
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(data.Content, "\n", ""))
		if err != nil {
			return nil, tools.UpstreamUnavailable("get_file_from_repo",
				fmt.Sprintf("decoding file content: %v", err))
		}
		content = string(decoded)
	}

	return map[string]any{
		"name":     data.Name,
		"path":     data.Path,
		"sha":      data.SHA,
		"size":     data.Size,
		"url":      data.HTMLURL,
		"encoding": data.Encoding,
		"content":  content,
	}, nil
}

func (c *Client) searchCode(ctx context.Context, args map[string]any) (any, error) {
	q := args["query"].(string)
	owner := stringArg(args, "owner", "")
	repo := stringArg(args, "repo", "")
	if repo != "" && owner != "" {
		q += fmt.Sprintf(" repo:%s/%s", owner, repo)
	} else if owner != "" {
		q += " user:" + owner
	}
	if lang := stringArg(args, "language", ""); lang != "" {
		q += " language:" + lang
	}

	params := url.Values{}
	params.Set("q", q)
	params.Set("per_page", strconv.Itoa(clampPage(intArg(args, "per_page", 10))))
	params.Set("page", strconv.Itoa(maxInt(1, intArg(args, "page", 1))))

	var data searchResponse
	if err := c.get(ctx, "search_code", "/search/code", params, &data); err != nil {
		return nil, err
	}

	results := make([]map[string]any, 0, len(data.Items))
	for _, item := range data.Items {
		results = append(results, map[string]any{
			"name":       item.Name,
			"path":       item.Path,
			"repository": item.Repository.FullName,
			"url":        item.HTMLURL,
			"sha":        item.SHA,
		})
	}
	return results, nil
}

func (c *Client) listWorkflows(ctx context.Context, args map[string]any) (any, error) {
	owner, repo := args["owner"].(string), args["repo"].(string)

	params := url.Values{}
	params.Set("per_page", strconv.Itoa(clampPage(intArg(args, "per_page", 20))))
	params.Set("page", strconv.Itoa(maxInt(1, intArg(args, "page", 1))))

	var data workflowsResponse
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows", url.PathEscape(owner), url.PathEscape(repo))
	if err := c.get(ctx, "list_workflows", path, params, &data); err != nil {
		return nil, err
	}

	workflows := make([]map[string]any, 0, len(data.Workflows))
	for _, wf := range data.Workflows {
		workflows = append(workflows, map[string]any{
			"id":    wf.ID,
			"name":  wf.Name,
			"path":  wf.Path,
			"state": wf.State,
			"url":   wf.HTMLURL,
		})
	}
	return workflows, nil
}

// triggerWorkflowDispatch executes the dispatch. The approval gate runs in
// the dispatcher before this body is reached; approval_token is already
// stripped from args.
func (c *Client) triggerWorkflowDispatch(ctx context.Context, args map[string]any) (any, error) {
	owner, repo := args["owner"].(string), args["repo"].(string)
	workflowID := args["workflow_id"].(string)
	ref := args["ref"].(string)

	inputs := map[string]any{}
	if raw := stringArg(args, "inputs_json", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
			return nil, tools.InvalidArgument("trigger_workflow_dispatch",
				fmt.Sprintf("inputs_json is not a JSON object: %v", err))
		}
	}

	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/dispatches",
		url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(workflowID))
	body := map[string]any{"ref": ref, "inputs": inputs}
	if err := c.post(ctx, "trigger_workflow_dispatch", path, body, nil); err != nil {
		return nil, err
	}

	return map[string]any{
		"status":      "queued",
		"workflow_id": workflowID,
		"ref":         ref,
		"inputs":      inputs,
	}, nil
}

// =============================================================================
// Argument Helpers
// =============================================================================

func stringArg(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func clampPage(n int) int {
	if n < 1 {
		return 1
	}
	if n > 100 {
		return 100
	}
	return n
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func labelNames(labels []struct {
	Name string `json:"name"`
}) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		out = append(out, l.Name)
	}
	return out
}

// escapeFilePath escapes each segment of a repo file path while keeping the
// slashes that separate directories.
func escapeFilePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
