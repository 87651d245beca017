// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Checks server liveness and dependency readiness",
	Run:   runHealthCommand,
}

// readyResponse mirrors the server's readiness body.
type readyResponse struct {
	Ready        bool `json:"ready"`
	Dependencies []struct {
		Name   string `json:"name"`
		OK     bool   `json:"ok"`
		Detail string `json:"detail,omitempty"`
	} `json:"dependencies"`
}

func runHealthCommand(_ *cobra.Command, _ []string) {
	client := &http.Client{Timeout: 10 * time.Second}

	if err := checkEndpoint(client, "/v1/relay/health", nil); err != nil {
		log.Fatalf("Liveness: FAIL (%v)", err)
	}
	fmt.Println("Liveness: ok")

	var ready readyResponse
	err := checkEndpoint(client, "/v1/relay/ready", &ready)
	for _, dep := range ready.Dependencies {
		status := "ok"
		if !dep.OK {
			status = "FAIL"
			if dep.Detail != "" {
				status += " (" + dep.Detail + ")"
			}
		}
		fmt.Printf("  %s: %s\n", dep.Name, status)
	}
	if err != nil || !ready.Ready {
		fmt.Println("Readiness: FAIL")
		os.Exit(1)
	}
	fmt.Println("Readiness: ok")
}

// checkEndpoint GETs the path and optionally decodes the body into out. A
// non-2xx status is only an error when out is nil; readiness returns 503
// with a body we still want to render.
func checkEndpoint(client *http.Client, path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
