// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command relayctl is a CLI client for a running Relay server.
//
// Usage:
//
//	relayctl ask "List open issues in golang/go"
//	relayctl chat
//	relayctl chat --resume <session-id>
//	relayctl health
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "relayctl",
		Short: "A CLI client for the Aleutian Relay supervisor",
		Long: `relayctl talks to a running Relay server: one-shot questions,
an interactive chat session, and health inspection.`,
	}

	// serverURL and apiKey are persistent flags shared by every subcommand.
	serverURL string
	apiKey    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", envOr("RELAY_URL", "http://localhost:8080"), "Relay server base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("RELAY_API_KEY"), "API key sent as X-API-Key")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(healthCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
