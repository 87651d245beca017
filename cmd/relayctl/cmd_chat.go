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
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Asks a single question and prints the answer",
		Long:  `Sends one message to the Relay supervisor, waits for the routed agent to finish its tool loop, and prints the final answer with the routing decision.`,
		Args:  cobra.MinimumNArgs(1),
		Run:   runAskCommand,
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Starts an interactive chat session",
		Long:  `Opens a REPL against the Relay supervisor. The session id is kept across turns so agents see the conversation history. Use --resume to continue an earlier session.`,
		Run:   runChatCommand,
	}

	resumeSessionID string
	showToolCalls   bool
)

func init() {
	chatCmd.Flags().StringVar(&resumeSessionID, "resume", "", "Session id to resume")
	chatCmd.Flags().BoolVar(&showToolCalls, "show-tools", false, "Print executed tool calls after each answer")
	askCmd.Flags().BoolVar(&showToolCalls, "show-tools", false, "Print executed tool calls after the answer")
}

// chatRequest mirrors the server's ChatRequest body.
type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// chatResponse carries the fields of the server's Turn we render.
type chatResponse struct {
	SessionID string `json:"session_id"`
	Output    string `json:"output"`
	AgentUsed string `json:"agent_used"`
	ToolCalls []struct {
		ToolName  string          `json:"tool_name"`
		ToolInput map[string]any  `json:"tool_input"`
		ToolOut   json.RawMessage `json:"tool_output"`
	} `json:"tool_calls"`
}

// errorResponse mirrors the server's uniform error body.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func runAskCommand(_ *cobra.Command, args []string) {
	question := strings.Join(args, " ")
	resp, err := sendChatRequest(question, "")
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	printTurn(resp)
}

func runChatCommand(_ *cobra.Command, _ []string) {
	// Piped stdin means a scripted caller; read everything as one message
	// rather than opening a REPL that immediately hits EOF.
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Fatalf("Error reading stdin: %v", err)
		}
		message := strings.TrimSpace(string(raw))
		if message == "" {
			log.Fatal("Error: empty message on stdin")
		}
		resp, err := sendChatRequest(message, resumeSessionID)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		printTurn(resp)
		return
	}

	sessionID := resumeSessionID
	if sessionID != "" {
		fmt.Printf("Resuming session %s\n", sessionID)
	}
	fmt.Println("Relay chat. Type 'exit' or press Ctrl-D to quit.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		message := strings.TrimSpace(scanner.Text())
		if message == "" {
			continue
		}
		if message == "exit" || message == "quit" {
			if sessionID != "" {
				fmt.Printf("Session: %s (use --resume to continue)\n", sessionID)
			}
			return
		}

		resp, err := sendChatRequest(message, sessionID)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		sessionID = resp.SessionID
		printTurn(resp)
	}
}

func printTurn(resp *chatResponse) {
	fmt.Printf("\n[%s]\n%s\n", resp.AgentUsed, resp.Output)
	if showToolCalls && len(resp.ToolCalls) > 0 {
		fmt.Println("\nTool calls:")
		for i, call := range resp.ToolCalls {
			args, _ := json.Marshal(call.ToolInput)
			fmt.Printf("%d. %s %s\n", i+1, call.ToolName, string(args))
		}
	}
	fmt.Println()
}

func sendChatRequest(message, sessionID string) (*chatResponse, error) {
	body, err := json.Marshal(chatRequest{Message: message, SessionID: sessionID})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+"/v1/relay/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 3 * time.Minute}
	httpResp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("server returned %s: %s", errResp.Code, errResp.Error)
		}
		return nil, fmt.Errorf("server returned HTTP %d", httpResp.StatusCode)
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return &resp, nil
}
