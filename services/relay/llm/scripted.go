// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedOracle is an Oracle that replays a fixed sequence of responses.
//
// Description:
//
//	Each call to Complete consumes the next Completions entry; each call
//	to Step consumes the next Steps entry. Running past the script is an
//	error, which surfaces tests that make more oracle calls than expected.
//
// Thread Safety: Safe for concurrent use, though scripted sequences are
// usually consumed from a single test goroutine.
type ScriptedOracle struct {
	mu sync.Mutex

	// Completions is consumed in order by Complete.
	Completions []string

	// Steps is consumed in order by Step.
	Steps []*StepResult

	// Err, when non-nil, is returned by every call instead of the script.
	Err error

	completeCalls int
	stepCalls     int
}

// Complete returns the next scripted completion.
func (s *ScriptedOracle) Complete(_ context.Context, _ []ChatMessage, _ Options) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	if s.completeCalls >= len(s.Completions) {
		return "", fmt.Errorf("scripted oracle: complete call %d exceeds script length %d",
			s.completeCalls+1, len(s.Completions))
	}
	out := s.Completions[s.completeCalls]
	s.completeCalls++
	return out, nil
}

// Step returns the next scripted step result.
func (s *ScriptedOracle) Step(_ context.Context, _ []ChatMessage, _ []ToolDef, _ Options) (*StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if s.stepCalls >= len(s.Steps) {
		return nil, fmt.Errorf("scripted oracle: step call %d exceeds script length %d",
			s.stepCalls+1, len(s.Steps))
	}
	out := s.Steps[s.stepCalls]
	s.stepCalls++
	return out, nil
}

// StepCalls reports how many Step calls the script has served.
func (s *ScriptedOracle) StepCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepCalls
}

// CompleteCalls reports how many Complete calls the script has served.
func (s *ScriptedOracle) CompleteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeCalls
}
