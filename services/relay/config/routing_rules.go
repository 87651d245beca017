// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Default Routing Rules
// =============================================================================

//go:embed routing_rules.yaml
var defaultRoutingRulesYAML []byte

// =============================================================================
// Routing Rules Types
// =============================================================================

// DestinationRule declares one routable destination for the supervisor.
//
// Description:
//
//	The rule order in the YAML file is the declaration order used for
//	keyword tie-breaking: the first declared destination whose keyword
//	matches wins. This tie-break is implementation-defined policy, not a
//	contract — overlapping keyword sets across destinations are allowed.
type DestinationRule struct {
	// Name is the destination label the router emits (e.g. "github").
	Name string `yaml:"name"`

	// Description is the capability summary shown to the routing oracle.
	Description string `yaml:"description"`

	// Keywords trigger the deterministic fast path. Matched as lowercase
	// substrings of the user message.
	Keywords []string `yaml:"keywords"`
}

// RoutingRules is the full routing configuration for the supervisor.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type RoutingRules struct {
	// Destinations lists routable specialists in declaration order.
	Destinations []DestinationRule `yaml:"destinations"`
}

// Validate checks structural invariants of the rules.
//
// Outputs:
//
//	error - Non-nil if a destination is unnamed or duplicated.
func (r *RoutingRules) Validate() error {
	seen := make(map[string]bool, len(r.Destinations))
	for i, d := range r.Destinations {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return fmt.Errorf("routing rules: destination %d has empty name", i)
		}
		if seen[name] {
			return fmt.Errorf("routing rules: duplicate destination %q", name)
		}
		seen[name] = true
	}
	return nil
}

// =============================================================================
// Loading
// =============================================================================

// DefaultRoutingRules parses the embedded routing rules.
//
// Description:
//
//	The embedded rules ship with the binary and cover the built-in
//	destinations. Deployments override them with RELAY_ROUTING_RULES.
//
// Outputs:
//
//	*RoutingRules - The parsed rules. Never nil on success.
//	error         - Non-nil only if the embedded YAML is broken (a build bug).
func DefaultRoutingRules() (*RoutingRules, error) {
	return parseRoutingRules(defaultRoutingRulesYAML)
}

// LoadRoutingRulesFile loads routing rules from a YAML file.
//
// Inputs:
//
//	path - Path to the rules file.
//
// Outputs:
//
//	*RoutingRules - The parsed rules.
//	error         - Non-nil if the file is unreadable or invalid.
func LoadRoutingRulesFile(path string) (*RoutingRules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing rules %s: %w", path, err)
	}
	return parseRoutingRules(raw)
}

func parseRoutingRules(raw []byte) (*RoutingRules, error) {
	var rules RoutingRules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("parse routing rules: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return &rules, nil
}

// =============================================================================
// Hot Reload
// =============================================================================

// RulesWatcher watches a routing rules file and delivers reloaded rules to a
// callback.
//
// Description:
//
//	Uses fsnotify on the rules file's directory (editors replace files
//	rather than writing in place, so watching the directory catches
//	rename-based saves). A reload that fails to parse is logged and
//	dropped; the previous rules stay active.
//
// Thread Safety: Safe for concurrent use. Close stops the watcher.
type RulesWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// WatchRoutingRules starts watching path and invokes onReload with each
// successfully parsed revision.
//
// Inputs:
//
//	path     - The rules file to watch. Must exist at call time.
//	onReload - Callback receiving each valid new revision. Must not be nil.
//	logger   - Logger instance. May be nil.
//
// Outputs:
//
//	*RulesWatcher - The running watcher. Callers must Close it.
//	error         - Non-nil if the watch cannot be established.
func WatchRoutingRules(path string, onReload func(*RoutingRules), logger *slog.Logger) (*RulesWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create rules watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch rules dir: %w", err)
	}

	w := &RulesWatcher{
		watcher: fw,
		path:    path,
		logger:  logger,
		done:    make(chan struct{}),
	}

	go w.run(onReload)
	return w, nil
}

func (w *RulesWatcher) run(onReload func(*RoutingRules)) {
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			rules, err := LoadRoutingRulesFile(w.path)
			if err != nil {
				w.logger.Warn("routing rules reload failed, keeping previous rules",
					slog.String("path", w.path),
					slog.String("error", err.Error()),
				)
				continue
			}
			w.logger.Info("routing rules reloaded",
				slog.String("path", w.path),
				slog.Int("destinations", len(rules.Destinations)),
			)
			onReload(rules)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("routing rules watcher error", slog.String("error", err.Error()))
		}
	}
}

// Close stops the watcher. Safe to call more than once.
func (w *RulesWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
