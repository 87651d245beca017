// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session persists per-session conversation history.
//
// Sessions are append-only turn logs in BadgerDB with a per-session idle
// TTL. Expiry is owned by Badger's native TTL: every append or touch
// rewrites the entry with a fresh TTL, so a session dies only after the
// configured idle window with no activity. There is no application-level
// reaper and no explicit delete path in normal operation.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	storage "github.com/AleutianAI/AleutianRelay/services/relay/storage/badger"
)

const sessionPrefix = "session:"

// defaultTTL is the idle expiry when the store is configured with zero.
const defaultTTL = 24 * time.Hour

// Turn is one recorded conversation turn. Turns are immutable once
// appended.
type Turn struct {
	// Role is "user" or "assistant".
	Role string `json:"role"`

	// Content is the turn text.
	Content string `json:"content"`

	// At is when the turn was recorded (UTC).
	At time.Time `json:"at"`
}

// Store persists session histories.
//
// Thread Safety: Safe for concurrent use. Appends to the same session are
// serialized by Badger's transaction conflict detection upstream of this
// package; within one service instance the handler appends sequentially
// per turn.
type Store struct {
	db  *storage.DB
	ttl time.Duration
}

// NewStore creates a session store over the shared database.
//
// Inputs:
//   - db: The shared database. Must not be nil.
//   - ttl: Idle expiry per session. Zero uses 24h.
func NewStore(db *storage.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{db: db, ttl: ttl}
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Append records turns at the end of a session's history, creating the
// session if needed and refreshing its TTL.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - sessionID: The session to append to.
//   - turns: Turns to append, in order. Zero-value At fields are stamped.
//
// Outputs:
//   - error: Non-nil on storage failure.
func (s *Store) Append(ctx context.Context, sessionID string, turns ...Turn) error {
	if sessionID == "" {
		return fmt.Errorf("session: id must not be empty")
	}
	now := time.Now().UTC()
	for i := range turns {
		if turns[i].At.IsZero() {
			turns[i].At = now
		}
	}

	key := []byte(sessionPrefix + sessionID)
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		history, err := readHistory(txn, key)
		if err != nil {
			return err
		}
		history = append(history, turns...)
		raw, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("session: marshaling history: %w", err)
		}
		return txn.SetEntry(badger.NewEntry(key, raw).WithTTL(s.ttl))
	})
}

// History returns a session's turns in append order.
//
// Outputs:
//   - []Turn: The ordered turns. Empty (not nil error) for an unknown or
//     expired session.
//   - error: Non-nil on storage failure.
func (s *Store) History(ctx context.Context, sessionID string) ([]Turn, error) {
	var history []Turn
	key := []byte(sessionPrefix + sessionID)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		history, err = readHistory(txn, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

// Touch refreshes a session's TTL without modifying its turns. A no-op for
// unknown sessions.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := []byte(sessionPrefix + sessionID)
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(key, raw).WithTTL(s.ttl))
	})
}

// readHistory loads and decodes a session's turn log inside a transaction.
// Missing key means a new session: empty history, no error.
func readHistory(txn *badger.Txn, key []byte) ([]Turn, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return []Turn{}, nil
	}
	if err != nil {
		return nil, err
	}
	var history []Turn
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &history)
	}); err != nil {
		return nil, fmt.Errorf("session: decoding history: %w", err)
	}
	return history, nil
}
