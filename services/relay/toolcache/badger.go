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
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	storage "github.com/AleutianAI/AleutianRelay/services/relay/storage/badger"
)

// BadgerCache stores tool results in BadgerDB using its native per-entry
// TTL. Expiry is enforced by Badger's GC, not application code: expired keys
// simply return ErrKeyNotFound, which reads treat as a miss.
//
// Thread Safety: Safe for concurrent use.
type BadgerCache struct {
	db *storage.DB
}

// NewBadgerCache wraps the shared database as a tool result cache.
func NewBadgerCache(db *storage.DB) *BadgerCache {
	return &BadgerCache{db: db}
}

// Get implements Cache.Get.
func (c *BadgerCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := c.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		cacheOpsTotal.WithLabelValues("badger", "miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		cacheOpsTotal.WithLabelValues("badger", "error").Inc()
		return nil, false, fmt.Errorf("toolcache: badger get: %w", err)
	}
	cacheOpsTotal.WithLabelValues("badger", "hit").Inc()
	return value, true, nil
}

// Set implements Cache.Set.
func (c *BadgerCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("toolcache: ttl must be positive, got %v", ttl)
	}
	err := c.db.WithTxn(ctx, func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		cacheOpsTotal.WithLabelValues("badger", "error").Inc()
		return fmt.Errorf("toolcache: badger set: %w", err)
	}
	cacheOpsTotal.WithLabelValues("badger", "set").Inc()
	return nil
}

// Close implements Cache.Close. The underlying database is shared and owned
// by the service, so this is a no-op.
func (c *BadgerCache) Close() error {
	return nil
}
