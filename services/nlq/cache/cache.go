// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache persists successful translations keyed by normalized
// utterance, so repeat questions skip both the pattern scan and the LLM.
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var cacheOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "orgatlas",
	Subsystem: "cache",
	Name:      "ops_total",
	Help:      "Translation cache operations: hit, miss, put, error",
}, []string{"op"})

// Provenance tags cache-served translations.
const Provenance = "cache"

// keyPrefix namespaces translation entries within the store.
const keyPrefix = "nlq:v1:"

// =============================================================================
// Cache
// =============================================================================

// Entry is one cached translation.
type Entry struct {
	// Query is the validated Cypher that served the utterance.
	Query string `json:"query"`

	// SourceProvenance records how the query was originally produced
	// (pattern name or "llm"), kept for observability.
	SourceProvenance string `json:"source_provenance"`

	// CachedAt is when the entry was written.
	CachedAt time.Time `json:"cached_at"`
}

// Cache is a badger-backed translation store with per-entry TTL.
//
// Thread Safety: Safe for concurrent use.
type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
}

// Open opens or creates the cache at path. An empty path opens an in-memory
// store, used by tests and the one-shot CLI.
//
// Inputs:
//   - path: Filesystem directory for the store, or "" for in-memory.
//   - ttl: Entry lifetime. Non-positive means 24h.
//   - logger: Logger instance. Must not be nil.
//
// Outputs:
//   - *Cache: The opened cache.
//   - error: Non-nil if the store cannot be opened.
func Open(path string, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("Open: opening translation cache: %w", err)
	}
	return &Cache{db: db, ttl: ttl, logger: logger}, nil
}

// Close releases the store.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get looks up a cached translation for the normalized utterance.
//
// Outputs:
//   - *Entry: The cached translation, or nil on miss.
//   - bool: True on hit.
func (c *Cache) Get(normalized string) (*Entry, bool) {
	var entry Entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + normalized))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		if err != badger.ErrKeyNotFound {
			cacheOpsTotal.WithLabelValues("error").Inc()
			c.logger.Warn("translation cache read failed", slog.String("error", err.Error()))
		} else {
			cacheOpsTotal.WithLabelValues("miss").Inc()
		}
		return nil, false
	}
	cacheOpsTotal.WithLabelValues("hit").Inc()
	return &entry, true
}

// Put stores a translation under the normalized utterance with the cache TTL.
func (c *Cache) Put(normalized string, entry Entry) error {
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now().UTC()
	}
	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("Put: marshaling cache entry: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(keyPrefix+normalized), val).WithTTL(c.ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		cacheOpsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("Put: writing cache entry: %w", err)
	}
	cacheOpsTotal.WithLabelValues("put").Inc()
	return nil
}

// Invalidate removes one entry, used when a cached query starts failing
// against a changed schema.
func (c *Cache) Invalidate(normalized string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + normalized))
	})
}
