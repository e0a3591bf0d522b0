// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package localstore implements the reader's durable local store on
// top of embedded BadgerDB.
//
// Four logical collections share one database, scoped by key prefix:
//
//	annotation:{id}                     JSON annotation
//	idx:section:{section}:{id}          secondary index (empty value)
//	idx:part:{part}:{id}                secondary index (empty value)
//	queue:{seq}                         CRC32-prefixed gob queue entry
//	part:{part}                         JSON part snapshot
//	meta:{key}                          raw bytes
//
// Because all collections live in one database, a mutation and its
// paired queue entry commit in a single transaction (see
// ApplyMutation); a crash can never leave an annotation without its
// queue item or vice versa.
//
// Thread Safety: Store is safe for concurrent use. All access goes
// through BadgerDB transactions.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/regreader/services/reader/annotations"
	"github.com/AleutianAI/regreader/services/reader/storage/badger"
)

var (
	// ErrStoreUnavailable indicates the embedded database could not be
	// opened. This is a fatal local-capability error; the application
	// must degrade to online-only behavior.
	ErrStoreUnavailable = errors.New("local store unavailable")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrSchemaMismatch indicates the on-disk schema version is not
	// one this build understands.
	ErrSchemaMismatch = errors.New("store schema version mismatch")

	// ErrQueueCorrupted indicates a queue entry failed its integrity
	// check.
	ErrQueueCorrupted = errors.New("queue entry corrupted (CRC mismatch)")
)

// SchemaVersion is the current local schema version, recorded in the
// meta collection at open.
const SchemaVersion = "1"

// Key prefixes for the four collections.
const (
	annotationPrefix = "annotation:"
	sectionIdxPrefix = "idx:section:"
	partIdxPrefix    = "idx:part:"
	queuePrefix      = "queue:"
	partPrefix       = "part:"
	metaPrefix       = "meta:"

	metaSchemaVersionKey = "schema_version"
)

// Config holds configuration for the local store.
type Config struct {
	// Path is the directory for database files.
	// Required unless InMemory is true.
	Path string

	// InMemory opens the store without disk persistence (testing).
	InMemory bool

	// SyncWrites enables synchronous writes. Default in
	// DefaultConfig: true; local durability is the whole point.
	SyncWrites bool

	// Logger for store operations. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production defaults for the given path.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("path is required for persistent store")
	}
	return nil
}

// Store is the reader's durable local store.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	// seq is the queue sequence counter, recovered from the highest
	// existing queue key at open.
	seq atomic.Uint64
}

// Open opens the local store.
//
// # Description
//
// Opens the embedded database, recovers the queue sequence counter
// from existing entries, and records the schema version in the meta
// collection. An open failure wraps ErrStoreUnavailable so callers can
// degrade to online-only behavior.
//
// # Outputs
//
//   - *Store: The opened store. Caller must call Close() when done.
//   - error: Non-nil on invalid config, open failure, or schema
//     mismatch.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	annotations.RegisterPayloadTypes()

	dbCfg := badger.Config{
		Path:       cfg.Path,
		InMemory:   cfg.InMemory,
		SyncWrites: cfg.SyncWrites,
		Logger:     cfg.Logger,
	}
	if !cfg.InMemory {
		def := badger.DefaultConfig()
		dbCfg.GCInterval = def.GCInterval
		dbCfg.GCDiscardRatio = def.GCDiscardRatio
	}

	db, err := badger.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	s := &Store{
		db:     db,
		logger: cfg.Logger.With(slog.String("component", "localstore")),
	}

	if err := s.initSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover queue sequence: %w", err)
	}
	if err := s.checkSchema(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("local store opened",
		slog.String("path", cfg.Path),
		slog.Bool("in_memory", cfg.InMemory),
		slog.Uint64("queue_seq", s.seq.Load()))

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// initSeq recovers the highest queue sequence number via a reverse
// prefix scan.
func (s *Store) initSeq() error {
	var maxSeq uint64

	err := s.db.WithReadTxn(context.Background(), func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		seekKey := append([]byte(queuePrefix), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seekKey)

		if it.ValidForPrefix([]byte(queuePrefix)) {
			key := it.Item().Key()
			var seq uint64
			if _, err := fmt.Sscanf(string(key[len(queuePrefix):]), "%016d", &seq); err == nil {
				maxSeq = seq
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.seq.Store(maxSeq)
	return nil
}

// checkSchema records the schema version on first open and rejects a
// mismatched existing version.
func (s *Store) checkSchema() error {
	ctx := context.Background()

	stored, err := s.Meta(ctx, metaSchemaVersionKey)
	if errors.Is(err, ErrNotFound) {
		return s.PutMeta(ctx, metaSchemaVersionKey, []byte(SchemaVersion))
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if string(stored) != SchemaVersion {
		return fmt.Errorf("%w: have %q, want %q", ErrSchemaMismatch, stored, SchemaVersion)
	}
	return nil
}

// PutMeta writes a meta record.
func (s *Store) PutMeta(ctx context.Context, key string, value []byte) error {
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set([]byte(metaPrefix+key), value)
	})
}

// Meta reads a meta record. Returns ErrNotFound if absent.
func (s *Store) Meta(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + key))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return fmt.Errorf("meta %q: %w", key, ErrNotFound)
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}
