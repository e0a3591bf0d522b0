// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// TOCEntry is one table-of-contents row of a part snapshot.
type TOCEntry struct {
	SectionID string `json:"section_id"`
	Heading   string `json:"heading"`
}

// Section is one full section body within a part snapshot.
type Section struct {
	ID      string `json:"id"`
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

// StoredPartData is an immutable cached snapshot of one regulation
// part: the table of contents plus full section bodies, for offline
// reading. Snapshots are replaced wholesale on refresh, never
// partially mutated.
type StoredPartData struct {
	Part            string     `json:"part"`
	TableOfContents []TOCEntry `json:"table_of_contents"`
	Sections        []Section  `json:"sections"`
	RetrievedAt     time.Time  `json:"retrieved_at"`
}

func partKey(part string) []byte {
	return []byte(partPrefix + part)
}

// PutPartData stores a part snapshot, replacing any previous snapshot
// for the same part.
func (s *Store) PutPartData(ctx context.Context, d StoredPartData) error {
	if d.Part == "" {
		return errors.New("part id must not be empty")
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal part snapshot: %w", err)
	}
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(partKey(d.Part), data)
	})
}

// PartData reads the cached snapshot for a part. Returns ErrNotFound
// if the part has never been downloaded.
func (s *Store) PartData(ctx context.Context, part string) (StoredPartData, error) {
	var d StoredPartData

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(partKey(part))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return fmt.Errorf("part %q: %w", part, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &d)
		})
	})
	if err != nil {
		return StoredPartData{}, err
	}
	return d, nil
}

// CachedParts enumerates the part ids with a stored snapshot.
func (s *Store) CachedParts(ctx context.Context) ([]string, error) {
	var parts []string

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(partPrefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			parts = append(parts, string(it.Item().Key()[len(p):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return parts, nil
}
