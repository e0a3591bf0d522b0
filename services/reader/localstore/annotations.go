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

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/regreader/services/reader/annotations"
)

func annotationKey(id string) []byte {
	return []byte(annotationPrefix + id)
}

func sectionIdxKey(section, id string) []byte {
	return []byte(sectionIdxPrefix + section + ":" + id)
}

func partIdxKey(part, id string) []byte {
	return []byte(partIdxPrefix + part + ":" + id)
}

// putAnnotationTxn writes the annotation and both secondary index
// entries inside an existing transaction.
func putAnnotationTxn(txn *dgbadger.Txn, a annotations.Annotation) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal annotation: %w", err)
	}
	if err := txn.Set(annotationKey(a.ID), data); err != nil {
		return err
	}
	if err := txn.Set(sectionIdxKey(a.Section, a.ID), nil); err != nil {
		return err
	}
	return txn.Set(partIdxKey(a.Part, a.ID), nil)
}

// deleteAnnotationTxn removes the annotation and its index entries
// inside an existing transaction. Returns ErrNotFound if absent.
func deleteAnnotationTxn(txn *dgbadger.Txn, id string) error {
	a, err := getAnnotationTxn(txn, id)
	if err != nil {
		return err
	}
	if err := txn.Delete(annotationKey(id)); err != nil {
		return err
	}
	if err := txn.Delete(sectionIdxKey(a.Section, id)); err != nil {
		return err
	}
	return txn.Delete(partIdxKey(a.Part, id))
}

func getAnnotationTxn(txn *dgbadger.Txn, id string) (annotations.Annotation, error) {
	var a annotations.Annotation

	item, err := txn.Get(annotationKey(id))
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return a, fmt.Errorf("annotation %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return a, err
	}

	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &a)
	})
	if err != nil {
		return a, fmt.Errorf("decode annotation %q: %w", id, err)
	}
	return a, nil
}

// PutAnnotation writes an annotation and maintains its section and
// part indexes.
func (s *Store) PutAnnotation(ctx context.Context, a annotations.Annotation) error {
	if a.ID == "" {
		return errors.New("annotation id must not be empty")
	}
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return putAnnotationTxn(txn, a)
	})
}

// Annotation reads a single annotation by id. Returns ErrNotFound if
// absent.
func (s *Store) Annotation(ctx context.Context, id string) (annotations.Annotation, error) {
	var a annotations.Annotation
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		var err error
		a, err = getAnnotationTxn(txn, id)
		return err
	})
	return a, err
}

// DeleteAnnotation removes an annotation and its index entries.
// Returns ErrNotFound if absent.
func (s *Store) DeleteAnnotation(ctx context.Context, id string) error {
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return deleteAnnotationTxn(txn, id)
	})
}

// AnnotationsBySection returns all annotations in the given section,
// via the section index.
func (s *Store) AnnotationsBySection(ctx context.Context, section string) ([]annotations.Annotation, error) {
	return s.annotationsByIndex(ctx, sectionIdxPrefix+section+":")
}

// AnnotationsByPart returns all annotations in the given part, via the
// part index.
func (s *Store) AnnotationsByPart(ctx context.Context, part string) ([]annotations.Annotation, error) {
	return s.annotationsByIndex(ctx, partIdxPrefix+part+":")
}

func (s *Store) annotationsByIndex(ctx context.Context, prefix string) ([]annotations.Annotation, error) {
	var out []annotations.Annotation

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			id := string(it.Item().Key()[len(p):])
			a, err := getAnnotationTxn(txn, id)
			if errors.Is(err, ErrNotFound) {
				// Stale index entry; skip rather than fail the scan.
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AnnotationIDs enumerates all annotation ids in the store.
func (s *Store) AnnotationIDs(ctx context.Context) ([]string, error) {
	var ids []string

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(annotationPrefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(p):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ReplaceAnnotations atomically replaces the entire annotation
// collection (and its indexes) with the given set. Used when refreshing
// local state from the remote list endpoint.
func (s *Store) ReplaceAnnotations(ctx context.Context, set []annotations.Annotation) error {
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		var stale [][]byte

		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for _, prefix := range []string{annotationPrefix, sectionIdxPrefix, partIdxPrefix} {
			p := []byte(prefix)
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		it.Close()

		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for _, a := range set {
			if err := putAnnotationTxn(txn, a); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReconcileAnnotationID rekeys an annotation from its provisional id to
// the server-issued canonical id.
//
// # Description
//
// In a single transaction: the record stored under localID is deleted
// (with its index entries) and reinserted under serverID, and every
// pending queue item still addressing localID gets its ServerID filled
// in so later flush passes target the canonical id. If no record
// exists under localID (it was deleted locally in the meantime) only
// the queue rewrite happens.
func (s *Store) ReconcileAnnotationID(ctx context.Context, localID, serverID string) error {
	if localID == "" || serverID == "" || localID == serverID {
		return errors.New("reconcile requires two distinct non-empty ids")
	}

	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		a, err := getAnnotationTxn(txn, localID)
		switch {
		case errors.Is(err, ErrNotFound):
			// Already deleted locally; nothing to rekey.
		case err != nil:
			return err
		default:
			if err := deleteAnnotationTxn(txn, localID); err != nil {
				return err
			}
			a.ID = serverID
			if err := putAnnotationTxn(txn, a); err != nil {
				return err
			}
		}

		return rewriteQueueServerIDTxn(txn, localID, serverID)
	})
}
