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
	"errors"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/regreader/services/reader/annotations"
)

// Mutation pairs a local annotation write (or removal) with the queue
// entry describing the equivalent remote operation. Exactly one of Put
// and Remove must be set.
type Mutation struct {
	// Put is the annotation to write.
	Put *annotations.Annotation

	// Remove is the id of the annotation to delete.
	Remove string

	// Enqueue is the pending operation appended alongside the write.
	// Its QueueID is assigned by the store.
	Enqueue annotations.QueueItem
}

// ApplyMutation commits an annotation write and its queue entry in one
// transaction.
//
// # Description
//
// This is the only write path the mutator uses. Committing both
// records atomically closes the crash window in which an annotation
// exists without its queue item (it would never sync) or a queue item
// exists without its annotation.
//
// # Outputs
//
//   - annotations.QueueItem: The enqueued item with its assigned
//     QueueID.
//   - error: Non-nil if validation or the transaction fails. Removing
//     a missing annotation returns ErrNotFound.
func (s *Store) ApplyMutation(ctx context.Context, m Mutation) (annotations.QueueItem, error) {
	if (m.Put == nil) == (m.Remove == "") {
		return annotations.QueueItem{}, errors.New("mutation requires exactly one of put or remove")
	}

	item := m.Enqueue
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if m.Put != nil {
			if err := putAnnotationTxn(txn, *m.Put); err != nil {
				return err
			}
		} else {
			if err := deleteAnnotationTxn(txn, m.Remove); err != nil {
				return err
			}
		}
		return s.appendQueueItemTxn(txn, &item)
	})
	if err != nil {
		return annotations.QueueItem{}, err
	}
	return item, nil
}
