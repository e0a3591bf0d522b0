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
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/regreader/services/reader/annotations"
)

// Queue entry value format: [4-byte CRC32][gob-encoded item]. The
// checksum guards against partially written or bit-rotted entries
// being replayed against the remote service.

func queueKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", queuePrefix, seq))
}

func encodeQueueItem(it annotations.QueueItem) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&it); err != nil {
		return nil, fmt.Errorf("gob encode queue item: %w", err)
	}

	crc := crc32.ChecksumIEEE(buf.Bytes())
	out := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(out[:4], crc)
	copy(out[4:], buf.Bytes())
	return out, nil
}

func decodeQueueItem(data []byte) (annotations.QueueItem, error) {
	var it annotations.QueueItem

	if len(data) < 5 {
		return it, fmt.Errorf("%w: entry too short", ErrQueueCorrupted)
	}

	storedCRC := binary.BigEndian.Uint32(data[:4])
	gobData := data[4:]
	if computed := crc32.ChecksumIEEE(gobData); computed != storedCRC {
		return it, fmt.Errorf("%w: stored=%08x computed=%08x", ErrQueueCorrupted, storedCRC, computed)
	}

	if err := gob.NewDecoder(bytes.NewReader(gobData)).Decode(&it); err != nil {
		return it, fmt.Errorf("gob decode queue item: %w", err)
	}
	return it, nil
}

// appendQueueItemTxn assigns the next sequence number and writes the
// item inside an existing transaction.
func (s *Store) appendQueueItemTxn(txn *dgbadger.Txn, it *annotations.QueueItem) error {
	it.QueueID = s.seq.Add(1)

	data, err := encodeQueueItem(*it)
	if err != nil {
		return err
	}
	return txn.Set(queueKey(it.QueueID), data)
}

// AppendQueueItem appends a pending operation and returns the item
// with its assigned QueueID.
func (s *Store) AppendQueueItem(ctx context.Context, it annotations.QueueItem) (annotations.QueueItem, error) {
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return s.appendQueueItemTxn(txn, &it)
	})
	if err != nil {
		return annotations.QueueItem{}, err
	}
	return it, nil
}

// QueueItems returns all pending operations in ascending QueueID
// order. Gaps are expected (removal of completed items leaves them);
// a corrupted entry fails the read.
func (s *Store) QueueItems(ctx context.Context) ([]annotations.QueueItem, error) {
	var items []annotations.QueueItem

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(queuePrefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				decoded, err := decodeQueueItem(val)
				if err != nil {
					return err
				}
				items = append(items, decoded)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// QueueLen returns the number of pending operations.
func (s *Store) QueueLen(ctx context.Context) (int, error) {
	n := 0
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(queuePrefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RemoveQueueItem deletes a pending operation. Removing an id that is
// already gone is a no-op, so a crash between remote success and local
// removal stays safe to replay.
func (s *Store) RemoveQueueItem(ctx context.Context, queueID uint64) error {
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Delete(queueKey(queueID))
	})
}

// BumpRetry increments an item's retry count and returns the new
// value. Returns ErrNotFound if the item no longer exists.
func (s *Store) BumpRetry(ctx context.Context, queueID uint64) (int, error) {
	var count int

	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(queueKey(queueID))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return fmt.Errorf("queue item %d: %w", queueID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		var decoded annotations.QueueItem
		err = item.Value(func(val []byte) error {
			decoded, err = decodeQueueItem(val)
			return err
		})
		if err != nil {
			return err
		}

		decoded.RetryCount++
		count = decoded.RetryCount

		data, err := encodeQueueItem(decoded)
		if err != nil {
			return err
		}
		return txn.Set(queueKey(queueID), data)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// rewriteQueueServerIDTxn fills in ServerID on every pending item that
// still addresses localID, inside an existing transaction.
func rewriteQueueServerIDTxn(txn *dgbadger.Txn, localID, serverID string) error {
	type rewrite struct {
		key  []byte
		data []byte
	}
	var rewrites []rewrite

	opts := dgbadger.DefaultIteratorOptions
	opts.PrefetchValues = true

	it := txn.NewIterator(opts)
	p := []byte(queuePrefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		err := item.Value(func(val []byte) error {
			decoded, err := decodeQueueItem(val)
			if err != nil {
				return err
			}
			if decoded.LocalID != localID || decoded.ServerID != "" {
				return nil
			}
			decoded.ServerID = serverID
			data, err := encodeQueueItem(decoded)
			if err != nil {
				return err
			}
			rewrites = append(rewrites, rewrite{key: item.KeyCopy(nil), data: data})
			return nil
		})
		if err != nil {
			it.Close()
			return err
		}
	}
	it.Close()

	for _, rw := range rewrites {
		if err := txn.Set(rw.key, rw.data); err != nil {
			return err
		}
	}
	return nil
}
