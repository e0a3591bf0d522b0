// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package annotations

import (
	"encoding/gob"
	"sync"
	"time"
)

// Operation is the kind of remote mutation a queue item describes.
type Operation string

const (
	// OpCreate submits a new annotation; the server responds with the
	// canonical id.
	OpCreate Operation = "create"

	// OpUpdate submits a partial payload addressed by id.
	OpUpdate Operation = "update"

	// OpDelete removes an annotation by id and type. A remote
	// "not found" counts as success.
	OpDelete Operation = "delete"
)

// QueueItem is one pending remote operation.
//
// # Description
//
// Items are appended by the mutator alongside every local mutation and
// drained strictly in ascending QueueID order by the sync engine. An
// item is removed only on confirmed remote success, on retry
// exhaustion, or on a permanent rejection.
type QueueItem struct {
	// QueueID is the monotonic sequence number assigned by the store
	// at append time. Zero until appended.
	QueueID uint64

	// Operation is the remote mutation kind.
	Operation Operation

	// AnnotationType is the type of the annotation the operation
	// targets.
	AnnotationType Type

	// LocalID is the provisional annotation id, set when the target
	// has not completed a remote round trip yet.
	LocalID string

	// ServerID is the canonical annotation id, set when the target is
	// already known to the server. Reconciliation fills this in for
	// items that were enqueued under a provisional id.
	ServerID string

	// Payload carries the operation-specific body.
	Payload Payload

	// EnqueuedAt is when the mutator appended the item.
	EnqueuedAt time.Time

	// RetryCount is how many transport-level failures this item has
	// survived. Past MaxRetries the item is abandoned.
	RetryCount int
}

// TargetID returns the id the remote call should address: the
// canonical id when known, the provisional id otherwise.
func (it QueueItem) TargetID() string {
	if it.ServerID != "" {
		return it.ServerID
	}
	return it.LocalID
}

// Payload is the tagged union of operation bodies. The concrete type
// is determined by the item's Operation, so payload shape is checked
// statically per case instead of through untyped maps.
type Payload interface {
	// Operation returns the operation kind this payload belongs to.
	Operation() Operation
}

// CreatePayload is the body of an OpCreate item: the full annotation
// minus any identifier, which the server issues.
type CreatePayload struct {
	Type          Type
	ParagraphRefs []string
	Part          string
	Section       string
	NoteText      string
	Color         string
}

// Operation implements Payload.
func (CreatePayload) Operation() Operation { return OpCreate }

// UpdatePayload is the body of an OpUpdate item. Only the note text is
// mutable after creation.
type UpdatePayload struct {
	NoteText string
}

// Operation implements Payload.
func (UpdatePayload) Operation() Operation { return OpUpdate }

// DeletePayload is the body of an OpDelete item. The target id and
// type travel on the item itself.
type DeletePayload struct{}

// Operation implements Payload.
func (DeletePayload) Operation() Operation { return OpDelete }

var payloadTypesRegistered sync.Once

// RegisterPayloadTypes registers the payload union members for gob
// encoding. Safe to call from multiple goroutines; only the first call
// does work.
func RegisterPayloadTypes() {
	payloadTypesRegistered.Do(func() {
		gob.Register(CreatePayload{})
		gob.Register(UpdatePayload{})
		gob.Register(DeletePayload{})
	})
}
