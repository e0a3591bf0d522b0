// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package syncer drains the pending-operation queue against the remote
// annotation service.
//
// # Description
//
// A flush pass snapshots the queue and replays it strictly in enqueue
// order, one remote call in flight at a time, which preserves
// per-annotation causal order (an Update's queue item is always
// enqueued after its Create's). An item retained for retry holds the
// annotation's later items out of the remainder of the pass, so causal
// order survives transient failures too. Items are removed only on
// confirmed success, permanent rejection, or retry exhaustion. Flush
// failures never propagate as errors to the trigger path; they
// aggregate into the FlushResult summary.
//
// Identifier reconciliation: when a Create returns a canonical id that
// differs from the provisional local id, the local record is rekeyed
// in one store transaction and the mapping is published in
// FlushResult.Reconciled so cached UI references can rewrite
// themselves.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/regreader/services/reader/annotations"
	"github.com/AleutianAI/regreader/services/reader/localstore"
	"github.com/AleutianAI/regreader/services/reader/remote"
)

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrFlushInFlight is returned when a flush pass is already
	// running. Triggers coalesce through the connectivity monitor
	// rather than stacking passes.
	ErrFlushInFlight = errors.New("flush pass already in flight")

	// ErrQueuePending is returned by Refresh while queue items are
	// pending; replacing local state would clobber optimistic writes
	// that have not reached the server yet.
	ErrQueuePending = errors.New("pending operations in queue")
)

// DefaultMaxRetries is the bounded-retry limit for transport-level
// failures. Past this many retries an item is abandoned: removed
// permanently and counted failed, never resurfaced. The tradeoff is
// deliberate: the UI is never blocked on guaranteed delivery.
const DefaultMaxRetries = 3

// AnnotationAPI is the remote annotation service surface the engine
// drains against. *remote.AnnotationClient implements it.
type AnnotationAPI interface {
	CreateAnnotation(ctx context.Context, p annotations.CreatePayload) (remote.Annotation, error)
	UpdateAnnotation(ctx context.Context, id, note string) error
	DeleteAnnotation(ctx context.Context, id string, typ annotations.Type) error
	ListAnnotations(ctx context.Context, typ *annotations.Type) ([]remote.Annotation, error)
}

// FlushResult is the summary of one flush pass.
type FlushResult struct {
	// Succeeded is the number of items confirmed by the remote
	// service and removed.
	Succeeded int

	// Failed is the number of items abandoned: retry budget exhausted
	// or permanently rejected.
	Failed int

	// Reconciled maps provisional local ids to the canonical ids the
	// server issued during this pass. Callers refresh any cached UI
	// references from it.
	Reconciled map[string]string
}

// Config holds configuration for the sync engine.
type Config struct {
	// MaxRetries bounds transport-failure retries per item.
	// Default: DefaultMaxRetries.
	MaxRetries int

	// Logger for engine operations. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries: DefaultMaxRetries,
		Logger:     slog.Default(),
	}
}

// Engine drains the pending-operation queue.
//
// Thread Safety: Safe for concurrent use. Concurrent Flush calls do
// not stack: the loser receives ErrFlushInFlight.
type Engine struct {
	store      *localstore.Store
	api        AnnotationAPI
	maxRetries int
	logger     *slog.Logger

	// inFlight is the single-flight guard around the flush loop. Two
	// triggers firing in close succession must not launch two
	// concurrent passes; that would break FIFO draining.
	inFlight atomic.Bool
}

// NewEngine creates a sync engine over the given store and remote
// service.
func NewEngine(store *localstore.Store, api AnnotationAPI, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if api == nil {
		return nil, errors.New("api must not be nil")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Engine{
		store:      store,
		api:        api,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger.With(slog.String("component", "syncer")),
	}, nil
}

// Flush runs one full flush pass over the queue as it existed when the
// pass began.
//
// # Outputs
//
//   - FlushResult: Per-pass summary, valid even when error is nil and
//     some items failed.
//   - error: ErrFlushInFlight if a pass is already running, or a local
//     store failure. Remote failures never surface here; they are
//     absorbed into the result per the retry policy.
func (e *Engine) Flush(ctx context.Context) (FlushResult, error) {
	res := FlushResult{Reconciled: make(map[string]string)}

	if ctx == nil {
		return res, ErrNilContext
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		return res, ErrFlushInFlight
	}
	defer e.inFlight.Store(false)

	ctx, span := tracer.Start(ctx, "syncer.Flush")
	defer span.End()

	start := time.Now()

	items, err := e.store.QueueItems(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "queue read failed")
		return res, fmt.Errorf("read queue: %w", err)
	}

	paused := false
	deferred := 0

	// held collects the annotations with an item retained for retry
	// during this pass. Later items for the same annotation must not
	// run ahead of a retained predecessor: an Update replayed before
	// its Create lands draws a 404 the error taxonomy would misread as
	// permanent, and an Update replayed before an earlier retained
	// Update would be overwritten by stale text on the retry.
	held := make(map[string]struct{})

	for _, item := range items {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}

		if _, ok := held[dependencyKey(item)]; ok {
			deferred++
			e.logger.Debug("queue item deferred behind retained predecessor",
				slog.Uint64("queue_id", item.QueueID),
				slog.String("annotation_id", dependencyKey(item)))
			continue
		}

		stop, err := e.flushItem(ctx, item, &res, held)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "store failure during pass")
			return res, err
		}
		if stop {
			paused = true
			break
		}
	}

	span.SetAttributes(
		attribute.Int("attempted", len(items)),
		attribute.Int("succeeded", res.Succeeded),
		attribute.Int("failed", res.Failed),
		attribute.Int("deferred", deferred),
		attribute.Int("reconciled", len(res.Reconciled)),
		attribute.Bool("auth_paused", paused),
	)
	recordFlushPass(ctx, res, time.Since(start))

	e.logger.Info("flush pass completed",
		slog.Int("attempted", len(items)),
		slog.Int("succeeded", res.Succeeded),
		slog.Int("failed", res.Failed),
		slog.Int("deferred", deferred),
		slog.Int("reconciled", len(res.Reconciled)),
		slog.Bool("auth_paused", paused))

	return res, nil
}

// flushItem replays one queue item against the remote service and
// applies the retry policy to the outcome. A retained item registers
// its annotation in held so the pass defers the annotation's later
// items.
//
// Returns stop=true when the pass must pause (auth rejection). A
// non-nil error is a local store failure, never a remote one.
func (e *Engine) flushItem(ctx context.Context, item annotations.QueueItem, res *FlushResult, held map[string]struct{}) (bool, error) {
	var callErr error

	switch item.Operation {
	case annotations.OpCreate:
		payload, ok := item.Payload.(annotations.CreatePayload)
		if !ok {
			return false, e.abandon(ctx, item, res, "malformed create payload")
		}

		created, err := e.api.CreateAnnotation(ctx, payload)
		if err == nil {
			if created.ID != item.LocalID {
				if err := e.store.ReconcileAnnotationID(ctx, item.LocalID, created.ID); err != nil {
					return false, fmt.Errorf("reconcile %s: %w", item.LocalID, err)
				}
				res.Reconciled[item.LocalID] = created.ID
				e.logger.Debug("annotation id reconciled",
					slog.String("local_id", item.LocalID),
					slog.String("server_id", created.ID))
			}
			return false, e.confirm(ctx, item, res)
		}
		callErr = err

	case annotations.OpUpdate:
		payload, ok := item.Payload.(annotations.UpdatePayload)
		if !ok {
			return false, e.abandon(ctx, item, res, "malformed update payload")
		}

		callErr = e.api.UpdateAnnotation(ctx, e.targetID(item, res), payload.NoteText)
		if callErr == nil {
			return false, e.confirm(ctx, item, res)
		}

	case annotations.OpDelete:
		// The client maps a remote "not found" to success already:
		// the object may be absent because its Create never landed or
		// a prior Delete partially completed.
		callErr = e.api.DeleteAnnotation(ctx, e.targetID(item, res), item.AnnotationType)
		if callErr == nil {
			return false, e.confirm(ctx, item, res)
		}

	default:
		return false, e.abandon(ctx, item, res, "unknown operation")
	}

	return e.handleFailure(ctx, item, callErr, res, held)
}

// targetID resolves the id a remote call should address, consulting
// reconciliations performed earlier in this pass for items that were
// snapshot before their Create landed.
func (e *Engine) targetID(item annotations.QueueItem, res *FlushResult) string {
	if item.ServerID != "" {
		return item.ServerID
	}
	if sid, ok := res.Reconciled[item.LocalID]; ok {
		return sid
	}
	return item.LocalID
}

// dependencyKey groups queue items belonging to the same annotation.
// Items enqueued while the annotation was provisional share a LocalID;
// items enqueued after a canonical id was known share a ServerID.
func dependencyKey(item annotations.QueueItem) string {
	if item.LocalID != "" {
		return item.LocalID
	}
	return item.ServerID
}

// confirm removes a remotely confirmed item from the queue.
func (e *Engine) confirm(ctx context.Context, item annotations.QueueItem, res *FlushResult) error {
	if err := e.store.RemoveQueueItem(ctx, item.QueueID); err != nil {
		return fmt.Errorf("remove queue item %d: %w", item.QueueID, err)
	}
	res.Succeeded++
	return nil
}

// abandon removes an item that can never succeed and counts it failed.
// Abandonment is terminal: the item is not resurfaced to the user.
func (e *Engine) abandon(ctx context.Context, item annotations.QueueItem, res *FlushResult, reason string) error {
	if err := e.store.RemoveQueueItem(ctx, item.QueueID); err != nil {
		return fmt.Errorf("remove queue item %d: %w", item.QueueID, err)
	}
	res.Failed++
	e.logger.Warn("queue item abandoned",
		slog.Uint64("queue_id", item.QueueID),
		slog.String("operation", string(item.Operation)),
		slog.String("reason", reason))
	return nil
}

// handleFailure classifies a remote failure per the error taxonomy.
//
//   - Auth rejection: pause the remainder of the pass, leave the item
//     (and every later one) untouched for the next trigger.
//   - Permanent application rejection (4xx): abandon immediately;
//     consuming retry budget on a request that can never succeed only
//     delays its removal. Sound only because the pass never attempts
//     an item behind a retained predecessor, so a 4xx here cannot be a
//     404 for a Create that merely has not landed yet.
//   - Transport failure or 5xx: bump the retry count, abandoning past
//     the bound. A retained item holds the annotation's later items
//     out of the rest of the pass.
func (e *Engine) handleFailure(ctx context.Context, item annotations.QueueItem, callErr error, res *FlushResult, held map[string]struct{}) (bool, error) {
	if errors.Is(callErr, remote.ErrUnauthenticated) {
		recordAuthPause(ctx)
		e.logger.Warn("authentication rejected, pausing flush pass",
			slog.Uint64("queue_id", item.QueueID))
		return true, nil
	}

	if remote.IsPermanent(callErr) {
		return false, e.abandon(ctx, item, res, fmt.Sprintf("permanent rejection: %v", callErr))
	}

	count, err := e.store.BumpRetry(ctx, item.QueueID)
	if err != nil {
		return false, fmt.Errorf("bump retry for %d: %w", item.QueueID, err)
	}
	if count > e.maxRetries {
		return false, e.abandon(ctx, item, res,
			fmt.Sprintf("retry budget exhausted after %d attempts: %v", count, callErr))
	}

	held[dependencyKey(item)] = struct{}{}
	e.logger.Debug("queue item retained for retry",
		slog.Uint64("queue_id", item.QueueID),
		slog.Int("retry_count", count),
		slog.String("error", callErr.Error()))
	return false, nil
}

// Refresh replaces the local annotation collection with the remote
// list.
//
// # Description
//
// Pull-side counterpart of Flush, used after login or on demand.
// Refuses to run while queue items are pending: the local optimistic
// state is ahead of the server and replacing it would lose writes.
// Shares the single-flight guard with Flush.
//
// # Outputs
//
//   - int: Number of annotations now in the local store.
//   - error: ErrQueuePending, ErrFlushInFlight, a remote failure, or a
//     store failure.
func (e *Engine) Refresh(ctx context.Context) (int, error) {
	if ctx == nil {
		return 0, ErrNilContext
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		return 0, ErrFlushInFlight
	}
	defer e.inFlight.Store(false)

	ctx, span := tracer.Start(ctx, "syncer.Refresh")
	defer span.End()

	pending, err := e.store.QueueLen(ctx)
	if err != nil {
		return 0, fmt.Errorf("read queue length: %w", err)
	}
	if pending > 0 {
		span.SetStatus(codes.Error, "queue pending")
		return 0, fmt.Errorf("%w: %d items", ErrQueuePending, pending)
	}

	listed, err := e.api.ListAnnotations(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		return 0, fmt.Errorf("list remote annotations: %w", err)
	}

	set := make([]annotations.Annotation, 0, len(listed))
	for _, r := range listed {
		set = append(set, annotations.Annotation{
			ID:            r.ID,
			Type:          r.Type,
			ParagraphRefs: r.ParagraphRefs,
			Part:          r.Part,
			Section:       r.Section,
			NoteText:      r.Note,
			Color:         r.Color,
			CreatedAt:     r.CreatedAt,
			UpdatedAt:     r.UpdatedAt,
		})
	}

	if err := e.store.ReplaceAnnotations(ctx, set); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("replace annotations: %w", err)
	}

	span.SetAttributes(attribute.Int("count", len(set)))
	e.logger.Info("local annotations refreshed", slog.Int("count", len(set)))
	return len(set), nil
}
