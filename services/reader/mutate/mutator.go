// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mutate applies optimistic local annotation writes.
//
// Every mutation commits the local object and exactly one queue entry
// in a single store transaction, then requests a flush without
// blocking. The caller observes the local write immediately regardless
// of remote outcome; sync happens in the background.
package mutate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/regreader/services/reader/annotations"
	"github.com/AleutianAI/regreader/services/reader/localstore"
)

// FlushRequester receives the opportunistic flush trigger fired after
// every mutation. Implementations must not block; the connectivity
// monitor coalesces triggers into single passes.
type FlushRequester interface {
	RequestFlush()
}

// Mutator applies local annotation mutations and enqueues their
// remote counterparts.
//
// Thread Safety: Safe for concurrent use; all writes go through store
// transactions.
type Mutator struct {
	store   *localstore.Store
	trigger FlushRequester
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// Option customizes a Mutator.
type Option func(*Mutator)

// WithClock replaces the timestamp source (testing).
func WithClock(now func() time.Time) Option {
	return func(m *Mutator) { m.now = now }
}

// WithIDFunc replaces the provisional id generator (testing).
func WithIDFunc(newID func() string) Option {
	return func(m *Mutator) { m.newID = newID }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mutator) {
		m.logger = logger.With(slog.String("component", "mutate"))
	}
}

// NewMutator creates a mutator over the given store. trigger may be
// nil when no flush loop is wired (tests, online-only degradation).
func NewMutator(store *localstore.Store, trigger FlushRequester, opts ...Option) (*Mutator, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}

	m := &Mutator{
		store:   store,
		trigger: trigger,
		logger:  slog.Default().With(slog.String("component", "mutate")),
		now:     time.Now,
		newID:   annotations.NewProvisionalID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// requestFlush fires the opportunistic flush trigger, if wired.
func (m *Mutator) requestFlush() {
	if m.trigger != nil {
		m.trigger.RequestFlush()
	}
}

// Create writes a new annotation locally and enqueues its remote
// Create.
//
// # Outputs
//
//   - annotations.Annotation: The created annotation, under a
//     provisional id until reconciliation.
//   - error: Validation or store failure. Remote outcome never
//     surfaces here.
func (m *Mutator) Create(ctx context.Context, in annotations.CreateInput) (annotations.Annotation, error) {
	if err := in.Validate(); err != nil {
		return annotations.Annotation{}, err
	}

	now := m.now()
	a := annotations.Annotation{
		ID:            m.newID(),
		Type:          in.Type,
		ParagraphRefs: in.ParagraphRefs,
		Part:          in.Part,
		Section:       in.Section,
		NoteText:      in.NoteText,
		Color:         in.Color,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	item, err := m.store.ApplyMutation(ctx, localstore.Mutation{
		Put: &a,
		Enqueue: annotations.QueueItem{
			Operation:      annotations.OpCreate,
			AnnotationType: a.Type,
			LocalID:        a.ID,
			Payload: annotations.CreatePayload{
				Type:          a.Type,
				ParagraphRefs: a.ParagraphRefs,
				Part:          a.Part,
				Section:       a.Section,
				NoteText:      a.NoteText,
				Color:         a.Color,
			},
			EnqueuedAt: now,
		},
	})
	if err != nil {
		return annotations.Annotation{}, fmt.Errorf("create annotation: %w", err)
	}

	m.logger.Debug("annotation created",
		slog.String("id", a.ID),
		slog.String("type", string(a.Type)),
		slog.Uint64("queue_id", item.QueueID))
	m.requestFlush()
	return a, nil
}

// UpdateNote replaces an annotation's note text locally and enqueues
// the remote Update.
func (m *Mutator) UpdateNote(ctx context.Context, id, text string) error {
	if len(text) > annotations.MaxNoteTextBytes {
		return fmt.Errorf("note text exceeds %d bytes", annotations.MaxNoteTextBytes)
	}

	a, err := m.store.Annotation(ctx, id)
	if err != nil {
		return err
	}

	a.NoteText = text
	a.UpdatedAt = m.now()

	item := annotations.QueueItem{
		Operation:      annotations.OpUpdate,
		AnnotationType: a.Type,
		Payload:        annotations.UpdatePayload{NoteText: text},
		EnqueuedAt:     a.UpdatedAt,
	}
	setItemTarget(&item, id)

	if _, err := m.store.ApplyMutation(ctx, localstore.Mutation{Put: &a, Enqueue: item}); err != nil {
		return fmt.Errorf("update note %s: %w", id, err)
	}

	m.logger.Debug("note updated", slog.String("id", id))
	m.requestFlush()
	return nil
}

// Delete removes an annotation locally and enqueues the remote
// Delete.
func (m *Mutator) Delete(ctx context.Context, id string) error {
	a, err := m.store.Annotation(ctx, id)
	if err != nil {
		return err
	}

	item := annotations.QueueItem{
		Operation:      annotations.OpDelete,
		AnnotationType: a.Type,
		Payload:        annotations.DeletePayload{},
		EnqueuedAt:     m.now(),
	}
	setItemTarget(&item, id)

	if _, err := m.store.ApplyMutation(ctx, localstore.Mutation{Remove: id, Enqueue: item}); err != nil {
		return fmt.Errorf("delete annotation %s: %w", id, err)
	}

	m.logger.Debug("annotation deleted", slog.String("id", id))
	m.requestFlush()
	return nil
}

// ToggleHighlight creates a highlight for the paragraph, or removes
// the existing one.
//
// # Description
//
// The toggle is evaluated against persisted local state only, so it
// works offline: a highlight already stored for the paragraph means
// this call deletes it. Unflushed queue entries are deliberately not
// inspected — an offline create followed by an offline remove enqueues
// two discrete operations (Create, Delete) that both replay on
// reconnect, rather than canceling out locally.
//
// # Outputs
//
//   - *annotations.Annotation: The created highlight, or nil when an
//     existing one was removed.
//   - bool: True when an existing highlight was removed.
//   - error: Validation or store failure.
func (m *Mutator) ToggleHighlight(ctx context.Context, in annotations.HighlightInput) (*annotations.Annotation, bool, error) {
	if err := in.Validate(); err != nil {
		return nil, false, err
	}

	existing, err := m.highlightForParagraph(ctx, in.Section, in.ParagraphRef)
	if err != nil {
		return nil, false, err
	}

	if existing != nil {
		if err := m.Delete(ctx, existing.ID); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	a, err := m.Create(ctx, annotations.CreateInput{
		Type:          annotations.TypeHighlight,
		ParagraphRefs: []string{in.ParagraphRef},
		Part:          in.Part,
		Section:       in.Section,
		Color:         in.Color,
	})
	if err != nil {
		return nil, false, err
	}
	return &a, false, nil
}

// highlightForParagraph finds the persisted highlight covering the
// paragraph, if any.
func (m *Mutator) highlightForParagraph(ctx context.Context, section, ref string) (*annotations.Annotation, error) {
	inSection, err := m.store.AnnotationsBySection(ctx, section)
	if err != nil {
		return nil, err
	}
	for i := range inSection {
		if inSection[i].Type == annotations.TypeHighlight && inSection[i].CoversParagraph(ref) {
			return &inSection[i], nil
		}
	}
	return nil, nil
}

// ListBySection returns the persisted annotations for a section (the
// offline read path for the viewer).
func (m *Mutator) ListBySection(ctx context.Context, section string) ([]annotations.Annotation, error) {
	return m.store.AnnotationsBySection(ctx, section)
}

// ListByPart returns the persisted annotations for a part.
func (m *Mutator) ListByPart(ctx context.Context, part string) ([]annotations.Annotation, error) {
	return m.store.AnnotationsByPart(ctx, part)
}

// setItemTarget routes the annotation id to the right field: ids that
// never completed a remote round trip travel as LocalID so
// reconciliation can rewrite them, canonical ids travel as ServerID.
func setItemTarget(item *annotations.QueueItem, id string) {
	if annotations.IsProvisionalID(id) {
		item.LocalID = id
	} else {
		item.ServerID = id
	}
}
