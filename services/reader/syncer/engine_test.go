// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/regreader/services/reader/annotations"
	"github.com/AleutianAI/regreader/services/reader/localstore"
	"github.com/AleutianAI/regreader/services/reader/mutate"
	"github.com/AleutianAI/regreader/services/reader/remote"
)

// call records one remote invocation the fake observed.
type call struct {
	op   annotations.Operation
	id   string
	note string
}

// fakeAPI scripts remote responses per operation and records every
// call in order.
type fakeAPI struct {
	mu    sync.Mutex
	calls []call

	// nextServerID numbers canonical ids issued for creates.
	nextServerID int

	// createErrs, updateErrs, deleteErrs are consumed front to back;
	// an exhausted slice means success.
	createErrs []error
	updateErrs []error
	deleteErrs []error

	listed  []remote.Annotation
	listErr error

	// block, when non-nil, holds every call until released (closed).
	block chan struct{}
}

func (f *fakeAPI) takeErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeAPI) record(c call) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeAPI) CreateAnnotation(_ context.Context, p annotations.CreatePayload) (remote.Annotation, error) {
	f.record(call{op: annotations.OpCreate})
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(&f.createErrs); err != nil {
		return remote.Annotation{}, err
	}
	f.nextServerID++
	return remote.Annotation{
		ID:            fmt.Sprintf("srv-%d", f.nextServerID),
		Type:          p.Type,
		ParagraphRefs: p.ParagraphRefs,
		Part:          p.Part,
		Section:       p.Section,
		Note:          p.NoteText,
		Color:         p.Color,
	}, nil
}

func (f *fakeAPI) UpdateAnnotation(_ context.Context, id, note string) error {
	f.record(call{op: annotations.OpUpdate, id: id, note: note})
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.takeErr(&f.updateErrs)
}

func (f *fakeAPI) DeleteAnnotation(_ context.Context, id string, _ annotations.Type) error {
	f.record(call{op: annotations.OpDelete, id: id})
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.takeErr(&f.deleteErrs)
}

func (f *fakeAPI) ListAnnotations(_ context.Context, _ *annotations.Type) ([]remote.Annotation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listed, nil
}

func (f *fakeAPI) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]call, len(f.calls))
	copy(out, f.calls)
	return out
}

func newTestEngine(t *testing.T, api AnnotationAPI) (*Engine, *localstore.Store, *mutate.Mutator) {
	t.Helper()

	s, err := localstore.Open(localstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	e, err := NewEngine(s, api, DefaultConfig())
	require.NoError(t, err)

	var n int
	m, err := mutate.NewMutator(s, nil, mutate.WithIDFunc(func() string {
		n++
		return fmt.Sprintf("local-%04d", n)
	}))
	require.NoError(t, err)

	return e, s, m
}

func noteInput() annotations.CreateInput {
	return annotations.CreateInput{
		Type:          annotations.TypeNote,
		ParagraphRefs: []string{"395.1-0-a"},
		Part:          "395",
		Section:       "395.1",
		NoteText:      "first draft",
	}
}

// TestFlushDrainsInOrder replays an offline session (create, two note
// edits, delete) and verifies the remote sees the same causal order
// with a consistent id throughout.
func TestFlushDrainsInOrder(t *testing.T) {
	api := &fakeAPI{}
	e, s, m := newTestEngine(t, api)
	ctx := context.Background()

	a, err := m.Create(ctx, noteInput())
	require.NoError(t, err)
	require.NoError(t, m.UpdateNote(ctx, a.ID, "second draft"))
	require.NoError(t, m.UpdateNote(ctx, a.ID, "final draft"))
	require.NoError(t, m.Delete(ctx, a.ID))

	res, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Succeeded)
	assert.Zero(t, res.Failed)
	assert.Equal(t, map[string]string{a.ID: "srv-1"}, res.Reconciled)

	calls := api.recorded()
	require.Len(t, calls, 4)
	assert.Equal(t, annotations.OpCreate, calls[0].op)

	// Every later call addresses the canonical id the create returned.
	assert.Equal(t, call{op: annotations.OpUpdate, id: "srv-1", note: "second draft"}, calls[1])
	assert.Equal(t, call{op: annotations.OpUpdate, id: "srv-1", note: "final draft"}, calls[2])
	assert.Equal(t, call{op: annotations.OpDelete, id: "srv-1"}, calls[3])

	n, err := s.QueueLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestFlushReconcilesLocalRecord verifies a surviving annotation is
// rekeyed under the canonical id after its create lands.
func TestFlushReconcilesLocalRecord(t *testing.T) {
	api := &fakeAPI{}
	e, s, m := newTestEngine(t, api)
	ctx := context.Background()

	a, err := m.Create(ctx, noteInput())
	require.NoError(t, err)

	res, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", res.Reconciled[a.ID])

	_, err = s.Annotation(ctx, a.ID)
	assert.ErrorIs(t, err, localstore.ErrNotFound)

	got, err := s.Annotation(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "first draft", got.NoteText)
}

// TestFlushRetryBudget verifies a transport-failing item survives
// exactly maxRetries extra passes and is abandoned on the one after.
func TestFlushRetryBudget(t *testing.T) {
	transport := errors.New("dial tcp: connection refused")
	api := &fakeAPI{createErrs: []error{transport, transport, transport, transport, transport}}
	e, s, m := newTestEngine(t, api)
	ctx := context.Background()

	_, err := m.Create(ctx, noteInput())
	require.NoError(t, err)

	// Passes 1 through 3: retained with a bumped count.
	for pass := 1; pass <= DefaultMaxRetries; pass++ {
		res, err := e.Flush(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Failed, "pass %d", pass)

		items, err := s.QueueItems(ctx)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, pass, items[0].RetryCount)
	}

	// Pass 4: budget exhausted, abandoned.
	res, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	n, err := s.QueueLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Len(t, api.recorded(), DefaultMaxRetries+1, "one attempt per pass")
}

// TestFlushPermanentRejection verifies a 4xx is abandoned on the first
// attempt without consuming retry budget.
func TestFlushPermanentRejection(t *testing.T) {
	api := &fakeAPI{createErrs: []error{&remote.APIError{StatusCode: 422, Body: "bad refs"}}}
	e, s, m := newTestEngine(t, api)
	ctx := context.Background()

	_, err := m.Create(ctx, noteInput())
	require.NoError(t, err)

	res, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Succeeded)

	n, err := s.QueueLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, api.recorded(), 1)
}

// TestFlushAuthPause verifies an auth rejection stops the pass and
// leaves every remaining item untouched, retry counts included.
func TestFlushAuthPause(t *testing.T) {
	api := &fakeAPI{createErrs: []error{fmt.Errorf("%w: status 401", remote.ErrUnauthenticated)}}
	e, s, m := newTestEngine(t, api)
	ctx := context.Background()

	a, err := m.Create(ctx, noteInput())
	require.NoError(t, err)
	require.NoError(t, m.UpdateNote(ctx, a.ID, "edited"))

	res, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Succeeded)
	assert.Zero(t, res.Failed)

	items, err := s.QueueItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2, "nothing removed")
	assert.Zero(t, items[0].RetryCount, "auth pause must not consume retry budget")
	assert.Zero(t, items[1].RetryCount)

	// Only the first item was attempted.
	assert.Len(t, api.recorded(), 1)

	// With fresh credentials the next pass drains everything.
	res, err = e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
}

// TestFlushPartialFailureContinues verifies a failing item does not
// block independent later items in the same pass.
func TestFlushPartialFailureContinues(t *testing.T) {
	api := &fakeAPI{createErrs: []error{errors.New("connection reset")}}
	e, s, m := newTestEngine(t, api)
	ctx := context.Background()

	_, err := m.Create(ctx, noteInput())
	require.NoError(t, err)
	in := noteInput()
	in.Section = "395.3"
	_, err = m.Create(ctx, in)
	require.NoError(t, err)

	res, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Zero(t, res.Failed)

	items, err := s.QueueItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
}

// TestFlushDefersDependentsOfRetainedCreate verifies an edit queued
// behind a transiently failing create is held back rather than
// attempted against the provisional id, where the server's 404 would
// read as a permanent rejection and lose the edit.
func TestFlushDefersDependentsOfRetainedCreate(t *testing.T) {
	api := &fakeAPI{createErrs: []error{errors.New("dial tcp: connection refused")}}
	e, s, m := newTestEngine(t, api)
	ctx := context.Background()

	a, err := m.Create(ctx, noteInput())
	require.NoError(t, err)
	require.NoError(t, m.UpdateNote(ctx, a.ID, "final draft"))

	// Pass 1: the create fails transport-level and is retained; the
	// edit must not be attempted at all.
	res, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Succeeded)
	assert.Zero(t, res.Failed, "deferred edit must not be abandoned")
	assert.Len(t, api.recorded(), 1, "only the create attempted")

	items, err := s.QueueItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2, "both items retained for the next pass")
	assert.Equal(t, 1, items[0].RetryCount)
	assert.Zero(t, items[1].RetryCount, "deferral must not consume retry budget")

	// Pass 2: the create lands, the edit follows under the canonical id.
	res, err = e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, map[string]string{a.ID: "srv-1"}, res.Reconciled)

	calls := api.recorded()
	require.Len(t, calls, 3)
	assert.Equal(t, annotations.OpCreate, calls[1].op)
	assert.Equal(t, call{op: annotations.OpUpdate, id: "srv-1", note: "final draft"}, calls[2])

	n, err := s.QueueLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestFlushDefersLaterEditBehindRetainedEdit verifies a newer edit
// never runs ahead of a retained older one, which would let the stale
// text win on the retry.
func TestFlushDefersLaterEditBehindRetainedEdit(t *testing.T) {
	api := &fakeAPI{updateErrs: []error{errors.New("connection reset")}}
	e, _, m := newTestEngine(t, api)
	ctx := context.Background()

	a, err := m.Create(ctx, noteInput())
	require.NoError(t, err)
	res, err := e.Flush(ctx)
	require.NoError(t, err)
	canonical := res.Reconciled[a.ID]
	require.Equal(t, "srv-1", canonical)

	require.NoError(t, m.UpdateNote(ctx, canonical, "second draft"))
	require.NoError(t, m.UpdateNote(ctx, canonical, "final draft"))

	// The older edit fails and is retained; the newer one waits.
	res, err = e.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Succeeded)
	assert.Zero(t, res.Failed)

	res, err = e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)

	calls := api.recorded()
	require.Len(t, calls, 4)
	assert.Equal(t, call{op: annotations.OpUpdate, id: "srv-1", note: "second draft"}, calls[1])
	assert.Equal(t, call{op: annotations.OpUpdate, id: "srv-1", note: "second draft"}, calls[2])
	assert.Equal(t, call{op: annotations.OpUpdate, id: "srv-1", note: "final draft"}, calls[3])
}

// TestFlushSingleFlight verifies concurrent Flush calls do not stack.
func TestFlushSingleFlight(t *testing.T) {
	api := &fakeAPI{block: make(chan struct{})}
	e, _, m := newTestEngine(t, api)
	ctx := context.Background()

	_, err := m.Create(ctx, noteInput())
	require.NoError(t, err)

	firstDone := make(chan error, 1)
	go func() {
		_, err := e.Flush(ctx)
		firstDone <- err
	}()

	// Wait until the first pass is inside the remote call, then race a
	// second pass against it.
	require.Eventually(t, func() bool {
		return e.inFlight.Load()
	}, time.Second, time.Millisecond)

	_, err = e.Flush(ctx)
	assert.ErrorIs(t, err, ErrFlushInFlight)

	close(api.block)
	require.NoError(t, <-firstDone)

	// Guard released after the pass.
	_, err = e.Flush(ctx)
	require.NoError(t, err)
}

func TestRefresh(t *testing.T) {
	t.Run("refuses while queue pending", func(t *testing.T) {
		api := &fakeAPI{}
		e, _, m := newTestEngine(t, api)
		ctx := context.Background()

		_, err := m.Create(ctx, noteInput())
		require.NoError(t, err)

		_, err = e.Refresh(ctx)
		assert.ErrorIs(t, err, ErrQueuePending)
	})

	t.Run("replaces local collection", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		api := &fakeAPI{listed: []remote.Annotation{
			{ID: "srv-1", Type: annotations.TypeHighlight, ParagraphRefs: []string{"395.1-0-a"}, Part: "395", Section: "395.1", Color: "yellow", CreatedAt: now, UpdatedAt: now},
			{ID: "srv-2", Type: annotations.TypeNote, ParagraphRefs: []string{"380.1-0-b"}, Part: "380", Section: "380.1", Note: "see entry-level training", CreatedAt: now, UpdatedAt: now},
		}}
		e, s, _ := newTestEngine(t, api)
		ctx := context.Background()

		// Pre-existing local state gets replaced wholesale.
		require.NoError(t, s.PutAnnotation(ctx, annotations.Annotation{
			ID: "stale", Type: annotations.TypeBookmark,
			ParagraphRefs: []string{"390.1-0-a"}, Part: "390", Section: "390.1",
			CreatedAt: now, UpdatedAt: now,
		}))

		count, err := e.Refresh(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		_, err = s.Annotation(ctx, "stale")
		assert.ErrorIs(t, err, localstore.ErrNotFound)

		got, err := s.Annotation(ctx, "srv-2")
		require.NoError(t, err)
		assert.Equal(t, "see entry-level training", got.NoteText)
	})

	t.Run("propagates remote failure", func(t *testing.T) {
		api := &fakeAPI{listErr: errors.New("connection refused")}
		e, _, _ := newTestEngine(t, api)

		_, err := e.Refresh(context.Background())
		assert.Error(t, err)
	})
}
