// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package connectivity

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/regreader/services/reader/syncer"
)

// fakeFlusher counts passes; each pass blocks until released when
// gate is non-nil.
type fakeFlusher struct {
	passes atomic.Int64
	gate   chan struct{}
	res    syncer.FlushResult
	err    error
}

func (f *fakeFlusher) Flush(context.Context) (syncer.FlushResult, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.passes.Add(1)
	return f.res, f.err
}

func startMonitor(t *testing.T, f Flusher, cfg Config) *Monitor {
	t.Helper()
	m, err := NewMonitor(f, cfg)
	require.NoError(t, err)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m
}

func TestNewMonitorRequiresFlusher(t *testing.T) {
	_, err := NewMonitor(nil, Config{})
	assert.Error(t, err)
}

// TestStopWithoutStart verifies Stop returns immediately on a monitor
// that was constructed but never started.
func TestStopWithoutStart(t *testing.T) {
	m, err := NewMonitor(&fakeFlusher{}, Config{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a never-started monitor")
	}
}

// TestStartupOnlineFlushes verifies a monitor starting online drains
// whatever a prior session left queued.
func TestStartupOnlineFlushes(t *testing.T) {
	f := &fakeFlusher{}
	m := startMonitor(t, f, Config{StartOnline: true})

	require.Eventually(t, func() bool {
		return f.passes.Load() == 1 && m.State() == StateOnlineIdle
	}, time.Second, time.Millisecond)
}

// TestStartupOfflineStaysIdle verifies no pass runs until a
// connectivity signal arrives.
func TestStartupOfflineStaysIdle(t *testing.T) {
	f := &fakeFlusher{}
	m := startMonitor(t, f, Config{})

	assert.Equal(t, StateOffline, m.State())
	assert.False(t, m.Online())

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.passes.Load())
}

// TestTransitionToOnlineFlushes verifies the offline-to-online edge
// triggers exactly one pass.
func TestTransitionToOnlineFlushes(t *testing.T) {
	f := &fakeFlusher{}
	m := startMonitor(t, f, Config{})

	m.SetOnline(true)

	require.Eventually(t, func() bool {
		return f.passes.Load() == 1 && m.State() == StateOnlineIdle
	}, time.Second, time.Millisecond)
	assert.True(t, m.Online())
}

// TestRequestWhileOfflineDropped verifies mutation-time triggers are
// ignored without connectivity.
func TestRequestWhileOfflineDropped(t *testing.T) {
	f := &fakeFlusher{}
	m := startMonitor(t, f, Config{})

	m.RequestFlush()
	m.RequestFlush()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.passes.Load())
	assert.Equal(t, StateOffline, m.State())
}

// TestRequestsCoalesce verifies a burst of triggers during a running
// pass collapses into exactly one follow-up pass.
func TestRequestsCoalesce(t *testing.T) {
	f := &fakeFlusher{gate: make(chan struct{})}
	m := startMonitor(t, f, Config{StartOnline: true})

	require.Eventually(t, func() bool {
		return m.State() == StateFlushing
	}, time.Second, time.Millisecond)

	// Burst while the first pass is stuck in its remote calls.
	for i := 0; i < 10; i++ {
		m.RequestFlush()
	}

	close(f.gate)

	require.Eventually(t, func() bool {
		return m.State() == StateOnlineIdle
	}, time.Second, time.Millisecond)
	assert.Equal(t, int64(2), f.passes.Load(), "burst collapses to one follow-up")
}

// TestOfflineDuringFlush verifies losing connectivity mid-pass lands
// in offline with no follow-up, even with a trigger pending.
func TestOfflineDuringFlush(t *testing.T) {
	f := &fakeFlusher{gate: make(chan struct{})}
	m := startMonitor(t, f, Config{StartOnline: true})

	require.Eventually(t, func() bool {
		return m.State() == StateFlushing
	}, time.Second, time.Millisecond)

	m.RequestFlush()
	m.SetOnline(false)

	require.Eventually(t, func() bool {
		return m.State() == StateOffline
	}, time.Second, time.Millisecond)

	close(f.gate)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), f.passes.Load(), "no follow-up after going offline")
	assert.Equal(t, StateOffline, m.State())
}

// TestOnResultDelivered verifies pass summaries reach the callback.
func TestOnResultDelivered(t *testing.T) {
	f := &fakeFlusher{res: syncer.FlushResult{
		Succeeded:  3,
		Reconciled: map[string]string{"local-a": "srv-1"},
	}}

	got := make(chan syncer.FlushResult, 1)
	startMonitor(t, f, Config{
		StartOnline: true,
		OnResult:    func(r syncer.FlushResult) { got <- r },
	})

	select {
	case r := <-got:
		assert.Equal(t, 3, r.Succeeded)
		assert.Equal(t, "srv-1", r.Reconciled["local-a"])
	case <-time.After(time.Second):
		t.Fatal("no result delivered")
	}
}

// TestInFlightRejectionNotReported verifies a pass losing the
// single-flight race is not treated as a failure.
func TestInFlightRejectionNotReported(t *testing.T) {
	f := &fakeFlusher{err: syncer.ErrFlushInFlight}

	called := atomic.Bool{}
	m := startMonitor(t, f, Config{
		StartOnline: true,
		OnResult:    func(syncer.FlushResult) { called.Store(true) },
	})

	require.Eventually(t, func() bool {
		return m.State() == StateOnlineIdle
	}, time.Second, time.Millisecond)
	assert.False(t, called.Load())
}

// TestRepeatedOnlineSignals verifies duplicate online signals while
// already idle do not trigger redundant passes.
func TestRepeatedOnlineSignals(t *testing.T) {
	f := &fakeFlusher{}
	m := startMonitor(t, f, Config{})

	m.SetOnline(true)
	require.Eventually(t, func() bool {
		return f.passes.Load() == 1 && m.State() == StateOnlineIdle
	}, time.Second, time.Millisecond)

	m.SetOnline(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), f.passes.Load())
}
