// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package connectivity tracks online/offline state and owns flush
// scheduling.
//
// # Description
//
// The monitor is an explicit state machine (Offline, OnlineIdle,
// Flushing) driven by a single owner goroutine consuming an event
// channel. Platform connectivity signals arrive through SetOnline;
// mutation-time opportunistic triggers arrive through RequestFlush.
// Because the owner goroutine is the only caller of the flush loop,
// triggers firing in close succession coalesce into one pass plus at
// most one follow-up, and strict FIFO draining is never violated by
// concurrent passes.
//
// An offline-to-online transition triggers one flush pass, as does
// startup while already online (draining anything queued during a
// prior offline session or crash).
//
// # Limitations
//
// Purely event-driven, no polling: if the platform never delivers a
// transition signal, the queue is not drained until the next genuine
// transition or mutation-time trigger.
package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/AleutianAI/regreader/services/reader/syncer"
)

// State is a named connectivity/scheduling state.
type State int32

const (
	// StateOffline: no network; flush requests are dropped.
	StateOffline State = iota

	// StateOnlineIdle: network available, no flush pass running.
	StateOnlineIdle

	// StateFlushing: a flush pass is in flight; further requests
	// coalesce into one follow-up pass.
	StateFlushing
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateOnlineIdle:
		return "online-idle"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Flusher runs one flush pass. *syncer.Engine implements it.
type Flusher interface {
	Flush(ctx context.Context) (syncer.FlushResult, error)
}

type eventKind int

const (
	evConnectivity eventKind = iota
	evFlushRequest
	evFlushDone
)

type event struct {
	kind   eventKind
	online bool
	res    syncer.FlushResult
	err    error
}

// Config holds configuration for the monitor.
type Config struct {
	// StartOnline is the connectivity assumption at startup. When
	// true, Start triggers an immediate flush pass.
	StartOnline bool

	// OnResult, when set, receives each completed pass's summary (for
	// UI reference refreshes after reconciliation). Called from the
	// monitor goroutine; must not block.
	OnResult func(syncer.FlushResult)

	// Logger for monitor operations. Default: slog.Default().
	Logger *slog.Logger
}

// Monitor owns connectivity state and flush scheduling.
//
// Thread Safety: SetOnline, RequestFlush, and State are safe for
// concurrent use. Start and Stop must each be called once.
type Monitor struct {
	flusher  Flusher
	onResult func(syncer.FlushResult)
	logger   *slog.Logger

	events chan event
	stop   chan struct{}
	done   chan struct{}

	state   atomic.Int32
	started atomic.Bool

	// Owned by the run goroutine.
	startOnline bool
	pending     bool
}

// NewMonitor creates a monitor over the given flusher.
func NewMonitor(flusher Flusher, cfg Config) (*Monitor, error) {
	if flusher == nil {
		return nil, errors.New("flusher must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Monitor{
		flusher:  flusher,
		onResult: cfg.OnResult,
		logger:   cfg.Logger.With(slog.String("component", "connectivity")),
		events:   make(chan event, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),

		startOnline: cfg.StartOnline,
	}
	m.state.Store(int32(StateOffline))
	return m, nil
}

// Start launches the owner goroutine. If the monitor was configured
// as starting online, one flush pass is triggered immediately.
func (m *Monitor) Start(ctx context.Context) {
	if m.started.Swap(true) {
		return
	}
	go m.run(ctx)
}

// Stop halts the owner goroutine and waits for it to exit. A no-op on
// a monitor that was never started. An in-flight remote call is not
// cancelled; its queue item is simply retried on the next flush, which
// is safe under the idempotence rules of the sync engine.
func (m *Monitor) Stop() {
	if !m.started.Load() {
		return
	}
	close(m.stop)
	<-m.done
}

// State returns the current named state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Online reports whether the monitor currently believes the network
// is available.
func (m *Monitor) Online() bool {
	return m.State() != StateOffline
}

// SetOnline feeds a platform connectivity signal.
func (m *Monitor) SetOnline(online bool) {
	m.send(event{kind: evConnectivity, online: online})
}

// RequestFlush feeds a mutation-time opportunistic trigger. Never
// blocks; when the event buffer is full a request is dropped, which is
// safe because some queued request will drain the same items.
func (m *Monitor) RequestFlush() {
	select {
	case m.events <- event{kind: evFlushRequest}:
	case <-m.stop:
	default:
	}
}

func (m *Monitor) send(ev event) {
	select {
	case m.events <- ev:
	case <-m.stop:
	}
}

func (m *Monitor) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old != s {
		m.logger.Debug("state transition",
			slog.String("from", old.String()),
			slog.String("to", s.String()))
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	if m.startOnline {
		// Startup while online: drain anything queued during a prior
		// offline session or crash.
		m.startFlush(ctx)
	}

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.handle(ctx, ev)
		}
	}
}

// handle applies the transition table for the current state.
func (m *Monitor) handle(ctx context.Context, ev event) {
	switch m.State() {
	case StateOffline:
		switch ev.kind {
		case evConnectivity:
			if ev.online {
				m.logger.Info("connectivity restored, draining queue")
				m.startFlush(ctx)
			}
		case evFlushRequest:
			// Offline: nothing to do until connectivity returns.
		case evFlushDone:
			// A pass that was in flight when we went offline.
			m.finishFlush(ev)
		}

	case StateOnlineIdle:
		switch ev.kind {
		case evConnectivity:
			if !ev.online {
				m.setState(StateOffline)
			}
		case evFlushRequest:
			m.startFlush(ctx)
		case evFlushDone:
			// Stale completion; already accounted.
		}

	case StateFlushing:
		switch ev.kind {
		case evConnectivity:
			if !ev.online {
				m.pending = false
				m.setState(StateOffline)
			}
		case evFlushRequest:
			m.pending = true
		case evFlushDone:
			m.finishFlush(ev)
			if m.pending {
				m.pending = false
				m.startFlush(ctx)
			} else {
				m.setState(StateOnlineIdle)
			}
		}
	}
}

// startFlush launches one pass on a worker goroutine and enters
// StateFlushing. The owner goroutine is the only caller, so passes
// never overlap.
func (m *Monitor) startFlush(ctx context.Context) {
	m.setState(StateFlushing)
	go func() {
		res, err := m.flusher.Flush(ctx)
		select {
		case m.events <- event{kind: evFlushDone, res: res, err: err}:
		case <-m.stop:
		}
	}()
}

// finishFlush reports a completed pass.
func (m *Monitor) finishFlush(ev event) {
	if ev.err != nil {
		if !errors.Is(ev.err, syncer.ErrFlushInFlight) {
			m.logger.Warn("flush pass failed", slog.String("error", ev.err.Error()))
		}
		return
	}
	if m.onResult != nil {
		m.onResult(ev.res)
	}
}
