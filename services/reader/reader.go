// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reader assembles the offline-first reading core: local
// store, annotation mutator, sync engine, connectivity monitor, and
// content cache loader, wired together with explicit dependency
// injection.
//
// The embedding application constructs one Service at startup, feeds
// platform connectivity signals into SetOnline, and reads/writes
// annotations through the Mutator. Everything else (queue draining,
// id reconciliation, retries) happens in the background.
package reader

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/regreader/services/reader/connectivity"
	"github.com/AleutianAI/regreader/services/reader/content"
	"github.com/AleutianAI/regreader/services/reader/localstore"
	"github.com/AleutianAI/regreader/services/reader/mutate"
	"github.com/AleutianAI/regreader/services/reader/remote"
	"github.com/AleutianAI/regreader/services/reader/syncer"
)

// Config holds configuration for the assembled reader core.
type Config struct {
	// StorePath is the directory for the embedded database.
	StorePath string

	// AnnotationServiceURL is the base URL of the annotation service.
	AnnotationServiceURL string

	// ContentServiceURL is the base URL of the content service.
	ContentServiceURL string

	// Token supplies the bearer token for annotation calls.
	Token remote.TokenSource

	// StartOnline is the connectivity assumption at startup.
	StartOnline bool

	// OnSyncResult, when set, receives each flush pass summary so the
	// UI can rewrite references to reconciled ids. Must not block.
	OnSyncResult func(syncer.FlushResult)

	// Logger for all components. Default: slog.Default().
	Logger *slog.Logger
}

// Service is the assembled offline-first reading core.
type Service struct {
	Store   *localstore.Store
	Mutator *mutate.Mutator
	Engine  *syncer.Engine
	Monitor *connectivity.Monitor
	Content *content.Loader
}

// New constructs and starts the reader core.
//
// # Description
//
// Opens the local store (a failure here is a fatal local-capability
// error: the caller must degrade to online-only behavior), builds the
// remote clients, and starts the connectivity monitor. When
// StartOnline is set the monitor immediately drains anything queued
// during a prior offline session or crash.
//
// # Outputs
//
//   - *Service: The running core. Caller must call Close() when done.
//   - error: Non-nil on store open or wiring failure.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Token == nil {
		cfg.Token = func() string { return "" }
	}

	store, err := localstore.Open(localstore.Config{
		Path:       cfg.StorePath,
		SyncWrites: true,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	annotationAPI := remote.NewAnnotationClient(cfg.AnnotationServiceURL, cfg.Token)
	contentAPI := remote.NewContentClient(cfg.ContentServiceURL)

	engine, err := syncer.NewEngine(store, annotationAPI, syncer.Config{Logger: cfg.Logger})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build sync engine: %w", err)
	}

	monitor, err := connectivity.NewMonitor(engine, connectivity.Config{
		StartOnline: cfg.StartOnline,
		OnResult:    cfg.OnSyncResult,
		Logger:      cfg.Logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build connectivity monitor: %w", err)
	}

	mutator, err := mutate.NewMutator(store, monitor, mutate.WithLogger(cfg.Logger))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build mutator: %w", err)
	}

	loader, err := content.NewLoader(store, contentAPI, content.Config{Logger: cfg.Logger})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build content loader: %w", err)
	}

	monitor.Start(ctx)

	return &Service{
		Store:   store,
		Mutator: mutator,
		Engine:  engine,
		Monitor: monitor,
		Content: loader,
	}, nil
}

// SetOnline feeds a platform connectivity signal into the monitor.
func (s *Service) SetOnline(online bool) {
	s.Monitor.SetOnline(online)
}

// Close stops the monitor and closes the store. An in-flight remote
// call is abandoned; its queue item is retried on the next start.
func (s *Service) Close() error {
	s.Monitor.Stop()
	return s.Store.Close()
}
