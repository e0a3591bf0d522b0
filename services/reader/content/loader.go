// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package content downloads immutable regulation part snapshots for
// offline reading.
//
// The loader is read-only with respect to annotations: it never
// touches the pending-operation queue. Snapshots are stored wholesale
// with a retrieval timestamp and replaced wholesale on refresh.
package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/regreader/services/reader/localstore"
	"github.com/AleutianAI/regreader/services/reader/remote"
)

var tracer = otel.Tracer("regreader.content")

// DefaultCatalog is the fixed set of part identifiers the bulk
// download iterates: the FMCSA safety regulation parts the reader
// ships with.
var DefaultCatalog = []string{
	"380", "382", "383", "387",
	"390", "391", "392", "393",
	"395", "396", "397",
}

// ContentAPI is the content service surface the loader fetches from.
// *remote.ContentClient implements it.
type ContentAPI interface {
	FetchPart(ctx context.Context, part string) (remote.PartSnapshot, error)
}

// Progress reports bulk download progress after each part completes.
type Progress struct {
	// Part is the part just downloaded.
	Part string

	// Completed is the number of parts downloaded so far.
	Completed int

	// Total is the catalog size.
	Total int
}

// Config holds configuration for the loader.
type Config struct {
	// Catalog is the part identifiers DownloadAll iterates.
	// Default: DefaultCatalog.
	Catalog []string

	// Logger for loader operations. Default: slog.Default().
	Logger *slog.Logger
}

// Loader fetches part snapshots and stores them for offline reading.
//
// Thread Safety: Safe for concurrent use.
type Loader struct {
	store   *localstore.Store
	api     ContentAPI
	catalog []string
	logger  *slog.Logger
	now     func() time.Time
}

// NewLoader creates a loader over the given store and content service.
func NewLoader(store *localstore.Store, api ContentAPI, cfg Config) (*Loader, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if api == nil {
		return nil, errors.New("api must not be nil")
	}
	if len(cfg.Catalog) == 0 {
		cfg.Catalog = DefaultCatalog
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Loader{
		store:   store,
		api:     api,
		catalog: cfg.Catalog,
		logger:  cfg.Logger.With(slog.String("component", "content")),
		now:     time.Now,
	}, nil
}

// DownloadPart fetches one part and stores its snapshot wholesale,
// replacing any previous snapshot for the same part.
func (l *Loader) DownloadPart(ctx context.Context, part string) error {
	ctx, span := tracer.Start(ctx, "content.DownloadPart")
	defer span.End()
	span.SetAttributes(attribute.String("part", part))

	snap, err := l.api.FetchPart(ctx, part)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return fmt.Errorf("fetch part %q: %w", part, err)
	}

	stored := localstore.StoredPartData{
		Part:            snap.Part,
		TableOfContents: make([]localstore.TOCEntry, 0, len(snap.TableOfContents)),
		Sections:        make([]localstore.Section, 0, len(snap.Sections)),
		RetrievedAt:     l.now(),
	}
	for _, e := range snap.TableOfContents {
		stored.TableOfContents = append(stored.TableOfContents, localstore.TOCEntry{
			SectionID: e.SectionID,
			Heading:   e.Heading,
		})
	}
	for _, sec := range snap.Sections {
		stored.Sections = append(stored.Sections, localstore.Section{
			ID:      sec.ID,
			Heading: sec.Heading,
			Body:    sec.Body,
		})
	}

	if err := l.store.PutPartData(ctx, stored); err != nil {
		span.RecordError(err)
		return fmt.Errorf("store part %q: %w", part, err)
	}

	l.logger.Info("part snapshot cached",
		slog.String("part", part),
		slog.Int("sections", len(stored.Sections)))
	return nil
}

// DownloadAll downloads every catalog part sequentially.
//
// # Description
//
// Iterates the fixed catalog in order, reporting progress after each
// part, and aborts the whole batch on the first hard failure rather
// than skipping and continuing. Parts already cached are re-downloaded
// (snapshots are replaced wholesale).
//
// # Inputs
//
//   - ctx: Context for cancellation between parts.
//   - progressFn: Optional progress callback. May be nil.
func (l *Loader) DownloadAll(ctx context.Context, progressFn func(Progress)) error {
	ctx, span := tracer.Start(ctx, "content.DownloadAll")
	defer span.End()
	span.SetAttributes(attribute.Int("catalog_size", len(l.catalog)))

	for i, part := range l.catalog {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := l.DownloadPart(ctx, part); err != nil {
			span.SetStatus(codes.Error, "batch aborted")
			return fmt.Errorf("download all aborted at part %q (%d/%d): %w",
				part, i+1, len(l.catalog), err)
		}

		if progressFn != nil {
			progressFn(Progress{Part: part, Completed: i + 1, Total: len(l.catalog)})
		}
	}

	l.logger.Info("catalog download completed", slog.Int("parts", len(l.catalog)))
	return nil
}

// CachedPart returns the stored snapshot for a part. Returns
// localstore.ErrNotFound if the part has never been downloaded — the
// offline view path treats that as "content unavailable offline".
func (l *Loader) CachedPart(ctx context.Context, part string) (localstore.StoredPartData, error) {
	return l.store.PartData(ctx, part)
}

// IsPartCached reports whether a snapshot exists for the part.
func (l *Loader) IsPartCached(ctx context.Context, part string) (bool, error) {
	_, err := l.store.PartData(ctx, part)
	if errors.Is(err, localstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CachedParts enumerates the parts with a stored snapshot.
func (l *Loader) CachedParts(ctx context.Context) ([]string, error) {
	return l.store.CachedParts(ctx)
}
