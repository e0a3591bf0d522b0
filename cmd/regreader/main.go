// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command regreader runs the offline-first regulation reader core
// from the terminal.
//
// The same core the mobile shells embed is exposed here for local
// inspection and smoke testing: download the content catalog, list
// cached parts, and drive annotations against a running annotation
// service.
//
// Usage:
//
//	go run ./cmd/regreader -store ~/.regreader download
//	go run ./cmd/regreader -store ~/.regreader parts
//	go run ./cmd/regreader -store ~/.regreader annotations 395.1
//	go run ./cmd/regreader -store ~/.regreader -offline toggle 395 395.1 395.1-0-a
//	go run ./cmd/regreader -store ~/.regreader sync
//
// The bearer token for the annotation service is read from
// REGREADER_TOKEN.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/regreader/pkg/logging"
	"github.com/AleutianAI/regreader/services/reader"
	"github.com/AleutianAI/regreader/services/reader/annotations"
	"github.com/AleutianAI/regreader/services/reader/content"
	"github.com/AleutianAI/regreader/services/reader/syncer"
)

func main() {
	store := flag.String("store", "~/.regreader", "Directory for the local store")
	annotationURL := flag.String("annotation-url", "http://localhost:8080", "Annotation service base URL")
	contentURL := flag.String("content-url", "http://localhost:8081", "Content service base URL")
	offline := flag.Bool("offline", false, "Start without network (writes queue locally)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	storeDir := expandHome(*store)

	level := logging.LevelInfo
	if *debug {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  filepath.Join(storeDir, "logs"),
		Service: "regreader",
	})
	defer logger.Close()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: regreader [flags] download|parts|annotations|toggle|sync")
		os.Exit(2)
	}

	ctx := context.Background()

	svc, err := reader.New(ctx, reader.Config{
		StorePath:            filepath.Join(storeDir, "data"),
		AnnotationServiceURL: *annotationURL,
		ContentServiceURL:    *contentURL,
		Token:                func() string { return os.Getenv("REGREADER_TOKEN") },
		StartOnline:          !*offline,
		OnSyncResult: func(r syncer.FlushResult) {
			if r.Succeeded > 0 || r.Failed > 0 {
				logger.Info("sync pass",
					"succeeded", r.Succeeded,
					"failed", r.Failed,
					"reconciled", len(r.Reconciled))
			}
		},
		Logger: logger.Slog(),
	})
	if err != nil {
		logger.Error("failed to start reader core", "error", err.Error())
		os.Exit(1)
	}
	defer svc.Close()

	if err := run(ctx, svc, flag.Args()); err != nil {
		logger.Error("command failed", "error", err.Error())
		os.Exit(1)
	}
}

// expandHome expands a leading ~ so the flag default works without
// shell expansion.
func expandHome(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

func run(ctx context.Context, svc *reader.Service, args []string) error {
	switch args[0] {
	case "download":
		return svc.Content.DownloadAll(ctx, func(p content.Progress) {
			fmt.Printf("downloaded part %s (%d/%d)\n", p.Part, p.Completed, p.Total)
		})

	case "parts":
		parts, err := svc.Content.CachedParts(ctx)
		if err != nil {
			return err
		}
		for _, p := range parts {
			fmt.Println(p)
		}
		return nil

	case "annotations":
		if len(args) < 2 {
			return fmt.Errorf("usage: annotations <section>")
		}
		list, err := svc.Mutator.ListBySection(ctx, args[1])
		if err != nil {
			return err
		}
		for _, a := range list {
			fmt.Printf("%s\t%s\t%v\n", a.ID, a.Type, a.ParagraphRefs)
		}
		return nil

	case "toggle":
		if len(args) < 4 {
			return fmt.Errorf("usage: toggle <part> <section> <paragraph-ref>")
		}
		a, removed, err := svc.Mutator.ToggleHighlight(ctx, annotations.HighlightInput{
			Part:         args[1],
			Section:      args[2],
			ParagraphRef: args[3],
			Color:        "yellow",
		})
		if err != nil {
			return err
		}
		if removed {
			fmt.Println("highlight removed")
		} else {
			fmt.Printf("highlight created: %s\n", a.ID)
		}
		return nil

	case "sync":
		res, err := svc.Engine.Flush(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("succeeded=%d failed=%d reconciled=%d\n",
			res.Succeeded, res.Failed, len(res.Reconciled))
		return nil

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}
