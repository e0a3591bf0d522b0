// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package annotations defines the domain types shared by the offline
// reader core: user annotations (highlights, notes, bookmarks), the
// pending-operation queue entries that describe their remote
// counterparts, and the validated inputs accepted by the mutator.
//
// Identifier model: an annotation created offline carries a
// client-generated provisional id until its Create operation completes
// a remote round trip, at which point the server-issued canonical id
// replaces it everywhere in local state (see the syncer package for
// reconciliation).
package annotations

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type discriminates the kinds of annotation a reader can attach to a
// regulation paragraph.
type Type string

const (
	// TypeHighlight marks one or more paragraphs with a color.
	TypeHighlight Type = "highlight"

	// TypeNote attaches free-form text to a paragraph.
	TypeNote Type = "note"

	// TypeBookmark marks a section for quick navigation.
	TypeBookmark Type = "bookmark"
)

// Valid reports whether t is one of the known annotation types.
func (t Type) Valid() bool {
	switch t {
	case TypeHighlight, TypeNote, TypeBookmark:
		return true
	}
	return false
}

// Annotation is a user annotation against the regulatory corpus.
//
// # Description
//
// An Annotation is addressed by stable paragraph references (e.g.
// "395.1-0-a") within a part and section of the corpus. The ID is
// unique within the local store; it is provisional until the first
// successful remote round trip.
type Annotation struct {
	// ID is the annotation identifier. Provisional ids carry the
	// "local-" prefix until reconciliation replaces them.
	ID string `json:"id"`

	// Type is the annotation kind.
	Type Type `json:"type"`

	// ParagraphRefs are the stable paragraph references this
	// annotation covers. Always at least one.
	ParagraphRefs []string `json:"paragraph_refs"`

	// Part is the regulation part identifier (e.g. "395").
	Part string `json:"part"`

	// Section is the section identifier within the part (e.g. "395.1").
	Section string `json:"section"`

	// NoteText is the note body. Empty for highlights and bookmarks.
	NoteText string `json:"note_text,omitempty"`

	// Color is the highlight color. Empty for notes and bookmarks.
	Color string `json:"color,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CoversParagraph reports whether the annotation references the given
// paragraph.
func (a Annotation) CoversParagraph(ref string) bool {
	for _, r := range a.ParagraphRefs {
		if r == ref {
			return true
		}
	}
	return false
}

// provisionalPrefix distinguishes client-generated ids from
// server-issued canonical ids.
const provisionalPrefix = "local-"

// NewProvisionalID returns a fresh client-generated annotation id.
//
// The id is used as the local key until the remote Create confirms a
// canonical id.
func NewProvisionalID() string {
	return provisionalPrefix + uuid.NewString()
}

// IsProvisionalID reports whether id was generated locally and has not
// been reconciled against a server-issued id.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}
