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
	"fmt"

	"github.com/go-playground/validator/v10"
)

// MaxNoteTextBytes is the maximum size of a note body. Byte length is
// enforced (not rune count) so oversized payloads are rejected before
// they reach the store or the wire.
const MaxNoteTextBytes = 16 * 1024 // 16KB

// annotationValidate is the validator instance for annotation inputs.
// Initialized in init() with custom validators.
var annotationValidate *validator.Validate

func init() {
	annotationValidate = validator.New()

	_ = annotationValidate.RegisterValidation("notebytes", validateNoteBytes)
}

// validateNoteBytes enforces MaxNoteTextBytes on string fields.
func validateNoteBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxNoteTextBytes
}

// CreateInput is the validated input for creating an annotation.
//
// Uses go-playground/validator tags; call Validate before persisting.
type CreateInput struct {
	// Type is the annotation kind to create.
	Type Type `validate:"required,oneof=highlight note bookmark"`

	// ParagraphRefs are the stable paragraph references the annotation
	// covers. At least one, none empty.
	ParagraphRefs []string `validate:"required,min=1,dive,required"`

	// Part is the regulation part identifier.
	Part string `validate:"required"`

	// Section is the section identifier within the part.
	Section string `validate:"required"`

	// NoteText is the note body. Meaningful for notes only.
	NoteText string `validate:"omitempty,notebytes"`

	// Color is the highlight color. Meaningful for highlights only.
	Color string `validate:"omitempty,max=32"`
}

// Validate checks the input against its validation tags.
//
// # Outputs
//
//   - error: Non-nil with the first failing field if invalid.
func (in CreateInput) Validate() error {
	if err := annotationValidate.Struct(in); err != nil {
		return fmt.Errorf("invalid create input: %w", err)
	}
	return nil
}

// HighlightInput is the validated input for toggling a highlight on a
// single paragraph.
type HighlightInput struct {
	// ParagraphRef is the stable paragraph reference (e.g. "395.1-0-a").
	ParagraphRef string `validate:"required"`

	// Part is the regulation part identifier.
	Part string `validate:"required"`

	// Section is the section identifier within the part.
	Section string `validate:"required"`

	// Color is the highlight color applied on create.
	Color string `validate:"omitempty,max=32"`
}

// Validate checks the input against its validation tags.
func (in HighlightInput) Validate() error {
	if err := annotationValidate.Struct(in); err != nil {
		return fmt.Errorf("invalid highlight input: %w", err)
	}
	return nil
}
