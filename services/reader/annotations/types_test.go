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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypeValid(t *testing.T) {
	assert.True(t, TypeHighlight.Valid())
	assert.True(t, TypeNote.Valid())
	assert.True(t, TypeBookmark.Valid())
	assert.False(t, Type("margin-scribble").Valid())
	assert.False(t, Type("").Valid())
}

func TestProvisionalIDs(t *testing.T) {
	id := NewProvisionalID()
	assert.True(t, IsProvisionalID(id))

	other := NewProvisionalID()
	assert.NotEqual(t, id, other)

	assert.False(t, IsProvisionalID("srv-1"))
	assert.False(t, IsProvisionalID(""))
}

func TestCoversParagraph(t *testing.T) {
	a := Annotation{ParagraphRefs: []string{"395.1-0-a", "395.1-0-b"}}
	assert.True(t, a.CoversParagraph("395.1-0-a"))
	assert.True(t, a.CoversParagraph("395.1-0-b"))
	assert.False(t, a.CoversParagraph("395.1-0-c"))
}

func TestQueueItemTargetID(t *testing.T) {
	it := QueueItem{LocalID: "local-a"}
	assert.Equal(t, "local-a", it.TargetID())

	it.ServerID = "srv-1"
	assert.Equal(t, "srv-1", it.TargetID(), "canonical id wins once known")
}

func TestPayloadOperations(t *testing.T) {
	assert.Equal(t, OpCreate, CreatePayload{}.Operation())
	assert.Equal(t, OpUpdate, UpdatePayload{}.Operation())
	assert.Equal(t, OpDelete, DeletePayload{}.Operation())
}
