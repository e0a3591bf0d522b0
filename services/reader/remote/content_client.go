// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// PartTOCEntry is one table-of-contents row of a part response.
type PartTOCEntry struct {
	SectionID string `json:"section_id"`
	Heading   string `json:"heading"`
}

// PartSection is one full section body of a part response.
type PartSection struct {
	ID      string `json:"id"`
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

// PartSnapshot is the content service's response for one regulation
// part: the table of contents plus every section body.
type PartSnapshot struct {
	Part            string         `json:"part"`
	TableOfContents []PartTOCEntry `json:"table_of_contents"`
	Sections        []PartSection  `json:"sections"`
}

// ContentClient calls the read-only regulation content service.
//
// Thread Safety: Safe for concurrent use.
type ContentClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewContentClient creates a client for the content service. Part
// downloads move whole section bodies, so the timeout is looser than
// the annotation client's.
func NewContentClient(baseURL string) *ContentClient {
	return &ContentClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *ContentClient) WithHTTPClient(hc *http.Client) *ContentClient {
	c.httpClient = hc
	return c
}

// FetchPart downloads the full snapshot for one regulation part.
func (c *ContentClient) FetchPart(ctx context.Context, part string) (PartSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/parts/"+url.PathEscape(part), nil)
	if err != nil {
		return PartSnapshot{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PartSnapshot{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return PartSnapshot{}, classifyStatus(resp.StatusCode, body)
	}

	var snap PartSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return PartSnapshot{}, fmt.Errorf("decode part %q: %w", part, err)
	}
	if snap.Part == "" {
		snap.Part = part
	}
	return snap, nil
}
