// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package remote implements HTTP clients for the two external
// collaborators of the reader core: the authoritative annotation CRUD
// service and the read-only regulation content service.
//
// Both services are consumed, never implemented here. Errors are
// classified into the taxonomy the sync engine retries against:
// transport failures (wrapped request errors), retryable 5xx
// responses, permanent 4xx rejections (*APIError), and authentication
// rejections (ErrUnauthenticated).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/AleutianAI/regreader/services/reader/annotations"
)

// DefaultRequestTimeout bounds a single remote call.
const DefaultRequestTimeout = 30 * time.Second

// TokenSource supplies the bearer token attached to every request.
// Returning the empty string sends the request unauthenticated.
type TokenSource func() string

// Annotation is the wire representation of an annotation as the
// remote service returns it.
type Annotation struct {
	ID            string           `json:"id"`
	Type          annotations.Type `json:"type"`
	ParagraphRefs []string         `json:"paragraph_refs"`
	Part          string           `json:"part"`
	Section       string           `json:"section"`
	Note          string           `json:"note,omitempty"`
	Color         string           `json:"color,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// AnnotationClient calls the remote annotation service.
//
// Thread Safety: Safe for concurrent use.
type AnnotationClient struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
}

// NewAnnotationClient creates a client for the annotation service.
//
// # Inputs
//
//   - baseURL: Service base URL (e.g. "https://api.example.com").
//   - token: Bearer token source. Must not be nil.
func NewAnnotationClient(baseURL string, token TokenSource) *AnnotationClient {
	return &AnnotationClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultRequestTimeout,
		},
		token: token,
	}
}

// WithHTTPClient replaces the underlying HTTP client (testing,
// custom transports).
func (c *AnnotationClient) WithHTTPClient(hc *http.Client) *AnnotationClient {
	c.httpClient = hc
	return c
}

// createRequest is the body of a Create call. The id is omitted; the
// server issues the canonical id.
type createRequest struct {
	Type          annotations.Type `json:"type"`
	ParagraphRefs []string         `json:"paragraph_refs"`
	Part          string           `json:"part"`
	Section       string           `json:"section"`
	Note          string           `json:"note,omitempty"`
	Color         string           `json:"color,omitempty"`
}

// updateRequest is the body of an Update call.
type updateRequest struct {
	Note string `json:"note"`
}

// CreateAnnotation submits a new annotation and returns the record
// with its server-issued canonical id.
func (c *AnnotationClient) CreateAnnotation(ctx context.Context, p annotations.CreatePayload) (Annotation, error) {
	body := createRequest{
		Type:          p.Type,
		ParagraphRefs: p.ParagraphRefs,
		Part:          p.Part,
		Section:       p.Section,
		Note:          p.NoteText,
		Color:         p.Color,
	}

	var created Annotation
	if err := c.do(ctx, http.MethodPost, "/annotations", body, &created); err != nil {
		return Annotation{}, err
	}
	if created.ID == "" {
		return Annotation{}, errors.New("annotation service returned no id")
	}
	return created, nil
}

// UpdateAnnotation submits a partial update addressed by id.
func (c *AnnotationClient) UpdateAnnotation(ctx context.Context, id, note string) error {
	return c.do(ctx, http.MethodPatch, "/annotations/"+url.PathEscape(id), updateRequest{Note: note}, nil)
}

// DeleteAnnotation removes an annotation by id and type.
//
// A "not found" response counts as success: the object may be absent
// because its Create never landed, or because a prior Delete partially
// completed before the local queue entry was removed.
func (c *AnnotationClient) DeleteAnnotation(ctx context.Context, id string, typ annotations.Type) error {
	path := "/annotations/" + url.PathEscape(id) + "?type=" + url.QueryEscape(string(typ))
	err := c.do(ctx, http.MethodDelete, path, nil, nil)

	var ae *APIError
	if errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// ListAnnotations fetches all annotations for the authenticated
// principal, optionally filtered by type.
func (c *AnnotationClient) ListAnnotations(ctx context.Context, typ *annotations.Type) ([]Annotation, error) {
	path := "/annotations"
	if typ != nil {
		path += "?type=" + url.QueryEscape(string(*typ))
	}

	var out []Annotation
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do executes one JSON request against the service and decodes the
// response into out (when non-nil).
func (c *AnnotationClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
