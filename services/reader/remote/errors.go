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
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthenticated indicates the remote service rejected the
// request's credentials. The sync engine treats this as a signal to
// pause the whole flush pass: retrying other items without credentials
// is futile.
var ErrUnauthenticated = errors.New("remote: unauthenticated")

// APIError is a non-2xx application response from a remote service.
//
// 4xx responses (other than the auth statuses mapped to
// ErrUnauthenticated) are permanent: the same request can never
// succeed on retry. 5xx responses are treated like transport failures
// and retried.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote: status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying the request is futile.
func (e *APIError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPermanent reports whether err is an application rejection that
// can never succeed on retry.
func IsPermanent(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Permanent()
}

// classifyStatus maps a non-2xx response to the error taxonomy.
func classifyStatus(status int, body []byte) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthenticated, status)
	default:
		return &APIError{StatusCode: status, Body: string(body)}
	}
}
