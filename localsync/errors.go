// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document does not exist locally.
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyExists is returned by Insert for a duplicate document id.
	ErrAlreadyExists = errors.New("document already exists")

	// ErrUnauthorized is returned when the server rejects the client's
	// credentials. The background loops halt on it instead of retrying;
	// the application must obtain a fresh token and restart sync.
	ErrUnauthorized = errors.New("unauthorized")
)

// httpError carries a non-2xx replication response status.
type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("replication request failed: status %d: %s", e.status, e.body)
}

// classifyStatus maps a response status to a sentinel where one applies.
func classifyStatus(status int, body string) error {
	if status == 401 || status == 403 {
		return ErrUnauthorized
	}
	return &httpError{status: status, body: body}
}
