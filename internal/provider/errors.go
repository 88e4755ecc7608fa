// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingAPIKey indicates a stream was requested without an API key.
	// Surfaced before any network I/O.
	ErrMissingAPIKey = errors.New("api key not configured")

	// ErrNoMessages indicates a stream was requested with an empty history.
	ErrNoMessages = errors.New("request contains no messages")
)

// UpstreamError is a non-success HTTP response from a provider, carrying the
// status and whatever error text the vendor returned.
type UpstreamError struct {
	Provider string
	Status   int
	Message  string
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s upstream error (HTTP %d): %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s upstream error (HTTP %d)", e.Provider, e.Status)
}

// Is allows matching any UpstreamError regardless of status.
func (e *UpstreamError) Is(target error) bool {
	_, ok := target.(*UpstreamError)
	return ok
}

// ProtocolError is a structurally unusable provider response: a missing body
// or framing that cannot be read at all. Individual malformed event payloads
// are not protocol errors; those are skipped.
type ProtocolError struct {
	Provider string
	Reason   string
	Err      error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s protocol error: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s protocol error: %s", e.Provider, e.Reason)
}

// Unwrap returns the underlying error, if any.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}
