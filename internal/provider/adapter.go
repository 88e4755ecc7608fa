// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// ChatMessage is a single message in the normalized request format. Vendors
// that use a different structure (Google has "parts", Anthropic separates
// "system") translate from this form inside their adapter.
type ChatMessage struct {
	Role    string `json:"role"`    // "user", "assistant", or "system"
	Content string `json:"content"` // the message text
}

// ChatRequest is the normalized request built fresh for every turn from the
// conversation history plus the new user message.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
}

// TokenFunc receives each decoded text delta, in arrival order. It is called
// synchronously from the stream read loop, so a delta is fully handled before
// the next upstream read.
type TokenFunc func(delta string)

// =============================================================================
// ADAPTER INTERFACE
// =============================================================================

// Adapter streams a chat completion from one vendor.
//
// Stream issues exactly one outbound HTTPS request, decodes the vendor's
// event framing, and calls fn for every text delta. It returns nil when the
// vendor signals normal completion, *UpstreamError when the initial response
// is not successful, *ProtocolError when the response carries no readable
// body, and the context error when cancelled. Malformed individual event
// payloads are skipped, never fatal. The underlying connection is released on
// every return path.
type Adapter interface {
	// ID returns the provider identifier the adapter serves.
	ID() string

	// Stream performs one single-use streaming completion.
	Stream(ctx context.Context, req ChatRequest, apiKey string, fn TokenFunc) error
}

// =============================================================================
// SHARED HTTP CLIENT
// =============================================================================

// streamingClient is shared by all adapters. It has no client timeout;
// request lifetime is controlled by the caller's context so long generations
// are not cut off mid-stream.
var streamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// maxErrorBody bounds how much of an upstream error response is read back
// for the error message.
const maxErrorBody = 64 * 1024
