// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// anthropicVersion is the required API version header value.
const anthropicVersion = "2023-06-01"

// anthropicMaxTokens caps the reply length; the Messages API requires an
// explicit value.
const anthropicMaxTokens = 4096

// =============================================================================
// ANTHROPIC ADAPTER
// =============================================================================

// anthropic streams chat completions from the Anthropic Messages API. Unlike
// the OpenAI protocol, system messages are lifted into a dedicated `system`
// field, deltas arrive as typed `content_block_delta` events, and the stream
// ends with a `message_stop` event rather than a data sentinel.
type anthropic struct {
	baseURL string
}

// NewAnthropic creates the adapter for api.anthropic.com.
func NewAnthropic() Adapter {
	return &anthropic{baseURL: "https://api.anthropic.com/v1"}
}

// ID returns the provider identifier.
func (a *anthropic) ID() string {
	return "anthropic"
}

// messagesRequest is the Anthropic Messages API request body.
type messagesRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	System    string        `json:"system,omitempty"`
	MaxTokens int           `json:"max_tokens"`
	Stream    bool          `json:"stream"`
}

// messagesEvent is one `data:` payload of a Messages API stream.
type messagesEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// Stream implements Adapter.
func (a *anthropic) Stream(ctx context.Context, req ChatRequest, apiKey string, fn TokenFunc) error {
	if err := validateStreamInput(req, apiKey); err != nil {
		return err
	}

	// System messages move into their own field and are excluded from the
	// messages array.
	var system string
	messages := make([]ChatMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if system == "" {
				system = msg.Content
			}
			continue
		}
		messages = append(messages, msg)
	}

	body, err := json.Marshal(messagesRequest{
		Model:     req.Model,
		Messages:  messages,
		System:    system,
		MaxTokens: anthropicMaxTokens,
		Stream:    true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	setStreamHeaders(httpReq)

	resp, err := streamingClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readUpstreamError(a.ID(), resp)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return &ProtocolError{Provider: a.ID(), Reason: "response has no body"}
	}

	reader := newSSEReader(resp.Body)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ProtocolError{Provider: a.ID(), Reason: "stream read failed", Err: err}
		}

		var event messagesEvent
		if err := json.Unmarshal(data, &event); err != nil {
			// Skip malformed payloads; ping and unknown events fall through
			// the type switch below.
			continue
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Text != "" {
				fn(event.Delta.Text)
			}
		case "message_stop":
			return nil
		}
	}
}
