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
	"strings"
)

// =============================================================================
// OPENAI-COMPATIBLE ADAPTER
// =============================================================================

// openAICompat streams chat completions over the OpenAI wire protocol:
// Bearer auth, `choices[0].delta.content` envelopes, and a `data: [DONE]`
// sentinel. DeepSeek and Groq expose the same protocol at their own base
// URLs, so all three share this adapter.
type openAICompat struct {
	id      string
	baseURL string
}

// NewOpenAI creates the adapter for api.openai.com.
func NewOpenAI() Adapter {
	return &openAICompat{id: "openai", baseURL: "https://api.openai.com/v1"}
}

// NewDeepSeek creates the adapter for api.deepseek.com (OpenAI-compatible).
func NewDeepSeek() Adapter {
	return &openAICompat{id: "deepseek", baseURL: "https://api.deepseek.com/v1"}
}

// NewGroq creates the adapter for api.groq.com (OpenAI-compatible).
func NewGroq() Adapter {
	return &openAICompat{id: "groq", baseURL: "https://api.groq.com/openai/v1"}
}

// ID returns the provider identifier.
func (a *openAICompat) ID() string {
	return a.id
}

// chatCompletionRequest is the OpenAI chat completions request body.
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature,omitempty"`
}

// streamChunk is one `data:` payload of an OpenAI streaming response.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// doneSentinel terminates an OpenAI-compatible stream.
const doneSentinel = "[DONE]"

// Stream implements Adapter.
func (a *openAICompat) Stream(ctx context.Context, req ChatRequest, apiKey string, fn TokenFunc) error {
	if err := validateStreamInput(req, apiKey); err != nil {
		return err
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      true,
		Temperature: 0.7,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	setStreamHeaders(httpReq)

	resp, err := streamingClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readUpstreamError(a.id, resp)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return &ProtocolError{Provider: a.id, Reason: "response has no body"}
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
			return &ProtocolError{Provider: a.id, Reason: "stream read failed", Err: err}
		}

		if string(data) == doneSentinel {
			return nil
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// A single corrupt payload must not abort the stream.
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			fn(delta)
		}
	}
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// validateStreamInput enforces the adapter input contract before any I/O.
func validateStreamInput(req ChatRequest, apiKey string) error {
	if strings.TrimSpace(apiKey) == "" {
		return ErrMissingAPIKey
	}
	if len(req.Messages) == 0 {
		return ErrNoMessages
	}
	return nil
}

// setStreamHeaders sets the headers common to all vendor streaming requests.
func setStreamHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
}

// readUpstreamError drains a bounded amount of a non-2xx response and builds
// an *UpstreamError. Vendors mostly share the {"error":{"message":...}}
// shape; anything else falls back to the raw body text.
func readUpstreamError(providerID string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	message := ""
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		message = apiErr.Error.Message
	} else {
		message = strings.TrimSpace(string(body))
	}

	return &UpstreamError{Provider: providerID, Status: resp.StatusCode, Message: message}
}
