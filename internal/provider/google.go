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
// GOOGLE (GEMINI) ADAPTER
// =============================================================================

// google streams chat completions from the Gemini API via the
// streamGenerateContent endpoint with alt=sse. Gemini events each carry a
// full generateContentResponse rather than a delta, so the adapter tracks the
// cumulative text length across events and emits only the new portion.
type google struct {
	baseURL string
}

// NewGoogle creates the adapter for generativelanguage.googleapis.com.
func NewGoogle() Adapter {
	return &google{baseURL: "https://generativelanguage.googleapis.com/v1beta"}
}

// ID returns the provider identifier.
func (a *google) ID() string {
	return "google"
}

// geminiPart is one piece of content in a Gemini message.
type geminiPart struct {
	Text string `json:"text"`
}

// geminiContent is a role-tagged message in Gemini's request format.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// generateContentRequest is the Gemini streaming request body.
type generateContentRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
}

// generateContentResponse is one SSE event of a Gemini stream.
type generateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

// Stream implements Adapter.
func (a *google) Stream(ctx context.Context, req ChatRequest, apiKey string, fn TokenFunc) error {
	if err := validateStreamInput(req, apiKey); err != nil {
		return err
	}

	body, err := json.Marshal(toGeminiRequest(req.Messages))
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", a.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", apiKey)
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
	emitted := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				// Gemini signals completion by closing the connection.
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ProtocolError{Provider: a.ID(), Reason: "stream read failed", Err: err}
		}

		var event generateContentResponse
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		if len(event.Candidates) == 0 {
			continue
		}

		var full strings.Builder
		for _, part := range event.Candidates[0].Content.Parts {
			full.WriteString(part.Text)
		}
		text := full.String()
		if len(text) > emitted {
			fn(text[emitted:])
			emitted = len(text)
		}
	}
}

// toGeminiRequest translates the normalized history into Gemini's contents
// format: system messages become the systemInstruction, assistant becomes
// the "model" role.
func toGeminiRequest(messages []ChatMessage) generateContentRequest {
	out := generateContentRequest{
		Contents: make([]geminiContent, 0, len(messages)),
	}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if out.SystemInstruction == nil {
				out.SystemInstruction = &geminiContent{
					Parts: []geminiPart{{Text: msg.Content}},
				}
			}
		case "assistant":
			out.Contents = append(out.Contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: msg.Content}},
			})
		default:
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: msg.Content}},
			})
		}
	}

	return out
}
