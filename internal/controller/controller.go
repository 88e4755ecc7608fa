// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package controller drives chat turns against the relay. It owns the
// lifecycle of one in-flight request per conversation: append the user
// message, stream the assistant reply frame by frame into the transcript,
// and settle the turn as completed, aborted, or failed.
package controller

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/morganforge/chatrelay/internal/chat"
	"github.com/morganforge/chatrelay/internal/relay"
)

// =============================================================================
// TURN STATE
// =============================================================================

// TurnState is the lifecycle state of a conversation's current turn.
type TurnState int

const (
	// TurnIdle means no request is in flight and none has run yet.
	TurnIdle TurnState = iota
	// TurnSending means the request has been dispatched but no fragment
	// has arrived.
	TurnSending
	// TurnStreaming means at least one fragment has been applied.
	TurnStreaming
	// TurnCompleted means the stream ended with the terminal sentinel.
	TurnCompleted
	// TurnAborted means the turn was cancelled locally.
	TurnAborted
	// TurnFailed means the stream ended with an error.
	TurnFailed
)

// String returns the state name.
func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnSending:
		return "sending"
	case TurnStreaming:
		return "streaming"
	case TurnCompleted:
		return "completed"
	case TurnAborted:
		return "aborted"
	case TurnFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is a settled outcome.
func (s TurnState) Terminal() bool {
	return s == TurnCompleted || s == TurnAborted || s == TurnFailed
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrEmptyInput is returned when the submitted text is empty or
	// whitespace-only.
	ErrEmptyInput = errors.New("input is empty")

	// ErrTurnInFlight is returned when a conversation already has an
	// active turn.
	ErrTurnInFlight = errors.New("a turn is already in flight for this conversation")

	// ErrMissingAPIKey is returned when no key is available for the
	// selected provider.
	ErrMissingAPIKey = errors.New("no API key configured for provider")
)

// =============================================================================
// CONTROLLER
// =============================================================================

// KeySource supplies per-provider API keys. Keys are attached to outgoing
// requests only; the controller never stores or logs them.
type KeySource interface {
	APIKey(providerID string) (string, error)
}

// DeltaFunc is invoked for each applied fragment, for live rendering.
type DeltaFunc func(conversationID, messageID, delta string)

// Controller runs chat turns. Turns on different conversations proceed
// independently; a second Submit on the same conversation while one is in
// flight is rejected.
type Controller struct {
	store   *chat.Store
	keys    KeySource
	baseURL string
	client  *http.Client
	onDelta DeltaFunc

	mu    sync.Mutex
	turns map[string]*turn
}

// turn is the per-conversation in-flight record.
type turn struct {
	state     TurnState
	cancel    context.CancelFunc
	messageID string
}

// New creates a controller talking to the relay at baseURL.
func New(store *chat.Store, keys KeySource, baseURL string) *Controller {
	return &Controller{
		store:   store,
		keys:    keys,
		baseURL: strings.TrimRight(baseURL, "/"),
		// No overall timeout: stream duration is unbounded, the relay's
		// idle watchdog bounds stalls.
		client: &http.Client{},
		turns:  make(map[string]*turn),
	}
}

// WithDeltaFunc registers a callback for live fragment rendering.
func (c *Controller) WithDeltaFunc(fn DeltaFunc) *Controller {
	c.onDelta = fn
	return c
}

// State returns the turn state for a conversation. Conversations that
// never ran a turn are idle.
func (c *Controller) State(conversationID string) TurnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.turns[conversationID]; ok {
		return t.state
	}
	return TurnIdle
}

// Cancel aborts the in-flight turn for a conversation. Calling it when the
// turn is already settled, or when nothing is in flight, is a no-op.
func (c *Controller) Cancel(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.turns[conversationID]
	if !ok || t.state.Terminal() || t.cancel == nil {
		return
	}
	t.cancel()
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit runs one full turn: append the user message, stream the assistant
// reply into the transcript, and settle. It blocks until the turn reaches a
// terminal state. The user message is part of the transcript regardless of
// how the turn ends.
func (c *Controller) Submit(ctx context.Context, conversationID, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}

	conv, ok := c.store.Conversation(conversationID)
	if !ok {
		return chat.ErrConversationNotFound
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if t, ok := c.turns[conversationID]; ok && !t.state.Terminal() {
		c.mu.Unlock()
		cancel()
		return ErrTurnInFlight
	}
	t := &turn{state: TurnSending, cancel: cancel}
	c.turns[conversationID] = t
	c.mu.Unlock()

	if _, err := c.store.AppendUserMessage(conversationID, text); err != nil {
		c.settle(conversationID, TurnFailed)
		return err
	}

	apiKey, err := c.keys.APIKey(conv.Provider)
	if err != nil || strings.TrimSpace(apiKey) == "" {
		c.failTurn(conversationID, fmt.Sprintf("No API key configured for %s.", conv.Provider))
		return ErrMissingAPIKey
	}

	start := time.Now()
	err = c.runStream(ctx, conversationID, conv.Provider, conv.Model, apiKey)
	state := c.State(conversationID)
	log.Printf("TURN_DONE | conversation=%s provider=%s state=%s duration=%s",
		conversationID, conv.Provider, state, time.Since(start).Round(time.Millisecond))
	return err
}

// runStream performs the HTTP exchange and applies frames to the transcript.
func (c *Controller) runStream(ctx context.Context, conversationID, providerID, model, apiKey string) error {
	conv, ok := c.store.Conversation(conversationID)
	if !ok {
		c.settle(conversationID, TurnFailed)
		return chat.ErrConversationNotFound
	}

	payload := relay.ChatPayload{
		Messages: conv.ToChatMessages(),
		Provider: providerID,
		Model:    model,
		APIKey:   apiKey,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		c.settle(conversationID, TurnFailed)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		c.settle(conversationID, TurnFailed)
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return c.abort(conversationID)
		}
		c.failTurn(conversationID, "Could not reach the chat server.")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readErrorBody(resp.Body)
		c.failTurn(conversationID, msg)
		return fmt.Errorf("chat request rejected: %s", msg)
	}

	return c.consumeStream(ctx, conversationID, providerID, resp.Body)
}

// consumeStream reads outward SSE frames and applies each content fragment
// in arrival order. The assistant message is created lazily on the first
// fragment; a turn that fails or aborts before content leaves no assistant
// message behind.
func (c *Controller) consumeStream(ctx context.Context, conversationID, providerID string, body io.Reader) error {
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if applyErr := c.applyLine(conversationID, providerID, line); applyErr != nil {
				return applyErr
			}
			if c.State(conversationID).Terminal() {
				return nil
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return c.abort(conversationID)
			}
			if err == io.EOF {
				// Stream ended without the sentinel: treat as a failure,
				// keeping whatever content already arrived.
				c.failMidStream(conversationID)
				return errors.New("stream ended unexpectedly")
			}
			c.failMidStream(conversationID)
			return err
		}
	}
}

// applyLine parses one SSE line and updates the transcript.
func (c *Controller) applyLine(conversationID, providerID, line string) error {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "data: ") {
		return nil
	}
	data := strings.TrimPrefix(line, "data: ")

	if data == relay.DoneFrame {
		c.finalize(conversationID, TurnCompleted)
		return nil
	}

	var frame relay.Frame
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		// Unreadable frame: skip it, keep the stream alive.
		log.Printf("FRAME_SKIP | conversation=%s provider=%s", conversationID, providerID)
		return nil
	}

	if frame.Error != "" {
		c.applyError(conversationID, frame.Error)
		return nil
	}
	if frame.Content == "" {
		return nil
	}

	c.mu.Lock()
	t := c.turns[conversationID]
	messageID := t.messageID
	c.mu.Unlock()

	newID, err := c.store.AppendAssistantDelta(conversationID, messageID, frame.Content)
	if err != nil {
		return err
	}

	c.mu.Lock()
	t.messageID = newID
	if t.state == TurnSending {
		t.state = TurnStreaming
	}
	c.mu.Unlock()

	if c.onDelta != nil {
		c.onDelta(conversationID, newID, frame.Content)
	}
	return nil
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// settle moves the turn to a terminal state.
func (c *Controller) settle(conversationID string, state TurnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.turns[conversationID]; ok && !t.state.Terminal() {
		t.state = state
	}
}

// finalize closes the streaming assistant message (if any) and settles.
func (c *Controller) finalize(conversationID string, state TurnState) {
	c.mu.Lock()
	t := c.turns[conversationID]
	messageID := ""
	if t != nil {
		messageID = t.messageID
	}
	c.mu.Unlock()

	if messageID != "" {
		if err := c.store.FinalizeAssistant(conversationID, messageID); err != nil {
			log.Printf("FINALIZE_ERROR | conversation=%s error=%v", conversationID, err)
		}
	}
	c.settle(conversationID, state)
}

// abort settles a cancelled turn. Partial content is kept as a normal
// message; a turn cancelled before any fragment leaves no assistant message.
func (c *Controller) abort(conversationID string) error {
	c.finalize(conversationID, TurnAborted)
	return nil
}

// applyError handles an error frame from the relay.
func (c *Controller) applyError(conversationID, message string) {
	c.mu.Lock()
	t := c.turns[conversationID]
	hasContent := t != nil && t.messageID != ""
	c.mu.Unlock()

	if hasContent {
		// Mid-stream failure: keep the partial text, append a short note.
		c.mu.Lock()
		messageID := t.messageID
		c.mu.Unlock()
		if _, err := c.store.AppendAssistantDelta(conversationID, messageID, "\n\n[stream interrupted: "+message+"]"); err != nil {
			log.Printf("ERROR_NOTE_FAILED | conversation=%s error=%v", conversationID, err)
		}
		c.finalize(conversationID, TurnFailed)
		return
	}
	c.failTurn(conversationID, "Error: "+message)
}

// failTurn records a pre-content failure as a visible assistant-side
// error message.
func (c *Controller) failTurn(conversationID, message string) {
	if _, err := c.store.AppendErrorMessage(conversationID, message); err != nil {
		log.Printf("ERROR_MESSAGE_FAILED | conversation=%s error=%v", conversationID, err)
	}
	c.settle(conversationID, TurnFailed)
}

// failMidStream settles a turn whose stream broke after content arrived.
func (c *Controller) failMidStream(conversationID string) {
	c.applyError(conversationID, "connection lost")
}

// readErrorBody extracts the error message from a non-200 relay response.
func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}
