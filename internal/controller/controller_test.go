// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/morganforge/chatrelay/internal/chat"
	"github.com/morganforge/chatrelay/internal/provider"
	"github.com/morganforge/chatrelay/internal/registry"
	"github.com/morganforge/chatrelay/internal/relay"
)

// mapKeys is a fixed in-memory key source.
type mapKeys map[string]string

func (m mapKeys) APIKey(providerID string) (string, error) {
	return m[providerID], nil
}

// scriptedAdapter emits fixed deltas, optionally pausing between them.
type scriptedAdapter struct {
	deltas []string
	err    error
	pause  time.Duration
}

func (s *scriptedAdapter) ID() string { return "openai" }

func (s *scriptedAdapter) Stream(ctx context.Context, req provider.ChatRequest, apiKey string, fn provider.TokenFunc) error {
	for _, d := range s.deltas {
		if s.pause > 0 {
			select {
			case <-time.After(s.pause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		fn(d)
	}
	if s.err != nil {
		return s.err
	}
	return nil
}

// newFixture wires a store and controller against a relay backed by the
// scripted adapter.
func newFixture(t *testing.T, adapter provider.Adapter) (*chat.Store, *Controller, *chat.Conversation) {
	t.Helper()

	reg := registry.New()
	reg.Register(registry.Descriptor{
		ID:             "openai",
		Name:           "OpenAI",
		Enabled:        true,
		RequiresAPIKey: true,
		Models: []registry.ModelDescriptor{
			{ID: "gpt-4", Name: "GPT-4", ContextLength: 8192},
		},
	}, adapter)

	srv := httptest.NewServer(relay.NewServer(0, reg).Handler())
	t.Cleanup(srv.Close)

	store := chat.NewStore()
	ctrl := New(store, mapKeys{"openai": "sk-test"}, srv.URL)
	conv := store.CreateConversation("openai", "gpt-4")
	return store, ctrl, conv
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestSubmitStreamsIntoTranscript(t *testing.T) {
	_, ctrl, conv := newFixture(t, &scriptedAdapter{deltas: []string{"Hel", "lo", "!"}})

	if err := ctrl.Submit(context.Background(), conv.ID, "say hello"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if got := ctrl.State(conv.ID); got != TurnCompleted {
		t.Errorf("expected completed, got %s", got)
	}
	if conv.MessageCount() != 2 {
		t.Fatalf("expected user + assistant messages, got %d", conv.MessageCount())
	}
	user := conv.Messages[0]
	if user.Role != chat.RoleUser || user.Content != "say hello" {
		t.Errorf("unexpected user message: %+v", user)
	}
	reply := conv.Messages[1]
	if reply.Role != chat.RoleAssistant {
		t.Errorf("expected assistant reply, got %s", reply.Role)
	}
	if reply.IsStreaming {
		t.Error("expected reply finalized")
	}
	if reply.Content != "Hello!" {
		t.Errorf("expected %q, got %q", "Hello!", reply.Content)
	}
}

func TestDeltaCallbackOrder(t *testing.T) {
	_, ctrl, conv := newFixture(t, &scriptedAdapter{deltas: []string{"a", "b", "c"}})

	var seen []string
	ctrl.WithDeltaFunc(func(conversationID, messageID, delta string) {
		seen = append(seen, delta)
	})

	if err := ctrl.Submit(context.Background(), conv.ID, "go"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(seen) != 3 || seen[0] != "a" || seen[1] != "b" || seen[2] != "c" {
		t.Errorf("expected deltas in order, got %v", seen)
	}
}

// =============================================================================
// INPUT VALIDATION
// =============================================================================

func TestSubmitRejectsEmptyInput(t *testing.T) {
	_, ctrl, conv := newFixture(t, &scriptedAdapter{deltas: []string{"x"}})

	for _, input := range []string{"", "   ", "\n\t"} {
		if err := ctrl.Submit(context.Background(), conv.ID, input); !errors.Is(err, ErrEmptyInput) {
			t.Errorf("input %q: expected ErrEmptyInput, got %v", input, err)
		}
	}
	if conv.MessageCount() != 0 {
		t.Errorf("rejected input must not touch the transcript, got %d messages", conv.MessageCount())
	}
}

func TestSubmitUnknownConversation(t *testing.T) {
	_, ctrl, _ := newFixture(t, &scriptedAdapter{deltas: []string{"x"}})

	err := ctrl.Submit(context.Background(), "conv_missing", "hello")
	if !errors.Is(err, chat.ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestSubmitMissingAPIKey(t *testing.T) {
	store, _, _ := newFixture(t, &scriptedAdapter{deltas: []string{"x"}})

	ctrl := New(store, mapKeys{}, "http://127.0.0.1:1")
	conv := store.CreateConversation("openai", "gpt-4")

	err := ctrl.Submit(context.Background(), conv.ID, "hello")
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if got := ctrl.State(conv.ID); got != TurnFailed {
		t.Errorf("expected failed, got %s", got)
	}
	// The failure is visible in the transcript after the user message.
	last := conv.LastMessage()
	if last == nil || last.Role != chat.RoleAssistant {
		t.Fatal("expected a visible error message")
	}
}

// =============================================================================
// FAILURE HANDLING
// =============================================================================

func TestFailureBeforeContent(t *testing.T) {
	_, ctrl, conv := newFixture(t, &scriptedAdapter{
		err: &provider.UpstreamError{Provider: "openai", Status: 401, Message: "bad key"},
	})

	if err := ctrl.Submit(context.Background(), conv.ID, "hello"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got := ctrl.State(conv.ID); got != TurnFailed {
		t.Errorf("expected failed, got %s", got)
	}

	// User message stands; the error shows as an assistant-side message,
	// not a partial reply.
	if conv.MessageCount() != 2 {
		t.Fatalf("expected 2 messages, got %d", conv.MessageCount())
	}
	last := conv.LastMessage()
	if last.IsStreaming {
		t.Error("error message must be finalized")
	}
	if last.Content == "" {
		t.Error("expected non-empty error message")
	}
}

func TestMidStreamFailureKeepsPartial(t *testing.T) {
	_, ctrl, conv := newFixture(t, &scriptedAdapter{
		deltas: []string{"partial text"},
		err:    &provider.ProtocolError{Provider: "openai", Reason: "stream read failed"},
	})

	if err := ctrl.Submit(context.Background(), conv.ID, "hello"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got := ctrl.State(conv.ID); got != TurnFailed {
		t.Errorf("expected failed, got %s", got)
	}

	last := conv.LastMessage()
	if last.IsStreaming {
		t.Error("expected partial reply finalized")
	}
	if !strings.Contains(last.Content, "partial text") {
		t.Errorf("expected partial content kept, got %q", last.Content)
	}
	if !strings.Contains(last.Content, "interrupted") {
		t.Errorf("expected interruption note, got %q", last.Content)
	}
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancelMidStream(t *testing.T) {
	_, ctrl, conv := newFixture(t, &scriptedAdapter{
		deltas: []string{"one ", "two ", "three ", "four ", "five "},
		pause:  30 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() {
		done <- ctrl.Submit(context.Background(), conv.ID, "count slowly")
	}()

	// Wait for streaming to begin, then cancel.
	deadline := time.Now().Add(5 * time.Second)
	for ctrl.State(conv.ID) != TurnStreaming {
		if time.Now().After(deadline) {
			t.Fatal("turn never reached streaming state")
		}
		time.Sleep(5 * time.Millisecond)
	}
	ctrl.Cancel(conv.ID)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Submit returned error on cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Submit did not return after cancel")
	}

	if got := ctrl.State(conv.ID); got != TurnAborted {
		t.Errorf("expected aborted, got %s", got)
	}
	last := conv.LastMessage()
	if last.Role != chat.RoleAssistant {
		t.Fatalf("expected partial assistant message, got %s", last.Role)
	}
	if last.IsStreaming {
		t.Error("expected partial reply finalized on abort")
	}
	if last.Content == "" {
		t.Error("expected partial content kept on abort")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	_, ctrl, conv := newFixture(t, &scriptedAdapter{deltas: []string{"done"}})

	// No-op before any turn.
	ctrl.Cancel(conv.ID)
	if got := ctrl.State(conv.ID); got != TurnIdle {
		t.Errorf("expected idle, got %s", got)
	}

	if err := ctrl.Submit(context.Background(), conv.ID, "hello"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// No-op after settlement: state and transcript unchanged.
	before := conv.MessageCount()
	ctrl.Cancel(conv.ID)
	ctrl.Cancel(conv.ID)
	if got := ctrl.State(conv.ID); got != TurnCompleted {
		t.Errorf("expected completed, got %s", got)
	}
	if conv.MessageCount() != before {
		t.Error("cancel after settlement must not touch the transcript")
	}
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestSecondTurnRejectedWhileInFlight(t *testing.T) {
	_, ctrl, conv := newFixture(t, &scriptedAdapter{
		deltas: []string{"a", "b", "c", "d"},
		pause:  50 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() {
		done <- ctrl.Submit(context.Background(), conv.ID, "first")
	}()

	deadline := time.Now().Add(5 * time.Second)
	for ctrl.State(conv.ID) == TurnIdle {
		if time.Now().After(deadline) {
			t.Fatal("first turn never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := ctrl.Submit(context.Background(), conv.ID, "second"); !errors.Is(err, ErrTurnInFlight) {
		t.Errorf("expected ErrTurnInFlight, got %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
}

func TestConversationsStreamIndependently(t *testing.T) {
	_, ctrl, convA := newFixture(t, &scriptedAdapter{deltas: []string{"reply"}})
	store := ctrl.store
	convB := store.CreateConversation("openai", "gpt-4")

	if err := ctrl.Submit(context.Background(), convA.ID, "to A"); err != nil {
		t.Fatalf("Submit A failed: %v", err)
	}
	if err := ctrl.Submit(context.Background(), convB.ID, "to B"); err != nil {
		t.Fatalf("Submit B failed: %v", err)
	}

	if convA.MessageCount() != 2 || convB.MessageCount() != 2 {
		t.Errorf("expected both transcripts populated, got %d and %d",
			convA.MessageCount(), convB.MessageCount())
	}
	if convA.LastMessage().ConversationID != convA.ID {
		t.Error("message attributed to the wrong conversation")
	}
}

// =============================================================================
// STATE STRINGS
// =============================================================================

func TestTurnStateStrings(t *testing.T) {
	tests := []struct {
		state TurnState
		want  string
	}{
		{TurnIdle, "idle"},
		{TurnSending, "sending"},
		{TurnStreaming, "streaming"},
		{TurnCompleted, "completed"},
		{TurnAborted, "aborted"},
		{TurnFailed, "failed"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
		wantTerminal := tt.state == TurnCompleted || tt.state == TurnAborted || tt.state == TurnFailed
		if tt.state.Terminal() != wantTerminal {
			t.Errorf("%s: unexpected Terminal() = %t", tt.want, tt.state.Terminal())
		}
	}
}

