// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestMessageStreamingLifecycle(t *testing.T) {
	msg := NewStreamingMessage("conv_1", "Hel")
	if !msg.IsStreaming {
		t.Fatal("expected new streaming message to be streaming")
	}
	if msg.Role != RoleAssistant {
		t.Errorf("expected assistant role, got %s", msg.Role)
	}
	if msg.DisplayContent() != "Hel" {
		t.Errorf("expected first delta applied, got %q", msg.DisplayContent())
	}

	msg.AppendDelta("lo, ")
	msg.AppendDelta("world")
	if msg.DisplayContent() != "Hello, world" {
		t.Errorf("expected concatenation in arrival order, got %q", msg.DisplayContent())
	}

	msg.Finalize()
	if msg.IsStreaming {
		t.Error("expected message to stop streaming after finalize")
	}
	if msg.Content != "Hello, world" {
		t.Errorf("expected frozen content, got %q", msg.Content)
	}

	// Deltas after finalize are ignored.
	msg.AppendDelta("extra")
	if msg.DisplayContent() != "Hello, world" {
		t.Errorf("expected content unchanged after finalize, got %q", msg.DisplayContent())
	}
}

func TestMessageFinalizeIdempotent(t *testing.T) {
	msg := NewStreamingMessage("conv_1", "partial")
	msg.Finalize()
	msg.Finalize()
	if msg.Content != "partial" {
		t.Errorf("expected content %q, got %q", "partial", msg.Content)
	}
}

func TestRoleValid(t *testing.T) {
	tests := []struct {
		role  Role
		valid bool
	}{
		{RoleUser, true},
		{RoleAssistant, true},
		{RoleSystem, true},
		{Role("moderator"), false},
		{Role(""), false},
	}

	for _, tt := range tests {
		if got := tt.role.Valid(); got != tt.valid {
			t.Errorf("Role(%q).Valid() = %t, want %t", tt.role, got, tt.valid)
		}
	}
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestTitleDerivedFromFirstUserMessage(t *testing.T) {
	store := NewStore()
	conv := store.CreateConversation("openai", "gpt-4")

	if conv.DisplayTitle() != "New Chat" {
		t.Errorf("expected default title, got %q", conv.DisplayTitle())
	}

	if _, err := store.AppendUserMessage(conv.ID, "How do goroutines work?"); err != nil {
		t.Fatalf("AppendUserMessage failed: %v", err)
	}
	if conv.Title != "How do goroutines work?" {
		t.Errorf("expected title from first message, got %q", conv.Title)
	}

	// A second user message never changes the title.
	if _, err := store.AppendUserMessage(conv.ID, "Another question entirely"); err != nil {
		t.Fatalf("AppendUserMessage failed: %v", err)
	}
	if conv.Title != "How do goroutines work?" {
		t.Errorf("expected title unchanged, got %q", conv.Title)
	}
}

func TestTitleTruncatedAtFiftyRunes(t *testing.T) {
	store := NewStore()
	conv := store.CreateConversation("openai", "gpt-4")

	long := strings.Repeat("a", 80)
	if _, err := store.AppendUserMessage(conv.ID, long); err != nil {
		t.Fatalf("AppendUserMessage failed: %v", err)
	}

	want := strings.Repeat("a", 50) + "..."
	if conv.Title != want {
		t.Errorf("expected %q, got %q", want, conv.Title)
	}
}

func TestTitleExactlyFiftyRunesNotMarked(t *testing.T) {
	store := NewStore()
	conv := store.CreateConversation("openai", "gpt-4")

	exact := strings.Repeat("b", 50)
	if _, err := store.AppendUserMessage(conv.ID, exact); err != nil {
		t.Fatalf("AppendUserMessage failed: %v", err)
	}
	if conv.Title != exact {
		t.Errorf("expected title without marker, got %q", conv.Title)
	}
}

func TestToChatMessagesExcludesStreaming(t *testing.T) {
	store := NewStore()
	conv := store.CreateConversation("anthropic", "claude-3-haiku-20240307")

	if _, err := store.AppendUserMessage(conv.ID, "hi"); err != nil {
		t.Fatalf("AppendUserMessage failed: %v", err)
	}
	if _, err := store.AppendAssistantDelta(conv.ID, "", "in flight"); err != nil {
		t.Fatalf("AppendAssistantDelta failed: %v", err)
	}

	wire := conv.ToChatMessages()
	if len(wire) != 1 {
		t.Fatalf("expected 1 wire message, got %d", len(wire))
	}
	if wire[0].Role != "user" || wire[0].Content != "hi" {
		t.Errorf("unexpected wire message: %+v", wire[0])
	}
}

// =============================================================================
// STORE TESTS
// =============================================================================

func TestLazyAssistantCreation(t *testing.T) {
	store := NewStore()
	conv := store.CreateConversation("openai", "gpt-4")

	// Empty delta with no message in flight must not create anything.
	if _, err := store.AppendAssistantDelta(conv.ID, "", ""); !errors.Is(err, ErrEmptyDelta) {
		t.Fatalf("expected ErrEmptyDelta, got %v", err)
	}
	if conv.MessageCount() != 0 {
		t.Fatalf("expected no messages, got %d", conv.MessageCount())
	}

	id, err := store.AppendAssistantDelta(conv.ID, "", "first")
	if err != nil {
		t.Fatalf("AppendAssistantDelta failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a message ID for the lazily created message")
	}
	if conv.MessageCount() != 1 {
		t.Fatalf("expected 1 message, got %d", conv.MessageCount())
	}

	id2, err := store.AppendAssistantDelta(conv.ID, id, " second")
	if err != nil {
		t.Fatalf("AppendAssistantDelta failed: %v", err)
	}
	if id2 != id {
		t.Errorf("expected same message ID, got %q and %q", id, id2)
	}

	if err := store.FinalizeAssistant(conv.ID, id); err != nil {
		t.Fatalf("FinalizeAssistant failed: %v", err)
	}
	msg := conv.MessageByID(id)
	if msg.Content != "first second" {
		t.Errorf("expected %q, got %q", "first second", msg.Content)
	}
}

func TestDeltaOrderPreserved(t *testing.T) {
	store := NewStore()
	conv := store.CreateConversation("openai", "gpt-4")

	deltas := []string{"The ", "quick ", "brown ", "fox"}
	messageID := ""
	for _, d := range deltas {
		id, err := store.AppendAssistantDelta(conv.ID, messageID, d)
		if err != nil {
			t.Fatalf("AppendAssistantDelta(%q) failed: %v", d, err)
		}
		messageID = id
	}
	if err := store.FinalizeAssistant(conv.ID, messageID); err != nil {
		t.Fatalf("FinalizeAssistant failed: %v", err)
	}

	if got := conv.MessageByID(messageID).Content; got != "The quick brown fox" {
		t.Errorf("expected concatenation in arrival order, got %q", got)
	}
}

func TestListOrdersPinnedFirst(t *testing.T) {
	store := NewStore()
	a := store.CreateConversation("openai", "gpt-4")
	b := store.CreateConversation("openai", "gpt-4")
	c := store.CreateConversation("openai", "gpt-4")

	if _, err := store.TogglePin(a.ID); err != nil {
		t.Fatalf("TogglePin failed: %v", err)
	}

	list := store.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 conversations, got %d", len(list))
	}
	if list[0].ID != a.ID {
		t.Errorf("expected pinned conversation first, got %s", list[0].ID)
	}
	// Unpinned keep newest-first order.
	if list[1].ID != c.ID || list[2].ID != b.ID {
		t.Errorf("unexpected unpinned order: %s, %s", list[1].ID, list[2].ID)
	}
}

func TestListFloatsRecentlyUpdated(t *testing.T) {
	store := NewStore()
	a := store.CreateConversation("openai", "gpt-4")
	b := store.CreateConversation("openai", "gpt-4")

	// b was created later; backdate both so the append to a must float a
	// above b on UpdatedAt alone.
	a.UpdatedAt = time.Now().Add(-2 * time.Hour)
	b.UpdatedAt = time.Now().Add(-1 * time.Hour)

	if _, err := store.AppendUserMessage(a.ID, "hello"); err != nil {
		t.Fatalf("AppendUserMessage failed: %v", err)
	}

	list := store.List()
	if list[0].ID != a.ID {
		t.Errorf("expected most recently updated conversation first, got %s", list[0].ID)
	}
	if list[1].ID != b.ID {
		t.Errorf("expected stale conversation second, got %s", list[1].ID)
	}
}

func TestDeleteConversation(t *testing.T) {
	store := NewStore()
	conv := store.CreateConversation("openai", "gpt-4")

	if err := store.DeleteConversation(conv.ID); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}
	if _, ok := store.Conversation(conv.ID); ok {
		t.Error("expected conversation to be gone")
	}
	if err := store.DeleteConversation(conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestEditMessageRejectsStreaming(t *testing.T) {
	store := NewStore()
	conv := store.CreateConversation("openai", "gpt-4")

	id, err := store.AppendAssistantDelta(conv.ID, "", "partial")
	if err != nil {
		t.Fatalf("AppendAssistantDelta failed: %v", err)
	}
	if err := store.EditMessage(id, "rewritten"); err == nil {
		t.Error("expected edit of streaming message to fail")
	}

	if err := store.FinalizeAssistant(conv.ID, id); err != nil {
		t.Fatalf("FinalizeAssistant failed: %v", err)
	}
	if err := store.EditMessage(id, "rewritten"); err != nil {
		t.Errorf("expected edit of finalized message to succeed, got %v", err)
	}
	if got := conv.MessageByID(id).Content; got != "rewritten" {
		t.Errorf("expected %q, got %q", "rewritten", got)
	}
}

func TestClearRemovesEverything(t *testing.T) {
	store := NewStore()
	store.CreateConversation("openai", "gpt-4")
	store.CreateConversation("groq", "llama3-70b-8192")

	store.Clear()
	if got := len(store.List()); got != 0 {
		t.Errorf("expected empty store, got %d conversations", got)
	}
}

func TestRenameConversation(t *testing.T) {
	store := NewStore()
	conv := store.CreateConversation("openai", "gpt-4")

	if err := store.RenameConversation(conv.ID, "Budget review"); err != nil {
		t.Fatalf("RenameConversation failed: %v", err)
	}
	if conv.Title != "Budget review" {
		t.Errorf("expected explicit title, got %q", conv.Title)
	}

	// Explicit titles survive later messages.
	if _, err := store.AppendUserMessage(conv.ID, "unrelated text"); err != nil {
		t.Fatalf("AppendUserMessage failed: %v", err)
	}
	if conv.Title != "Budget review" {
		t.Errorf("expected title unchanged, got %q", conv.Title)
	}
}
