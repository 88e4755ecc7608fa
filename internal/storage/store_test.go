// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"errors"
	"testing"

	"github.com/morganforge/chatrelay/internal/chat"
)

// newTestStore opens a store in a temp directory.
func newTestStore(t *testing.T) *ConversationStore {
	t.Helper()
	s, err := NewConversationStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewConversationStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// buildConversation assembles a finalized two-message conversation.
func buildConversation(t *testing.T) *chat.Conversation {
	t.Helper()
	mem := chat.NewStore()
	conv := mem.CreateConversation("openai", "gpt-4")
	if _, err := mem.AppendUserMessage(conv.ID, "What is a goroutine?"); err != nil {
		t.Fatalf("AppendUserMessage failed: %v", err)
	}
	id, err := mem.AppendAssistantDelta(conv.ID, "", "A lightweight thread.")
	if err != nil {
		t.Fatalf("AppendAssistantDelta failed: %v", err)
	}
	if err := mem.FinalizeAssistant(conv.ID, id); err != nil {
		t.Fatalf("FinalizeAssistant failed: %v", err)
	}
	return conv
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	conv := buildConversation(t)

	if err := s.Save(conv); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := s.Load(conv.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Title != conv.Title {
		t.Errorf("title: expected %q, got %q", conv.Title, loaded.Title)
	}
	if loaded.Provider != "openai" || loaded.Model != "gpt-4" {
		t.Errorf("binding lost: %s/%s", loaded.Provider, loaded.Model)
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(loaded.Messages))
	}
	if loaded.Messages[0].Role != chat.RoleUser || loaded.Messages[1].Role != chat.RoleAssistant {
		t.Error("message order lost in round trip")
	}
	if loaded.Messages[1].Content != "A lightweight thread." {
		t.Errorf("content lost: %q", loaded.Messages[1].Content)
	}
}

func TestSaveSkipsStreamingMessages(t *testing.T) {
	s := newTestStore(t)

	mem := chat.NewStore()
	conv := mem.CreateConversation("openai", "gpt-4")
	if _, err := mem.AppendUserMessage(conv.ID, "hi"); err != nil {
		t.Fatalf("AppendUserMessage failed: %v", err)
	}
	if _, err := mem.AppendAssistantDelta(conv.ID, "", "in flight"); err != nil {
		t.Fatalf("AppendAssistantDelta failed: %v", err)
	}

	if err := s.Save(conv); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := s.Load(conv.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Messages) != 1 {
		t.Errorf("expected streaming message skipped, got %d messages", len(loaded.Messages))
	}
}

func TestSaveIsUpsert(t *testing.T) {
	s := newTestStore(t)
	conv := buildConversation(t)

	if err := s.Save(conv); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}
	conv.Title = "Renamed"
	conv.Pinned = true
	if err := s.Save(conv); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	loaded, err := s.Load(conv.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Title != "Renamed" || !loaded.Pinned {
		t.Errorf("upsert lost changes: title=%q pinned=%t", loaded.Title, loaded.Pinned)
	}
	if len(loaded.Messages) != 2 {
		t.Errorf("expected messages rewritten once, got %d", len(loaded.Messages))
	}
}

func TestLoadMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load("conv_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListOrdering(t *testing.T) {
	s := newTestStore(t)

	a := buildConversation(t)
	b := buildConversation(t)
	b.Pinned = true
	for _, conv := range []*chat.Conversation{a, b} {
		if err := s.Save(conv); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(list))
	}
	if list[0].ID != b.ID {
		t.Errorf("expected pinned conversation first, got %s", list[0].ID)
	}
	if list[0].MessageCount != 2 {
		t.Errorf("expected message count 2, got %d", list[0].MessageCount)
	}
}

func TestSearch(t *testing.T) {
	s := newTestStore(t)
	conv := buildConversation(t)
	if err := s.Save(conv); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	hits, err := s.Search("goroutine")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != conv.ID {
		t.Errorf("expected one content hit, got %v", hits)
	}

	hits, err = s.Search("quantum chromodynamics")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no hits, got %d", len(hits))
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	conv := buildConversation(t)
	if err := s.Save(conv); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := s.Delete(conv.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Load(conv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(conv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for double delete, got %v", err)
	}
}

func TestClear(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		if err := s.Save(buildConversation(t)); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	list, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected empty store, got %d rows", len(list))
	}
}
