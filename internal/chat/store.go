// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"errors"
	"sort"
	"sync"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrConversationNotFound is returned for operations naming an unknown
	// conversation.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrMessageNotFound is returned for operations naming an unknown message.
	ErrMessageNotFound = errors.New("message not found")

	// ErrEmptyDelta is returned when an assistant delta carries no text and
	// no assistant message exists yet; an empty assistant message is never
	// created.
	ErrEmptyDelta = errors.New("empty delta for new assistant message")
)

// =============================================================================
// STORE
// =============================================================================

// Store owns the conversation list. Every transcript mutation goes through
// it, applied synchronously in call order; nothing else holds a mutable
// reference to a Conversation's message slice.
type Store struct {
	mu            sync.Mutex
	conversations []*Conversation
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{conversations: make([]*Conversation, 0)}
}

// =============================================================================
// CONVERSATION OPERATIONS
// =============================================================================

// CreateConversation creates an empty conversation bound to a provider and
// model and makes it the most recent one.
func (s *Store) CreateConversation(providerID, modelID string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := NewConversation(providerID, modelID)
	// Newest first, matching the sidebar ordering.
	s.conversations = append([]*Conversation{conv}, s.conversations...)
	return conv
}

// AddConversation inserts an existing conversation. Used when loading
// persisted conversations; List ordering follows UpdatedAt, not insertion
// order.
func (s *Store) AddConversation(conv *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = append(s.conversations, conv)
}

// Conversation returns a conversation by ID.
func (s *Store) Conversation(id string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(id)
}

// List returns the conversations, pinned first, each group most recently
// updated first.
func (s *Store) List() []*Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Conversation, len(s.conversations))
	copy(out, s.conversations)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// DeleteConversation removes a conversation and all its messages.
func (s *Store) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.conversations {
		if c.ID == id {
			s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
			return nil
		}
	}
	return ErrConversationNotFound
}

// RenameConversation sets an explicit title.
func (s *Store) RenameConversation(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.find(id)
	if !ok {
		return ErrConversationNotFound
	}
	conv.Title = title
	conv.touch()
	return nil
}

// TogglePin flips the pinned flag and returns the new value.
func (s *Store) TogglePin(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.find(id)
	if !ok {
		return false, ErrConversationNotFound
	}
	conv.Pinned = !conv.Pinned
	conv.touch()
	return conv.Pinned, nil
}

// SetBinding changes the provider and model used for subsequent turns.
func (s *Store) SetBinding(conversationID, providerID, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.find(conversationID)
	if !ok {
		return ErrConversationNotFound
	}
	conv.Provider = providerID
	conv.Model = modelID
	conv.touch()
	return nil
}

// Clear removes every conversation.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make([]*Conversation, 0)
}

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// AppendUserMessage appends a user message and returns it. The first user
// message appended to an empty conversation derives the title.
func (s *Store) AppendUserMessage(conversationID, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.find(conversationID)
	if !ok {
		return nil, ErrConversationNotFound
	}
	msg := NewMessage(conversationID, RoleUser, content)
	conv.append(msg)
	return msg, nil
}

// AppendAssistantDelta folds a streamed text fragment into the in-flight
// assistant message. When messageID is empty the assistant message is created
// lazily from the first fragment, and its ID is returned for subsequent
// calls. Fragments are applied strictly in call order.
func (s *Store) AppendAssistantDelta(conversationID, messageID, delta string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.find(conversationID)
	if !ok {
		return "", ErrConversationNotFound
	}

	if messageID == "" {
		if delta == "" {
			return "", ErrEmptyDelta
		}
		msg := NewStreamingMessage(conversationID, delta)
		conv.append(msg)
		return msg.ID, nil
	}

	msg := conv.MessageByID(messageID)
	if msg == nil {
		return "", ErrMessageNotFound
	}
	msg.AppendDelta(delta)
	conv.touch()
	return msg.ID, nil
}

// FinalizeAssistant freezes the in-flight assistant message, keeping whatever
// content has arrived. Used both for normal completion and for aborts; in
// either case the partial content is the final message state.
func (s *Store) FinalizeAssistant(conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.find(conversationID)
	if !ok {
		return ErrConversationNotFound
	}
	msg := conv.MessageByID(messageID)
	if msg == nil {
		return ErrMessageNotFound
	}
	msg.Finalize()
	conv.touch()
	return nil
}

// AppendErrorMessage appends a finalized assistant-role message carrying a
// human-readable error summary, so the failure is visible in the transcript.
func (s *Store) AppendErrorMessage(conversationID, text string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.find(conversationID)
	if !ok {
		return nil, ErrConversationNotFound
	}
	msg := NewMessage(conversationID, RoleAssistant, text)
	conv.append(msg)
	return msg, nil
}

// EditMessage replaces the content of a finalized message.
func (s *Store) EditMessage(messageID, newContent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conv := range s.conversations {
		if msg := conv.MessageByID(messageID); msg != nil {
			if msg.IsStreaming {
				return ErrMessageNotFound
			}
			msg.Content = newContent
			conv.touch()
			return nil
		}
	}
	return ErrMessageNotFound
}

// DeleteMessage removes a message. Remaining messages keep their order.
func (s *Store) DeleteMessage(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conv := range s.conversations {
		for i, msg := range conv.Messages {
			if msg.ID == messageID {
				conv.Messages = append(conv.Messages[:i], conv.Messages[i+1:]...)
				conv.touch()
				return nil
			}
		}
	}
	return ErrMessageNotFound
}

// find locates a conversation by ID. Callers hold the lock.
func (s *Store) find(id string) (*Conversation, bool) {
	for _, c := range s.conversations {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}
