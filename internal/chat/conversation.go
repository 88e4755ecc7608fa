// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/morganforge/chatrelay/internal/provider"
	"github.com/morganforge/chatrelay/internal/util"
)

// TitleMaxRunes bounds the auto-derived conversation title. Longer first
// messages are cut at this many characters and marked with TitleMarker.
const TitleMaxRunes = 50

// TitleMarker is appended to an auto-derived title that was cut.
const TitleMarker = "..."

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds a chat conversation: ordered messages plus the provider
// and model the conversation is bound to.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Pinned    bool      `json:"pinned"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Messages []*Message `json:"messages"`
}

// NewConversation creates an empty conversation bound to a provider and model.
func NewConversation(providerID, modelID string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        newConversationID(),
		Provider:  providerID,
		Model:     modelID,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]*Message, 0),
	}
}

// append adds a message, derives the title from the first user message, and
// refreshes UpdatedAt. Callers hold the Store lock.
func (c *Conversation) append(msg *Message) {
	if len(c.Messages) == 0 && msg.Role == RoleUser && c.Title == "" {
		c.Title = util.TruncateRunesMarker(util.CollapseSpace(msg.DisplayContent()), TitleMaxRunes, TitleMarker)
	}
	c.Messages = append(c.Messages, msg)
	c.touch()
}

// touch refreshes the modification timestamp.
func (c *Conversation) touch() {
	c.UpdatedAt = time.Now()
}

// MessageByID returns a message by its ID, or nil.
func (c *Conversation) MessageByID(id string) *Message {
	for _, msg := range c.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// LastMessage returns the most recent message, or nil if empty.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// MessageCount returns the number of messages.
func (c *Conversation) MessageCount() int {
	return len(c.Messages)
}

// IsEmpty returns true if there are no messages.
func (c *Conversation) IsEmpty() bool {
	return len(c.Messages) == 0
}

// DisplayTitle returns the title or a default for untitled conversations.
func (c *Conversation) DisplayTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return "New Chat"
}

// =============================================================================
// WIRE CONVERSION
// =============================================================================

// ToChatMessages converts the transcript to the normalized wire form sent to
// the relay. Streaming (unfinalized) messages are excluded; a turn's outbound
// context never contains its own in-flight reply.
func (c *Conversation) ToChatMessages() []provider.ChatMessage {
	messages := make([]provider.ChatMessage, 0, len(c.Messages))
	for _, msg := range c.Messages {
		if msg.IsStreaming || msg.Content == "" {
			continue
		}
		messages = append(messages, provider.ChatMessage{
			Role:    msg.Role.String(),
			Content: msg.Content,
		})
	}
	return messages
}

// newConversationID creates a unique conversation ID.
func newConversationID() string {
	return "conv_" + uuid.NewString()
}
