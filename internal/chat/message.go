// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/morganforge/chatrelay/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation. Content of an
// assistant message grows while its stream is in flight and is frozen by
// Finalize; every other message is immutable after creation except through
// the Store's explicit edit operation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`

	// Streaming state (not persisted). The builder avoids quadratic
	// allocations while deltas arrive.
	IsStreaming   bool            `json:"-"`
	streamContent strings.Builder `json:"-"`
}

// NewMessage creates a message with a generated ID.
func NewMessage(conversationID string, role Role, content string) *Message {
	return &Message{
		ID:             newMessageID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      time.Now(),
	}
}

// NewStreamingMessage creates an assistant message that will accumulate
// deltas. The first delta is written immediately so an empty assistant
// message never exists.
func NewStreamingMessage(conversationID, firstDelta string) *Message {
	m := &Message{
		ID:             newMessageID(),
		ConversationID: conversationID,
		Role:           RoleAssistant,
		Timestamp:      time.Now(),
		IsStreaming:    true,
	}
	m.streamContent.WriteString(firstDelta)
	return m
}

// AppendDelta appends a streamed text fragment. No-op once finalized.
func (m *Message) AppendDelta(delta string) {
	if m.IsStreaming {
		m.streamContent.WriteString(delta)
	}
}

// Finalize freezes the streamed content. Safe to call more than once.
func (m *Message) Finalize() {
	if !m.IsStreaming {
		return
	}
	m.Content = m.streamContent.String()
	m.streamContent.Reset()
	m.IsStreaming = false
}

// DisplayContent returns the content to display (streaming or final).
func (m *Message) DisplayContent() string {
	if m.IsStreaming {
		return m.streamContent.String()
	}
	return m.Content
}

// Preview returns a truncated single-line preview of the message content.
func (m *Message) Preview(maxRunes int) string {
	return util.TruncateRunes(util.CollapseSpace(m.DisplayContent()), maxRunes)
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && m.streamContent.Len() == 0
}

// newMessageID creates a unique message ID.
func newMessageID() string {
	return "msg_" + uuid.NewString()
}
