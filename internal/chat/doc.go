// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat contains the conversation transcript: messages, conversations,
// and the Store that owns every mutation applied to them.
//
// # Key Types
//
//   - Store: owns the conversation list; all transcript mutations go
//     through it and are applied synchronously in call order
//   - Conversation: ordered messages bound to one provider and model
//   - Message: one transcript entry; assistant messages accumulate
//     streamed deltas until finalized
//
// # Streaming Semantics
//
// An assistant reply is created lazily from the first streamed fragment via
// Store.AppendAssistantDelta with an empty message ID; an empty assistant
// message never exists. FinalizeAssistant freezes whatever content has
// arrived and is used for both normal completion and cancellation.
package chat
