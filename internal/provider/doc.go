// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider implements the per-vendor translation layer between a
// normalized chat request and each AI vendor's wire protocol.
//
// One adapter per vendor builds the outbound streaming HTTP request and
// decodes that vendor's event framing into plain text deltas:
//
//   - OpenAI, DeepSeek, Groq: `data: <json>` chunks with
//     choices[0].delta.content, terminated by a `data: [DONE]` sentinel
//   - Anthropic: typed events; text arrives in content_block_delta and the
//     stream ends at message_stop
//   - Google Gemini: streamGenerateContent with alt=sse; events carry the
//     accumulated text, so the adapter emits length diffs
//
// All adapters share one streaming HTTP client with no client timeout;
// request lifetime is bounded by the caller's context. Malformed individual
// event payloads are skipped, never fatal.
package provider
