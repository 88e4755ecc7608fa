// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bufio"
	"bytes"
	"io"
)

// maxEventSize is the maximum allowed size for a single SSE event (64KB).
const maxEventSize = 64 * 1024

// sseReader parses Server-Sent Events from a provider response body. All
// vendors here use the line-oriented `data: <payload>` framing; the envelope
// inside the payload differs per vendor.
type sseReader struct {
	reader *bufio.Reader
}

// newSSEReader creates an SSE reader over a response body.
func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(r)}
}

// ReadEvent reads the next SSE event and returns its event type (often empty)
// and joined data payload. Returns io.EOF when the stream ends. A trailing
// event without a terminating blank line is still returned before EOF.
func (s *sseReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte
	size := 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Blank line terminates the event.
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data := bytes.TrimSpace(line[len("data:"):])
			size += len(data)
			if size > maxEventSize {
				return "", nil, &ProtocolError{Reason: "event exceeds size limit"}
			}
			dataLines = append(dataLines, data)
		default:
			// id:, retry:, and comment lines are ignored.
		}
	}
}
