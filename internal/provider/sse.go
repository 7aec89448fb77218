package provider

import (
	"bufio"
	"bytes"
	"io"
)

// sseReader parses Server-Sent Events from a provider response body.
// Both Anthropic and OpenAI stream completions as SSE frames.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(r)}
}

// readEvent returns the next event's type and joined data lines.
// Returns io.EOF when the stream ends; any buffered data is flushed first.
func (s *sseReader) readEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

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
			dataLines = append(dataLines, bytes.TrimSpace(line[len("data:"):]))
		}
		// id:, retry:, and comment lines are ignored.
	}
}
