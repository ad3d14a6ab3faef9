package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// =============================================================================
// Line Framing
// =============================================================================

// DefaultMaxLineBytes caps the unterminated tail a LineFramer will hold.
const DefaultMaxLineBytes = 4 * 1024 * 1024

// LineFramer splits a byte stream delivered in arbitrary chunks into
// newline-delimited frames. The trailing segment after the last newline is
// held until a later chunk completes it.
//
// A LineFramer is not safe for concurrent use; each process transport owns one
// and feeds it from a single reader goroutine.
type LineFramer struct {
	buf []byte
	max int
}

// NewLineFramer creates a framer whose pending tail may not exceed maxBytes.
func NewLineFramer(maxBytes int) *LineFramer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLineBytes
	}
	return &LineFramer{max: maxBytes}
}

// Push appends chunk and returns the lines it completes, in arrival order.
// Blank lines are dropped and a trailing '\r' is stripped. When the
// unterminated tail grows past the cap the tail is discarded and
// ErrBufferOverflow is returned together with any lines completed first.
func (f *LineFramer) Push(chunk []byte) ([][]byte, error) {
	f.buf = append(f.buf, chunk...)

	var lines [][]byte
	start := 0
	for {
		i := bytes.IndexByte(f.buf[start:], '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(f.buf[start:start+i], []byte{'\r'})
		start += i + 1
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		// Copy out: buf is compacted and reused below.
		lines = append(lines, append([]byte(nil), line...))
	}

	rest := len(f.buf) - start
	copy(f.buf, f.buf[start:])
	f.buf = f.buf[:rest]

	if len(f.buf) > f.max {
		size := len(f.buf)
		f.buf = nil
		return lines, fmt.Errorf("%w: %d bytes without a newline (limit %d)", ErrBufferOverflow, size, f.max)
	}
	return lines, nil
}

// Pending returns the number of buffered bytes awaiting a newline.
func (f *LineFramer) Pending() int {
	return len(f.buf)
}

// EncodeFrame marshals v as a single newline-terminated line.
func EncodeFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(data, '\n'), nil
}

// ParseMessage decodes one frame. It reports false for anything that is not a
// JSON object carrying an id or a method; such lines are backend log output,
// not protocol errors.
func ParseMessage(line []byte) (*JSONRPCMessage, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, false
	}
	var msg JSONRPCMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, false
	}
	if !msg.HasID() && msg.Method == "" {
		return nil, false
	}
	return &msg, true
}
