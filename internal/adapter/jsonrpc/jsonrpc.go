// Package jsonrpc implements the LSP base protocol framing: JSON-RPC 2.0
// bodies preceded by a Content-Length header, as spoken over the stdio of a
// language server process.
package jsonrpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Version is the JSON-RPC protocol version sent in every message.
const Version = "2.0"

// Standard JSON-RPC and LSP error codes.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInternalError    = -32603
	CodeRequestCancelled = -32800
	CodeRequestFailed    = -32803
)

// ErrMissingLength signals a header block without a usable Content-Length.
// The reader stays usable; callers discard the message and continue.
var ErrMissingLength = errors.New("missing Content-Length header")

// ErrInvalidBody signals a well-framed body that is not valid JSON. The full
// body was consumed, so the framing stream stays aligned; callers discard
// the message and continue.
var ErrInvalidBody = errors.New("invalid message body")

// Message is a JSON-RPC 2.0 envelope: request, notification, or response.
// The ID is kept raw because clients are free to use numbers or strings and
// the multiplexer must restore whatever shape the client sent.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool { return len(m.ID) > 0 && m.Method != "" }

// IsNotification reports whether the message is a fire-and-forget call.
func (m *Message) IsNotification() bool { return len(m.ID) == 0 && m.Method != "" }

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool { return len(m.ID) > 0 && m.Method == "" }

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ErrorResponse builds a response carrying an error for the given request id.
func ErrorResponse(id json.RawMessage, code int, message string) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// Conn wraps an io.ReadWriteCloser (typically the stdin/stdout pair of a
// language server process) with Content-Length framing. Reads must come from
// a single goroutine; writes are serialized internally.
type Conn struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	mu     sync.Mutex // protects writes
}

// NewConn creates a framed connection over the given stream.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc:    rwc,
		reader: bufio.NewReaderSize(rwc, 64*1024),
	}
}

// WriteRaw frames and writes an already-serialized JSON body.
func (c *Conn) WriteRaw(body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	if _, err := io.WriteString(c.rwc, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := c.rwc.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// WriteMessage serializes and writes a message.
func (c *Conn) WriteMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.WriteRaw(data)
}

// ReadRaw reads one framed JSON body. Blocks until a complete header+body
// pair is available; a body split across underlying reads is reassembled.
// Returns ErrMissingLength (wrapped) on a malformed header block — the
// connection remains usable afterwards.
func (c *Conn) ReadRaw() ([]byte, error) {
	contentLength := -1
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // End of headers
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "content-length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("parse Content-Length %q: %w", value, ErrMissingLength)
			}
			contentLength = n
		}
		// Ignore other headers (e.g. Content-Type).
	}

	if contentLength < 0 {
		return nil, ErrMissingLength
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, fmt.Errorf("read body (%d bytes): %w", contentLength, err)
	}
	return body, nil
}

// ReadMessage reads and parses one message. A body that is not valid JSON
// yields an ErrInvalidBody-wrapped error, but the framing stream stays
// aligned, so the caller can skip the message and keep reading.
func (c *Conn) ReadMessage() (*Message, error) {
	body, err := c.ReadRaw()
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return &msg, nil
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rwc.Close()
}
