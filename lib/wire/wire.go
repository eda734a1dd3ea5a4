// Copyright 2026 The apiproxyd Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Version is the JSON-RPC protocol version spoken on the plugin wire.
const Version = "2.0"

// CodePlugin is the reserved error code for all plugin-side failures.
// The daemon's host loop only distinguishes success from failure, so
// every failure kind (parse, version, unknown method, bad params,
// lifecycle, handler) carries this one code for wire compatibility.
// The failure kind travels in the message text instead.
const CodePlugin = -32000

// Sentinel decode failures. Decode wraps these so callers can
// enumerate failure paths with errors.Is rather than matching text.
var (
	// ErrParse indicates the line is not a syntactically valid message.
	ErrParse = errors.New("parse error")

	// ErrVersion indicates the jsonrpc field is present but not "2.0".
	ErrVersion = errors.New("unsupported JSON-RPC version")
)

// NullID is the id used in replies to calls whose id could not be
// recovered from the input line.
var NullID = json.RawMessage("null")

// Request is a JSON-RPC 2.0 call from the host. Params are kept as
// raw JSON so the dispatcher can validate arity before decoding each
// positional value against the method's schema. Notifications are
// distinguished by having no ID field (IsNotification returns true).
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage   `json:"id,omitempty"`
}

// IsNotification returns true if this request has no ID, indicating
// it is a JSON-RPC 2.0 notification that expects no reply.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is a JSON-RPC 2.0 reply. Exactly one of Result or Error is
// set. Result uses omitempty so it is absent in error replies. The ID
// is echoed byte-for-byte from the paired request.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Decode parses one line as a call. A line that is not valid JSON
// fails with an [ErrParse]-wrapped error. A line whose jsonrpc field
// is present but not "2.0" fails with an [ErrVersion]-wrapped error;
// an absent jsonrpc field is accepted for compatibility with minimal
// hosts that omit it.
func Decode(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if req.JSONRPC != "" && req.JSONRPC != Version {
		return nil, fmt.Errorf("%w: %q", ErrVersion, req.JSONRPC)
	}
	return &req, nil
}

// ExtractID recovers the call id from a line independently of full
// decode success, so that even a malformed line can still produce an
// error reply carrying the original id. Returns [NullID] when the id
// is unrecoverable (line is not a JSON object, or has no id field).
func ExtractID(line []byte) json.RawMessage {
	var partial struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &partial); err != nil || len(partial.ID) == 0 {
		return NullID
	}
	return partial.ID
}

// Writer encodes replies one per line, flushing after every message.
// The host's call cycle is lock-step — it blocks on the reply before
// issuing the next call — so a buffered, unflushed reply would stall
// the host indefinitely.
type Writer struct {
	buffered *bufio.Writer
	encoder  *json.Encoder
}

// NewWriter creates a Writer on output. Output is typically the
// plugin's stdout pipe; tests pass an in-memory buffer.
func NewWriter(output io.Writer) *Writer {
	buffered := bufio.NewWriter(output)
	return &Writer{
		buffered: buffered,
		encoder:  json.NewEncoder(buffered),
	}
}

// WriteResult sends a success reply.
func (w *Writer) WriteResult(id json.RawMessage, result any) error {
	return w.write(Response{
		JSONRPC: Version,
		Result:  result,
		ID:      id,
	})
}

// WriteError sends a failure reply. An empty id is normalized to null
// so the reply is always a valid JSON-RPC response.
func (w *Writer) WriteError(id json.RawMessage, code int, message string) error {
	if len(id) == 0 {
		id = NullID
	}
	return w.write(Response{
		JSONRPC: Version,
		Error:   &RPCError{Code: code, Message: message},
		ID:      id,
	})
}

func (w *Writer) write(resp Response) error {
	// json.Encoder terminates each message with a newline, giving the
	// one-message-per-line framing.
	if err := w.encoder.Encode(resp); err != nil {
		return fmt.Errorf("encoding reply: %w", err)
	}
	if err := w.buffered.Flush(); err != nil {
		return fmt.Errorf("flushing reply: %w", err)
	}
	return nil
}

// EqualID reports whether two ids are the same wire value, ignoring
// insignificant surrounding whitespace.
func EqualID(a, b json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
}
