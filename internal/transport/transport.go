// Copyright 2025 Joseph Cumines

// Package transport provides MCP message transport interfaces and implementations
// for JSON-RPC 2.0 communication over stdio, HTTP/SSE and WebSocket.
package transport

import "context"

// JSON-RPC 2.0 standard error codes.
// See: https://www.jsonrpc.org/specification#error_object
const (
	// ErrCodeParseError indicates invalid JSON was received by the server.
	ErrCodeParseError = -32700

	// ErrCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrCodeInvalidRequest = -32600

	// ErrCodeMethodNotFound indicates the method does not exist or is not available.
	ErrCodeMethodNotFound = -32601

	// ErrCodeInvalidParams indicates invalid method parameter(s).
	ErrCodeInvalidParams = -32602

	// ErrCodeInternalError indicates an internal JSON-RPC error.
	ErrCodeInternalError = -32603
)

// Handler processes one JSON-RPC message. A nil response means nothing is
// written back (notifications). The context ends when the caller goes away.
type Handler func(ctx context.Context, msg *Message) (*Message, error)

// Transport defines the interface for MCP message transport.
//
// Implementations must be safe for concurrent use from multiple goroutines.
//
// There are two main implementations:
//   - StdioTransport: line-delimited JSON over stdin/stdout (default)
//   - HTTPTransport: HTTP POST and WebSocket for requests, SSE for broadcasts
type Transport interface {
	// Serve delivers every incoming message to handler until ctx ends or the
	// transport is closed.
	Serve(ctx context.Context, handler Handler) error

	// WriteMessage writes a JSON-RPC 2.0 message to the transport.
	// For StdioTransport, writes to stdout.
	// For HTTPTransport, broadcasts to all connected SSE clients.
	// Returns an error if the transport is closed or the write fails.
	WriteMessage(msg *Message) error

	// Close closes the transport and releases any resources.
	// Close is idempotent and safe to call multiple times.
	Close() error

	// IsClosed returns whether the transport has been closed.
	IsClosed() bool
}

// errorResponse builds the internal error reply for a failed handler.
func errorResponse(msg *Message, err error) *Message {
	return &Message{
		JSONRPC: "2.0",
		ID:      msg.ID,
		Error: &ErrorObj{
			Code:    ErrCodeInternalError,
			Message: err.Error(),
		},
	}
}

var (
	_ Transport = (*StdioTransport)(nil)
	_ Transport = (*HTTPTransport)(nil)
)
