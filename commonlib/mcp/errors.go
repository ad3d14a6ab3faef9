package mcp

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced to control-plane callers. Concrete failures wrap one
// of these so callers can classify them with errors.Is.
var (
	// ErrInvalidConfig is a missing or malformed field, rejected before any I/O.
	ErrInvalidConfig = errors.New("invalid server config")
	// ErrServerNotFound means no connection is registered under the name.
	ErrServerNotFound = errors.New("server not found")
	// ErrNotConnected means the connection exists but cannot serve calls.
	ErrNotConnected = errors.New("server not connected")
	// ErrHandshake covers spawn, reachability, open-wait and initialize failures.
	ErrHandshake = errors.New("handshake failed")
	// ErrTimeout means a request was not answered within its window.
	ErrTimeout = errors.New("request timed out")
	// ErrTransportClosed means the process exited or the stream closed.
	ErrTransportClosed = errors.New("transport closed")
	// ErrServerNotRunning means the backend refused the connection.
	ErrServerNotRunning = errors.New("server not running")
	// ErrServerNotAccessible means the backend could not be reached.
	ErrServerNotAccessible = errors.New("server not accessible")
	// ErrBackendStatus means the backend answered with a non-2xx HTTP status.
	ErrBackendStatus = errors.New("backend returned an error status")
	// ErrBufferOverflow means a backend wrote an unterminated line past the cap.
	ErrBufferOverflow = errors.New("line buffer overflow")
)

// ErrConnectionClosed rejects requests still pending at disconnect.
var ErrConnectionClosed = fmt.Errorf("connection closed: %w", ErrTransportClosed)

// IsProtocolError reports whether err carries a JSON-RPC error object from
// the backend.
func IsProtocolError(err error) bool {
	var rpcErr *JSONRPCError
	return errors.As(err, &rpcErr)
}
