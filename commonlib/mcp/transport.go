package mcp

import (
	"context"
	"fmt"
	"time"

	"chatee-mcp-bridge/commonlib/log"
)

// Transport moves JSON-RPC envelopes between the bridge and one backend.
//
// The concrete implementations (*StdioTransport, *HTTPTransport and
// *SSETransport) each own their connection state; callers never share it.
type Transport interface {
	// Connect establishes the channel. It returns once the backend is
	// reachable; no protocol message has been exchanged yet.
	Connect(ctx context.Context) error
	// Send issues a request and waits for its response. A response carrying
	// an error object is returned as a *JSONRPCError.
	Send(ctx context.Context, req *JSONRPCRequest) (*JSONRPCResponse, error)
	// Notify sends a message that expects no response.
	Notify(ctx context.Context, req *JSONRPCRequest) error
	// Close tears the channel down and rejects every pending request.
	Close() error
	// IsConnected reports whether the channel is still alive.
	IsConnected() bool
	// Done is closed when the channel fails or is closed.
	Done() <-chan struct{}
	// Kind returns the transport variant.
	Kind() TransportType
}

// TransportOptions carries the process-wide settings every transport reads.
type TransportOptions struct {
	Name   string
	Logger log.Logger

	// Stdio
	EnvAllowlist []string
	StartupDelay time.Duration
	StopTimeout  time.Duration
	MaxLineBytes int

	// HTTP
	ReachTimeout time.Duration

	// SSE
	OpenTimeout      time.Duration
	MaxEventBytes    int
	WaitForEndpoint  bool
	EndpointRewrites []EndpointRewrite

	RequestTimeout time.Duration
}

// NewTransport builds the transport variant named by cfg.Type. cfg must have
// been normalized.
func NewTransport(cfg ServerConfig, opts TransportOptions) (Transport, error) {
	switch cfg.Type {
	case TransportStdio:
		return NewStdioTransport(cfg, opts), nil
	case TransportHTTP:
		return NewHTTPTransport(cfg, opts), nil
	case TransportSSE:
		return NewSSETransport(cfg, opts), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport type %q", ErrInvalidConfig, cfg.Type)
	}
}

func transportLogger(opts TransportOptions, kind TransportType) log.Logger {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return logger.With(log.String("server", opts.Name), log.String("transport", string(kind)))
}

// closeOnce closes ch unless it is already closed. Callers hold the lock that
// guards ch.
func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
