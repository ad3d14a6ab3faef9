package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// JSON-RPC 2.0 Types
// =============================================================================

// JSONRPCVersion is the protocol version carried by every envelope.
const JSONRPCVersion = "2.0"

// JSONRPCRequest represents a JSON-RPC 2.0 request. A request without an ID
// is a notification.
type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// JSONRPCMessage is any inbound message: a response, a notification or a
// request issued by the backend.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// HasID reports whether the message carries a non-null id.
func (m *JSONRPCMessage) HasID() bool {
	id := bytes.TrimSpace(m.ID)
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// IsResponse reports whether the message answers a request.
func (m *JSONRPCMessage) IsResponse() bool {
	return m.HasID() && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// Response converts the message into a response envelope.
func (m *JSONRPCMessage) Response() *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: m.JSONRPC,
		ID:      m.ID,
		Result:  m.Result,
		Error:   m.Error,
	}
}

// NewRequest builds a request envelope.
func NewRequest(id int64, method string, params any) *JSONRPCRequest {
	return &JSONRPCRequest{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// NewNotification builds a notification envelope.
func NewNotification(method string, params any) *JSONRPCRequest {
	return &JSONRPCRequest{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
	}
}

// requestKey normalizes a request id so that 42, "42" and the raw JSON forms
// of both correlate to the same pending entry.
func requestKey(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case json.RawMessage:
		raw := bytes.TrimSpace(v)
		if len(raw) > 0 && raw[0] == '"' {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				return s
			}
		}
		return string(raw)
	default:
		return fmt.Sprint(v)
	}
}

// =============================================================================
// MCP Protocol Types
// =============================================================================

// Implementation identifies a client or server.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities defines what the server supports.
type ServerCapabilities struct {
	Tools     *ToolsCapability `json:"tools,omitempty"`
	Resources json.RawMessage  `json:"resources,omitempty"`
	Prompts   json.RawMessage  `json:"prompts,omitempty"`
	Logging   json.RawMessage  `json:"logging,omitempty"`
}

// ToolsCapability defines tools support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeResult is the server's answer to initialize.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Tool represents an MCP tool. InputSchema is forwarded untouched.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// =============================================================================
// Connection Types
// =============================================================================

// TransportType defines the transport type.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
	TransportSSE   TransportType = "sse"
)

// ParseTransportType accepts the canonical names and their long aliases.
func ParseTransportType(s string) (TransportType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stdio", "process":
		return TransportStdio, nil
	case "http", "streamable-http":
		return TransportHTTP, nil
	case "sse", "event-stream", "eventstream":
		return TransportSSE, nil
	default:
		return "", fmt.Errorf("%w: unknown transport type %q", ErrInvalidConfig, s)
	}
}

// ConnectionStatus represents the connection status.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// ServerConfig configures an MCP server connection.
type ServerConfig struct {
	Type              TransportType     `json:"type,omitempty"`
	Description       string            `json:"description,omitempty"`
	Command           string            `json:"command,omitempty"`
	Args              []string          `json:"args,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	URL               string            `json:"url,omitempty"`
	RequestURL        string            `json:"request_url,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	ReconnectInterval time.Duration     `json:"reconnect_interval,omitempty"`
}

// Normalize infers the transport type when it is missing and validates the
// fields each transport requires. It performs no I/O.
func (c ServerConfig) Normalize() (ServerConfig, error) {
	if c.Type == "" {
		switch {
		case c.Command != "":
			c.Type = TransportStdio
		case c.URL != "":
			c.Type = TransportHTTP
		default:
			return c, fmt.Errorf("%w: command or url is required", ErrInvalidConfig)
		}
	}

	t, err := ParseTransportType(string(c.Type))
	if err != nil {
		return c, err
	}
	c.Type = t

	switch c.Type {
	case TransportStdio:
		if strings.TrimSpace(c.Command) == "" {
			return c, fmt.Errorf("%w: command is required for stdio servers", ErrInvalidConfig)
		}
	case TransportHTTP, TransportSSE:
		if strings.TrimSpace(c.URL) == "" {
			return c, fmt.Errorf("%w: url is required for %s servers", ErrInvalidConfig, c.Type)
		}
	}
	if c.ReconnectInterval < 0 {
		return c, fmt.Errorf("%w: reconnect interval must not be negative", ErrInvalidConfig)
	}
	return c, nil
}
