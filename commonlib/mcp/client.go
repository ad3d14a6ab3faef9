package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"chatee-mcp-bridge/commonlib/log"
)

// DefaultProtocolVersion is the MCP revision the bridge announces.
const DefaultProtocolVersion = "2024-11-05"

// =============================================================================
// MCP Client
// =============================================================================

// ClientOptions configures a protocol session.
type ClientOptions struct {
	Info            Implementation
	ProtocolVersion string
	Logger          log.Logger
}

// Client runs the MCP protocol over a Transport: the initialize handshake,
// tool discovery and tool invocation.
//
// Request ids count up from 1 per client. Backends written in JavaScript
// decode ids as float64, so ids must stay below 2^53 to be echoed intact.
type Client struct {
	transport Transport
	info      Implementation
	version   string
	logger    log.Logger
	lastID    atomic.Int64

	mu         sync.RWMutex
	tools      []Tool
	serverInfo *InitializeResult
}

// NewClient creates a client bound to transport.
func NewClient(transport Transport, opts ClientOptions) *Client {
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = DefaultProtocolVersion
	}
	if opts.Info.Name == "" {
		opts.Info = Implementation{Name: "mcp-bridge", Version: "1.0.0"}
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Client{
		transport: transport,
		info:      opts.Info,
		version:   opts.ProtocolVersion,
		logger:    opts.Logger,
	}
}

// Connect opens the transport and performs the handshake. Tools are only
// published once both initialize and tools/list succeeded; on any failure
// the transport is closed again.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	init, err := c.initialize(ctx)
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("%w: initialize: %w", ErrHandshake, err)
	}

	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		c.logger.Warn("Failed to send initialized notification", log.Err(err))
	}

	tools, err := c.fetchTools(ctx)
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("%w: tools/list: %w", ErrHandshake, err)
	}

	c.mu.Lock()
	c.serverInfo = init
	c.tools = tools
	c.mu.Unlock()

	c.logger.Info("MCP session established",
		log.String("server_name", init.ServerInfo.Name),
		log.String("server_version", init.ServerInfo.Version),
		log.String("protocol_version", init.ProtocolVersion),
		log.Int("tools", len(tools)),
	)
	return nil
}

func (c *Client) initialize(ctx context.Context) (*InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": c.version,
		"capabilities":    map[string]any{},
		"clientInfo":      c.info,
	}
	resp, err := c.transport.Send(ctx, NewRequest(c.nextID(), "initialize", params))
	if err != nil {
		return nil, err
	}

	var result InitializeResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to decode initialize result: %w", err)
		}
	}
	return &result, nil
}

func (c *Client) fetchTools(ctx context.Context) ([]Tool, error) {
	resp, err := c.transport.Send(ctx, NewRequest(c.nextID(), "tools/list", map[string]any{}))
	if err != nil {
		return nil, err
	}

	var result struct {
		Tools []Tool `json:"tools"`
	}
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to decode tools: %w", err)
		}
	}
	if result.Tools == nil {
		result.Tools = []Tool{}
	}
	return result.Tools, nil
}

func (c *Client) nextID() int64 {
	return c.lastID.Add(1)
}

// ListTools re-fetches the tool list from the backend and republishes it.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	tools, err := c.fetchTools(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return tools, nil
}

// CallTool invokes a tool and returns the raw result.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	resp, err := c.transport.Send(ctx, NewRequest(c.nextID(), "tools/call", params))
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Close closes the transport and clears the published tools.
func (c *Client) Close() error {
	c.mu.Lock()
	c.tools = nil
	c.mu.Unlock()
	return c.transport.Close()
}

// Tools returns a copy of the tools discovered during the handshake.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// ServerInfo returns the initialize result, or nil before the handshake.
func (c *Client) ServerInfo() *InitializeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// IsConnected reports whether the underlying transport is alive.
func (c *Client) IsConnected() bool {
	return c.transport.IsConnected()
}

// Transport returns the underlying transport.
func (c *Client) Transport() Transport {
	return c.transport
}
