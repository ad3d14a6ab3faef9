package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatee-mcp-bridge/commonlib/log"
	"chatee-mcp-bridge/commonlib/snowflake"
)

// =============================================================================
// MCP Server Manager
// =============================================================================

// ManagerConfig holds the settings shared by every connection.
type ManagerConfig struct {
	ClientInfo      Implementation
	ProtocolVersion string
	EventIDs        *snowflake.Snowflake // numbers published status events

	// Per-transport defaults; Name and Logger are filled per connection.
	Stdio TransportOptions
	HTTP  TransportOptions
	SSE   TransportOptions
}

// ConnectionInfo is a snapshot of one registered connection.
type ConnectionInfo struct {
	Name        string           `json:"name"`
	Status      ConnectionStatus `json:"status"`
	Description string           `json:"description"`
	Type        TransportType    `json:"type"`
	Tools       []Tool           `json:"tools"`
	Error       string           `json:"error,omitempty"`
}

// connection is a registry entry. All mutable fields are guarded by
// Manager.mu.
type connection struct {
	name    string
	config  ServerConfig
	status  ConnectionStatus
	lastErr string
	client  *Client
	closing bool

	reconnectTimer *time.Timer
}

// Manager is the connection registry: it owns every backend connection by
// name and serializes their lifecycle.
type Manager struct {
	cfg    ManagerConfig
	logger log.Logger
	events *eventBus

	newTransport func(cfg ServerConfig, opts TransportOptions) (Transport, error)

	mu    sync.RWMutex
	conns map[string]*connection
}

// NewManager creates a new MCP manager.
func NewManager(cfg ManagerConfig, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.EventIDs == nil {
		cfg.EventIDs = snowflake.Default()
	}
	return &Manager{
		cfg:          cfg,
		logger:       logger,
		events:       newEventBus(),
		newTransport: NewTransport,
		conns:        make(map[string]*connection),
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Connect validates cfg, replaces any connection registered under name,
// opens the transport and runs the handshake. The connection is registered
// only once the handshake succeeded; on failure nothing is registered.
func (m *Manager) Connect(ctx context.Context, name string, cfg ServerConfig) ([]Tool, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: server name is required", ErrInvalidConfig)
	}
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}

	if err := m.Disconnect(name); err != nil {
		m.logger.Warn("Failed to close previous connection", log.String("server", name), log.Err(err))
	}

	m.publish(name, StatusConnecting, nil)
	client, err := m.dial(ctx, name, cfg)
	if err != nil {
		m.logger.Error("Failed to connect MCP server",
			log.String("server", name),
			log.String("type", string(cfg.Type)),
			log.Err(err),
		)
		m.publish(name, StatusError, err)
		return nil, err
	}

	conn := &connection{
		name:   name,
		config: cfg,
		status: StatusConnected,
		client: client,
	}

	m.mu.Lock()
	replaced := m.conns[name]
	m.conns[name] = conn
	if replaced != nil {
		m.retire(replaced)
	}
	m.mu.Unlock()

	if replaced != nil {
		m.logger.Warn("Replaced connection created concurrently", log.String("server", name))
		m.teardown(replaced)
	}

	go m.watch(conn, client)

	tools := client.Tools()
	m.logger.Info("MCP server connected",
		log.String("server", name),
		log.String("type", string(cfg.Type)),
		log.Int("tools", len(tools)),
	)
	m.publish(name, StatusConnected, nil)
	return tools, nil
}

// Disconnect closes and unregisters a connection. Pending requests are
// rejected with ErrConnectionClosed. Unknown names are a no-op.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	conn, ok := m.conns[name]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.conns, name)
	m.retire(conn)
	m.mu.Unlock()

	err := m.teardown(conn)
	m.logger.Info("MCP server disconnected", log.String("server", name))
	m.publish(name, StatusDisconnected, nil)
	return err
}

// ConnectAll connects every server in servers, in name order. Failures are
// logged and joined; they do not stop the remaining servers.
func (m *Manager) ConnectAll(ctx context.Context, servers map[string]ServerConfig) error {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if _, err := m.Connect(ctx, name, servers[name]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// DisconnectAll disconnects from all servers.
func (m *Manager) DisconnectAll() error {
	m.mu.RLock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var errs []error
	for _, name := range names {
		if err := m.Disconnect(name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// retire marks conn as closing and stops its reconnect timer. Caller holds
// m.mu.
func (m *Manager) retire(conn *connection) {
	conn.closing = true
	conn.status = StatusDisconnected
	if conn.reconnectTimer != nil {
		conn.reconnectTimer.Stop()
		conn.reconnectTimer = nil
	}
}

func (m *Manager) teardown(conn *connection) error {
	m.mu.Lock()
	client := conn.client
	m.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

func (m *Manager) dial(ctx context.Context, name string, cfg ServerConfig) (*Client, error) {
	transport, err := m.newTransport(cfg, m.optionsFor(cfg.Type, name))
	if err != nil {
		return nil, err
	}
	client := NewClient(transport, ClientOptions{
		Info:            m.cfg.ClientInfo,
		ProtocolVersion: m.cfg.ProtocolVersion,
		Logger:          m.logger.With(log.String("server", name)),
	})
	if err := client.Connect(ctx); err != nil {
		transport.Close()
		return nil, err
	}
	return client, nil
}

func (m *Manager) optionsFor(kind TransportType, name string) TransportOptions {
	var opts TransportOptions
	switch kind {
	case TransportStdio:
		opts = m.cfg.Stdio
	case TransportHTTP:
		opts = m.cfg.HTTP
	case TransportSSE:
		opts = m.cfg.SSE
	}
	opts.Name = name
	opts.Logger = m.logger
	return opts
}

// =============================================================================
// Failure Detection and Reconnect
// =============================================================================

// watch turns the loss of client's transport into a status change.
func (m *Manager) watch(conn *connection, client *Client) {
	<-client.Transport().Done()
	m.downgrade(conn, client, StatusDisconnected, ErrTransportClosed)
}

// downgrade moves a connected entry to status. Stale notifications (the
// entry was replaced, is closing, or moved on to another client) are
// ignored, and an entry already in error stays in error.
func (m *Manager) downgrade(conn *connection, client *Client, status ConnectionStatus, cause error) {
	m.mu.Lock()
	if m.conns[conn.name] != conn || conn.closing || conn.client != client || conn.status != StatusConnected {
		m.mu.Unlock()
		return
	}
	conn.status = status
	conn.lastErr = cause.Error()
	if status == StatusDisconnected {
		m.scheduleReconnect(conn)
	}
	m.mu.Unlock()

	m.logger.Warn("MCP server connection degraded",
		log.String("server", conn.name),
		log.String("status", string(status)),
		log.Err(cause),
	)
	m.publish(conn.name, status, cause)
}

// scheduleReconnect arms the reconnect timer for event-stream connections
// that asked for one. Caller holds m.mu.
func (m *Manager) scheduleReconnect(conn *connection) {
	if conn.config.Type != TransportSSE || conn.config.ReconnectInterval <= 0 {
		return
	}
	if conn.reconnectTimer != nil {
		conn.reconnectTimer.Stop()
	}
	conn.reconnectTimer = time.AfterFunc(conn.config.ReconnectInterval, func() {
		m.reconnect(conn)
	})
	m.logger.Info("Scheduled reconnect",
		log.String("server", conn.name),
		log.Duration("interval", conn.config.ReconnectInterval),
	)
}

// reconnect re-dials conn if it is still registered, not closing and still
// disconnected. A failed attempt leaves it disconnected and reschedules.
func (m *Manager) reconnect(conn *connection) {
	m.mu.Lock()
	if m.conns[conn.name] != conn || conn.closing || conn.status != StatusDisconnected {
		m.mu.Unlock()
		m.logger.Debug("Reconnect suppressed", log.String("server", conn.name))
		return
	}
	conn.reconnectTimer = nil
	conn.status = StatusConnecting
	cfg := conn.config
	m.mu.Unlock()
	m.publish(conn.name, StatusConnecting, nil)

	client, err := m.dial(context.Background(), conn.name, cfg)

	m.mu.Lock()
	if m.conns[conn.name] != conn || conn.closing {
		m.mu.Unlock()
		if client != nil {
			client.Close()
		}
		return
	}
	if err != nil {
		conn.status = StatusDisconnected
		conn.lastErr = err.Error()
		m.scheduleReconnect(conn)
		m.mu.Unlock()
		m.logger.Warn("Reconnect failed", log.String("server", conn.name), log.Err(err))
		m.publish(conn.name, StatusDisconnected, err)
		return
	}
	old := conn.client
	conn.client = client
	conn.status = StatusConnected
	conn.lastErr = ""
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	go m.watch(conn, client)
	m.logger.Info("MCP server reconnected", log.String("server", conn.name))
	m.publish(conn.name, StatusConnected, nil)
}

// =============================================================================
// Tool Operations
// =============================================================================

// CallTool invokes a tool on a connected server and normalizes the result.
// It fails without any I/O when the server is unknown, not connected, or
// its transport is already gone.
func (m *Manager) CallTool(ctx context.Context, name, tool string, args map[string]any) (any, error) {
	m.mu.RLock()
	conn, ok := m.conns[name]
	var status ConnectionStatus
	var client *Client
	if ok {
		status = conn.status
		client = conn.client
	}
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	if status != StatusConnected || client == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotConnected, name, status)
	}
	if !client.IsConnected() {
		m.downgrade(conn, client, StatusDisconnected, ErrTransportClosed)
		return nil, fmt.Errorf("%w: %s transport is no longer alive", ErrNotConnected, name)
	}

	raw, err := client.CallTool(ctx, tool, args)
	if err != nil {
		switch {
		case errors.Is(err, ErrTimeout), errors.Is(err, ErrBackendStatus):
			m.downgrade(conn, client, StatusError, err)
		case errors.Is(err, ErrTransportClosed):
			m.downgrade(conn, client, StatusDisconnected, err)
		}
		return nil, fmt.Errorf("tool %s on %s: %w", tool, name, err)
	}
	return NormalizeResult(raw)
}

// =============================================================================
// Status Methods
// =============================================================================

// ListConnections returns a snapshot of every registered connection,
// sorted by name.
func (m *Manager) ListConnections() []ConnectionInfo {
	m.mu.RLock()
	out := make([]ConnectionInfo, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, m.snapshot(conn))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetConnection returns a snapshot of one connection.
func (m *Manager) GetConnection(name string) (ConnectionInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[name]
	if !ok {
		return ConnectionInfo{}, false
	}
	return m.snapshot(conn), true
}

// snapshot copies conn. Caller holds m.mu.
func (m *Manager) snapshot(conn *connection) ConnectionInfo {
	tools := []Tool{}
	if conn.status == StatusConnected && conn.client != nil {
		tools = conn.client.Tools()
	}
	return ConnectionInfo{
		Name:        conn.name,
		Status:      conn.status,
		Description: conn.config.Description,
		Type:        conn.config.Type,
		Tools:       tools,
		Error:       conn.lastErr,
	}
}

// Subscribe returns a channel of status changes and a func that ends the
// subscription. Events are dropped for subscribers that fall behind.
func (m *Manager) Subscribe() (<-chan StatusEvent, func()) {
	return m.events.subscribe()
}

func (m *Manager) publish(name string, status ConnectionStatus, cause error) {
	ev := StatusEvent{ID: m.cfg.EventIDs.Generate(), Name: name, Status: status, At: time.Now()}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if dropped := m.events.publish(ev); dropped > 0 {
		m.logger.Debug("Dropped status event for slow subscribers",
			log.String("server", name),
			log.Int("dropped", dropped),
		)
	}
}
