package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Configuration Types
// =============================================================================

// ServiceConfig configures the service.
type ServiceConfig struct {
	Name        string `json:"name" mapstructure:"name"`
	Version     string `json:"version" mapstructure:"version"`
	Environment string `json:"environment" mapstructure:"environment"` // dev, staging, prod
	NodeID      int64  `json:"node_id" mapstructure:"node_id"`         // snowflake node for status event ids
}

// HTTPConfig configures the control-plane HTTP server.
type HTTPConfig struct {
	Host            string        `json:"host" mapstructure:"host"`
	Port            int           `json:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	EnableCORS      bool          `json:"enable_cors" mapstructure:"enable_cors"`
	CORSOrigins     []string      `json:"cors_origins" mapstructure:"cors_origins"`
	LogBodies       bool          `json:"log_bodies" mapstructure:"log_bodies"` // debug only
}

// WebSocketConfig configures the status event websocket.
type WebSocketConfig struct {
	ReadBufferSize  int           `json:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize int           `json:"write_buffer_size" mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `json:"ping_interval" mapstructure:"ping_interval"`
	PongWait        time.Duration `json:"pong_wait" mapstructure:"pong_wait"`
	WriteWait       time.Duration `json:"write_wait" mapstructure:"write_wait"`
	AllowedOrigins  []string      `json:"allowed_origins" mapstructure:"allowed_origins"`
}

// StdioConfig configures the process transport.
type StdioConfig struct {
	StartupDelay   time.Duration `json:"startup_delay" mapstructure:"startup_delay"`
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
	StopTimeout    time.Duration `json:"stop_timeout" mapstructure:"stop_timeout"`
	MaxLineBytes   int           `json:"max_line_bytes" mapstructure:"max_line_bytes"`
}

// HTTPClientConfig configures the stateless HTTP transport.
type HTTPClientConfig struct {
	ReachTimeout   time.Duration `json:"reach_timeout" mapstructure:"reach_timeout"`
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
}

// EndpointRewrite maps a subscription URL suffix to the outbound request suffix.
type EndpointRewrite struct {
	From string `json:"from" mapstructure:"from"`
	To   string `json:"to" mapstructure:"to"`
}

// SSEConfig configures the event-stream transport.
type SSEConfig struct {
	OpenTimeout      time.Duration     `json:"open_timeout" mapstructure:"open_timeout"`
	RequestTimeout   time.Duration     `json:"request_timeout" mapstructure:"request_timeout"`
	MaxEventBytes    int               `json:"max_event_bytes" mapstructure:"max_event_bytes"`
	WaitForEndpoint  bool              `json:"wait_for_endpoint" mapstructure:"wait_for_endpoint"`
	EndpointRewrites []EndpointRewrite `json:"endpoint_rewrites" mapstructure:"endpoint_rewrites"`
}

// ServerEntry declares a backend to connect at startup.
// Env uses KEY=VALUE strings because viper folds map keys to lower case.
type ServerEntry struct {
	Type              string            `json:"type" mapstructure:"type"` // stdio, http, sse
	Description       string            `json:"description" mapstructure:"description"`
	Command           string            `json:"command" mapstructure:"command"`
	Args              []string          `json:"args" mapstructure:"args"`
	Env               []string          `json:"env" mapstructure:"env"`
	URL               string            `json:"url" mapstructure:"url"`
	RequestURL        string            `json:"request_url" mapstructure:"request_url"`
	Headers           map[string]string `json:"headers" mapstructure:"headers"`
	ReconnectInterval time.Duration     `json:"reconnect_interval" mapstructure:"reconnect_interval"`
	AutoConnect       bool              `json:"auto_connect" mapstructure:"auto_connect"`
}

// MCPConfig configures the backend bridge.
type MCPConfig struct {
	ClientName      string                 `json:"client_name" mapstructure:"client_name"`
	ProtocolVersion string                 `json:"protocol_version" mapstructure:"protocol_version"`
	EnvAllowlist    []string               `json:"env_allowlist" mapstructure:"env_allowlist"`
	Stdio           StdioConfig            `json:"stdio" mapstructure:"stdio"`
	HTTP            HTTPClientConfig       `json:"http" mapstructure:"http"`
	SSE             SSEConfig              `json:"sse" mapstructure:"sse"`
	Servers         map[string]ServerEntry `json:"servers" mapstructure:"servers"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format     string `json:"format" mapstructure:"format"` // json, console
	OutputPath string `json:"output_path" mapstructure:"output_path"`
	MaxSize    int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAge     int    `json:"max_age" mapstructure:"max_age"` // days
}

// Config holds all configuration.
type Config struct {
	Service   ServiceConfig   `json:"service" mapstructure:"service"`
	HTTP      HTTPConfig      `json:"http" mapstructure:"http"`
	WebSocket WebSocketConfig `json:"websocket" mapstructure:"websocket"`
	MCP       MCPConfig       `json:"mcp" mapstructure:"mcp"`
	Log       LogConfig       `json:"log" mapstructure:"log"`
}

// DefaultEndpointRewrites derive the outbound request URL from the subscription URL.
var DefaultEndpointRewrites = []EndpointRewrite{
	{From: "/sse", To: "/request"},
	{From: "/events", To: "/request"},
}

// DefaultEnvAllowlist lists the host variables a spawned backend inherits.
var DefaultEnvAllowlist = []string{
	"PATH", "HOME", "USER", "LOGNAME", "SHELL", "TERM", "LANG", "LC_ALL",
	"TMPDIR", "TEMP", "TMP",
	"SYSTEMROOT", "COMSPEC", "PATHEXT", "APPDATA", "LOCALAPPDATA", "USERPROFILE", "PROGRAMFILES",
}

// =============================================================================
// Configuration Loading
// =============================================================================

// Load loads configuration from files and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/mcp-bridge")
	}

	v.SetEnvPrefix("MCPBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, use defaults + env vars
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(config.MCP.SSE.EndpointRewrites) == 0 {
		config.MCP.SSE.EndpointRewrites = append([]EndpointRewrite(nil), DefaultEndpointRewrites...)
	}
	if len(config.MCP.EnvAllowlist) == 0 {
		config.MCP.EnvAllowlist = append([]string(nil), DefaultEnvAllowlist...)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Service
	v.SetDefault("service.name", "mcp-bridge")
	v.SetDefault("service.version", "1.0.0")
	v.SetDefault("service.environment", "dev")
	v.SetDefault("service.node_id", 1)

	// HTTP
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.write_timeout", "120s") // tool calls can run long
	v.SetDefault("http.idle_timeout", "120s")
	v.SetDefault("http.shutdown_timeout", "30s")
	v.SetDefault("http.enable_cors", true)
	v.SetDefault("http.cors_origins", []string{"*"})

	// WebSocket
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.allowed_origins", []string{"*"})

	// MCP
	v.SetDefault("mcp.client_name", "mcp-bridge")
	v.SetDefault("mcp.protocol_version", "2024-11-05")
	v.SetDefault("mcp.stdio.startup_delay", "500ms")
	v.SetDefault("mcp.stdio.request_timeout", "30s")
	v.SetDefault("mcp.stdio.stop_timeout", "5s")
	v.SetDefault("mcp.stdio.max_line_bytes", 4*1024*1024) // 4MB
	v.SetDefault("mcp.http.reach_timeout", "5s")
	v.SetDefault("mcp.http.request_timeout", "30s")
	v.SetDefault("mcp.sse.open_timeout", "10s")
	v.SetDefault("mcp.sse.request_timeout", "60s")
	v.SetDefault("mcp.sse.max_event_bytes", 4*1024*1024) // 4MB
	v.SetDefault("mcp.sse.wait_for_endpoint", false)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 30)
}

// =============================================================================
// Validation
// =============================================================================

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if c.Service.NodeID < 0 || c.Service.NodeID > 1023 {
		return fmt.Errorf("service.node_id must be between 0 and 1023")
	}

	if c.HTTP.Port <= 0 {
		return fmt.Errorf("http.port must be positive")
	}

	if c.MCP.Stdio.MaxLineBytes <= 0 {
		return fmt.Errorf("mcp.stdio.max_line_bytes must be positive")
	}
	if c.MCP.Stdio.RequestTimeout <= 0 || c.MCP.HTTP.RequestTimeout <= 0 || c.MCP.SSE.RequestTimeout <= 0 {
		return fmt.Errorf("mcp request timeouts must be positive")
	}
	if c.MCP.SSE.OpenTimeout <= 0 {
		return fmt.Errorf("mcp.sse.open_timeout must be positive")
	}

	for name, s := range c.MCP.Servers {
		switch s.Type {
		case "":
			if s.Command == "" && s.URL == "" {
				return fmt.Errorf("mcp.servers.%s needs a command or a url", name)
			}
		case "stdio":
			if s.Command == "" {
				return fmt.Errorf("mcp.servers.%s.command is required for stdio servers", name)
			}
		case "http", "sse":
			if s.URL == "" {
				return fmt.Errorf("mcp.servers.%s.url is required for %s servers", name, s.Type)
			}
		default:
			return fmt.Errorf("mcp.servers.%s.type %q is not supported", name, s.Type)
		}
	}

	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// IsDev returns true if in development environment.
func (c *Config) IsDev() bool {
	return c.Service.Environment == "dev" || c.Service.Environment == "development"
}

// IsProd returns true if in production environment.
func (c *Config) IsProd() bool {
	return c.Service.Environment == "prod" || c.Service.Environment == "production"
}

// GetHTTPAddr returns the HTTP address.
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}
