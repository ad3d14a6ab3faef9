package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
service:
  name: bridge-test
http:
  port: 9090
mcp:
  sse:
    request_timeout: 90s
  servers:
    files:
      type: stdio
      command: npx
      args: ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
      env: ["API_KEY=abc"]
      auto_connect: true
    remote:
      type: sse
      url: http://localhost:3001/sse
      reconnect_interval: 5s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "bridge-test", cfg.Service.Name)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 90*time.Second, cfg.MCP.SSE.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.MCP.Stdio.RequestTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.MCP.Stdio.StartupDelay)
	assert.Equal(t, DefaultEndpointRewrites, cfg.MCP.SSE.EndpointRewrites)
	assert.Contains(t, cfg.MCP.EnvAllowlist, "PATH")

	require.Len(t, cfg.MCP.Servers, 2)
	files := cfg.MCP.Servers["files"]
	assert.Equal(t, "npx", files.Command)
	assert.Equal(t, []string{"API_KEY=abc"}, files.Env)
	assert.True(t, files.AutoConnect)
	assert.Equal(t, 5*time.Second, cfg.MCP.Servers["remote"].ReconnectInterval)

	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:9090", cfg.GetHTTPAddr())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, "service:\n  name: x\n"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"missing port", func(c *Config) { c.HTTP.Port = 0 }, "http.port"},
		{"bad node id", func(c *Config) { c.Service.NodeID = 2048 }, "node_id"},
		{"stdio without command", func(c *Config) {
			c.MCP.Servers = map[string]ServerEntry{"a": {Type: "stdio"}}
		}, "command is required"},
		{"sse without url", func(c *Config) {
			c.MCP.Servers = map[string]ServerEntry{"a": {Type: "sse"}}
		}, "url is required"},
		{"unknown type", func(c *Config) {
			c.MCP.Servers = map[string]ServerEntry{"a": {Type: "grpc", URL: "x"}}
		}, "not supported"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
