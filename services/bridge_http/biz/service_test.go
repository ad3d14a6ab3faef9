package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chatee-mcp-bridge/commonlib/config"
	"chatee-mcp-bridge/commonlib/log"
	"chatee-mcp-bridge/commonlib/mcp"
)

func TestServerConfigFromEntry(t *testing.T) {
	sc, err := ServerConfigFromEntry(config.ServerEntry{
		Type:              "sse",
		URL:               "http://localhost:3001/sse",
		Env:               []string{"API_KEY=abc", "EMPTY=", "URL=http://x?a=b"},
		ReconnectInterval: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, mcp.TransportSSE, sc.Type)
	assert.Equal(t, map[string]string{"API_KEY": "abc", "EMPTY": "", "URL": "http://x?a=b"}, sc.Env)
	assert.Equal(t, 5*time.Second, sc.ReconnectInterval)

	_, err = ServerConfigFromEntry(config.ServerEntry{Command: "x", Env: []string{"NOVALUE"}})
	assert.True(t, errors.Is(err, mcp.ErrInvalidConfig))
}

func TestManagerConfig(t *testing.T) {
	cfg := &config.Config{
		Service: config.ServiceConfig{Name: "bridge", Version: "2.1.0"},
		MCP: config.MCPConfig{
			ProtocolVersion: "2024-11-05",
			EnvAllowlist:    []string{"PATH"},
			Stdio:           config.StdioConfig{StartupDelay: time.Second, RequestTimeout: 30 * time.Second, MaxLineBytes: 1024},
			SSE: config.SSEConfig{
				RequestTimeout:   time.Minute,
				EndpointRewrites: []config.EndpointRewrite{{From: "/stream", To: "/rpc"}},
			},
		},
	}

	mc := ManagerConfig(cfg)
	assert.Equal(t, mcp.Implementation{Name: "bridge", Version: "2.1.0"}, mc.ClientInfo)
	assert.Equal(t, []string{"PATH"}, mc.Stdio.EnvAllowlist)
	assert.Equal(t, 1024, mc.Stdio.MaxLineBytes)
	assert.Equal(t, time.Minute, mc.SSE.RequestTimeout)
	assert.Equal(t, []mcp.EndpointRewrite{{From: "/stream", To: "/rpc"}}, mc.SSE.EndpointRewrites)
	assert.NotNil(t, mc.EventIDs)
}

func TestAutoConnectSkipsUnflaggedServers(t *testing.T) {
	cfg := &config.Config{
		Service: config.ServiceConfig{Name: "bridge"},
		MCP: config.MCPConfig{Servers: map[string]config.ServerEntry{
			"manual": {Command: "never-started"},
			"broken": {Command: "x", Env: []string{"BAD"}, AutoConnect: true},
		}},
	}
	svc := NewBridgeService(cfg, log.NewFromZap(zaptest.NewLogger(t)))

	require.NoError(t, svc.AutoConnect(context.Background()))
	assert.Empty(t, svc.Manager.ListConnections())
	require.NoError(t, svc.Close())
}
