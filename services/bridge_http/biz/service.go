package service

import (
	"context"
	"fmt"
	"strings"

	"chatee-mcp-bridge/commonlib/config"
	"chatee-mcp-bridge/commonlib/log"
	"chatee-mcp-bridge/commonlib/mcp"
	"chatee-mcp-bridge/commonlib/snowflake"
)

// BridgeService owns the connection registry behind the HTTP handlers.
type BridgeService struct {
	Config  *config.Config
	Logger  log.Logger
	Manager *mcp.Manager
}

// NewBridgeService creates the registry from configuration.
func NewBridgeService(cfg *config.Config, logger log.Logger) *BridgeService {
	return &BridgeService{
		Config:  cfg,
		Logger:  logger,
		Manager: mcp.NewManager(ManagerConfig(cfg), logger),
	}
}

// ManagerConfig maps the mcp config section onto registry settings.
func ManagerConfig(cfg *config.Config) mcp.ManagerConfig {
	rewrites := make([]mcp.EndpointRewrite, 0, len(cfg.MCP.SSE.EndpointRewrites))
	for _, rw := range cfg.MCP.SSE.EndpointRewrites {
		rewrites = append(rewrites, mcp.EndpointRewrite{From: rw.From, To: rw.To})
	}

	clientName := cfg.MCP.ClientName
	if clientName == "" {
		clientName = cfg.Service.Name
	}

	return mcp.ManagerConfig{
		ClientInfo:      mcp.Implementation{Name: clientName, Version: cfg.Service.Version},
		ProtocolVersion: cfg.MCP.ProtocolVersion,
		EventIDs:        snowflake.Default(),
		Stdio: mcp.TransportOptions{
			EnvAllowlist:   cfg.MCP.EnvAllowlist,
			StartupDelay:   cfg.MCP.Stdio.StartupDelay,
			StopTimeout:    cfg.MCP.Stdio.StopTimeout,
			MaxLineBytes:   cfg.MCP.Stdio.MaxLineBytes,
			RequestTimeout: cfg.MCP.Stdio.RequestTimeout,
		},
		HTTP: mcp.TransportOptions{
			ReachTimeout:   cfg.MCP.HTTP.ReachTimeout,
			MaxEventBytes:  cfg.MCP.SSE.MaxEventBytes,
			RequestTimeout: cfg.MCP.HTTP.RequestTimeout,
		},
		SSE: mcp.TransportOptions{
			OpenTimeout:      cfg.MCP.SSE.OpenTimeout,
			MaxEventBytes:    cfg.MCP.SSE.MaxEventBytes,
			WaitForEndpoint:  cfg.MCP.SSE.WaitForEndpoint,
			EndpointRewrites: rewrites,
			RequestTimeout:   cfg.MCP.SSE.RequestTimeout,
		},
	}
}

// ServerConfigFromEntry converts a configured server. Env entries use the
// KEY=VALUE form.
func ServerConfigFromEntry(entry config.ServerEntry) (mcp.ServerConfig, error) {
	var env map[string]string
	if len(entry.Env) > 0 {
		env = make(map[string]string, len(entry.Env))
		for _, kv := range entry.Env {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return mcp.ServerConfig{}, fmt.Errorf("%w: env entry %q is not KEY=VALUE", mcp.ErrInvalidConfig, kv)
			}
			env[k] = v
		}
	}
	return mcp.ServerConfig{
		Type:              mcp.TransportType(entry.Type),
		Description:       entry.Description,
		Command:           entry.Command,
		Args:              entry.Args,
		Env:               env,
		URL:               entry.URL,
		RequestURL:        entry.RequestURL,
		Headers:           entry.Headers,
		ReconnectInterval: entry.ReconnectInterval,
	}, nil
}

// AutoConnect connects every configured server flagged auto_connect.
func (s *BridgeService) AutoConnect(ctx context.Context) error {
	servers := make(map[string]mcp.ServerConfig)
	for name, entry := range s.Config.MCP.Servers {
		if !entry.AutoConnect {
			continue
		}
		sc, err := ServerConfigFromEntry(entry)
		if err != nil {
			s.Logger.Error("Skipping misconfigured server", log.String("server", name), log.Err(err))
			continue
		}
		servers[name] = sc
	}
	if len(servers) == 0 {
		return nil
	}
	s.Logger.Info("Connecting configured servers", log.Int("count", len(servers)))
	return s.Manager.ConnectAll(ctx, servers)
}

// Close disconnects every backend.
func (s *BridgeService) Close() error {
	return s.Manager.DisconnectAll()
}
