package main

import (
	"chatee-mcp-bridge/commonlib/config"
	"chatee-mcp-bridge/commonlib/log"
	"chatee-mcp-bridge/commonlib/snowflake"
	service "chatee-mcp-bridge/services/bridge_http/biz"
	"chatee-mcp-bridge/services/bridge_http/handler"
)

// ServiceContext holds all dependencies for the bridge service
type ServiceContext struct {
	Config  *config.Config
	Logger  log.Logger
	Service *service.BridgeService
	Handler *handler.Handler
}

// NewServiceContext creates a new service context with all dependencies initialized
func NewServiceContext(cfg *config.Config) (*ServiceContext, error) {
	if err := log.Init(log.LogConfig{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.OutputPath,
		AddCaller:  true,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   true,
	}); err != nil {
		return nil, err
	}
	logger := log.Default()

	// Status event ids come from the snowflake node; init before the registry
	// captures the generator.
	if err := snowflake.Init(cfg.Service.NodeID); err != nil {
		return nil, err
	}

	return newServiceContext(cfg, logger), nil
}

func newServiceContext(cfg *config.Config, logger log.Logger) *ServiceContext {
	svc := service.NewBridgeService(cfg, logger)
	return &ServiceContext{
		Config:  cfg,
		Logger:  logger,
		Service: svc,
		Handler: handler.NewHandler(svc, logger),
	}
}

// Close disconnects every backend
func (ctx *ServiceContext) Close() error {
	if ctx.Service != nil {
		return ctx.Service.Close()
	}
	return nil
}
