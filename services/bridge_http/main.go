package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"chatee-mcp-bridge/commonlib/config"
	"chatee-mcp-bridge/commonlib/log"
	"chatee-mcp-bridge/services/bridge_http/handler"
	"chatee-mcp-bridge/services/bridge_http/middleware"
)

func main() {
	cfg, err := config.Load(os.Getenv("MCPBRIDGE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	svcCtx, err := NewServiceContext(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init service context: %v\n", err)
		os.Exit(1)
	}

	logger := svcCtx.Logger
	defer logger.Sync()
	logger.Info("Starting MCP bridge",
		log.String("name", cfg.Service.Name),
		log.String("version", cfg.Service.Version),
		log.Int("configured_servers", len(cfg.MCP.Servers)),
	)

	if cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := NewRouter(svcCtx)

	server := &http.Server{
		Addr:         cfg.GetHTTPAddr(),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("HTTP server started", log.String("addr", cfg.GetHTTPAddr()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", log.Err(err))
		}
	}()

	// Configured backends connect in the background so a slow process
	// does not hold up the control plane.
	autoCtx, cancelAuto := context.WithCancel(context.Background())
	go func() {
		if err := svcCtx.Service.AutoConnect(autoCtx); err != nil {
			logger.Warn("Some configured servers failed to connect", log.Err(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancelAuto()

	shutdownTimeout := cfg.HTTP.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", log.Err(err))
	}
	if err := svcCtx.Close(); err != nil {
		logger.Warn("Backends closed with errors", log.Err(err))
	}
	logger.Info("Server stopped")
}

// NewRouter builds the gin engine with middleware and routes.
func NewRouter(svcCtx *ServiceContext) *gin.Engine {
	cfg := svcCtx.Config
	logger := svcCtx.Logger

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Recovery(logger))
	if cfg.HTTP.EnableCORS {
		router.Use(middleware.CORS(cfg.HTTP.CORSOrigins))
	}
	if cfg.HTTP.LogBodies {
		router.Use(middleware.BodyLogger(logger))
	}

	RegisterRoutes(router, svcCtx.Handler)
	return router
}

func RegisterRoutes(router *gin.Engine, h *handler.Handler) {
	api := router.Group("/api")
	api.GET("/health", h.Health)

	{
		mcp := api.Group("/mcp")
		mcp.GET("/servers", h.ListServers)
		mcp.POST("/servers/:name/connect", h.ConnectServer)
		mcp.POST("/servers/:name/disconnect", h.DisconnectServer)
		mcp.POST("/tools/:serverName/:toolName", h.CallTool)
		mcp.GET("/events", h.Events)
	}
}
