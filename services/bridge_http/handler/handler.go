package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chatee-mcp-bridge/commonlib/config"
	"chatee-mcp-bridge/commonlib/log"
	"chatee-mcp-bridge/commonlib/mcp"
	service "chatee-mcp-bridge/services/bridge_http/biz"
)

// =============================================================================
// Handler
// =============================================================================

// Handler handles control-plane HTTP requests.
type Handler struct {
	service  *service.BridgeService
	logger   log.Logger
	ws       config.WebSocketConfig
	upgrader websocket.Upgrader
}

// NewHandler creates a new handler.
func NewHandler(svc *service.BridgeService, logger log.Logger) *Handler {
	ws := svc.Config.WebSocket
	return &Handler{
		service:  svc,
		logger:   logger,
		ws:       ws,
		upgrader: createUpgrader(ws),
	}
}

// =============================================================================
// Request Types
// =============================================================================

// ConnectRequest is the body of a connect call. Omitted fields fall back to
// inference from command/url.
type ConnectRequest struct {
	Type              string            `json:"type"`
	Description       string            `json:"description"`
	Command           string            `json:"command"`
	Args              []string          `json:"args"`
	Env               map[string]string `json:"env"`
	URL               string            `json:"url"`
	RequestURL        string            `json:"requestUrl"`
	Headers           map[string]string `json:"headers"`
	ReconnectInterval int64             `json:"reconnectInterval"` // milliseconds
}

// ServerConfig converts the request body.
func (r ConnectRequest) ServerConfig() mcp.ServerConfig {
	return mcp.ServerConfig{
		Type:              mcp.TransportType(r.Type),
		Description:       r.Description,
		Command:           r.Command,
		Args:              r.Args,
		Env:               r.Env,
		URL:               r.URL,
		RequestURL:        r.RequestURL,
		Headers:           r.Headers,
		ReconnectInterval: time.Duration(r.ReconnectInterval) * time.Millisecond,
	}
}

// CallToolRequest is the body of a tool call.
type CallToolRequest struct {
	Parameters map[string]any `json:"parameters"`
}

// =============================================================================
// Health Endpoints
// =============================================================================

// Health returns service health status.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// =============================================================================
// Server Endpoints
// =============================================================================

// ListServers returns every registered connection.
func (h *Handler) ListServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"servers": h.service.Manager.ListConnections()})
}

// ConnectServer connects (or reconnects) a named backend.
func (h *Handler) ConnectServer(c *gin.Context) {
	name := c.Param("name")

	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.fail(c, fmt.Errorf("%w: invalid request body: %v", mcp.ErrInvalidConfig, err))
		return
	}

	tools, err := h.service.Manager.Connect(c.Request.Context(), name, req.ServerConfig())
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Connected to %s", name),
		"tools":   tools,
	})
}

// DisconnectServer tears down a named backend. Unknown names succeed.
func (h *Handler) DisconnectServer(c *gin.Context) {
	name := c.Param("name")
	if err := h.service.Manager.Disconnect(name); err != nil {
		// The entry is already gone; a failed close only matters to the log.
		h.logger.Warn("Disconnect finished with error", log.String("server", name), log.Err(err))
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Disconnected from %s", name),
	})
}

// CallTool invokes a tool on a connected backend.
func (h *Handler) CallTool(c *gin.Context) {
	serverName := c.Param("serverName")
	toolName := c.Param("toolName")

	var req CallToolRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.fail(c, fmt.Errorf("%w: invalid request body: %v", mcp.ErrInvalidConfig, err))
		return
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}

	result, err := h.service.Manager.CallTool(c.Request.Context(), serverName, toolName, req.Parameters)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

// =============================================================================
// Errors
// =============================================================================

func (h *Handler) fail(c *gin.Context, err error) {
	code := statusFor(err)
	fields := []log.Field{
		log.String("request_id", c.GetString("request_id")),
		log.String("path", c.Request.URL.Path),
		log.Int("status", code),
		log.Err(err),
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error("Request failed", fields...)
	} else {
		h.logger.Warn("Request failed", fields...)
	}
	c.JSON(code, gin.H{"success": false, "error": err.Error()})
}

// statusFor maps bridge errors to HTTP status codes. Handshake failures are
// checked first so an initialize timeout reports as a failed connect.
func statusFor(err error) int {
	switch {
	case errors.Is(err, mcp.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, mcp.ErrServerNotFound):
		return http.StatusNotFound
	case errors.Is(err, mcp.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, mcp.ErrHandshake):
		return http.StatusBadGateway
	case errors.Is(err, mcp.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
