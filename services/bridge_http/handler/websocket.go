package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chatee-mcp-bridge/commonlib/config"
	"chatee-mcp-bridge/commonlib/log"
	"chatee-mcp-bridge/commonlib/mcp"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultWriteWait    = 10 * time.Second
	maxInboundMessage   = 512
)

// =============================================================================
// WebSocket Upgrader
// =============================================================================

// createUpgrader creates a WebSocket upgrader with origin checking.
func createUpgrader(cfg config.WebSocketConfig) websocket.Upgrader {
	allowedOrigins := make(map[string]bool)
	for _, origin := range cfg.AllowedOrigins {
		allowedOrigins[origin] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients
				return true
			}
			if allowedOrigins["*"] || allowedOrigins[origin] {
				return true
			}
			for allowedOrigin := range allowedOrigins {
				if matchOrigin(origin, allowedOrigin) {
					return true
				}
			}
			return false
		},
	}
}

// matchOrigin checks if an origin matches a pattern. "*.example.com"
// matches "https://sub.example.com" but not "https://example.com".
func matchOrigin(origin, pattern string) bool {
	if pattern == "*" || pattern == origin {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		host := origin
		if i := strings.Index(host, "://"); i >= 0 {
			host = host[i+3:]
		}
		if i := strings.IndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
		return strings.HasSuffix(host, pattern[1:])
	}
	return false
}

// =============================================================================
// Status Event Stream
// =============================================================================

// Events streams connection status changes over a websocket. The current
// state of every registered connection is sent first.
func (h *Handler) Events(c *gin.Context) {
	// Subscribe before the handshake completes so no change is missed
	// between the snapshot and the stream.
	events, unsubscribe := h.service.Manager.Subscribe()
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Warn("WebSocket upgrade failed", log.Err(err))
		return
	}

	logger := h.logger.With(log.String("request_id", c.GetString("request_id")))
	logger.Info("Status subscriber attached", log.String("client_ip", c.ClientIP()))

	closed := make(chan struct{})
	go h.readPump(conn, closed, logger)
	h.writePump(conn, h.initialEvents(), events, closed)

	logger.Info("Status subscriber detached")
}

func (h *Handler) initialEvents() []mcp.StatusEvent {
	now := time.Now()
	conns := h.service.Manager.ListConnections()
	out := make([]mcp.StatusEvent, 0, len(conns))
	for _, info := range conns {
		out = append(out, mcp.StatusEvent{Name: info.Name, Status: info.Status, Error: info.Error, At: now})
	}
	return out
}

// readPump discards client frames; it only exists to process pongs and
// notice the peer going away.
func (h *Handler) readPump(conn *websocket.Conn, closed chan<- struct{}, logger log.Logger) {
	defer close(closed)

	pongWait := durationOr(h.ws.PongWait, defaultPongWait)
	conn.SetReadLimit(maxInboundMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket read error", log.Err(err))
			}
			return
		}
	}
}

// writePump owns all writes to conn.
func (h *Handler) writePump(conn *websocket.Conn, initial []mcp.StatusEvent, events <-chan mcp.StatusEvent, closed <-chan struct{}) {
	ticker := time.NewTicker(durationOr(h.ws.PingInterval, defaultPingInterval))
	writeWait := durationOr(h.ws.WriteWait, defaultWriteWait)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for _, ev := range initial {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	for {
		select {
		case ev, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
