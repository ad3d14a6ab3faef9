package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chatee-mcp-bridge/commonlib/log"
)

// =============================================================================
// Request ID Middleware
// =============================================================================

// RequestID adds a unique request ID to each request.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		ctx := log.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// =============================================================================
// Logger Middleware
// =============================================================================

// Logger logs request and response details.
func Logger(logger log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()
		fields := []log.Field{
			log.String("request_id", c.GetString("request_id")),
			log.String("method", c.Request.Method),
			log.String("path", path),
			log.String("query", query),
			log.Int("status", status),
			log.Duration("latency", latency),
			log.String("client_ip", c.ClientIP()),
		}
		if server := c.Param("name"); server != "" {
			fields = append(fields, log.String("server", server))
		} else if server := c.Param("serverName"); server != "" {
			fields = append(fields, log.String("server", server))
		}
		if status >= 500 {
			logger.Error("HTTP request", fields...)
		} else if status >= 400 {
			logger.Warn("HTTP request", fields...)
		} else {
			logger.Info("HTTP request", fields...)
		}
	}
}

// =============================================================================
// Recovery Middleware
// =============================================================================

// Recovery recovers from panics.
func Recovery(logger log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				requestID := c.GetString("request_id")
				logger.Error("Panic recovered",
					log.String("request_id", requestID),
					log.Any("error", err),
					log.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success":    false,
					"error":      "Internal server error",
					"request_id": requestID,
				})
			}
		}()
		c.Next()
	}
}

// =============================================================================
// CORS Middleware
// =============================================================================

// CORS adds CORS headers.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowed := false
		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}
		if allowed && origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// =============================================================================
// Body Logger Middleware (for debugging)
// =============================================================================

const maxLoggedBody = 10000

// BodyLogger logs request/response bodies (use only in development).
// Tool arguments and results may carry sensitive data.
func BodyLogger(logger log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var requestBody []byte
		if c.Request.Body != nil {
			requestBody, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
		}
		blw := &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
		c.Writer = blw
		c.Next()
		requestID := c.GetString("request_id")
		if len(requestBody) > 0 && len(requestBody) < maxLoggedBody {
			logger.Debug("Request body",
				log.String("request_id", requestID),
				log.String("body", string(requestBody)),
			)
		}
		if blw.body.Len() > 0 && blw.body.Len() < maxLoggedBody {
			logger.Debug("Response body",
				log.String("request_id", requestID),
				log.String("body", blw.body.String()),
			)
		}
	}
}

type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyLogWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
