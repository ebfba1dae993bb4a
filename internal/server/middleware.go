// internal/server/middleware.go
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"comsrv/internal/protocol"
)

// RequestLogger creates request logging middleware
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Upgraded WebSocket connections log through their client
		// loggers instead.
		if c.Writer.Status() == http.StatusSwitchingProtocols {
			return
		}

		level := zap.InfoLevel
		if c.Writer.Status() >= 400 {
			level = zap.WarnLevel
		}
		if ce := logger.Check(level, "API request"); ce != nil {
			ce.Write(
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
				zap.Int("status_code", c.Writer.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		}
	}
}

// Recovery creates panic recovery middleware
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error("Panic recovered",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Stack("stacktrace"),
		)
		c.JSON(http.StatusInternalServerError, protocol.ErrorResponse("Internal", "internal server error"))
	})
}
