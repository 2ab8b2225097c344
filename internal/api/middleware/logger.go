package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rephlax/clutchcrew/pkg/logger"
)

// Logger HTTP 요청 로깅 미들웨어
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		fields := []interface{}{
			"method", c.Request.Method,
			"path", path,
			"query", query,
			"status", c.Writer.Status(),
			"latency", latency,
			"ip", c.ClientIP(),
		}
		if procedure := c.Param("procedure"); procedure != "" {
			fields = append(fields, "procedure", procedure)
		}
		if playerID, ok := PlayerID(c); ok {
			fields = append(fields, "playerId", playerID)
		}

		switch {
		case c.Writer.Status() >= 500:
			logger.Error("HTTP Request", fields...)
		default:
			logger.Info("HTTP Request", fields...)
		}
	}
}
