package rest

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/livepoll/internal/auth"
	"go.uber.org/zap"
)

// RequestLogger 用zap记录每个请求
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.With(zap.String("component", "http"))

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("clientIp", c.ClientIP()),
		}
		if userID := c.GetString(auth.UserIDKey); userID != "" {
			fields = append(fields, zap.String("userId", userID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			log.Error("请求失败", fields...)
		case status >= 400:
			log.Warn("请求被拒绝", fields...)
		default:
			log.Info("请求完成", fields...)
		}
	}
}
