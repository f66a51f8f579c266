// Package api provides HTTP middleware for API handling
// 这个包提供 HTTP 中间件用于 API 处理
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/shepherd-project/mediadl/internal/logger"
	"github.com/shepherd-project/mediadl/internal/types"
)

// RequestID middleware adds a unique request ID to each request
// RequestID 中间件为每个请求添加唯一 ID
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("requestId", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// ErrorHandler middleware handles errors attached with c.Error that no
// handler has answered yet
// ErrorHandler 中间件处理请求处理过程中发生的错误
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last()
		log.Errorf("Request error: %s", err.Error())

		switch e := err.Err.(type) {
		case *types.ErrorInfo:
			ErrorWithDetails(c, e.Code, e.Message, e.Details)
		default:
			ErrorWithDetails(c, types.ErrInternalError, "Internal server error", err.Error())
		}
	}
}

// RecoveryMiddleware handles panics and converts them to errors
// RecoveryMiddleware 处理 panic 并转换为错误
func RecoveryMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("Panic recovered: %v", r)
				ErrorWithDetails(c, types.ErrInternalError, "Internal server error", "A panic occurred")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// CORSMiddleware adds CORS headers for cross-origin requests
// CORSMiddleware 添加 CORS 头用于跨域请求
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		allowOrigin := ""

		for _, allowedOrigin := range allowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowOrigin = allowedOrigin
				break
			}
		}

		if allowOrigin != "" {
			c.Header("Access-Control-Allow-Origin", allowOrigin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// LoggerMiddleware logs request information
// LoggerMiddleware 记录请求信息
func LoggerMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := map[string]interface{}{
			"method":    c.Request.Method,
			"path":      path,
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
			"requestId": c.GetString("requestId"),
		}
		if q := c.Request.URL.RawQuery; q != "" {
			fields["query"] = q
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			log.WithFields(fields).Error("请求处理失败")
		case status >= 400:
			log.WithFields(fields).Warn("客户端错误")
		default:
			log.WithFields(fields).Debug("请求处理成功")
		}
	}
}
