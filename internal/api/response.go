// Package api provides unified response building utilities for API handlers
// 这个包提供统一的响应构建工具，用于 API 处理器
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shepherd-project/mediadl/internal/types"
)

// getRequestID gets the request ID from context, returns "unknown" if not set
func getRequestID(c *gin.Context) string {
	if requestID := c.GetString("requestId"); requestID != "" {
		return requestID
	}
	return "unknown"
}

// Success sends a successful API response with data
// 发送成功响应，携带数据
func Success[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, types.NewSuccessResponse(data, getRequestID(c)))
}

// Created sends a 201 response with data
// 发送创建成功响应
func Created[T any](c *gin.Context, data T) {
	c.JSON(http.StatusCreated, types.NewSuccessResponse(data, getRequestID(c)))
}

// Error sends an error API response
// 发送错误响应
func Error(c *gin.Context, code types.ErrorCode, message string) {
	c.JSON(code.HTTPStatusCode(), types.NewErrorResponse(code, message, getRequestID(c)))
}

// ErrorWithDetails sends an error API response with details
// 发送带详情的错误响应
func ErrorWithDetails(c *gin.Context, code types.ErrorCode, message, details string) {
	c.JSON(code.HTTPStatusCode(), types.NewErrorResponseWithDetails(code, message, details, getRequestID(c)))
}

// ValidationError sends a validation error response
// 发送验证错误响应
func ValidationError(c *gin.Context, err error) {
	Error(c, types.ErrInvalidRequest, err.Error())
}

// NotFound sends a not found error response
// 发送未找到错误响应
func NotFound(c *gin.Context, resource string) {
	Error(c, types.ErrNotFound, resource+" not found")
}

// InternalError sends an internal server error response
// 发送内部服务器错误响应
func InternalError(c *gin.Context, err error) {
	ErrorWithDetails(c, types.ErrInternalError, "Internal server error", err.Error())
}

// Forbidden sends a forbidden error response
// 发送禁止访问错误响应
func Forbidden(c *gin.Context, message string) {
	Error(c, types.ErrPermissionDenied, message)
}

// Accepted sends an accepted response (for async operations)
// 发送已接受响应（用于异步操作）
func Accepted(c *gin.Context, message string) {
	response := gin.H{"message": message, "status": "accepted"}
	c.JSON(http.StatusAccepted, types.NewSuccessResponse(response, getRequestID(c)))
}
