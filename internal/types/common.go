// Package types provides the shared API envelope and error codes
// 这个包提供统一的 API 响应格式与错误码定义
package types

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents unified error codes
// 统一的错误码定义
type ErrorCode string

const (
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrConflict          ErrorCode = "CONFLICT"
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrPermissionDenied  ErrorCode = "PERMISSION_DENIED"
	ErrResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	ErrTransferFailed    ErrorCode = "TRANSFER_FAILED"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// String returns the string representation of the error code
func (e ErrorCode) String() string {
	return string(e)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error
func (e ErrorCode) HTTPStatusCode() int {
	switch e {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrConflict:
		return http.StatusConflict
	case ErrTimeout:
		return http.StatusRequestTimeout
	case ErrPermissionDenied:
		return http.StatusForbidden
	case ErrResourceExhausted:
		return http.StatusTooManyRequests
	case ErrTransferFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorInfo represents detailed error information
// 错误详细信息
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// Error returns a formatted error message
func (e *ErrorInfo) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ResponseMeta represents metadata included in API responses
// API 响应元数据
type ResponseMeta struct {
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId"`
}

// NewResponseMeta creates a new ResponseMeta with current timestamp
func NewResponseMeta(requestID string) *ResponseMeta {
	return &ResponseMeta{
		Timestamp: time.Now().Format(time.RFC3339),
		RequestID: requestID,
	}
}

// ApiResponse represents a unified API response format
// 统一的 API 响应格式，支持泛型类型
type ApiResponse[T any] struct {
	Success  bool          `json:"success"`
	Data     T             `json:"data,omitempty"`
	Error    *ErrorInfo    `json:"error,omitempty"`
	Metadata *ResponseMeta `json:"metadata,omitempty"`
}

// NewSuccessResponse creates a successful API response
func NewSuccessResponse[T any](data T, requestID string) *ApiResponse[T] {
	return &ApiResponse[T]{
		Success:  true,
		Data:     data,
		Metadata: NewResponseMeta(requestID),
	}
}

// NewErrorResponse creates an error API response
func NewErrorResponse(code ErrorCode, message string, requestID string) *ApiResponse[struct{}] {
	return NewErrorResponseWithDetails(code, message, "", requestID)
}

// NewErrorResponseWithDetails creates an error API response with details
func NewErrorResponseWithDetails(code ErrorCode, message, details string, requestID string) *ApiResponse[struct{}] {
	return &ApiResponse[struct{}]{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
			Details: details,
		},
		Metadata: NewResponseMeta(requestID),
	}
}
