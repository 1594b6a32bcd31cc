package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode 错误代码
type ErrorCode int

const (
	ErrCodeSuccess ErrorCode = iota
	ErrCodeBadRequest
	ErrCodeNotFound
	ErrCodeConflict
	ErrCodeInternalError
	ErrCodeStorageError
	ErrCodeTimeout
	ErrCodeCodecNotFound
	ErrCodeDuplicateCodec
	ErrCodeDecodeFailed
	ErrCodeNoAdapter
	ErrCodeTransport
	ErrCodeInvalidTransition
	ErrCodeNotCancellable
	ErrCodeDeviceNotFound
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus 返回对应的HTTP状态码
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeBadRequest, ErrCodeDecodeFailed:
		return http.StatusBadRequest
	case ErrCodeNotFound, ErrCodeCodecNotFound, ErrCodeDeviceNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeDuplicateCodec, ErrCodeInvalidTransition, ErrCodeNotCancellable:
		return http.StatusConflict
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeTransport, ErrCodeNoAdapter:
		return http.StatusBadGateway
	case ErrCodeStorageError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewError 创建新错误
func NewError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithErr 创建带底层错误的错误
func NewErrorWithErr(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Newf 格式化消息，并保留预定义错误的代码
func Newf(base *AppError, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    base.Code,
		Message: fmt.Sprintf(format, args...),
		Err:     base,
	}
}

// WrapError 包装错误
func WrapError(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    code,
			Message: message,
			Details: appErr.Details,
			Err:     appErr,
		}
	}

	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// 预定义错误
var (
	ErrNotFound          = NewError(ErrCodeNotFound, "Resource not found")
	ErrBadRequest        = NewError(ErrCodeBadRequest, "Bad request")
	ErrInternalError     = NewError(ErrCodeInternalError, "Internal server error")
	ErrStorage           = NewError(ErrCodeStorageError, "Storage error")
	ErrTimeout           = NewError(ErrCodeTimeout, "Operation timeout")
	ErrCodecNotFound     = NewError(ErrCodeCodecNotFound, "Codec not found")
	ErrDuplicateCodec    = NewError(ErrCodeDuplicateCodec, "Codec already registered")
	ErrDecodeFailed      = NewError(ErrCodeDecodeFailed, "Payload decode failed")
	ErrNoAdapter         = NewError(ErrCodeNoAdapter, "No adapter for protocol")
	ErrTransport         = NewError(ErrCodeTransport, "Transport send failed")
	ErrInvalidTransition = NewError(ErrCodeInvalidTransition, "Invalid state transition")
	ErrNotCancellable    = NewError(ErrCodeNotCancellable, "Command can no longer be cancelled")
	ErrDeviceNotFound    = NewError(ErrCodeDeviceNotFound, "Device not found")
)

// Is 检查错误是否为指定类型
func Is(err error, target *AppError) bool {
	if err == nil || target == nil {
		return false
	}

	for current := err; current != nil; current = errors.Unwrap(current) {
		appErr, ok := current.(*AppError)
		if !ok || appErr == nil {
			continue
		}
		if appErr.Code == target.Code {
			return true
		}
	}
	return false
}

// StatusOf 返回错误对应的HTTP状态码，非 AppError 按 500 处理
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}
