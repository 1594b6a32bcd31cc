// =============================================================================
// 错误模块单元测试
// =============================================================================
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "simple message",
			err:      &AppError{Code: ErrCodeBadRequest, Message: "bad request"},
			expected: "bad request",
		},
		{
			name:     "with underlying error",
			err:      &AppError{Code: ErrCodeTransport, Message: "send failed", Err: errors.New("broker down")},
			expected: "send failed: broker down",
		},
		{
			name:     "with details",
			err:      &AppError{Code: ErrCodeBadRequest, Message: "validation failed", Details: "device_id is required"},
			expected: "validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestAppError_HTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeBadRequest, http.StatusBadRequest},
		{ErrCodeNotFound, http.StatusNotFound},
		{ErrCodeCodecNotFound, http.StatusNotFound},
		{ErrCodeDeviceNotFound, http.StatusNotFound},
		{ErrCodeDuplicateCodec, http.StatusConflict},
		{ErrCodeNotCancellable, http.StatusConflict},
		{ErrCodeInvalidTransition, http.StatusConflict},
		{ErrCodeNoAdapter, http.StatusBadGateway},
		{ErrCodeTimeout, http.StatusGatewayTimeout},
		{ErrCodeStorageError, http.StatusServiceUnavailable},
		{ErrCodeInternalError, http.StatusInternalServerError},
		{ErrorCode(999), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		err := NewError(tt.code, "x")
		if got := err.HTTPStatus(); got != tt.want {
			t.Errorf("code %d HTTPStatus() = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestWrapError(t *testing.T) {
	if WrapError(nil, ErrCodeInternalError, "x") != nil {
		t.Fatal("WrapError(nil) should return nil")
	}

	base := errors.New("io")
	wrapped := WrapError(base, ErrCodeStorageError, "save command")
	if wrapped.Code != ErrCodeStorageError || !errors.Is(wrapped, base) {
		t.Fatalf("unexpected wrapped error: %+v", wrapped)
	}

	inner := &AppError{Code: ErrCodeBadRequest, Message: "inner", Details: "d"}
	outer := WrapError(inner, ErrCodeInternalError, "outer")
	if outer.Details != "d" {
		t.Errorf("Details = %q, want d", outer.Details)
	}
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", Newf(ErrNoAdapter, "no adapter for protocol %s", "lora"))
	if !Is(err, ErrNoAdapter) {
		t.Error("expected Is(err, ErrNoAdapter)")
	}
	if Is(err, ErrCodecNotFound) {
		t.Error("unexpected match with ErrCodecNotFound")
	}
	if Is(nil, ErrNoAdapter) || Is(err, nil) {
		t.Error("nil inputs must not match")
	}
}

func TestStatusOf(t *testing.T) {
	if got := StatusOf(fmt.Errorf("wrap: %w", ErrNotCancellable)); got != http.StatusConflict {
		t.Errorf("StatusOf = %d, want 409", got)
	}
	if got := StatusOf(errors.New("plain")); got != http.StatusInternalServerError {
		t.Errorf("StatusOf = %d, want 500", got)
	}
}
