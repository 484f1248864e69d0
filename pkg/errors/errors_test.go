package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !errors.Is(err, originalErr) {
		t.Error("errors.Is should match the wrapped cause")
	}

	errorMsg := err.Error()
	if !contains(errorMsg, "original error") {
		t.Errorf("Error() should contain cause, got: %v", errorMsg)
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	err.WithContext("device_id", "dev-1").WithContext("count", 42)

	if err.Context["device_id"] != "dev-1" {
		t.Errorf("Context[device_id] = %v, want 'dev-1'", err.Context["device_id"])
	}
	if err.Context["count"] != 42 {
		t.Errorf("Context[count] = %v, want 42", err.Context["count"])
	}
}

func TestConstructors(t *testing.T) {
	cases := []struct {
		name       string
		err        *AppError
		wantCode   ErrorCode
		wantStatus int
	}{
		{"invalid stream type", NewInvalidStreamTypeError("thermal"), ErrCodeInvalidStreamType, http.StatusBadRequest},
		{"device unavailable", NewDeviceUnavailableError("dev-9"), ErrCodeDeviceUnavailable, http.StatusNotFound},
		{"session limit", NewSessionLimitError(10), ErrCodeSessionLimit, http.StatusTooManyRequests},
		{"session not found", NewSessionNotFoundError("sess-1"), ErrCodeSessionNotFound, http.StatusNotFound},
		{"invalid session state", NewInvalidSessionStateError(errors.New("bad state")), ErrCodeInvalidSessionState, http.StatusConflict},
		{"stream start failed", NewStreamStartFailedError(errors.New("boom")), ErrCodeStreamStartFailed, http.StatusBadRequest},
		{"negotiation failed", NewNegotiationFailedError(errors.New("boom")), ErrCodeNegotiationFailed, http.StatusBadRequest},
		{"rate limit", NewRateLimitError(), ErrCodeRateLimit, http.StatusTooManyRequests},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Code != tc.wantCode {
				t.Errorf("Code = %v, want %v", tc.err.Code, tc.wantCode)
			}
			if tc.err.HTTPStatus != tc.wantStatus {
				t.Errorf("HTTPStatus = %v, want %v", tc.err.HTTPStatus, tc.wantStatus)
			}
		})
	}
}

func TestIsAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)
	regularErr := errors.New("regular error")

	if !IsAppError(appErr) {
		t.Error("IsAppError() should return true for AppError")
	}
	if IsAppError(regularErr) {
		t.Error("IsAppError() should return false for regular error")
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)

	if result := GetAppError(appErr); result != appErr {
		t.Errorf("GetAppError() = %v, want %v", result, appErr)
	}

	wrapped := fmt.Errorf("outer: %w", appErr)
	if result := GetAppError(wrapped); result != appErr {
		t.Errorf("GetAppError() should unwrap, got %v", result)
	}

	if result := GetAppError(errors.New("plain")); result != nil {
		t.Errorf("GetAppError() = %v, want nil for plain error", result)
	}
	if result := GetAppError(nil); result != nil {
		t.Errorf("GetAppError(nil) = %v, want nil", result)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
