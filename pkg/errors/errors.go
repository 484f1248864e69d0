package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput        ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidStreamType   ErrorCode = "INVALID_STREAM_TYPE"
	ErrCodeDeviceUnavailable   ErrorCode = "DEVICE_UNAVAILABLE"
	ErrCodeSessionLimit        ErrorCode = "SESSION_LIMIT_EXCEEDED"
	ErrCodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeInvalidSessionState ErrorCode = "INVALID_SESSION_STATE"
	ErrCodeStreamStartFailed   ErrorCode = "STREAM_START_FAILED"
	ErrCodeStreamStopFailed    ErrorCode = "STREAM_STOP_FAILED"
	ErrCodeNegotiationFailed   ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeRateLimit           ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewInvalidStreamTypeError(streamType string) *AppError {
	return NewAppError(ErrCodeInvalidStreamType,
		fmt.Sprintf("invalid stream type: %s", streamType), http.StatusBadRequest)
}

func NewDeviceUnavailableError(deviceID string) *AppError {
	return NewAppError(ErrCodeDeviceUnavailable,
		fmt.Sprintf("device %s not found", deviceID), http.StatusNotFound)
}

func NewSessionLimitError(limit int) *AppError {
	return NewAppError(ErrCodeSessionLimit,
		fmt.Sprintf("maximum concurrent sessions (%d) reached", limit), http.StatusTooManyRequests)
}

func NewSessionNotFoundError(sessionID string) *AppError {
	return NewAppError(ErrCodeSessionNotFound,
		fmt.Sprintf("session %s not found", sessionID), http.StatusNotFound)
}

func NewInvalidSessionStateError(err error) *AppError {
	return WrapError(err, ErrCodeInvalidSessionState, "operation not allowed in current session state", http.StatusConflict)
}

func NewStreamStartFailedError(err error) *AppError {
	return WrapError(err, ErrCodeStreamStartFailed, "failed to start device stream", http.StatusBadRequest)
}

func NewNegotiationFailedError(err error) *AppError {
	return WrapError(err, ErrCodeNegotiationFailed, "WebRTC negotiation failed", http.StatusBadRequest)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := err.(*AppError); ok {
		return appErr
	}

	type unwrapper interface {
		Unwrap() error
	}

	if u, ok := err.(unwrapper); ok {
		return GetAppError(u.Unwrap())
	}

	return nil
}
