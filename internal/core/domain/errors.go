package domain

import "errors"

var (
	ErrInvalidStreamType    = errors.New("invalid stream type")
	ErrDeviceUnavailable    = errors.New("device unavailable")
	ErrSessionLimitExceeded = errors.New("session limit exceeded")
	ErrSessionNotFound      = errors.New("session not found")
	ErrInvalidSessionState  = errors.New("invalid session state")
	ErrStreamStartFailed    = errors.New("stream start failed")
	ErrStreamStopFailed     = errors.New("stream stop failed")
	ErrNegotiationFailed    = errors.New("negotiation failed")
)
