package session

import "codeberg.org/mutker/loxbridge/internal/errors"

const (
	// Connection errors
	ErrDialFailed         = errors.ErrorCode("session_dial_failed")
	ErrAuthFailed         = errors.ErrorCode("session_auth_failed")
	ErrNotConnected       = errors.ErrorCode("session_not_connected")
	ErrReconnectExhausted = errors.ErrorCode("session_reconnect_exhausted")

	// Command errors
	ErrCommandFailed   = errors.ErrorCode("session_command_failed")
	ErrResponseInvalid = errors.ErrorCode("session_response_invalid")
)
