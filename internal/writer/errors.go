package writer

import "codeberg.org/mutker/loxbridge/internal/errors"

const (
	ErrUnknownProtocol = errors.ErrorCode("writer_unknown_protocol")
	ErrDialFailed      = errors.ErrorCode("writer_dial_failed")
	ErrConnectFailed   = errors.ErrorCode("writer_connect_failed")
)
