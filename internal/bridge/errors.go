package bridge

import "codeberg.org/mutker/loxbridge/internal/errors"

const (
	ErrStartupFailed  = errors.ErrorCode("bridge_startup_failed")
	ErrRebuildFailed  = errors.ErrorCode("bridge_rebuild_failed")
	ErrSessionLost    = errors.ErrorCode("bridge_session_lost")
	ErrShutdownFailed = errors.ErrorCode("bridge_shutdown_failed")
)
