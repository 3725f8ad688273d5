package loxcc

import "codeberg.org/mutker/loxbridge/internal/errors"

const (
	// Container framing errors
	ErrShortHeader = errors.ErrorCode("loxcc_short_header")
	ErrBadMagic    = errors.ErrorCode("loxcc_bad_magic")
	ErrShortBody   = errors.ErrorCode("loxcc_short_body")

	// Decompression errors
	ErrTruncated        = errors.ErrorCode("loxcc_truncated_input")
	ErrBadBackReference = errors.ErrorCode("loxcc_bad_back_reference")
	ErrChecksumMismatch = errors.ErrorCode("loxcc_checksum_mismatch")
	ErrSizeMismatch     = errors.ErrorCode("loxcc_size_mismatch")
)
