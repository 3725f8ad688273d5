package fetch

import "codeberg.org/mutker/loxbridge/internal/errors"

const (
	// Transfer errors
	ErrTransfer  = errors.ErrorCode("fetch_transfer_failed")
	ErrNoArchive = errors.ErrorCode("fetch_no_archive_found")

	// Format errors
	ErrArchiveFormat  = errors.ErrorCode("fetch_archive_format_invalid")
	ErrMetadataFormat = errors.ErrorCode("fetch_metadata_invalid")

	// Cache errors
	ErrCacheRead  = errors.ErrorCode("fetch_cache_read_failed")
	ErrCacheWrite = errors.ErrorCode("fetch_cache_write_failed")

	// Probe errors
	ErrProbeFailed = errors.ErrorCode("fetch_probe_failed")
)
