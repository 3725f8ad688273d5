package model

import "codeberg.org/mutker/loxbridge/internal/errors"

const (
	ErrParseFailed   = errors.ErrorCode("model_parse_failed")
	ErrEmptyDocument = errors.ErrorCode("model_empty_document")
)
