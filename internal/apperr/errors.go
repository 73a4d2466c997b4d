// Package apperr defines the sentinel errors shared by the stores and services.
package apperr

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrValidation        = errors.New("validation failed")
	ErrIntegrityMismatch = errors.New("integrity mismatch")
	ErrStructural        = errors.New("structural parse error")
	ErrRebuildInProgress = errors.New("index rebuild in progress")
	ErrOrphanedReference = errors.New("orphaned reference")
)
