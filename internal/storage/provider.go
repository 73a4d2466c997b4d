// Package storage defines the data-root file-system abstraction.
package storage

import (
	"time"

	"github.com/starford/dossier/internal/models"
)

// Provider is the interface for data-root file operations.
type Provider interface {
	// List returns metadata for every regular file under dir (relative to
	// the root). A missing or unreadable dir is reported as empty.
	List(dir string) ([]models.FileMetadata, error)
	// Read returns the raw bytes of the file at path (relative to root).
	Read(path string) ([]byte, error)
	// Write atomically writes content to path (relative to root).
	Write(path string, content []byte) error
	// Delete removes the file at path (relative to root).
	Delete(path string) error
	// Move renames oldPath to newPath (both relative to root).
	Move(oldPath, newPath string) error
	// Exists reports whether a regular file exists at path.
	Exists(path string) bool
	// ModTime returns the modification time of the file at path.
	ModTime(path string) (time.Time, error)
	// Begin starts a staged multi-file write.
	Begin() Batch
}

// Batch stages several file writes and makes them visible together.
// Nothing staged is visible until Commit; Rollback discards staged files.
type Batch interface {
	Stage(path string, content []byte) error
	Commit() error
	Rollback()
	Len() int
}
