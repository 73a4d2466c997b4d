// Package models defines the domain types for Dossier.
package models

import (
	"path"
	"strings"
	"time"
)

// FileKind classifies a physical file in the data root.
type FileKind string

const (
	FileRawText FileKind = "raw_text"
	FileCSV     FileKind = "csv"
	FileCard    FileKind = "card"
	FileTag     FileKind = "tag_file"
)

// File is a physical document on disk.
type File struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Kind     FileKind  `json:"kind"`
	Size     int64     `json:"size"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
	Hash     string    `json:"hash"`
}

// FileMetadata is the lightweight listing record returned by storage.
type FileMetadata struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KindOf infers the file kind from its relative path. The top-level
// directory decides first, so an upload named like a card stays raw text.
func KindOf(rel string) FileKind {
	base := path.Base(rel)
	dir, _, nested := strings.Cut(rel, "/")
	if !nested {
		dir = ""
	}
	switch {
	case dir == "uploads":
		if strings.EqualFold(path.Ext(base), ".csv") {
			return FileCSV
		}
		return FileRawText
	case dir == "cards" && strings.HasSuffix(base, CardSuffix):
		return FileCard
	case dir == "tags" && strings.HasSuffix(base, ".tag"):
		return FileTag
	case dir != "":
		return FileRawText
	}

	switch {
	case strings.HasSuffix(base, ".tag"):
		return FileTag
	case strings.HasSuffix(base, CardSuffix):
		return FileCard
	case strings.EqualFold(path.Ext(base), ".csv"):
		return FileCSV
	default:
		return FileRawText
	}
}
