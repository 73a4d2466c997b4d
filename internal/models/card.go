package models

import (
	"path"
	"strings"
	"time"
)

// CardSuffix is appended to the source file stem to name its card.
const CardSuffix = "_card.txt"

// Card is a document envelope wrapping one uploaded file.
type Card struct {
	Filename        string    `json:"filename"`
	UUID            string    `json:"uuid"`
	SourceFile      string    `json:"source_file"`
	SourceReference string    `json:"source_reference"`
	SourceHash      string    `json:"source_hash"`
	Classification  string    `json:"classification"`
	Handling        []string  `json:"handling"`
	Created         time.Time `json:"created"`
	Modified        time.Time `json:"modified"`
	TagIndex        []string  `json:"tag_index"`
	Original        string    `json:"original_content"`
	UserAdded       *string   `json:"user_added,omitempty"`
}

// CardName returns the card filename derived from a source filename.
func CardName(sourceFile string) string {
	base := path.Base(sourceFile)
	stem := strings.TrimSuffix(base, path.Ext(base))
	return stem + CardSuffix
}
