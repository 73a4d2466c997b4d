package markup

import (
	"strings"

	"github.com/starford/dossier/internal/models"
)

// IndexEntry returns the tag-index line for tag.
func IndexEntry(tag *models.Tag) string {
	return Format(tag.Type, tag.Name, tag.ID)
}

// AddIndexEntry appends entry for id to a tag index. Entries are
// deduplicated by exact string; stale entries for the same id (for example
// after a rename) are replaced.
func AddIndexEntry(entries []string, entry, id string) []string {
	out := make([]string, 0, len(entries)+1)
	for _, e := range entries {
		if e == entry {
			continue
		}
		if ms := Scan(e); len(ms) == 1 && ms[0].ID == id {
			continue
		}
		out = append(out, e)
	}
	return append(out, entry)
}

// RemoveIndexEntries drops every entry pointing at id and collapses the
// blank lines left behind.
func RemoveIndexEntries(entries []string, id string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e) == "" {
			continue
		}
		if containsID(e, id) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func containsID(entry, id string) bool {
	for _, m := range Scan(entry) {
		if m.ID == id {
			return true
		}
	}
	return false
}
