// Package markup embeds and removes inline reference markers of the form
// [type:visible-text](tag-id) in card text.
//
// Markers are located by an explicit tokenizer (Scan) rather than by ad hoc
// pattern searches, so every operation works on the same typed view of the
// text. Removing all markers always reproduces the text that was marked,
// because the visible text of a marker is exactly the text it replaced.
package markup

import (
	"strings"

	"github.com/starford/dossier/internal/models"
)

const maxTypeLen = 16

// Marker is one inline reference found in a text.
type Marker struct {
	Start int            `json:"start"` // byte offset of '['
	End   int            `json:"end"`   // byte offset after ')'
	Type  models.TagType `json:"type"`
	Text  string         `json:"text"`
	ID    string         `json:"id"`
}

// TextStart returns the byte offset of the visible text inside the marker.
func (m Marker) TextStart() int {
	return m.Start + 1 + len(m.Type) + 1
}

// Overlaps reports whether [start, end) intersects the marker span.
func (m Marker) Overlaps(start, end int) bool {
	return start < m.End && end > m.Start
}

// Format renders a marker.
func Format(t models.TagType, text, id string) string {
	return "[" + string(t) + ":" + text + "](" + id + ")"
}

// Scan tokenizes text and returns every well-formed marker in order.
func Scan(text string) []Marker {
	var out []Marker
	for i := 0; i < len(text); {
		j := strings.IndexByte(text[i:], '[')
		if j < 0 {
			break
		}
		start := i + j
		if m, ok := parseAt(text, start); ok {
			out = append(out, m)
			i = m.End
			continue
		}
		i = start + 1
	}
	return out
}

// parseAt tries to read '[' type ':' text ']' '(' id ')' at start.
func parseAt(text string, start int) (Marker, bool) {
	p := start + 1
	colon := strings.IndexByte(text[p:], ':')
	if colon <= 0 || colon > maxTypeLen {
		return Marker{}, false
	}
	typ := models.TagType(text[p : p+colon])
	if !typ.Valid() {
		return Marker{}, false
	}
	p += colon + 1

	closeIdx := strings.IndexAny(text[p:], "[]\n")
	if closeIdx <= 0 || text[p+closeIdx] != ']' {
		return Marker{}, false
	}
	visible := text[p : p+closeIdx]
	p += closeIdx + 1

	if p >= len(text) || text[p] != '(' {
		return Marker{}, false
	}
	p++
	k := p
	for k < len(text) && isIDByte(text[k]) {
		k++
	}
	if k == p || k >= len(text) || text[k] != ')' {
		return Marker{}, false
	}
	return Marker{Start: start, End: k + 1, Type: typ, Text: visible, ID: text[p:k]}, true
}

func isIDByte(c byte) bool {
	return c == '-' || c == '_' ||
		(c >= '0' && c <= '9') ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z')
}

// ValidID reports whether id can appear inside a marker.
func ValidID(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		if !isIDByte(id[i]) {
			return false
		}
	}
	return true
}

// ValidText reports whether s can be used as visible marker text.
func ValidText(s string) bool {
	return s != "" && !strings.ContainsAny(s, "[]\n")
}

// IDs returns the distinct marker ids in text, in order of first appearance.
func IDs(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range Scan(text) {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m.ID)
	}
	return out
}

// Count returns how many markers in text point at id.
func Count(text, id string) int {
	n := 0
	for _, m := range Scan(text) {
		if m.ID == id {
			n++
		}
	}
	return n
}
