// Package card stores uploaded documents as cards: a YAML metadata header
// followed by delimited tag-index, original-content and user-added regions.
package card

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starford/dossier/internal/apperr"
)

// Section names as they appear in the delimiter lines.
const (
	SectionTagIndex  = "TAG INDEX"
	SectionOriginal  = "ORIGINAL CONTENT"
	SectionUserAdded = "USER ADDED"
)

var sectionOrder = []string{SectionTagIndex, SectionOriginal, SectionUserAdded}

const headerDelim = "---"

// Header is the card metadata block.
type Header struct {
	UUID            string    `yaml:"uuid"`
	SourceFile      string    `yaml:"source_file"`
	SourceReference string    `yaml:"source_reference"`
	Classification  string    `yaml:"classification"`
	Handling        []string  `yaml:"handling"`
	Created         time.Time `yaml:"created"`
	Modified        time.Time `yaml:"modified"`
	SourceHash      string    `yaml:"source_hash"`
}

// Document is the typed model of a card file.
type Document struct {
	Header    Header
	TagIndex  []string
	Original  string
	UserAdded *string
}

func startDelim(name string) string { return "=== " + name + " START ===" }
func endDelim(name string) string   { return "=== " + name + " END ===" }

// Parse reads a card file. Missing header or section delimiters yield an
// error wrapping apperr.ErrStructural.
func Parse(data []byte) (*Document, error) {
	header, body, err := splitHeader(data)
	if err != nil {
		return nil, err
	}
	sections, err := scanSections(body)
	if err != nil {
		return nil, err
	}

	doc := &Document{Header: *header}
	tagIndex, ok := sections[SectionTagIndex]
	if !ok {
		return nil, structural("missing %s section", SectionTagIndex)
	}
	for _, line := range strings.Split(tagIndex, "\n") {
		if strings.TrimSpace(line) != "" {
			doc.TagIndex = append(doc.TagIndex, line)
		}
	}
	original, ok := sections[SectionOriginal]
	if !ok {
		return nil, structural("missing %s section", SectionOriginal)
	}
	doc.Original = original
	if user, ok := sections[SectionUserAdded]; ok {
		doc.UserAdded = &user
	}
	return doc, nil
}

// Render serializes a document. Render(Parse(x)) == x for every card Render produced.
func (d *Document) Render() ([]byte, error) {
	meta, err := yaml.Marshal(&d.Header)
	if err != nil {
		return nil, fmt.Errorf("card: marshal header: %w", err)
	}
	var b bytes.Buffer
	b.WriteString(headerDelim + "\n")
	b.Write(meta)
	b.WriteString(headerDelim + "\n")

	b.WriteString(startDelim(SectionTagIndex) + "\n")
	for _, e := range d.TagIndex {
		if strings.TrimSpace(e) == "" {
			continue
		}
		b.WriteString(e + "\n")
	}
	b.WriteString(endDelim(SectionTagIndex) + "\n")

	writeRegion(&b, SectionOriginal, d.Original)
	if d.UserAdded != nil {
		writeRegion(&b, SectionUserAdded, *d.UserAdded)
	}
	return b.Bytes(), nil
}

func writeRegion(b *bytes.Buffer, name, content string) {
	b.WriteString(startDelim(name) + "\n")
	b.WriteString(content + "\n")
	b.WriteString(endDelim(name) + "\n")
}

// splitHeader separates the YAML header (between leading --- delimiters)
// from the section body.
func splitHeader(data []byte) (*Header, string, error) {
	if !bytes.HasPrefix(data, []byte(headerDelim+"\n")) {
		return nil, "", structural("missing metadata header")
	}
	rest := data[len(headerDelim)+1:]
	idx := bytes.Index(rest, []byte("\n"+headerDelim+"\n"))
	if idx < 0 {
		return nil, "", structural("unterminated metadata header")
	}
	var h Header
	if err := yaml.Unmarshal(rest[:idx+1], &h); err != nil {
		return nil, "", structural("invalid metadata header: %v", err)
	}
	if h.UUID == "" {
		return nil, "", structural("metadata header has no uuid")
	}
	body := string(rest[idx+1+len(headerDelim)+1:])
	return &h, body, nil
}

// scanSections tokenizes body line by line. Text outside sections is
// ignored; inside a section everything up to the matching end delimiter is
// content, including lines that look like other delimiters.
func scanSections(body string) (map[string]string, error) {
	lines := strings.Split(body, "\n")
	out := make(map[string]string, len(sectionOrder))
	open := ""
	start := 0
	for i, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		if open == "" {
			for _, name := range sectionOrder {
				if line != startDelim(name) {
					continue
				}
				if _, dup := out[name]; dup {
					return nil, structural("duplicate %s section", name)
				}
				open, start = name, i+1
				break
			}
			continue
		}
		if line == endDelim(open) {
			out[open] = strings.Join(lines[start:i], "\n")
			open = ""
		}
	}
	if open != "" {
		return nil, structural("unterminated %s section", open)
	}
	return out, nil
}

// CheckOriginal rejects source text that would not survive a round trip
// through a card, such as a line equal to the original-content end delimiter.
func CheckOriginal(text string) error {
	end := endDelim(SectionOriginal)
	for i, raw := range strings.Split(text, "\n") {
		if strings.TrimRight(raw, "\r") == end {
			return fmt.Errorf("card: source line %d is a section delimiter: %w", i+1, apperr.ErrValidation)
		}
	}
	return nil
}

func structural(format string, args ...any) error {
	return fmt.Errorf("card: %s: %w", fmt.Sprintf(format, args...), apperr.ErrStructural)
}
