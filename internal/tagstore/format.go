package tagstore

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/starford/dossier/internal/apperr"
	"github.com/starford/dossier/internal/markup"
	"github.com/starford/dossier/internal/models"
)

// formatVersion identifies an on-disk tag file layout.
type formatVersion int

const (
	// formatV1 is the legacy layout: <name>_<id>.tag with TYPE/ALIASES/REFERENCES headers.
	formatV1 formatVersion = 1
	// formatV2 is the per-type layout: tags/<dir>/<name>_<id>.<type>.tag.
	formatV2 formatVersion = 2

	currentFormat = formatV2
)

const (
	fileExt     = ".tag"
	timeLayout  = time.RFC3339
	itemPrefix  = "- "
	linkArrow   = " -> "
	kvSeparator = ": "
)

// Header keys. The v1 spellings are accepted as aliases when reading.
const (
	keyUUID        = "UUID"
	keyTagType     = "TAG_TYPE"
	keyType        = "TYPE"
	keyName        = "NAME"
	keyEntityType  = "ENTITY_TYPE"
	keyPairKey     = "PAIR_KEY"
	keyPairValue   = "PAIR_VALUE"
	keyDataType    = "DATA_TYPE"
	keyCreated     = "CREATED"
	keyModified    = "MODIFIED"
	keyAliases     = "SEARCH_ALIASES"
	keyAliasesV1   = "ALIASES"
	keyRefs        = "CARD_REFERENCES"
	keyRefsV1      = "REFERENCES"
	keyKeyValues   = "KEY_VALUE_PAIRS"
	keyConnected   = "CONNECTED_ENTITIES"
	keyDescription = "DESCRIPTION"
)

var headerLine = regexp.MustCompile(`^([A-Z][A-Z0-9_]*):\s?(.*)$`)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// sanitizeName turns a tag name into a filename-safe stem.
func sanitizeName(name string) string {
	s := unsafeName.ReplaceAllString(strings.TrimSpace(name), "_")
	s = strings.Trim(s, "_")
	if len(s) > 64 {
		s = s[:64]
	}
	if s == "" {
		return "tag"
	}
	return s
}

// tagPath returns the current-format path for a tag.
func tagPath(t *models.Tag) string {
	file := sanitizeName(t.Name) + "_" + t.ID + "." + string(t.Type) + fileExt
	return path.Join(TagsDir, t.Type.Dir(), file)
}

// detectVersion reports the format of a tag file from its name. ok is false
// for files that are not tag files.
func detectVersion(p string) (formatVersion, bool) {
	base := path.Base(p)
	if !strings.HasSuffix(base, fileExt) {
		return 0, false
	}
	stem := strings.TrimSuffix(base, fileExt)
	if i := strings.LastIndexByte(stem, '.'); i >= 0 {
		if _, known := models.ParseTagType(stem[i+1:]); known {
			return formatV2, true
		}
	}
	return formatV1, true
}

// idFromPath extracts the id encoded after the last underscore of a tag filename.
func idFromPath(p string) string {
	stem := strings.TrimSuffix(path.Base(p), fileExt)
	if v, _ := detectVersion(p); v == formatV2 {
		stem = stem[:strings.LastIndexByte(stem, '.')]
	}
	i := strings.LastIndexByte(stem, '_')
	if i < 0 {
		return stem
	}
	return stem[i+1:]
}

// encode renders a tag in the current format.
func encode(t *models.Tag) []byte {
	var b strings.Builder
	line := func(k, v string) { fmt.Fprintf(&b, "%s: %s\n", k, v) }

	line(keyUUID, t.ID)
	line(keyTagType, string(t.Type))
	line(keyName, t.Name)
	if t.EntityType != "" {
		line(keyEntityType, t.EntityType)
	}
	if t.PairKey != "" {
		line(keyPairKey, t.PairKey)
	}
	if t.PairValue != "" {
		line(keyPairValue, t.PairValue)
	}
	if t.DataType != "" {
		line(keyDataType, t.DataType)
	}
	line(keyCreated, t.Created.UTC().Format(timeLayout))
	line(keyModified, t.Modified.UTC().Format(timeLayout))

	b.WriteString("\n" + keyAliases + ":\n")
	for _, a := range t.Aliases {
		b.WriteString(itemPrefix + a + "\n")
	}
	b.WriteString(keyRefs + ":\n")
	for _, r := range t.References {
		b.WriteString(itemPrefix + r + "\n")
	}
	if len(t.KeyValues) > 0 {
		b.WriteString(keyKeyValues + ":\n")
		keys := make([]string, 0, len(t.KeyValues))
		for k := range t.KeyValues {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(itemPrefix + k + kvSeparator + t.KeyValues[k] + "\n")
		}
	}
	if len(t.ConnectedEntities) > 0 {
		b.WriteString(keyConnected + ":\n")
		for _, l := range t.ConnectedEntities {
			b.WriteString(itemPrefix + l.Source + linkArrow + l.Target + "\n")
		}
	}
	if t.Description != "" {
		b.WriteString(keyDescription + ":\n")
		b.WriteString(t.Description + "\n")
	}
	return []byte(b.String())
}

// decode parses a tag file of either format. Unknown headers and their list
// items are skipped. A tag missing its id, type, references or timestamps is
// rejected with apperr.ErrStructural.
func decode(data []byte) (*models.Tag, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	t := &models.Tag{}
	var created, modified bool
	block := ""
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, itemPrefix) || line == "-" {
			item := strings.TrimSpace(strings.TrimPrefix(line, "-"))
			if item == "" {
				continue
			}
			switch block {
			case keyAliases, keyAliasesV1:
				t.Aliases = append(t.Aliases, item)
			case keyRefs, keyRefsV1:
				t.References = append(t.References, item)
			case keyKeyValues:
				k, v, ok := strings.Cut(item, ":")
				if !ok {
					continue
				}
				if t.KeyValues == nil {
					t.KeyValues = make(map[string]string)
				}
				t.KeyValues[strings.TrimSpace(k)] = strings.TrimSpace(v)
			case keyConnected:
				src, tgt, ok := strings.Cut(item, "->")
				if !ok {
					continue
				}
				t.ConnectedEntities = append(t.ConnectedEntities, models.EntityLink{
					Source: strings.TrimSpace(src),
					Target: strings.TrimSpace(tgt),
				})
			}
			continue
		}

		m := headerLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key, value := m[1], strings.TrimSpace(m[2])
		block = ""
		switch key {
		case keyUUID:
			t.ID = value
		case keyTagType, keyType:
			if tt, ok := models.ParseTagType(value); ok {
				t.Type = tt
			}
		case keyName:
			t.Name = value
		case keyEntityType:
			t.EntityType = value
		case keyPairKey:
			t.PairKey = value
		case keyPairValue:
			t.PairValue = value
		case keyDataType:
			t.DataType = value
		case keyCreated:
			if ts, err := time.Parse(timeLayout, value); err == nil {
				t.Created, created = ts, true
			}
		case keyModified:
			if ts, err := time.Parse(timeLayout, value); err == nil {
				t.Modified, modified = ts, true
			}
		case keyAliases, keyAliasesV1, keyRefs, keyRefsV1, keyKeyValues, keyConnected:
			block = key
		case keyDescription:
			rest := strings.Join(lines[i+1:], "\n")
			if value != "" {
				rest = value + "\n" + rest
			}
			t.Description = strings.TrimSuffix(rest, "\n")
			return finish(t, created, modified)
		}
	}
	return finish(t, created, modified)
}

func finish(t *models.Tag, created, modified bool) (*models.Tag, error) {
	var missing []string
	if t.ID == "" {
		missing = append(missing, "id")
	}
	if t.Type == "" {
		missing = append(missing, "type")
	}
	if len(t.References) == 0 {
		missing = append(missing, "references")
	}
	if !created {
		missing = append(missing, "created")
	}
	if !modified {
		missing = append(missing, "modified")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("tagstore: missing %s: %w", strings.Join(missing, ", "), apperr.ErrStructural)
	}
	// Markers written for an id the scanner cannot read would be wrapped again on the next embed.
	if !markup.ValidID(t.ID) {
		return nil, fmt.Errorf("tagstore: id %q cannot appear in a marker: %w", t.ID, apperr.ErrStructural)
	}
	if t.Aliases == nil {
		t.Aliases = []string{}
	}
	return t, nil
}
