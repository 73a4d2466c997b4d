package models

import (
	"strings"
	"time"
)

// TagType is the variant of an annotation record.
type TagType string

const (
	TagEntity       TagType = "entity"
	TagRelationship TagType = "relationship"
	TagAttribute    TagType = "attribute"
	TagComment      TagType = "comment"
	TagKVPair       TagType = "kv_pair"
	TagLabel        TagType = "label"
	TagData         TagType = "data"
)

var tagDirs = map[TagType]string{
	TagEntity:       "entities",
	TagRelationship: "relationships",
	TagAttribute:    "attributes",
	TagComment:      "comments",
	TagKVPair:       "kv_pairs",
	TagLabel:        "labels",
	TagData:         "data",
}

// AllTagTypes returns every known tag type in a stable order.
func AllTagTypes() []TagType {
	return []TagType{TagEntity, TagRelationship, TagAttribute, TagComment, TagKVPair, TagLabel, TagData}
}

// Valid reports whether t is a known tag type.
func (t TagType) Valid() bool {
	_, ok := tagDirs[t]
	return ok
}

// Dir returns the type-specific directory name under tags/.
func (t TagType) Dir() string {
	return tagDirs[t]
}

// ParseTagType converts s to a TagType, reporting whether it is known.
func ParseTagType(s string) (TagType, bool) {
	t := TagType(strings.ToLower(strings.TrimSpace(s)))
	return t, t.Valid()
}

// EntityLink is one source -> target pair carried by a relationship tag.
type EntityLink struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Tag is a polymorphic annotation record.
type Tag struct {
	ID                string            `json:"id"`
	Type              TagType           `json:"type"`
	Name              string            `json:"name"`
	EntityType        string            `json:"entity_type,omitempty"`
	Aliases           []string          `json:"aliases"`
	KeyValues         map[string]string `json:"key_values,omitempty"`
	Description       string            `json:"description,omitempty"`
	References        []string          `json:"references"`
	PairKey           string            `json:"pair_key,omitempty"`
	PairValue         string            `json:"pair_value,omitempty"`
	DataType          string            `json:"data_type,omitempty"`
	ConnectedEntities []EntityLink      `json:"connected_entities,omitempty"`
	Created           time.Time         `json:"created"`
	Modified          time.Time         `json:"modified"`
}

// SearchTerms returns the name followed by the aliases, skipping blanks and
// case-insensitive duplicates.
func (t *Tag) SearchTerms() []string {
	seen := make(map[string]struct{}, len(t.Aliases)+1)
	var out []string
	for _, term := range append([]string{t.Name}, t.Aliases...) {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		key := strings.ToLower(term)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, term)
	}
	return out
}

// HasReference reports whether the tag references the given card.
func (t *Tag) HasReference(card string) bool {
	for _, r := range t.References {
		if r == card {
			return true
		}
	}
	return false
}
