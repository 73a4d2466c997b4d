package tagstore

import (
	"errors"
	"fmt"
	"path"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/dossier/internal/apperr"
	"github.com/starford/dossier/internal/models"
)

// InsertTag is the input to Create.
type InsertTag struct {
	Type              models.TagType      `json:"type"`
	Name              string              `json:"name"`
	EntityType        string              `json:"entity_type,omitempty"`
	Aliases           []string            `json:"aliases,omitempty"`
	KeyValues         map[string]string   `json:"key_values,omitempty"`
	Description       string              `json:"description,omitempty"`
	References        []string            `json:"references"`
	PairKey           string              `json:"pair_key,omitempty"`
	PairValue         string              `json:"pair_value,omitempty"`
	DataType          string              `json:"data_type,omitempty"`
	ConnectedEntities []models.EntityLink `json:"connected_entities,omitempty"`
}

// Validate checks that the tag can be written and later parsed back.
func (in *InsertTag) Validate() error {
	return validation.ValidateStruct(in,
		validation.Field(&in.Type, validation.Required, validation.By(knownType)),
		validation.Field(&in.Name, validation.Required, validation.By(singleLine), validation.By(markerText)),
		validation.Field(&in.EntityType, validation.By(singleLine)),
		validation.Field(&in.Aliases, validation.Each(validation.Required, validation.By(singleLine), validation.By(markerText))),
		validation.Field(&in.KeyValues, validation.By(keyValues)),
		validation.Field(&in.References, validation.Required, validation.Each(validation.Required, validation.By(cardFilename))),
		validation.Field(&in.PairKey, validation.By(singleLine)),
		validation.Field(&in.PairValue, validation.By(singleLine)),
		validation.Field(&in.DataType, validation.By(singleLine)),
		validation.Field(&in.ConnectedEntities, validation.Each(validation.By(entityLink))),
	)
}

// normalize trims names and drops duplicate aliases and references.
func (in *InsertTag) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Aliases = dedupe(in.Aliases, true)
	in.References = dedupe(in.References, false)
}

// Patch is a partial update. Nil fields are left unchanged. The tag type
// cannot be patched.
type Patch struct {
	Name              *string              `json:"name,omitempty"`
	EntityType        *string              `json:"entity_type,omitempty"`
	Aliases           *[]string            `json:"aliases,omitempty"`
	KeyValues         *map[string]string   `json:"key_values,omitempty"`
	Description       *string              `json:"description,omitempty"`
	References        *[]string            `json:"references,omitempty"`
	PairKey           *string              `json:"pair_key,omitempty"`
	PairValue         *string              `json:"pair_value,omitempty"`
	DataType          *string              `json:"data_type,omitempty"`
	ConnectedEntities *[]models.EntityLink `json:"connected_entities,omitempty"`
	Type              *models.TagType      `json:"type,omitempty"`
}

// Validate rejects a type change. Field contents are checked on the patched tag.
func (p *Patch) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Type, validation.Nil.Error("tag type is immutable")),
	)
}

func (p *Patch) apply(t *models.Tag) {
	if p.Name != nil {
		t.Name = strings.TrimSpace(*p.Name)
	}
	if p.EntityType != nil {
		t.EntityType = *p.EntityType
	}
	if p.Aliases != nil {
		t.Aliases = dedupe(*p.Aliases, true)
	}
	if p.KeyValues != nil {
		t.KeyValues = *p.KeyValues
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.References != nil {
		t.References = dedupe(*p.References, false)
	}
	if p.PairKey != nil {
		t.PairKey = *p.PairKey
	}
	if p.PairValue != nil {
		t.PairValue = *p.PairValue
	}
	if p.DataType != nil {
		t.DataType = *p.DataType
	}
	if p.ConnectedEntities != nil {
		t.ConnectedEntities = *p.ConnectedEntities
	}
	if t.Aliases == nil {
		t.Aliases = []string{}
	}
}

func insertFromTag(t *models.Tag) InsertTag {
	return InsertTag{
		Type:              t.Type,
		Name:              t.Name,
		EntityType:        t.EntityType,
		Aliases:           t.Aliases,
		KeyValues:         t.KeyValues,
		Description:       t.Description,
		References:        t.References,
		PairKey:           t.PairKey,
		PairValue:         t.PairValue,
		DataType:          t.DataType,
		ConnectedEntities: t.ConnectedEntities,
	}
}

func validationErr(err error) error {
	return fmt.Errorf("tagstore: %w: %w", apperr.ErrValidation, err)
}

func knownType(value any) error {
	t, _ := value.(models.TagType)
	if !t.Valid() {
		return errors.New("unknown tag type")
	}
	return nil
}

func singleLine(value any) error {
	s, _ := value.(string)
	if strings.ContainsAny(s, "\r\n") {
		return errors.New("must be a single line")
	}
	return nil
}

// markerText keeps terms embeddable as marker text.
func markerText(value any) error {
	s, _ := value.(string)
	if strings.ContainsAny(s, "[]") {
		return errors.New("must not contain square brackets")
	}
	return nil
}

func cardFilename(value any) error {
	s, _ := value.(string)
	if s != path.Base(s) || strings.ContainsAny(s, `/\`) || strings.HasPrefix(s, "-") {
		return errors.New("must be a card filename")
	}
	return singleLine(s)
}

func keyValues(value any) error {
	kv, _ := value.(map[string]string)
	for k, v := range kv {
		if strings.TrimSpace(k) == "" || strings.Contains(k, ":") || strings.ContainsAny(k+v, "\r\n") {
			return fmt.Errorf("invalid key/value pair %q", k)
		}
	}
	return nil
}

func entityLink(value any) error {
	l, _ := value.(models.EntityLink)
	if l.Source == "" || l.Target == "" {
		return errors.New("source and target are required")
	}
	if strings.Contains(l.Source, "->") || strings.ContainsAny(l.Source+l.Target, " \r\n") {
		return errors.New("invalid entity id")
	}
	return nil
}

// dedupe removes blank and repeated entries, keeping first appearance.
func dedupe(items []string, foldCase bool) []string {
	seen := make(map[string]struct{}, len(items))
	out := []string{}
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		key := it
		if foldCase {
			key = strings.ToLower(it)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	return out
}
