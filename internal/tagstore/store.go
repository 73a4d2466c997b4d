// Package tagstore persists tags, one file per tag under a type directory.
package tagstore

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/dossier/internal/apperr"
	"github.com/starford/dossier/internal/models"
	"github.com/starford/dossier/internal/storage"
)

// TagsDir is the tag directory under the data root.
const TagsDir = "tags"

// Marker applies and removes a tag's inline markers in cards.
type Marker interface {
	EmbedTag(tag *models.Tag, cards []string) (int, error)
	StripTag(tag *models.Tag, cards []string) (int, error)
}

// Store reads and writes tag files.
type Store struct {
	store  storage.Provider
	marker Marker
	log    *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewStore creates a tag store. marker may be nil, in which case cards are
// never touched.
func NewStore(store storage.Provider, marker Marker, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		store:  store,
		marker: marker,
		log:    log,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Second) },
		newID:  uuid.NewString,
	}
}

// Entry is a parsed tag together with the file it was read from.
type Entry struct {
	Tag  *models.Tag
	Path string
}

// Create validates in, writes a new tag file and embeds the tag into every
// referenced card.
func (s *Store) Create(in InsertTag) (*models.Tag, error) {
	in.normalize()
	if err := in.Validate(); err != nil {
		return nil, validationErr(err)
	}
	now := s.now()
	t := &models.Tag{
		ID:                s.newID(),
		Type:              in.Type,
		Name:              in.Name,
		EntityType:        in.EntityType,
		Aliases:           in.Aliases,
		KeyValues:         in.KeyValues,
		Description:       in.Description,
		References:        in.References,
		PairKey:           in.PairKey,
		PairValue:         in.PairValue,
		DataType:          in.DataType,
		ConnectedEntities: in.ConnectedEntities,
		Created:           now,
		Modified:          now,
	}
	if err := s.store.Write(tagPath(t), encode(t)); err != nil {
		return nil, fmt.Errorf("tagstore: write %s: %w", t.ID, err)
	}
	if s.marker != nil {
		if _, err := s.marker.EmbedTag(t, t.References); err != nil {
			return t, fmt.Errorf("tagstore: embed %s: %w", t.ID, err)
		}
	}
	return t, nil
}

// Get returns the tag with the given id.
func (s *Store) Get(id string) (*models.Tag, error) {
	e, err := s.find(id)
	if err != nil {
		return nil, err
	}
	return e.Tag, nil
}

// Path returns the file holding the tag with the given id.
func (s *Store) Path(id string) (string, error) {
	e, err := s.find(id)
	if err != nil {
		return "", err
	}
	return e.Path, nil
}

// List returns every parseable tag, sorted by type then name.
func (s *Store) List() ([]*models.Tag, error) {
	entries, err := s.Scan()
	if err != nil {
		return nil, err
	}
	out := make([]*models.Tag, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Tag)
	}
	return out, nil
}

// ListByType returns the parseable tags of one type.
func (s *Store) ListByType(t models.TagType) ([]*models.Tag, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("tagstore: unknown type %q: %w", t, apperr.ErrValidation)
	}
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*models.Tag
	for _, tag := range all {
		if tag.Type == t {
			out = append(out, tag)
		}
	}
	return out, nil
}

// Scan walks the tag directory, migrating legacy files on the way. Files
// that cannot be parsed are logged and skipped.
func (s *Store) Scan() ([]Entry, error) {
	metas, err := s.store.List(TagsDir)
	if err != nil {
		return nil, err
	}

	// Current-format files first so that a legacy duplicate left behind by
	// an interrupted migration resolves to the already migrated copy.
	sort.SliceStable(metas, func(i, j int) bool {
		vi, _ := detectVersion(metas[i].Path)
		vj, _ := detectVersion(metas[j].Path)
		return vi > vj
	})

	seen := make(map[string]struct{}, len(metas))
	var out []Entry
	for _, m := range metas {
		v, ok := detectVersion(m.Path)
		if !ok {
			continue
		}
		if _, dup := seen[idFromPath(m.Path)]; dup && v < currentFormat {
			if err := s.store.Delete(m.Path); err != nil && !storage.IsNotExist(err) {
				s.log.Warn("tagstore: remove legacy duplicate", slog.String("path", m.Path), slog.String("error", err.Error()))
			}
			continue
		}
		e, err := s.load(m.Path)
		if err != nil {
			s.log.Warn("tagstore: skip unparseable tag", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		if _, dup := seen[e.Tag.ID]; dup {
			s.log.Warn("tagstore: duplicate tag id", slog.String("id", e.Tag.ID), slog.String("path", m.Path))
			continue
		}
		seen[e.Tag.ID] = struct{}{}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tag.Type != out[j].Tag.Type {
			return out[i].Tag.Type < out[j].Tag.Type
		}
		if out[i].Tag.Name != out[j].Tag.Name {
			return out[i].Tag.Name < out[j].Tag.Name
		}
		return out[i].Tag.ID < out[j].Tag.ID
	})
	return out, nil
}

// ReadFile parses a single tag file, migrating it when it uses a legacy
// format. The returned entry carries the path the tag lives at afterwards.
func (s *Store) ReadFile(p string) (*Entry, error) {
	if _, ok := detectVersion(p); !ok {
		return nil, fmt.Errorf("tagstore: %s is not a tag file: %w", p, apperr.ErrValidation)
	}
	return s.load(p)
}

// Update applies a partial change. Removed references are stripped from
// their cards; added references, and all references when the search terms
// change, are embedded.
func (s *Store) Update(id string, p Patch) (*models.Tag, error) {
	e, err := s.find(id)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, validationErr(err)
	}
	old := *e.Tag
	t := e.Tag
	p.apply(t)
	t.Modified = s.now()

	in := insertFromTag(t)
	if err := in.Validate(); err != nil {
		return nil, validationErr(err)
	}

	removed := difference(old.References, t.References)
	added := difference(t.References, old.References)
	termsChanged := !slices.Equal(old.SearchTerms(), t.SearchTerms())

	if s.marker != nil && len(removed) > 0 {
		if _, err := s.marker.StripTag(&old, removed); err != nil {
			return nil, fmt.Errorf("tagstore: strip %s: %w", id, err)
		}
	}
	if err := s.writeAt(t, e.Path); err != nil {
		return nil, err
	}
	if s.marker != nil {
		targets := added
		if termsChanged {
			targets = t.References
		}
		if len(targets) > 0 {
			if _, err := s.marker.EmbedTag(t, targets); err != nil {
				return t, fmt.Errorf("tagstore: embed %s: %w", id, err)
			}
		}
	}
	return t, nil
}

// Save writes a complete tag, replacing the stored copy. Cards are not
// touched. The tag must already exist and its type cannot change.
func (s *Store) Save(t *models.Tag) error {
	e, err := s.find(t.ID)
	if err != nil {
		return err
	}
	if e.Tag.Type != t.Type {
		return fmt.Errorf("tagstore: type of %s is immutable: %w", t.ID, apperr.ErrValidation)
	}
	in := insertFromTag(t)
	in.normalize()
	if err := in.Validate(); err != nil {
		return validationErr(err)
	}
	t.Aliases, t.References = in.Aliases, in.References
	t.Modified = s.now()
	return s.writeAt(t, e.Path)
}

// Delete strips the tag's markers from every referenced card and then
// removes its file. It reports false when no such tag exists.
func (s *Store) Delete(id string) (bool, error) {
	e, err := s.find(id)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if s.marker != nil {
		if _, err := s.marker.StripTag(e.Tag, e.Tag.References); err != nil {
			return false, fmt.Errorf("tagstore: strip %s: %w", id, err)
		}
	}
	if err := s.store.Delete(e.Path); err != nil && !storage.IsNotExist(err) {
		return false, fmt.Errorf("tagstore: delete %s: %w", id, err)
	}
	return true, nil
}

// RemoveReferences drops refs from the tag without touching cards. When no
// reference remains the tag file is removed and deleted is true.
func (s *Store) RemoveReferences(id string, refs []string) (deleted bool, err error) {
	e, err := s.find(id)
	if err != nil {
		return false, err
	}
	kept := difference(e.Tag.References, refs)
	if len(kept) == len(e.Tag.References) {
		return false, nil
	}
	if len(kept) == 0 {
		if err := s.store.Delete(e.Path); err != nil && !storage.IsNotExist(err) {
			return false, fmt.Errorf("tagstore: delete %s: %w", id, err)
		}
		return true, nil
	}
	e.Tag.References = kept
	e.Tag.Modified = s.now()
	return false, s.writeAt(e.Tag, e.Path)
}

// find locates a tag by id, trying filenames first and falling back to
// parsing every file.
func (s *Store) find(id string) (*Entry, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("tagstore: empty id: %w", apperr.ErrValidation)
	}
	metas, err := s.store.List(TagsDir)
	if err != nil {
		return nil, err
	}
	var byName []string
	for _, m := range metas {
		if _, ok := detectVersion(m.Path); ok && idFromPath(m.Path) == id {
			byName = append(byName, m.Path)
		}
	}
	sort.SliceStable(byName, func(i, j int) bool {
		vi, _ := detectVersion(byName[i])
		vj, _ := detectVersion(byName[j])
		return vi > vj
	})
	for _, p := range byName {
		if e, err := s.load(p); err == nil && e.Tag.ID == id {
			return e, nil
		}
	}

	entries, err := s.Scan()
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Tag.ID == id {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("tagstore: tag %s: %w", id, apperr.ErrNotFound)
}

// load reads and decodes p, running pending migrations.
func (s *Store) load(p string) (*Entry, error) {
	data, err := s.store.Read(p)
	if err != nil {
		if storage.IsNotExist(err) {
			return nil, fmt.Errorf("tagstore: %s: %w", p, apperr.ErrNotFound)
		}
		return nil, err
	}
	t, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("tagstore: %s: %w", p, err)
	}
	v, _ := detectVersion(p)
	if v == currentFormat && p != tagPath(t) && path.Dir(p) != path.Join(TagsDir, t.Type.Dir()) {
		// A current-format file in the wrong type directory is moved.
		v = formatV1
	}
	for v < currentFormat {
		migrate, ok := migrations[v]
		if !ok {
			return nil, fmt.Errorf("tagstore: no migration from format %d: %w", v, apperr.ErrStructural)
		}
		np, err := migrate(s, p, t)
		if err != nil {
			return nil, err
		}
		s.log.Info("tagstore: migrated tag file", slog.String("from", p), slog.String("to", np))
		p = np
		v++
	}
	return &Entry{Tag: t, Path: p}, nil
}

// writeAt writes t at its current path and removes prev when the name
// change moved the file.
func (s *Store) writeAt(t *models.Tag, prev string) error {
	np := tagPath(t)
	if err := s.store.Write(np, encode(t)); err != nil {
		return fmt.Errorf("tagstore: write %s: %w", t.ID, err)
	}
	if prev != "" && prev != np {
		if err := s.store.Delete(prev); err != nil && !storage.IsNotExist(err) {
			return fmt.Errorf("tagstore: remove old file %s: %w", prev, err)
		}
	}
	return nil
}

// difference returns the items of a not present in b, preserving order.
func difference(a, b []string) []string {
	drop := make(map[string]struct{}, len(b))
	for _, x := range b {
		drop[x] = struct{}{}
	}
	var out []string
	for _, x := range a {
		if _, ok := drop[x]; !ok {
			out = append(out, x)
		}
	}
	return out
}
