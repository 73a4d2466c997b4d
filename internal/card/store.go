package card

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/dossier/internal/apperr"
	"github.com/starford/dossier/internal/checksum"
	"github.com/starford/dossier/internal/markup"
	"github.com/starford/dossier/internal/models"
	"github.com/starford/dossier/internal/storage"
)

// Directories under the data root.
const (
	UploadsDir = "uploads"
	CardsDir   = "cards"
)

// Defaults are the handling labels stamped on new cards.
type Defaults struct {
	Classification string
	Handling       []string
}

// Store reads and writes cards. It performs direct, unsynchronized file I/O.
type Store struct {
	store    storage.Provider
	defaults Defaults
	now      func() time.Time
}

// NewStore creates a card store on top of a storage provider.
func NewStore(store storage.Provider, defaults Defaults) *Store {
	return &Store{
		store:    store,
		defaults: defaults,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	}
}

// Path returns the storage path of a card.
func Path(name string) string {
	return path.Join(CardsDir, name)
}

// SaveUpload writes a raw upload and creates its card.
func (s *Store) SaveUpload(name string, data []byte) (*models.Card, error) {
	if err := validateFilename(name); err != nil {
		return nil, err
	}
	if s.store.Exists(Path(models.CardName(name))) {
		return nil, fmt.Errorf("card: card for %s: %w", name, apperr.ErrAlreadyExists)
	}
	if err := CheckOriginal(string(data)); err != nil {
		return nil, err
	}
	src := path.Join(UploadsDir, name)
	if err := s.store.Write(src, data); err != nil {
		return nil, err
	}
	return s.CreateCard(src)
}

// CreateCard builds a card from a source file (path relative to the data root).
func (s *Store) CreateCard(sourcePath string) (*models.Card, error) {
	data, err := s.store.Read(sourcePath)
	if err != nil {
		if storage.IsNotExist(err) {
			return nil, fmt.Errorf("card: source %s: %w", sourcePath, apperr.ErrNotFound)
		}
		return nil, err
	}
	if err := CheckOriginal(string(data)); err != nil {
		return nil, err
	}
	now := s.now()
	base := path.Base(sourcePath)
	doc := &Document{
		Header: Header{
			UUID:            uuid.NewString(),
			SourceFile:      base,
			SourceReference: sourcePath,
			Classification:  s.defaults.Classification,
			Handling:        append([]string(nil), s.defaults.Handling...),
			Created:         now,
			Modified:        now,
			SourceHash:      checksum.Sum(data),
		},
		Original: string(data),
	}
	if err := roundTrips(doc); err != nil {
		return nil, err
	}
	name := models.CardName(base)
	if err := s.write(name, doc); err != nil {
		return nil, err
	}
	return toModel(name, doc), nil
}

// ReadCard loads a card by filename.
func (s *Store) ReadCard(name string) (*models.Card, error) {
	doc, err := s.load(name)
	if err != nil {
		return nil, err
	}
	return toModel(name, doc), nil
}

// ListCards returns the filenames of every card, sorted.
func (s *Store) ListCards() ([]string, error) {
	metas, err := s.store.List(CardsDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range metas {
		if strings.HasSuffix(m.Path, models.CardSuffix) {
			out = append(out, path.Base(m.Path))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Exists reports whether a card file is present.
func (s *Store) Exists(name string) bool {
	return s.store.Exists(Path(name))
}

// AppendUserText appends analyst text to the user-added region and returns the card uuid.
func (s *Store) AppendUserText(name, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("card: user text is empty: %w", apperr.ErrValidation)
	}
	doc, err := s.load(name)
	if err != nil {
		return "", err
	}
	if doc.UserAdded == nil || *doc.UserAdded == "" {
		doc.UserAdded = &text
	} else {
		joined := *doc.UserAdded + "\n" + text
		doc.UserAdded = &joined
	}
	doc.Header.Modified = s.now()
	if err := s.write(name, doc); err != nil {
		return "", err
	}
	return doc.Header.UUID, nil
}

// ClearUserAddedText removes the user-added region and returns the card uuid.
func (s *Store) ClearUserAddedText(name string) (string, error) {
	doc, err := s.load(name)
	if err != nil {
		return "", err
	}
	doc.UserAdded = nil
	doc.Header.Modified = s.now()
	if err := s.write(name, doc); err != nil {
		return "", err
	}
	return doc.Header.UUID, nil
}

// EmbedTag marks the tag in every listed card and records it in their tag
// indexes. All card rewrites are staged and committed together; cards that
// do not exist are skipped. It returns the number of markers added.
func (s *Store) EmbedTag(tag *models.Tag, cards []string) (int, error) {
	entry := markup.IndexEntry(tag)
	return s.rewrite(cards, func(doc *Document) (int, bool) {
		var n, m int
		doc.Original, n = markup.Embed(doc.Original, tag)
		if doc.UserAdded != nil {
			var user string
			user, m = markup.Embed(*doc.UserAdded, tag)
			doc.UserAdded = &user
		}
		before := strings.Join(doc.TagIndex, "\n")
		doc.TagIndex = markup.AddIndexEntry(doc.TagIndex, entry, tag.ID)
		return n + m, n+m > 0 || before != strings.Join(doc.TagIndex, "\n")
	})
}

// StripTag removes the tag's markers and tag-index entries from every
// listed card, staged and committed together. It returns the number of
// markers removed.
func (s *Store) StripTag(tag *models.Tag, cards []string) (int, error) {
	return s.rewrite(cards, func(doc *Document) (int, bool) {
		var n, m int
		doc.Original, n = markup.Strip(doc.Original, tag.ID)
		if doc.UserAdded != nil {
			var user string
			user, m = markup.Strip(*doc.UserAdded, tag.ID)
			doc.UserAdded = &user
		}
		before := len(doc.TagIndex)
		doc.TagIndex = markup.RemoveIndexEntries(doc.TagIndex, tag.ID)
		return n + m, n+m > 0 || before != len(doc.TagIndex)
	})
}

// CountMarkers counts the markers for id across the listed cards.
func (s *Store) CountMarkers(id string, cards []string) int {
	total := 0
	for _, name := range cards {
		doc, err := s.load(name)
		if err != nil {
			continue
		}
		total += markup.Count(doc.Original, id)
		if doc.UserAdded != nil {
			total += markup.Count(*doc.UserAdded, id)
		}
	}
	return total
}

func (s *Store) rewrite(cards []string, apply func(*Document) (int, bool)) (int, error) {
	batch := s.store.Begin()
	total := 0
	seen := make(map[string]struct{}, len(cards))
	for _, name := range cards {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		doc, err := s.load(name)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			batch.Rollback()
			return 0, err
		}
		n, changed := apply(doc)
		if !changed {
			continue
		}
		doc.Header.Modified = s.now()
		data, err := doc.Render()
		if err != nil {
			batch.Rollback()
			return 0, err
		}
		if err := batch.Stage(Path(name), data); err != nil {
			batch.Rollback()
			return 0, err
		}
		total += n
	}
	if batch.Len() == 0 {
		batch.Rollback()
		return total, nil
	}
	if err := batch.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) load(name string) (*Document, error) {
	if err := validateFilename(name); err != nil {
		return nil, err
	}
	data, err := s.store.Read(Path(name))
	if err != nil {
		if storage.IsNotExist(err) {
			return nil, fmt.Errorf("card: %s: %w", name, apperr.ErrNotFound)
		}
		return nil, err
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("card: %s: %w", name, err)
	}
	return doc, nil
}

func (s *Store) write(name string, doc *Document) error {
	data, err := doc.Render()
	if err != nil {
		return err
	}
	return s.store.Write(Path(name), data)
}

// roundTrips checks that a new card reads back with its source text intact.
func roundTrips(doc *Document) error {
	data, err := doc.Render()
	if err != nil {
		return err
	}
	back, err := Parse(data)
	if err != nil {
		return fmt.Errorf("card: rendered card does not parse: %w: %w", apperr.ErrValidation, err)
	}
	if back.Original != doc.Original {
		return fmt.Errorf("card: source text does not survive rendering: %w", apperr.ErrValidation)
	}
	return nil
}

func validateFilename(name string) error {
	if name == "" || name != path.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("card: invalid filename %q: %w", name, apperr.ErrValidation)
	}
	return nil
}

func toModel(name string, doc *Document) *models.Card {
	c := &models.Card{
		Filename:        name,
		UUID:            doc.Header.UUID,
		SourceFile:      doc.Header.SourceFile,
		SourceReference: doc.Header.SourceReference,
		SourceHash:      doc.Header.SourceHash,
		Classification:  doc.Header.Classification,
		Handling:        doc.Header.Handling,
		Created:         doc.Header.Created,
		Modified:        doc.Header.Modified,
		TagIndex:        doc.TagIndex,
		Original:        doc.Original,
	}
	if doc.UserAdded != nil {
		u := *doc.UserAdded
		c.UserAdded = &u
	}
	return c
}
