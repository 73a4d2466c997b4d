// Package connection stores explicit graph edges between entity tags, one
// YAML file per connection.
package connection

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/starford/dossier/internal/apperr"
	"github.com/starford/dossier/internal/models"
	"github.com/starford/dossier/internal/storage"
)

// Dir is the connection directory under the data root.
const Dir = "connections"

const fileExt = ".yaml"

// Input holds the writable fields of a connection.
type Input struct {
	Source         string           `json:"source"`
	Target         string           `json:"target"`
	RelationshipID string           `json:"relationship_id,omitempty"`
	AttributeIDs   []string         `json:"attribute_ids,omitempty"`
	Kind           string           `json:"kind"`
	Direction      models.Direction `json:"direction"`
	Strength       *float64         `json:"strength,omitempty"`
	Notes          string           `json:"notes,omitempty"`
}

// Validate checks the input before anything is written.
func (in *Input) Validate() error {
	if in.Direction == "" {
		in.Direction = models.DirectionForward
	}
	if err := validation.ValidateStruct(in,
		validation.Field(&in.Source, validation.Required),
		validation.Field(&in.Target, validation.Required, validation.NotIn(in.Source).Error("must differ from source")),
		validation.Field(&in.Direction, validation.In(
			models.DirectionForward, models.DirectionBackward, models.DirectionBidirectional, models.DirectionNone,
		)),
		validation.Field(&in.Strength, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&in.AttributeIDs, validation.Each(validation.Required)),
	); err != nil {
		return fmt.Errorf("connection: %w: %w", apperr.ErrValidation, err)
	}
	return nil
}

// Store reads and writes connection files.
type Store struct {
	store storage.Provider
	log   *slog.Logger
	now   func() time.Time

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewStore creates a connection store.
func NewStore(store storage.Provider, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		store:   store,
		log:     log,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Second) },
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (s *Store) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// Create validates and persists a new connection.
func (s *Store) Create(in Input) (*models.Connection, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	c := &models.Connection{ID: s.newID(), Created: now}
	apply(c, in)
	c.Modified = now
	if err := s.write(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns a connection by id.
func (s *Store) Get(id string) (*models.Connection, error) {
	if id == "" || id != path.Base(id) || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("connection: invalid id %q: %w", id, apperr.ErrValidation)
	}
	data, err := s.store.Read(filePath(id))
	if err != nil {
		if storage.IsNotExist(err) {
			return nil, fmt.Errorf("connection: %s: %w", id, apperr.ErrNotFound)
		}
		return nil, err
	}
	var c models.Connection
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("connection: decode %s: %w: %v", id, apperr.ErrStructural, err)
	}
	c.ID = id
	return &c, nil
}

// List returns every readable connection ordered by id. Unreadable files are
// logged and skipped.
func (s *Store) List() ([]*models.Connection, error) {
	metas, err := s.store.List(Dir)
	if err != nil {
		return nil, err
	}
	var out []*models.Connection
	for _, m := range metas {
		if !strings.HasSuffix(m.Path, fileExt) {
			continue
		}
		c, err := s.Get(strings.TrimSuffix(path.Base(m.Path), fileExt))
		if err != nil {
			s.log.Warn("connection: skip unreadable file", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Update replaces the writable fields of an existing connection.
func (s *Store) Update(id string, in Input) (*models.Connection, error) {
	c, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	apply(c, in)
	c.Modified = s.now()
	if err := s.write(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Delete removes a connection. It reports false when none existed.
func (s *Store) Delete(id string) (bool, error) {
	if _, err := s.Get(id); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.store.Delete(filePath(id)); err != nil && !storage.IsNotExist(err) {
		return false, fmt.Errorf("connection: delete %s: %w", id, err)
	}
	return true, nil
}

// Involving returns the connections whose source or target is one of ids.
func (s *Store) Involving(ids ...string) ([]*models.Connection, error) {
	set := toSet(ids)
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*models.Connection
	for _, c := range all {
		_, src := set[c.Source]
		_, tgt := set[c.Target]
		if src || tgt {
			out = append(out, c)
		}
	}
	return out, nil
}

// RewriteEndpoints points every source or target in from at to. Only entity
// positions are rewritten. A connection that would become a self loop is
// removed. It returns the number of connections changed.
func (s *Store) RewriteEndpoints(from []string, to string) (int, error) {
	affected, err := s.Involving(from...)
	if err != nil {
		return 0, err
	}
	set := toSet(from)
	changed := 0
	for _, c := range affected {
		if _, ok := set[c.Source]; ok {
			c.Source = to
		}
		if _, ok := set[c.Target]; ok {
			c.Target = to
		}
		if c.Source == c.Target {
			s.log.Info("connection: drop self loop after merge", slog.String("id", c.ID), slog.String("tag", to))
			if _, err := s.Delete(c.ID); err != nil {
				return changed, err
			}
			changed++
			continue
		}
		c.Modified = s.now()
		if err := s.write(c); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

func (s *Store) write(c *models.Connection) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("connection: encode %s: %w", c.ID, err)
	}
	if err := s.store.Write(filePath(c.ID), data); err != nil {
		return fmt.Errorf("connection: write %s: %w", c.ID, err)
	}
	return nil
}

func apply(c *models.Connection, in Input) {
	c.Source = in.Source
	c.Target = in.Target
	c.RelationshipID = in.RelationshipID
	c.AttributeIDs = in.AttributeIDs
	c.Kind = in.Kind
	c.Direction = in.Direction
	c.Strength = 1
	if in.Strength != nil {
		c.Strength = *in.Strength
	}
	c.Notes = in.Notes
}

func filePath(id string) string {
	return path.Join(Dir, id+fileExt)
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
