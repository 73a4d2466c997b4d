package index

import (
	"encoding/json"
	"slices"
	"sort"
	"time"

	"github.com/starford/dossier/internal/models"
)

// SnapshotVersion is bumped whenever the persisted layout changes. A
// persisted snapshot with another version is discarded and rebuilt.
const SnapshotVersion = 2

// Inconsistency kinds.
const (
	KindOrphanedReference  = "orphaned_reference"
	KindDanglingMarker     = "dangling_marker"
	KindMissingMarker      = "missing_marker"
	KindMarkerTypeMismatch = "marker_type_mismatch"
	KindCardSourceMissing  = "card_source_missing"
	KindStructuralError    = "structural_error"
)

// Broken connection reasons.
const (
	ReasonMissingSource = "missing_source"
	ReasonMissingTarget = "missing_target"
)

// Connection origins.
const (
	OriginExplicit     = "explicit"
	OriginRelationship = "relationship"
)

// MarkerRef is one distinct tag marker found in a card.
type MarkerRef struct {
	ID   string         `json:"id"`
	Type models.TagType `json:"type"`
}

// FileEntry is the indexed summary of a raw upload or a card.
type FileEntry struct {
	models.File
	// Card is the card created from a raw upload.
	Card string `json:"card,omitempty"`
	// Source is the raw upload a card was created from.
	Source          string      `json:"source,omitempty"`
	CardUUID        string      `json:"cardUuid,omitempty"`
	Markers         []MarkerRef `json:"markers,omitempty"`
	StructuralError string      `json:"structuralError,omitempty"`
}

// TagEntry is the indexed summary of a tag file.
type TagEntry struct {
	ID                string              `json:"id"`
	Type              models.TagType      `json:"type"`
	Name              string              `json:"name"`
	EntityType        string              `json:"entityType,omitempty"`
	Aliases           []string            `json:"aliases"`
	References        []string            `json:"references"`
	ConnectedEntities []models.EntityLink `json:"connectedEntities,omitempty"`
	Path              string              `json:"path"`
	Created           time.Time           `json:"created"`
	Modified          time.Time           `json:"modified"`
}

// ConnectionEntry is a valid edge between two entity tags.
type ConnectionEntry struct {
	ID             string           `json:"id"`
	Source         string           `json:"source"`
	Target         string           `json:"target"`
	RelationshipID string           `json:"relationshipId,omitempty"`
	AttributeIDs   []string         `json:"attributeIds,omitempty"`
	Kind           string           `json:"kind,omitempty"`
	Direction      models.Direction `json:"direction"`
	Strength       float64          `json:"strength"`
	Origin         string           `json:"origin"`
}

// BrokenConnection is an edge with an endpoint that is not an entity tag.
// An edge missing both endpoints yields two records.
type BrokenConnection struct {
	ConnectionID   string `json:"connectionId"`
	RelationshipID string `json:"relationshipId,omitempty"`
	Source         string `json:"source"`
	Target         string `json:"target"`
	Reason         string `json:"reason"`
	Origin         string `json:"origin"`
}

// Inconsistency is a detected mismatch between cards and tags.
type Inconsistency struct {
	Kind   string `json:"kind"`
	TagID  string `json:"tagId,omitempty"`
	Card   string `json:"card,omitempty"`
	Path   string `json:"path,omitempty"`
	Detail string `json:"detail"`
}

// Stats are aggregate counts over a snapshot.
type Stats struct {
	TotalFiles            int            `json:"totalFiles"`
	RawFiles              int            `json:"rawFiles"`
	TotalCards            int            `json:"totalCards"`
	TotalTags             int            `json:"totalTags"`
	TagsByType            map[string]int `json:"tagsByType"`
	TotalConnections      int            `json:"totalConnections"`
	BrokenConnections     int            `json:"brokenConnections"`
	Inconsistencies       int            `json:"inconsistencies"`
	InconsistenciesByKind map[string]int `json:"inconsistenciesByKind"`
}

// Snapshot is the derived view of the whole data root.
type Snapshot struct {
	Version           int                `json:"version"`
	LastUpdated       time.Time          `json:"lastUpdated"`
	Files             []FileEntry        `json:"files"`
	Tags              []TagEntry         `json:"tags"`
	Connections       []ConnectionEntry  `json:"connections"`
	BrokenConnections []BrokenConnection `json:"brokenConnections"`
	Inconsistencies   []Inconsistency    `json:"inconsistencies"`
	Stats             Stats              `json:"stats"`
}

// Tag returns the entry for id.
func (s *Snapshot) Tag(id string) (TagEntry, bool) {
	for _, t := range s.Tags {
		if t.ID == id {
			return t, true
		}
	}
	return TagEntry{}, false
}

// File returns the entry for a path.
func (s *Snapshot) File(path string) (FileEntry, bool) {
	for _, f := range s.Files {
		if f.Path == path {
			return f, true
		}
	}
	return FileEntry{}, false
}

// InconsistenciesOf returns the inconsistencies of one kind.
func (s *Snapshot) InconsistenciesOf(kind string) []Inconsistency {
	var out []Inconsistency
	for _, inc := range s.Inconsistencies {
		if inc.Kind == kind {
			out = append(out, inc)
		}
	}
	return out
}

// clone returns a copy whose top-level slices may be modified freely.
func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.Files = slices.Clone(s.Files)
	c.Tags = slices.Clone(s.Tags)
	c.Connections = slices.Clone(s.Connections)
	c.BrokenConnections = slices.Clone(s.BrokenConnections)
	c.Inconsistencies = slices.Clone(s.Inconsistencies)
	return &c
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func encodeSnapshot(snap *Snapshot) ([]byte, error) {
	return json.MarshalIndent(snap, "", "  ")
}

func tagEntry(t *models.Tag, path string) TagEntry {
	return TagEntry{
		ID:                t.ID,
		Type:              t.Type,
		Name:              t.Name,
		EntityType:        t.EntityType,
		Aliases:           slices.Clone(t.Aliases),
		References:        slices.Clone(t.References),
		ConnectedEntities: slices.Clone(t.ConnectedEntities),
		Path:              path,
		Created:           t.Created,
		Modified:          t.Modified,
	}
}

func sortSnapshot(s *Snapshot) {
	sort.Slice(s.Files, func(i, j int) bool { return s.Files[i].Path < s.Files[j].Path })
	sort.Slice(s.Tags, func(i, j int) bool {
		a, b := s.Tags[i], s.Tags[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	sort.Slice(s.Connections, func(i, j int) bool { return s.Connections[i].ID < s.Connections[j].ID })
	sort.Slice(s.BrokenConnections, func(i, j int) bool {
		a, b := s.BrokenConnections[i], s.BrokenConnections[j]
		if a.ConnectionID != b.ConnectionID {
			return a.ConnectionID < b.ConnectionID
		}
		return a.Reason < b.Reason
	})
	sort.Slice(s.Inconsistencies, func(i, j int) bool {
		a, b := s.Inconsistencies[i], s.Inconsistencies[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.TagID != b.TagID {
			return a.TagID < b.TagID
		}
		if a.Card != b.Card {
			return a.Card < b.Card
		}
		return a.Path < b.Path
	})
}
