package index

import (
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/starford/dossier/internal/card"
	"github.com/starford/dossier/internal/checksum"
	"github.com/starford/dossier/internal/markup"
	"github.com/starford/dossier/internal/models"
	"github.com/starford/dossier/internal/storage"
)

// scanFiles indexes every raw upload and card. Unreadable files are logged
// and skipped.
func (s *Service) scanFiles() []FileEntry {
	var out []FileEntry
	for _, dir := range []string{card.UploadsDir, card.CardsDir} {
		metas, err := s.store.List(dir)
		if err != nil {
			s.log.Warn("index: list failed", slog.String("dir", dir), slog.String("error", err.Error()))
			continue
		}
		for _, m := range metas {
			e, err := s.fileEntry(m.Path, m.UpdatedAt)
			if err != nil {
				s.log.Warn("index: skip file", slog.String("path", m.Path), slog.String("error", err.Error()))
				continue
			}
			out = append(out, *e)
		}
	}
	return out
}

// fileEntry reads one file and summarizes it. Card structure errors are
// recorded on the entry rather than returned.
func (s *Service) fileEntry(p string, modified time.Time) (*FileEntry, error) {
	data, err := s.store.Read(p)
	if err != nil {
		return nil, err
	}
	f := models.File{
		ID:       p,
		Name:     path.Base(p),
		Path:     p,
		Kind:     models.KindOf(p),
		Size:     int64(len(data)),
		Hash:     checksum.Sum(data),
		Created:  modified.UTC(),
		Modified: modified.UTC(),
	}
	e := &FileEntry{File: f}
	if f.Kind != models.FileCard {
		return e, nil
	}

	doc, err := card.Parse(data)
	if err != nil {
		e.StructuralError = err.Error()
		return e, nil
	}
	e.CardUUID = doc.Header.UUID
	e.Source = doc.Header.SourceReference
	e.Created = doc.Header.Created
	e.Modified = doc.Header.Modified
	e.Markers = cardMarkers(doc)
	return e, nil
}

func (s *Service) modTime(p string) time.Time {
	t, _ := s.store.ModTime(p)
	return t
}

func cardMarkers(doc *card.Document) []MarkerRef {
	seen := make(map[MarkerRef]struct{})
	var out []MarkerRef
	regions := []string{doc.Original}
	if doc.UserAdded != nil {
		regions = append(regions, *doc.UserAdded)
	}
	for _, text := range regions {
		for _, m := range markup.Scan(text) {
			ref := MarkerRef{ID: m.ID, Type: m.Type}
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// scanTags parses every tag file.
func (s *Service) scanTags() ([]TagEntry, error) {
	entries, err := s.tags.Scan()
	if err != nil {
		return nil, err
	}
	out := make([]TagEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, tagEntry(e.Tag, e.Path))
	}
	return out, nil
}

// deriveConnections joins relationship tag pairs and explicit connections
// against the set of entity tag ids.
func deriveConnections(tags []TagEntry, explicit []*models.Connection) ([]ConnectionEntry, []BrokenConnection) {
	entities := make(map[string]struct{})
	for _, t := range tags {
		if t.Type == models.TagEntity {
			entities[t.ID] = struct{}{}
		}
	}

	conns := []ConnectionEntry{}
	broken := []BrokenConnection{}
	check := func(c ConnectionEntry) {
		_, srcOK := entities[c.Source]
		_, tgtOK := entities[c.Target]
		if srcOK && tgtOK {
			conns = append(conns, c)
			return
		}
		b := BrokenConnection{
			ConnectionID:   c.ID,
			RelationshipID: c.RelationshipID,
			Source:         c.Source,
			Target:         c.Target,
			Origin:         c.Origin,
		}
		if !srcOK {
			b.Reason = ReasonMissingSource
			broken = append(broken, b)
		}
		if !tgtOK {
			b.Reason = ReasonMissingTarget
			broken = append(broken, b)
		}
	}

	for _, t := range tags {
		if t.Type != models.TagRelationship {
			continue
		}
		for i, l := range t.ConnectedEntities {
			check(ConnectionEntry{
				ID:             fmt.Sprintf("%s#%d", t.ID, i),
				Source:         l.Source,
				Target:         l.Target,
				RelationshipID: t.ID,
				Kind:           t.Name,
				Direction:      models.DirectionForward,
				Strength:       1,
				Origin:         OriginRelationship,
			})
		}
	}
	for _, c := range explicit {
		check(ConnectionEntry{
			ID:             c.ID,
			Source:         c.Source,
			Target:         c.Target,
			RelationshipID: c.RelationshipID,
			AttributeIDs:   c.AttributeIDs,
			Kind:           c.Kind,
			Direction:      c.Direction,
			Strength:       c.Strength,
			Origin:         OriginExplicit,
		})
	}
	return conns, broken
}

// detectInconsistencies compares tag references with card markers.
func detectInconsistencies(files []FileEntry, tags []TagEntry) []Inconsistency {
	cards := make(map[string]FileEntry)
	present := make(map[string]struct{}, len(files))
	for _, f := range files {
		present[f.Path] = struct{}{}
		if f.Kind == models.FileCard {
			cards[f.Name] = f
		}
	}
	tagTypes := make(map[string]models.TagType, len(tags))
	for _, t := range tags {
		tagTypes[t.ID] = t.Type
	}

	out := []Inconsistency{}
	for _, t := range tags {
		for _, ref := range t.References {
			f, ok := cards[ref]
			if !ok {
				out = append(out, Inconsistency{
					Kind:   KindOrphanedReference,
					TagID:  t.ID,
					Card:   ref,
					Path:   t.Path,
					Detail: fmt.Sprintf("tag %q references missing card %s", t.Name, ref),
				})
				continue
			}
			if f.StructuralError != "" {
				continue
			}
			if !hasMarker(f.Markers, t.ID) {
				out = append(out, Inconsistency{
					Kind:   KindMissingMarker,
					TagID:  t.ID,
					Card:   ref,
					Detail: fmt.Sprintf("card %s carries no marker for tag %q", ref, t.Name),
				})
			}
		}
	}

	for _, f := range files {
		if f.Kind != models.FileCard {
			continue
		}
		if f.StructuralError != "" {
			out = append(out, Inconsistency{Kind: KindStructuralError, Card: f.Name, Path: f.Path, Detail: f.StructuralError})
			continue
		}
		if _, ok := present[f.Source]; !ok {
			out = append(out, Inconsistency{
				Kind:   KindCardSourceMissing,
				Card:   f.Name,
				Path:   f.Source,
				Detail: fmt.Sprintf("source file %s of card %s is missing", f.Source, f.Name),
			})
		}
		for _, m := range f.Markers {
			tt, ok := tagTypes[m.ID]
			switch {
			case !ok:
				out = append(out, Inconsistency{
					Kind:   KindDanglingMarker,
					TagID:  m.ID,
					Card:   f.Name,
					Detail: fmt.Sprintf("card %s has a marker for unknown tag %s", f.Name, m.ID),
				})
			case tt != m.Type:
				out = append(out, Inconsistency{
					Kind:   KindMarkerTypeMismatch,
					TagID:  m.ID,
					Card:   f.Name,
					Detail: fmt.Sprintf("marker type %s does not match tag type %s", m.Type, tt),
				})
			}
		}
	}
	return out
}

func hasMarker(markers []MarkerRef, id string) bool {
	for _, m := range markers {
		if m.ID == id {
			return true
		}
	}
	return false
}

// linkFiles sets the raw upload to card linkage on every file entry.
func linkFiles(files []FileEntry) {
	cards := make(map[string]struct{})
	for _, f := range files {
		if f.Kind == models.FileCard {
			cards[f.Name] = struct{}{}
		}
	}
	for i := range files {
		f := &files[i]
		if f.Kind == models.FileCard || !strings.HasPrefix(f.Path, card.UploadsDir+"/") {
			continue
		}
		f.Card = ""
		if _, ok := cards[models.CardName(f.Name)]; ok {
			f.Card = models.CardName(f.Name)
		}
	}
}

func computeStats(s *Snapshot) Stats {
	st := Stats{
		TotalFiles:            len(s.Files),
		TotalTags:             len(s.Tags),
		TagsByType:            make(map[string]int),
		TotalConnections:      len(s.Connections),
		BrokenConnections:     len(s.BrokenConnections),
		Inconsistencies:       len(s.Inconsistencies),
		InconsistenciesByKind: make(map[string]int),
	}
	for _, f := range s.Files {
		if f.Kind == models.FileCard {
			st.TotalCards++
		} else {
			st.RawFiles++
		}
	}
	for _, t := range s.Tags {
		st.TagsByType[string(t.Type)]++
	}
	for _, inc := range s.Inconsistencies {
		st.InconsistenciesByKind[inc.Kind]++
	}
	return st
}

func isTagPath(p string) bool {
	return strings.HasPrefix(p, tagsPrefix) && strings.HasSuffix(p, ".tag")
}

func isIndexedFilePath(p string) bool {
	if strings.HasPrefix(path.Base(p), storage.TempPrefix) {
		return false
	}
	return strings.HasPrefix(p, card.UploadsDir+"/") || strings.HasPrefix(p, card.CardsDir+"/")
}
