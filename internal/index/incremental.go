package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/starford/dossier/internal/apperr"
	"github.com/starford/dossier/internal/models"
	"github.com/starford/dossier/internal/storage"
)

// ReindexFile refreshes the entry of one raw upload, card or tag file. A
// path that no longer exists is removed from the index.
func (s *Service) ReindexFile(path string) error {
	if isTagPath(path) {
		return s.ReindexTag("", path)
	}
	if !isIndexedFilePath(path) {
		return fmt.Errorf("index: %s: %w", path, errNotIndexed)
	}
	if s.isUninitialized() {
		return nil
	}
	e, err := s.fileEntry(path, s.modTime(path))
	if err != nil {
		if storage.IsNotExist(err) {
			return s.RemoveFromIndex(path)
		}
		return fmt.Errorf("index: reindex %s: %w", path, err)
	}
	s.update("file", func(snap *Snapshot) {
		snap.Files = slices.DeleteFunc(snap.Files, func(f FileEntry) bool { return f.Path == path })
		snap.Files = append(snap.Files, *e)
	})
	s.log.Debug("index: file reindexed", slog.String("path", path))
	return nil
}

// ReindexTag refreshes one tag. When path is empty it is resolved from id.
// Entity and relationship changes also rebuild the connection graph.
func (s *Service) ReindexTag(id, path string) error {
	if s.isUninitialized() {
		return nil
	}
	if path == "" {
		p, err := s.tags.Path(id)
		if errors.Is(err, apperr.ErrNotFound) {
			return s.RemoveTagFromIndex(id)
		}
		if err != nil {
			return fmt.Errorf("index: resolve tag %s: %w", id, err)
		}
		path = p
	}
	e, err := s.tags.ReadFile(path)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			if id != "" {
				return s.RemoveTagFromIndex(id)
			}
			return s.RemoveFromIndex(path)
		}
		if errors.Is(err, apperr.ErrStructural) {
			s.log.Warn("index: skip unparseable tag", slog.String("path", path), slog.String("error", err.Error()))
			return s.RemoveFromIndex(path)
		}
		return fmt.Errorf("index: reindex tag %s: %w", path, err)
	}

	entry := tagEntry(e.Tag, e.Path)
	var prevType models.TagType
	if snap, ok := s.Current(); ok {
		if old, found := snap.Tag(entry.ID); found {
			prevType = old.Type
		}
	}
	graph := affectsGraph(entry.Type) || affectsGraph(prevType)
	explicit := s.explicitConnections(graph)

	s.update("tag", func(snap *Snapshot) {
		snap.Tags = slices.DeleteFunc(snap.Tags, func(t TagEntry) bool {
			return t.ID == entry.ID || t.ID == id || t.Path == path || t.Path == entry.Path
		})
		snap.Tags = append(snap.Tags, entry)
		if graph {
			snap.Connections, snap.BrokenConnections = deriveConnections(snap.Tags, explicit)
		}
	})
	s.log.Debug("index: tag reindexed", slog.String("id", entry.ID), slog.String("path", entry.Path), slog.Bool("graph", graph))
	return nil
}

// RemoveFromIndex drops the entry for path. Removing a tag file drops its tag.
func (s *Service) RemoveFromIndex(path string) error {
	if s.isUninitialized() {
		return nil
	}
	var graph bool
	if snap, ok := s.Current(); ok && isTagPath(path) {
		for _, t := range snap.Tags {
			if t.Path == path && affectsGraph(t.Type) {
				graph = true
			}
		}
	}
	explicit := s.explicitConnections(graph)
	s.update("remove", func(snap *Snapshot) {
		snap.Files = slices.DeleteFunc(snap.Files, func(f FileEntry) bool { return f.Path == path })
		snap.Tags = slices.DeleteFunc(snap.Tags, func(t TagEntry) bool { return t.Path == path })
		if graph {
			snap.Connections, snap.BrokenConnections = deriveConnections(snap.Tags, explicit)
		}
	})
	s.log.Debug("index: removed", slog.String("path", path))
	return nil
}

// RemoveTagFromIndex drops a tag by id.
func (s *Service) RemoveTagFromIndex(id string) error {
	if s.isUninitialized() {
		return nil
	}
	graph := false
	if snap, ok := s.Current(); ok {
		if t, found := snap.Tag(id); found {
			graph = affectsGraph(t.Type)
		}
	}
	explicit := s.explicitConnections(graph)
	s.update("remove_tag", func(snap *Snapshot) {
		snap.Tags = slices.DeleteFunc(snap.Tags, func(t TagEntry) bool { return t.ID == id })
		if graph {
			snap.Connections, snap.BrokenConnections = deriveConnections(snap.Tags, explicit)
		}
	})
	s.log.Debug("index: tag removed", slog.String("id", id))
	return nil
}

// RefreshConnections rebuilds only the connection graph, after explicit
// connections changed.
func (s *Service) RefreshConnections() error {
	if s.isUninitialized() {
		return nil
	}
	explicit, err := s.conns.List()
	if err != nil {
		return fmt.Errorf("index: list connections: %w", err)
	}
	s.update("connections", func(snap *Snapshot) {
		snap.Connections, snap.BrokenConnections = deriveConnections(snap.Tags, explicit)
	})
	return nil
}

// ValidateConnections recomputes the connection graph against the current
// tag set and returns the broken connections.
func (s *Service) ValidateConnections(ctx context.Context) ([]BrokenConnection, error) {
	if _, err := s.Get(ctx); err != nil {
		return nil, err
	}
	if err := s.RefreshConnections(); err != nil {
		return nil, err
	}
	snap, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	return snap.BrokenConnections, nil
}

// explicitConnections lists explicit connections when the graph must be
// rebuilt. Listing failures are logged and treated as no connections.
func (s *Service) explicitConnections(needed bool) []*models.Connection {
	if !needed {
		return nil
	}
	conns, err := s.conns.List()
	if err != nil {
		s.log.Warn("index: list connections failed", slog.String("error", err.Error()))
		return []*models.Connection{}
	}
	if conns == nil {
		conns = []*models.Connection{}
	}
	return conns
}

func affectsGraph(t models.TagType) bool {
	return t == models.TagEntity || t == models.TagRelationship
}
