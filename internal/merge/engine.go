// Package merge consolidates duplicate tags into a master tag.
package merge

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/starford/dossier/internal/apperr"
	"github.com/starford/dossier/internal/models"
)

// TagStore is the subset of the tag store used by a merge.
type TagStore interface {
	Get(id string) (*models.Tag, error)
	Save(t *models.Tag) error
	Delete(id string) (bool, error)
	ListByType(t models.TagType) ([]*models.Tag, error)
}

// ConnectionRewriter moves explicit connection endpoints to another tag.
type ConnectionRewriter interface {
	RewriteEndpoints(from []string, to string) (int, error)
}

// Marker embeds a tag's markers into cards.
type Marker interface {
	EmbedTag(tag *models.Tag, cards []string) (int, error)
}

// Result describes a completed merge.
type Result struct {
	Tag *models.Tag `json:"tag"`
	// Merged are the ids folded into the master and deleted.
	Merged []string `json:"merged"`
	// Relationships are the relationship tags whose endpoints were rewritten.
	Relationships []string `json:"relationships"`
	Connections   int      `json:"connections"`
	Markers       int      `json:"markers"`
}

// Engine merges tags.
type Engine struct {
	tags   TagStore
	conns  ConnectionRewriter
	marker Marker
	log    *slog.Logger
}

// NewEngine creates a merge engine.
func NewEngine(tags TagStore, conns ConnectionRewriter, marker Marker, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{tags: tags, conns: conns, marker: marker, log: log}
}

// Merge folds every tag in mergeIDs into the master and deletes them.
//
// The steps run in a fixed order: the union is written to the master first,
// then connections and relationship endpoints are moved, the master is
// embedded into its full reference set, the merged tags are deleted (which
// strips their markers) and the master is embedded once more to claim the
// text those markers covered. Rerunning a merge that stopped after the
// master was saved is safe for the data step.
func (e *Engine) Merge(masterID string, mergeIDs []string) (*Result, error) {
	master, others, err := e.load(masterID, mergeIDs)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(others))
	for i, o := range others {
		ids[i] = o.ID
	}

	union(master, others)
	res := &Result{Tag: master, Merged: ids, Relationships: []string{}}
	if err := e.tags.Save(master); err != nil {
		return nil, fmt.Errorf("merge: save master %s: %w", masterID, err)
	}

	res.Connections, err = e.conns.RewriteEndpoints(ids, masterID)
	if err != nil {
		return res, fmt.Errorf("merge: rewrite connections: %w", err)
	}
	res.Relationships, err = e.rewriteRelationships(ids, masterID)
	if err != nil {
		return res, err
	}

	res.Markers, err = e.marker.EmbedTag(master, master.References)
	if err != nil {
		return res, fmt.Errorf("merge: embed master %s: %w", masterID, err)
	}

	for _, id := range ids {
		if _, err := e.tags.Delete(id); err != nil {
			return res, fmt.Errorf("merge: delete %s: %w", id, err)
		}
	}

	reclaimed, err := e.marker.EmbedTag(master, master.References)
	if err != nil {
		return res, fmt.Errorf("merge: re-embed master %s: %w", masterID, err)
	}
	res.Markers += reclaimed

	e.log.Info("merge: complete",
		slog.String("master", masterID),
		slog.Int("merged", len(ids)),
		slog.Int("references", len(master.References)),
		slog.Int("connections", res.Connections),
		slog.Int("relationships", len(res.Relationships)),
		slog.Int("markers", res.Markers))
	return res, nil
}

// load resolves the master and the distinct merge candidates and checks
// that they share the master's type.
func (e *Engine) load(masterID string, mergeIDs []string) (*models.Tag, []*models.Tag, error) {
	master, err := e.tags.Get(masterID)
	if err != nil {
		return nil, nil, fmt.Errorf("merge: master %s: %w", masterID, err)
	}
	seen := map[string]struct{}{masterID: {}}
	var others []*models.Tag
	for _, id := range mergeIDs {
		id = strings.TrimSpace(id)
		if id == masterID {
			return nil, nil, fmt.Errorf("merge: cannot merge %s into itself: %w", id, apperr.ErrValidation)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		t, err := e.tags.Get(id)
		if err != nil {
			return nil, nil, fmt.Errorf("merge: candidate %s: %w", id, err)
		}
		if t.Type != master.Type {
			return nil, nil, fmt.Errorf("merge: %s is %s, master is %s: %w", id, t.Type, master.Type, apperr.ErrValidation)
		}
		others = append(others, t)
	}
	if len(others) == 0 {
		return nil, nil, fmt.Errorf("merge: no tags to merge: %w", apperr.ErrValidation)
	}
	return master, others, nil
}

// union folds the data of others into master. References and aliases keep
// the order of first appearance; later key/value pairs win; descriptions
// are concatenated without repeats.
func union(master *models.Tag, others []*models.Tag) {
	refs := slices.Clone(master.References)
	aliases := slices.Clone(master.Aliases)
	kv := maps.Clone(master.KeyValues)
	descs := []string{}
	if d := strings.TrimSpace(master.Description); d != "" {
		descs = append(descs, d)
	}
	links := slices.Clone(master.ConnectedEntities)

	for _, o := range others {
		refs = appendNew(refs, o.References, false)
		if !strings.EqualFold(strings.TrimSpace(o.Name), strings.TrimSpace(master.Name)) {
			aliases = appendNew(aliases, []string{o.Name}, true)
		}
		aliases = appendNew(aliases, o.Aliases, true)
		if len(o.KeyValues) > 0 && kv == nil {
			kv = make(map[string]string, len(o.KeyValues))
		}
		maps.Copy(kv, o.KeyValues)
		if d := strings.TrimSpace(o.Description); d != "" && !slices.Contains(descs, d) {
			descs = append(descs, d)
		}
		if master.EntityType == "" {
			master.EntityType = o.EntityType
		}
		for _, l := range o.ConnectedEntities {
			if !slices.Contains(links, l) {
				links = append(links, l)
			}
		}
	}

	// The master name never doubles as an alias.
	aliases = slices.DeleteFunc(aliases, func(a string) bool {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(master.Name))
	})

	master.References = refs
	master.Aliases = aliases
	master.KeyValues = kv
	master.Description = strings.Join(descs, "\n\n")
	master.ConnectedEntities = links
}

// rewriteRelationships points relationship endpoint pairs at the master.
// Pairs that would connect the master to itself are dropped.
func (e *Engine) rewriteRelationships(from []string, to string) ([]string, error) {
	rels, err := e.tags.ListByType(models.TagRelationship)
	if err != nil {
		return nil, fmt.Errorf("merge: list relationships: %w", err)
	}
	out := []string{}
	for _, r := range rels {
		if slices.Contains(from, r.ID) {
			continue
		}
		links, changed := rewriteLinks(r.ConnectedEntities, from, to)
		if !changed {
			continue
		}
		r.ConnectedEntities = links
		if err := e.tags.Save(r); err != nil {
			return out, fmt.Errorf("merge: rewrite relationship %s: %w", r.ID, err)
		}
		out = append(out, r.ID)
	}
	return out, nil
}

func rewriteLinks(links []models.EntityLink, from []string, to string) ([]models.EntityLink, bool) {
	changed := false
	out := make([]models.EntityLink, 0, len(links))
	for _, l := range links {
		if slices.Contains(from, l.Source) {
			l.Source, changed = to, true
		}
		if slices.Contains(from, l.Target) {
			l.Target, changed = to, true
		}
		if l.Source == l.Target && l.Source == to {
			continue
		}
		if slices.Contains(out, l) {
			changed = true
			continue
		}
		out = append(out, l)
	}
	return out, changed
}

func appendNew(dst, src []string, fold bool) []string {
	for _, s := range src {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		dup := slices.ContainsFunc(dst, func(d string) bool {
			if fold {
				return strings.EqualFold(d, s)
			}
			return d == s
		})
		if !dup {
			dst = append(dst, s)
		}
	}
	return dst
}
