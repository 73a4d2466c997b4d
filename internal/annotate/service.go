// Package annotate coordinates the card, tag and connection stores with the
// index, analysis and merge engines. Every mutation updates the index
// incrementally and publishes a change event.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/starford/dossier/internal/analysis"
	"github.com/starford/dossier/internal/apperr"
	"github.com/starford/dossier/internal/card"
	"github.com/starford/dossier/internal/connection"
	"github.com/starford/dossier/internal/index"
	"github.com/starford/dossier/internal/merge"
	"github.com/starford/dossier/internal/metrics"
	"github.com/starford/dossier/internal/models"
	"github.com/starford/dossier/internal/sse"
	"github.com/starford/dossier/internal/storage"
	"github.com/starford/dossier/internal/tagstore"
)

// Publisher receives change events.
type Publisher interface {
	PublishChange(resource, kind string, data map[string]string)
}

// Options configure the components owned by a Service.
type Options struct {
	Card     card.Defaults
	Analysis analysis.Options
	Index    index.Options
}

// Service is the root of the annotation subsystem.
type Service struct {
	store    storage.Provider
	cards    *card.Store
	tags     *tagstore.Store
	conns    *connection.Store
	index    *index.Service
	analysis *analysis.Engine
	merge    *merge.Engine
	metrics  *metrics.Metrics
	pub      Publisher
	log      *slog.Logger
}

// New wires the stores and engines on top of store. pub and m may be nil.
func New(store storage.Provider, pub Publisher, m *metrics.Metrics, log *slog.Logger, opts Options) *Service {
	if log == nil {
		log = slog.Default()
	}
	cards := card.NewStore(store, opts.Card)
	tags := tagstore.NewStore(store, cards, log)
	conns := connection.NewStore(store, log)
	return &Service{
		store:    store,
		cards:    cards,
		tags:     tags,
		conns:    conns,
		index:    index.NewService(store, tags, conns, m, log, opts.Index),
		analysis: analysis.NewEngine(cards, opts.Analysis, log),
		merge:    merge.NewEngine(tags, conns, cards, log),
		metrics:  m,
		pub:      pub,
		log:      log,
	}
}

// Index returns the index service.
func (s *Service) Index() *index.Service { return s.index }

// Store returns the storage provider.
func (s *Service) Store() storage.Provider { return s.store }

// --- cards ---

// Upload stores a raw file and creates its card.
func (s *Service) Upload(_ context.Context, name string, data []byte) (*models.Card, error) {
	c, err := s.cards.SaveUpload(name, data)
	if err != nil {
		return nil, err
	}
	s.reindex(c.SourceReference, card.Path(c.Filename))
	s.publish(sse.ResourceFile, sse.KindCreated, map[string]string{"path": c.SourceReference})
	s.publish(sse.ResourceCard, sse.KindCreated, map[string]string{"filename": c.Filename, "uuid": c.UUID})
	s.log.Info("annotate: upload", slog.String("file", name), slog.String("card", c.Filename))
	return c, nil
}

// GetCard returns a card.
func (s *Service) GetCard(_ context.Context, name string) (*models.Card, error) {
	return s.cards.ReadCard(name)
}

// ListCards returns every card filename.
func (s *Service) ListCards(_ context.Context) ([]string, error) {
	return s.cards.ListCards()
}

// AppendUserText appends analyst text to a card.
func (s *Service) AppendUserText(_ context.Context, name, text string) (*models.Card, error) {
	if _, err := s.cards.AppendUserText(name, text); err != nil {
		return nil, err
	}
	return s.cardChanged(name)
}

// ClearUserText removes the user-added region of a card.
func (s *Service) ClearUserText(_ context.Context, name string) (*models.Card, error) {
	if _, err := s.cards.ClearUserAddedText(name); err != nil {
		return nil, err
	}
	return s.cardChanged(name)
}

// VerifyCard checks a card against its source file.
func (s *Service) VerifyCard(_ context.Context, name string) (*card.IntegrityReport, error) {
	return s.cards.VerifyIntegrity(name)
}

// RestoreCard rebuilds a card's original content from its source file.
func (s *Service) RestoreCard(_ context.Context, name string) (*card.RestoreResult, error) {
	res, err := s.cards.RestoreOriginalContent(name)
	if err != nil {
		return nil, err
	}
	if res.Success {
		s.reindex(card.Path(name))
		s.publish(sse.ResourceCard, sse.KindUpdated, map[string]string{"filename": name})
	}
	return res, nil
}

func (s *Service) cardChanged(name string) (*models.Card, error) {
	s.reindex(card.Path(name))
	c, err := s.cards.ReadCard(name)
	if err != nil {
		return nil, err
	}
	s.publish(sse.ResourceCard, sse.KindUpdated, map[string]string{"filename": name, "uuid": c.UUID})
	return c, nil
}

// --- tags ---

// ListTags returns every tag, or the tags of one type when typ is set.
func (s *Service) ListTags(_ context.Context, typ string) ([]*models.Tag, error) {
	if typ == "" {
		return s.tags.List()
	}
	t, ok := models.ParseTagType(typ)
	if !ok {
		return nil, fmt.Errorf("annotate: unknown tag type %q: %w", typ, apperr.ErrValidation)
	}
	return s.tags.ListByType(t)
}

// GetTag returns a tag.
func (s *Service) GetTag(_ context.Context, id string) (*models.Tag, error) {
	return s.tags.Get(id)
}

// CreateTag creates a tag and embeds it into its referenced cards.
func (s *Service) CreateTag(_ context.Context, in tagstore.InsertTag) (*models.Tag, error) {
	if err := s.checkReferences(in.References); err != nil {
		s.metrics.RecordTagMutation("create", err)
		return nil, err
	}
	t, err := s.tags.Create(in)
	s.metrics.RecordTagMutation("create", err)
	if t != nil {
		s.tagChanged(t.ID, t.References)
	}
	if err != nil {
		return nil, err
	}
	s.publish(sse.ResourceTag, sse.KindCreated, tagEvent(t))
	s.log.Info("annotate: tag created", slog.String("id", t.ID), slog.String("type", string(t.Type)), slog.Int("references", len(t.References)))
	return t, nil
}

// UpdateTag applies a partial change to a tag.
func (s *Service) UpdateTag(_ context.Context, id string, p tagstore.Patch) (*models.Tag, error) {
	old, err := s.tags.Get(id)
	if err != nil {
		return nil, err
	}
	if p.References != nil {
		if err := s.checkReferences(*p.References); err != nil {
			s.metrics.RecordTagMutation("update", err)
			return nil, err
		}
	}
	t, err := s.tags.Update(id, p)
	s.metrics.RecordTagMutation("update", err)
	cards := old.References
	if t != nil {
		cards = union(old.References, t.References)
	}
	s.tagChanged(id, cards)
	if err != nil {
		return nil, err
	}
	s.publish(sse.ResourceTag, sse.KindUpdated, tagEvent(t))
	return t, nil
}

// DeletePreview reports what deleting a tag affects.
type DeletePreview struct {
	TagID       string   `json:"tagId"`
	DryRun      bool     `json:"dryRun"`
	Cards       []string `json:"cards"`
	Markers     int      `json:"markers"`
	Connections int      `json:"connections"`
}

// DeleteTag removes a tag after stripping its markers. With dryRun set only
// the preview is computed.
func (s *Service) DeleteTag(ctx context.Context, id string, dryRun bool) (*DeletePreview, error) {
	t, err := s.tags.Get(id)
	if err != nil {
		return nil, err
	}
	preview, err := s.previewDelete(ctx, t)
	if err != nil {
		return nil, err
	}
	preview.DryRun = dryRun
	if dryRun {
		return preview, nil
	}

	deleted, err := s.tags.Delete(id)
	if err == nil && !deleted {
		err = fmt.Errorf("annotate: tag %s: %w", id, apperr.ErrNotFound)
	}
	s.metrics.RecordTagMutation("delete", err)
	if err != nil {
		return nil, err
	}
	if ierr := s.index.RemoveTagFromIndex(id); ierr != nil {
		s.log.Warn("annotate: index remove failed", slog.String("id", id), slog.String("error", ierr.Error()))
	}
	s.reindexCards(t.References)
	s.publish(sse.ResourceTag, sse.KindDeleted, tagEvent(t))
	s.log.Info("annotate: tag deleted", slog.String("id", id), slog.Int("cards", len(preview.Cards)), slog.Int("markers", preview.Markers))
	return preview, nil
}

func (s *Service) previewDelete(ctx context.Context, t *models.Tag) (*DeletePreview, error) {
	p := &DeletePreview{TagID: t.ID, Cards: []string{}}
	for _, ref := range t.References {
		if s.cards.Exists(ref) {
			p.Cards = append(p.Cards, ref)
		}
	}
	p.Markers = s.cards.CountMarkers(t.ID, p.Cards)

	snap, err := s.index.Get(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range snap.Connections {
		if c.Source == t.ID || c.Target == t.ID || c.RelationshipID == t.ID {
			p.Connections++
		}
	}
	return p, nil
}

// MergeTags folds mergeIDs into the master tag.
func (s *Service) MergeTags(_ context.Context, masterID string, mergeIDs []string) (*merge.Result, error) {
	res, err := s.merge.Merge(masterID, mergeIDs)
	s.metrics.RecordTagMutation("merge", err)
	if res == nil {
		return nil, err
	}

	for _, id := range res.Merged {
		if ierr := s.index.RemoveTagFromIndex(id); ierr != nil {
			s.log.Warn("annotate: index remove failed", slog.String("id", id), slog.String("error", ierr.Error()))
		}
	}
	for _, id := range append([]string{masterID}, res.Relationships...) {
		if ierr := s.index.ReindexTag(id, ""); ierr != nil {
			s.log.Warn("annotate: index tag failed", slog.String("id", id), slog.String("error", ierr.Error()))
		}
	}
	if ierr := s.index.RefreshConnections(); ierr != nil {
		s.log.Warn("annotate: refresh connections failed", slog.String("error", ierr.Error()))
	}
	s.reindexCards(res.Tag.References)
	if err != nil {
		return res, err
	}

	data := tagEvent(res.Tag)
	s.publish(sse.ResourceTag, sse.KindMerged, data)
	for _, id := range res.Merged {
		s.publish(sse.ResourceTag, sse.KindDeleted, map[string]string{"id": id, "mergedInto": masterID})
	}
	return res, nil
}

// AnalyzeTag finds the tagged and untagged references of a tag.
func (s *Service) AnalyzeTag(_ context.Context, id, scope, cardName string) (*analysis.Result, error) {
	t, err := s.tags.Get(id)
	if err != nil {
		return nil, err
	}
	sc, err := analysis.ParseScope(scope)
	if err != nil {
		return nil, err
	}
	return s.analysis.Analyze(analysis.Request{Tag: t, Scope: sc, Card: cardName})
}

// checkReferences requires every referenced card to exist.
func (s *Service) checkReferences(refs []string) error {
	var missing []string
	for _, ref := range refs {
		if !s.cards.Exists(ref) {
			missing = append(missing, ref)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("annotate: unknown cards %v: %w: %w", missing, apperr.ErrValidation, apperr.ErrOrphanedReference)
	}
	return nil
}

func (s *Service) tagChanged(id string, cards []string) {
	if err := s.index.ReindexTag(id, ""); err != nil {
		s.log.Warn("annotate: index tag failed", slog.String("id", id), slog.String("error", err.Error()))
	}
	s.reindexCards(cards)
}

// --- connections ---

// CreateConnection stores an explicit connection between two entity tags.
func (s *Service) CreateConnection(_ context.Context, in connection.Input) (*models.Connection, error) {
	if err := s.checkEndpoints(in); err != nil {
		return nil, err
	}
	c, err := s.conns.Create(in)
	if err != nil {
		return nil, err
	}
	s.connectionChanged(sse.KindCreated, c.ID)
	return c, nil
}

// GetConnection returns a connection.
func (s *Service) GetConnection(_ context.Context, id string) (*models.Connection, error) {
	return s.conns.Get(id)
}

// ListConnections returns every explicit connection.
func (s *Service) ListConnections(_ context.Context) ([]*models.Connection, error) {
	return s.conns.List()
}

// UpdateConnection replaces the writable fields of a connection.
func (s *Service) UpdateConnection(_ context.Context, id string, in connection.Input) (*models.Connection, error) {
	if err := s.checkEndpoints(in); err != nil {
		return nil, err
	}
	c, err := s.conns.Update(id, in)
	if err != nil {
		return nil, err
	}
	s.connectionChanged(sse.KindUpdated, id)
	return c, nil
}

// DeleteConnection removes a connection.
func (s *Service) DeleteConnection(_ context.Context, id string) error {
	deleted, err := s.conns.Delete(id)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("annotate: connection %s: %w", id, apperr.ErrNotFound)
	}
	s.connectionChanged(sse.KindDeleted, id)
	return nil
}

// checkEndpoints requires both endpoints to be existing entity tags.
func (s *Service) checkEndpoints(in connection.Input) error {
	for _, id := range []string{in.Source, in.Target} {
		if id == "" {
			continue
		}
		t, err := s.tags.Get(id)
		if errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("annotate: endpoint %s: %w: %w", id, apperr.ErrValidation, err)
		}
		if err != nil {
			return err
		}
		if t.Type != models.TagEntity {
			return fmt.Errorf("annotate: endpoint %s is a %s tag: %w", id, t.Type, apperr.ErrValidation)
		}
	}
	return nil
}

func (s *Service) connectionChanged(kind, id string) {
	if err := s.index.RefreshConnections(); err != nil {
		s.log.Warn("annotate: refresh connections failed", slog.String("error", err.Error()))
	}
	s.publish(sse.ResourceConnection, kind, map[string]string{"id": id})
}

// --- index ---

// Snapshot returns the current index snapshot.
func (s *Service) Snapshot(ctx context.Context) (*index.Snapshot, error) {
	return s.index.Get(ctx)
}

// ReindexResult is the outcome of Reindex.
type ReindexResult struct {
	Snapshot *index.Snapshot `json:"index"`
	GC       *index.GCReport `json:"gc,omitempty"`
}

// Reindex rebuilds the index. With gc set orphaned references are
// collected first; dryRun only reports what collection would remove.
func (s *Service) Reindex(ctx context.Context, gc, dryRun bool) (*ReindexResult, error) {
	res := &ReindexResult{}
	if gc {
		report, err := s.index.CollectGarbage(ctx, dryRun)
		if err != nil {
			return nil, err
		}
		res.GC = report
		if snap, ok := s.index.Current(); ok {
			res.Snapshot = snap
			return res, nil
		}
	}
	snap, err := s.index.BuildFull(ctx)
	if err != nil {
		return nil, err
	}
	res.Snapshot = snap
	return res, nil
}

// BrokenConnections validates every connection against the tag set.
func (s *Service) BrokenConnections(ctx context.Context) ([]index.BrokenConnection, error) {
	return s.index.ValidateConnections(ctx)
}

// --- helpers ---

func (s *Service) reindexCards(names []string) {
	paths := make([]string, 0, len(names))
	for _, n := range names {
		paths = append(paths, card.Path(n))
	}
	s.reindex(paths...)
}

func (s *Service) reindex(paths ...string) {
	for _, p := range paths {
		if err := s.index.ReindexFile(p); err != nil {
			s.log.Warn("annotate: reindex failed", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}

func (s *Service) publish(resource, kind string, data map[string]string) {
	if s.pub == nil {
		return
	}
	s.pub.PublishChange(resource, kind, data)
}

func tagEvent(t *models.Tag) map[string]string {
	return map[string]string{"id": t.ID, "type": string(t.Type), "name": t.Name}
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, s := range b {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
