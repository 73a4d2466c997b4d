// Package index maintains the derived snapshot of files, tags, connections
// and detected inconsistencies, and keeps it in sync with the data root.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/dossier/internal/apperr"
	"github.com/starford/dossier/internal/metrics"
	"github.com/starford/dossier/internal/models"
	"github.com/starford/dossier/internal/storage"
	"github.com/starford/dossier/internal/tagstore"
)

// DefaultSnapshotPath is where the snapshot is persisted under the data root.
const DefaultSnapshotPath = "index/master_index.json"

const tagsPrefix = tagstore.TagsDir + "/"

// State of the index service.
type State int

const (
	StateUninitialized State = iota
	StateBuilding
	StateReady
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// TagSource reads tag files.
type TagSource interface {
	Scan() ([]tagstore.Entry, error)
	ReadFile(path string) (*tagstore.Entry, error)
	Path(id string) (string, error)
	RemoveReferences(id string, refs []string) (bool, error)
}

// ConnectionSource lists explicit connections.
type ConnectionSource interface {
	List() ([]*models.Connection, error)
}

// Options tune the service.
type Options struct {
	SnapshotPath string
	PollInterval time.Duration
}

// Service owns the snapshot. It is the only component with shared mutable
// state; every exported method is safe for concurrent use.
type Service struct {
	store   storage.Provider
	tags    TagSource
	conns   ConnectionSource
	log     *slog.Logger
	metrics *metrics.Metrics
	opts    Options

	mu         sync.Mutex
	state      State
	snap       *Snapshot
	buildErr   error
	generation uint64
	// pending holds incremental updates that arrived during a full build.
	pending []func(*Snapshot)
}

// NewService creates an index service in the uninitialized state.
func NewService(store storage.Provider, tags TagSource, conns ConnectionSource, m *metrics.Metrics, log *slog.Logger, opts Options) *Service {
	if opts.SnapshotPath == "" {
		opts.SnapshotPath = DefaultSnapshotPath
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, tags: tags, conns: conns, log: log, metrics: m, opts: opts}
}

// State returns the current state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Get returns the current snapshot. The first call loads the persisted
// snapshot, or builds one when it is missing, corrupt or outdated.
func (s *Service) Get(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	if s.snap != nil && s.state == StateReady {
		snap := s.snap
		s.mu.Unlock()
		return snap, nil
	}
	building := s.state == StateBuilding
	s.mu.Unlock()
	if building {
		return s.BuildFull(ctx)
	}

	if snap := s.loadPersisted(); snap != nil {
		s.mu.Lock()
		if s.state == StateUninitialized {
			s.snap = snap
			s.state = StateReady
			s.generation++
		}
		snap = s.snap
		s.mu.Unlock()
		if snap != nil {
			return snap, nil
		}
	}
	return s.BuildFull(ctx)
}

// Current returns the in-memory snapshot without loading or building.
func (s *Service) Current() (*Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.snap != nil
}

// BuildFull rescans every file and tag. A call made while another build is
// running waits for it and returns the same snapshot.
func (s *Service) BuildFull(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	if s.state == StateBuilding {
		gen := s.generation
		s.mu.Unlock()
		return s.wait(ctx, gen)
	}
	s.state = StateBuilding
	s.mu.Unlock()

	start := time.Now()
	snap, err := s.build()
	s.metrics.RecordBuild(time.Since(start), err)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.buildErr = err
	if err != nil {
		s.state = StateUninitialized
		if s.snap != nil {
			s.state = StateReady
		}
		s.pending = nil
		s.log.Error("index: build failed", slog.String("error", err.Error()))
		return nil, err
	}
	for _, apply := range s.pending {
		apply(snap)
	}
	if len(s.pending) > 0 {
		finalize(snap)
	}
	s.pending = nil
	s.install(snap)
	s.state = StateReady
	s.log.Info("index: build complete",
		slog.Int("files", len(snap.Files)),
		slog.Int("tags", len(snap.Tags)),
		slog.Int("connections", len(snap.Connections)),
		slog.Int("broken", len(snap.BrokenConnections)),
		slog.Int("inconsistencies", len(snap.Inconsistencies)),
		slog.Duration("took", time.Since(start)))
	return snap, nil
}

// wait polls until the build that was running at generation gen finishes.
func (s *Service) wait(ctx context.Context, gen uint64) (*Snapshot, error) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("index: waiting for build: %w: %w", apperr.ErrRebuildInProgress, ctx.Err())
		case <-ticker.C:
		}
		s.mu.Lock()
		if s.generation != gen {
			snap, err := s.snap, s.buildErr
			s.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return snap, nil
		}
		s.mu.Unlock()
	}
}

func (s *Service) build() (*Snapshot, error) {
	tags, err := s.scanTags()
	if err != nil {
		return nil, fmt.Errorf("index: scan tags: %w", err)
	}
	explicit, err := s.conns.List()
	if err != nil {
		s.log.Warn("index: list connections failed", slog.String("error", err.Error()))
		explicit = nil
	}
	snap := &Snapshot{
		Version: SnapshotVersion,
		Files:   s.scanFiles(),
		Tags:    tags,
	}
	snap.Connections, snap.BrokenConnections = deriveConnections(snap.Tags, explicit)
	finalize(snap)
	return snap, nil
}

// finalize recomputes everything derived from files and tags except the
// connection graph.
func finalize(snap *Snapshot) {
	if snap.Files == nil {
		snap.Files = []FileEntry{}
	}
	if snap.Tags == nil {
		snap.Tags = []TagEntry{}
	}
	linkFiles(snap.Files)
	snap.Inconsistencies = detectInconsistencies(snap.Files, snap.Tags)
	sortSnapshot(snap)
	snap.Version = SnapshotVersion
	snap.LastUpdated = time.Now().UTC()
	snap.Stats = computeStats(snap)
}

// install makes snap current and persists it. Callers hold s.mu.
func (s *Service) install(snap *Snapshot) {
	s.snap = snap
	if err := s.persist(snap); err != nil {
		s.log.Warn("index: persist failed", slog.String("path", s.opts.SnapshotPath), slog.String("error", err.Error()))
	}
	inc := make(map[string]int)
	for _, i := range snap.Inconsistencies {
		inc[i.Kind]++
	}
	s.metrics.UpdateIndexStats(snap.Stats.TagsByType, len(snap.Connections), len(snap.BrokenConnections), inc)
}

func (s *Service) persist(snap *Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	return s.store.Write(s.opts.SnapshotPath, data)
}

// loadPersisted returns the persisted snapshot, or nil when it is missing,
// unreadable or of another version.
func (s *Service) loadPersisted() *Snapshot {
	data, err := s.store.Read(s.opts.SnapshotPath)
	if err != nil {
		if !storage.IsNotExist(err) {
			s.log.Warn("index: read snapshot failed", slog.String("error", err.Error()))
		}
		return nil
	}
	snap, err := decodeSnapshot(data)
	if err != nil {
		s.log.Warn("index: corrupt snapshot, rebuilding", slog.String("error", err.Error()))
		return nil
	}
	if snap.Version != SnapshotVersion {
		s.log.Info("index: snapshot version mismatch, rebuilding",
			slog.Int("found", snap.Version), slog.Int("want", SnapshotVersion))
		return nil
	}
	return snap
}

// update applies fn to a copy of the current snapshot and installs it. While
// a full build runs, fn is queued and applied to the build result. Without a
// snapshot the update is dropped; the next Get builds from disk.
func (s *Service) update(op string, fn func(*Snapshot)) {
	s.metrics.RecordUpdate(op)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateBuilding:
		s.pending = append(s.pending, fn)
	case s.snap != nil:
		next := s.snap.clone()
		fn(next)
		finalize(next)
		s.install(next)
	}
}

// isUninitialized reports whether there is no snapshot to update.
func (s *Service) isUninitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap == nil && s.state != StateBuilding
}

var errNotIndexed = errors.New("path is not indexed")
