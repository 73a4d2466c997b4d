package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/starford/dossier/internal/card"
)

// GCAction is the planned cleanup of one tag.
type GCAction struct {
	TagID      string   `json:"tagId"`
	TagName    string   `json:"tagName"`
	References []string `json:"references"`
	// DeletesTag is set when no reference would remain.
	DeletesTag bool `json:"deletesTag"`
}

// GCReport describes a garbage collection run.
type GCReport struct {
	DryRun            bool       `json:"dryRun"`
	Orphans           int        `json:"orphans"`
	ReferencesRemoved int        `json:"referencesRemoved"`
	TagsUpdated       int        `json:"tagsUpdated"`
	TagsDeleted       int        `json:"tagsDeleted"`
	Actions           []GCAction `json:"actions"`
	Errors            []string   `json:"errors,omitempty"`
}

// CollectGarbage removes orphaned references from tag files and rebuilds
// the index. A reference is only removed when its card is still missing at
// the time of the run. In dry-run mode the same plan is reported and nothing
// is written.
func (s *Service) CollectGarbage(ctx context.Context, dryRun bool) (*GCReport, error) {
	snap, err := s.BuildFull(ctx)
	if err != nil {
		return nil, err
	}
	report := &GCReport{DryRun: dryRun, Actions: []GCAction{}}
	for _, a := range s.planGC(snap) {
		report.Actions = append(report.Actions, a)
		report.Orphans += len(a.References)
	}
	if dryRun {
		for _, a := range report.Actions {
			report.ReferencesRemoved += len(a.References)
			if a.DeletesTag {
				report.TagsDeleted++
			} else {
				report.TagsUpdated++
			}
		}
		return report, nil
	}

	for _, a := range report.Actions {
		deleted, err := s.tags.RemoveReferences(a.TagID, a.References)
		if err != nil {
			s.log.Warn("index: gc failed", slog.String("tag", a.TagID), slog.String("error", err.Error()))
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", a.TagID, err))
			continue
		}
		report.ReferencesRemoved += len(a.References)
		if deleted {
			report.TagsDeleted++
		} else {
			report.TagsUpdated++
		}
		s.log.Info("index: gc removed references",
			slog.String("tag", a.TagID), slog.Int("count", len(a.References)), slog.Bool("deleted", deleted))
	}
	s.metrics.RecordGC(report.ReferencesRemoved)

	if _, err := s.BuildFull(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// planGC groups the orphaned references of snap by tag, keeping only those
// whose card is still absent on disk.
func (s *Service) planGC(snap *Snapshot) []GCAction {
	byTag := make(map[string]*GCAction)
	for _, inc := range snap.InconsistenciesOf(KindOrphanedReference) {
		if s.store.Exists(card.Path(inc.Card)) {
			continue
		}
		a, ok := byTag[inc.TagID]
		if !ok {
			t, _ := snap.Tag(inc.TagID)
			a = &GCAction{TagID: inc.TagID, TagName: t.Name}
			byTag[inc.TagID] = a
		}
		a.References = append(a.References, inc.Card)
	}

	out := make([]GCAction, 0, len(byTag))
	for _, a := range byTag {
		t, _ := snap.Tag(a.TagID)
		a.DeletesTag = remaining(t, a.References) == 0
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TagID < out[j].TagID })
	return out
}

func remaining(t TagEntry, removed []string) int {
	drop := make(map[string]struct{}, len(removed))
	for _, r := range removed {
		drop[r] = struct{}{}
	}
	n := 0
	for _, r := range t.References {
		if _, ok := drop[r]; !ok {
			n++
		}
	}
	return n
}
