package annotate

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/dossier/internal/apperr"
	"github.com/starford/dossier/internal/card"
	"github.com/starford/dossier/internal/connection"
	"github.com/starford/dossier/internal/index"
	"github.com/starford/dossier/internal/models"
	"github.com/starford/dossier/internal/sse"
	"github.com/starford/dossier/internal/tagstore"
	"github.com/starford/dossier/internal/testutil"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) PublishChange(resource, kind string, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, resource+"."+kind)
}

func (r *recorder) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

func newService(t *testing.T) (*Service, *recorder) {
	t.Helper()
	_, fs := testutil.TestRoot(t)
	rec := &recorder{}
	svc := New(fs, rec, nil, testutil.Logger(), Options{Card: card.Defaults{Classification: "UNCLASSIFIED"}})
	_, err := svc.Index().BuildFull(context.Background())
	require.NoError(t, err)
	return svc, rec
}

func entity(name string, refs ...string) tagstore.InsertTag {
	return tagstore.InsertTag{Type: models.TagEntity, Name: name, References: refs}
}

func TestUploadAndTag_ExampleScenario(t *testing.T) {
	svc, rec := newService(t)
	ctx := context.Background()

	c, err := svc.Upload(ctx, "brief.txt", []byte("Acme Corp acquired Globex."))
	require.NoError(t, err)
	assert.Equal(t, "brief_card.txt", c.Filename)

	acme, err := svc.CreateTag(ctx, entity("Acme Corp", c.Filename))
	require.NoError(t, err)
	got, err := svc.GetCard(ctx, c.Filename)
	require.NoError(t, err)
	assert.Equal(t, "[entity:Acme Corp]("+acme.ID+") acquired Globex.", got.Original)

	globex, err := svc.CreateTag(ctx, entity("Globex", c.Filename))
	require.NoError(t, err)
	got, err = svc.GetCard(ctx, c.Filename)
	require.NoError(t, err)
	assert.Equal(t, "[entity:Acme Corp]("+acme.ID+") acquired [entity:Globex]("+globex.ID+").", got.Original)

	report, err := svc.VerifyCard(ctx, c.Filename)
	require.NoError(t, err)
	assert.True(t, report.Valid)

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Tags, 2)
	assert.Equal(t, len(snap.Tags), snap.Stats.TotalTags)
	assert.Empty(t, snap.Inconsistencies)
	cf, ok := snap.File(card.Path(c.Filename))
	require.True(t, ok)
	assert.Len(t, cf.Markers, 2)

	assert.True(t, rec.has("card.created"))
	assert.True(t, rec.has("file.created"))
	assert.True(t, rec.has("tag.created"))
}

func TestMergeTags_ExampleScenario(t *testing.T) {
	svc, rec := newService(t)
	ctx := context.Background()
	a, _ := svc.Upload(ctx, "a.txt", []byte("Acme Corp and Acme."))
	b, _ := svc.Upload(ctx, "b.txt", []byte("Acme again."))

	master, err := svc.CreateTag(ctx, entity("Acme Corp", a.Filename))
	require.NoError(t, err)
	in := entity("Acme Corp", a.Filename, b.Filename)
	in.Aliases = []string{"Acme"}
	dup, err := svc.CreateTag(ctx, in)
	require.NoError(t, err)

	res, err := svc.MergeTags(ctx, master.ID, []string{dup.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{a.Filename, b.Filename}, res.Tag.References)

	_, err = svc.GetTag(ctx, dup.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	_, found := snap.Tag(dup.ID)
	assert.False(t, found, "merged id must not resolve in the index")
	entry, found := snap.Tag(master.ID)
	require.True(t, found)
	assert.Equal(t, []string{a.Filename, b.Filename}, entry.References)
	assert.Empty(t, snap.InconsistenciesOf(index.KindDanglingMarker))
	assert.Empty(t, snap.InconsistenciesOf(index.KindMissingMarker))

	assert.True(t, rec.has("tag.merged"))
	assert.True(t, rec.has("tag.deleted"))
}

func TestCreateTag_RejectsUnknownCards(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateTag(ctx, entity("Acme", "ghost_card.txt"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.ErrorIs(t, err, apperr.ErrOrphanedReference)

	tags, err := svc.ListTags(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestUpdateTag_ReindexesCards(t *testing.T) {
	svc, rec := newService(t)
	ctx := context.Background()
	a, _ := svc.Upload(ctx, "a.txt", []byte("Acme here."))
	b, _ := svc.Upload(ctx, "b.txt", []byte("Acme there."))
	tag, err := svc.CreateTag(ctx, entity("Acme", a.Filename))
	require.NoError(t, err)

	refs := []string{b.Filename}
	updated, err := svc.UpdateTag(ctx, tag.ID, tagstore.Patch{References: &refs})
	require.NoError(t, err)
	assert.Equal(t, refs, updated.References)

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	fa, _ := snap.File(card.Path(a.Filename))
	fb, _ := snap.File(card.Path(b.Filename))
	assert.Empty(t, fa.Markers)
	require.Len(t, fb.Markers, 1)
	assert.Equal(t, tag.ID, fb.Markers[0].ID)
	assert.Empty(t, snap.Inconsistencies)
	assert.True(t, rec.has("tag.updated"))

	bad := []string{"ghost_card.txt"}
	_, err = svc.UpdateTag(ctx, tag.ID, tagstore.Patch{References: &bad})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.UpdateTag(ctx, "missing", tagstore.Patch{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeleteTag_DryRunThenDelete(t *testing.T) {
	svc, rec := newService(t)
	ctx := context.Background()
	a, _ := svc.Upload(ctx, "a.txt", []byte("Acme met Globex. Acme left."))
	acme, err := svc.CreateTag(ctx, entity("Acme", a.Filename))
	require.NoError(t, err)
	globex, err := svc.CreateTag(ctx, entity("Globex", a.Filename))
	require.NoError(t, err)
	_, err = svc.CreateConnection(ctx, connection.Input{Source: acme.ID, Target: globex.ID})
	require.NoError(t, err)

	preview, err := svc.DeleteTag(ctx, acme.ID, true)
	require.NoError(t, err)
	assert.True(t, preview.DryRun)
	assert.Equal(t, []string{a.Filename}, preview.Cards)
	assert.Equal(t, 2, preview.Markers)
	assert.Equal(t, 1, preview.Connections)

	_, err = svc.GetTag(ctx, acme.ID)
	require.NoError(t, err, "dry run must not delete")

	result, err := svc.DeleteTag(ctx, acme.ID, false)
	require.NoError(t, err)
	assert.False(t, result.DryRun)
	assert.Equal(t, preview.Markers, result.Markers)

	got, _ := svc.GetCard(ctx, a.Filename)
	assert.Equal(t, "Acme met [entity:Globex]("+globex.ID+"). Acme left.", got.Original)

	broken, err := svc.BrokenConnections(ctx)
	require.NoError(t, err)
	require.Len(t, broken, 1)
	assert.Equal(t, index.ReasonMissingSource, broken[0].Reason)
	assert.True(t, rec.has("tag.deleted"))

	_, err = svc.DeleteTag(ctx, acme.ID, false)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestConnections(t *testing.T) {
	svc, rec := newService(t)
	ctx := context.Background()
	a, _ := svc.Upload(ctx, "a.txt", []byte("Acme and Globex."))
	acme, _ := svc.CreateTag(ctx, entity("Acme", a.Filename))
	globex, _ := svc.CreateTag(ctx, entity("Globex", a.Filename))
	label, err := svc.CreateTag(ctx, tagstore.InsertTag{Type: models.TagLabel, Name: "watch", References: []string{a.Filename}})
	require.NoError(t, err)

	_, err = svc.CreateConnection(ctx, connection.Input{Source: acme.ID, Target: "nope"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.CreateConnection(ctx, connection.Input{Source: acme.ID, Target: label.ID})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	c, err := svc.CreateConnection(ctx, connection.Input{Source: acme.ID, Target: globex.ID, Kind: "partner"})
	require.NoError(t, err)
	snap, _ := svc.Snapshot(ctx)
	require.Len(t, snap.Connections, 1)
	assert.Equal(t, c.ID, snap.Connections[0].ID)

	strength := 0.5
	updated, err := svc.UpdateConnection(ctx, c.ID, connection.Input{Source: globex.ID, Target: acme.ID, Strength: &strength})
	require.NoError(t, err)
	assert.Equal(t, globex.ID, updated.Source)
	snap, _ = svc.Snapshot(ctx)
	assert.InDelta(t, 0.5, snap.Connections[0].Strength, 1e-9)

	require.NoError(t, svc.DeleteConnection(ctx, c.ID))
	assert.ErrorIs(t, svc.DeleteConnection(ctx, c.ID), apperr.ErrNotFound)
	snap, _ = svc.Snapshot(ctx)
	assert.Empty(t, snap.Connections)
	assert.True(t, rec.has(sse.ResourceConnection+"."+sse.KindDeleted))
}

func TestUserTextAndRestore(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	a, _ := svc.Upload(ctx, "a.txt", []byte("Acme here."))
	tag, _ := svc.CreateTag(ctx, entity("Acme", a.Filename))

	c, err := svc.AppendUserText(ctx, a.Filename, "analyst note")
	require.NoError(t, err)
	require.NotNil(t, c.UserAdded)
	assert.Equal(t, "analyst note", *c.UserAdded)

	c, err = svc.ClearUserText(ctx, a.Filename)
	require.NoError(t, err)
	assert.Nil(t, c.UserAdded)

	res, err := svc.RestoreCard(ctx, a.Filename)
	require.NoError(t, err)
	assert.True(t, res.Success)

	snap, _ := svc.Snapshot(ctx)
	assert.Len(t, snap.InconsistenciesOf(index.KindMissingMarker), 1)
	assert.Equal(t, tag.ID, snap.InconsistenciesOf(index.KindMissingMarker)[0].TagID)
}

func TestAnalyzeTag(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	a, _ := svc.Upload(ctx, "a.txt", []byte("Acme Corp met us."))
	b, _ := svc.Upload(ctx, "b.txt", []byte("Later, Acme Corp called."))
	tag, _ := svc.CreateTag(ctx, entity("Acme Corp", a.Filename))

	res, err := svc.AnalyzeTag(ctx, tag.ID, "", "")
	require.NoError(t, err)
	require.Len(t, res.Tagged, 1)
	require.Len(t, res.Untagged, 1)
	assert.Equal(t, b.Filename, res.Untagged[0].Card)

	_, err = svc.AnalyzeTag(ctx, tag.ID, "galaxy", "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.AnalyzeTag(ctx, "missing", "", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReindexWithGC(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	a, _ := svc.Upload(ctx, "a.txt", []byte("Acme here."))
	b, _ := svc.Upload(ctx, "b.txt", []byte("Acme there."))
	tag, _ := svc.CreateTag(ctx, entity("Acme", a.Filename, b.Filename))
	require.NoError(t, svc.Store().Delete(card.Path(b.Filename)))

	dry, err := svc.Reindex(ctx, true, true)
	require.NoError(t, err)
	require.NotNil(t, dry.GC)
	assert.Equal(t, 1, dry.GC.ReferencesRemoved)
	assert.Len(t, dry.Snapshot.InconsistenciesOf(index.KindOrphanedReference), 1)

	live, err := svc.Reindex(ctx, true, false)
	require.NoError(t, err)
	assert.Equal(t, dry.GC.ReferencesRemoved, live.GC.ReferencesRemoved)
	assert.Empty(t, live.Snapshot.InconsistenciesOf(index.KindOrphanedReference))

	got, err := svc.GetTag(ctx, tag.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.Filename}, got.References)

	plain, err := svc.Reindex(ctx, false, false)
	require.NoError(t, err)
	assert.Nil(t, plain.GC)
	assert.Equal(t, 1, plain.Snapshot.Stats.TotalTags)
}
