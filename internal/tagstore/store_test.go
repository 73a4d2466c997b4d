package tagstore

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/starford/dossier/internal/apperr"
	"github.com/starford/dossier/internal/models"
	"github.com/starford/dossier/internal/storage"
	"github.com/starford/dossier/internal/testutil"
)

type call struct {
	op    string
	id    string
	cards []string
}

type fakeMarker struct {
	calls []call
	err   error
}

func (f *fakeMarker) EmbedTag(t *models.Tag, cards []string) (int, error) {
	f.calls = append(f.calls, call{"embed", t.ID, append([]string(nil), cards...)})
	return len(cards), f.err
}

func (f *fakeMarker) StripTag(t *models.Tag, cards []string) (int, error) {
	f.calls = append(f.calls, call{"strip", t.ID, append([]string(nil), cards...)})
	return len(cards), f.err
}

func newTestStore(t *testing.T) (*Store, *storage.FS, *fakeMarker) {
	t.Helper()
	_, fs := testutil.TestRoot(t)
	m := &fakeMarker{}
	return NewStore(fs, m, testutil.Logger()), fs, m
}

func TestCreateWritesFileAndEmbeds(t *testing.T) {
	s, fs, m := newTestStore(t)
	tag, err := s.Create(InsertTag{
		Type:       models.TagEntity,
		Name:       "Acme Corp",
		Aliases:    []string{"Acme", "acme", " "},
		References: []string{"brief_card.txt", "brief_card.txt"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(tag.Aliases) != 1 || len(tag.References) != 1 {
		t.Errorf("aliases/references not deduplicated: %+v", tag)
	}
	want := "tags/entities/Acme_Corp_" + tag.ID + ".entity.tag"
	if !fs.Exists(want) {
		t.Errorf("expected file %s", want)
	}
	if len(m.calls) != 1 || m.calls[0].op != "embed" || m.calls[0].cards[0] != "brief_card.txt" {
		t.Errorf("calls = %+v", m.calls)
	}

	got, err := s.Get(tag.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Acme Corp" || !got.Created.Equal(tag.Created) {
		t.Errorf("got %+v", got)
	}
}

func TestCreateValidation(t *testing.T) {
	s, fs, m := newTestStore(t)
	cases := map[string]InsertTag{
		"no name":        {Type: models.TagEntity, References: []string{"a_card.txt"}},
		"bad type":       {Type: "person", Name: "x", References: []string{"a_card.txt"}},
		"no references":  {Type: models.TagEntity, Name: "x"},
		"bracket name":   {Type: models.TagEntity, Name: "x]y", References: []string{"a_card.txt"}},
		"newline alias":  {Type: models.TagEntity, Name: "x", Aliases: []string{"a\nb"}, References: []string{"a_card.txt"}},
		"path reference": {Type: models.TagEntity, Name: "x", References: []string{"../a_card.txt"}},
		"colon key":      {Type: models.TagAttribute, Name: "x", KeyValues: map[string]string{"a:b": "c"}, References: []string{"a_card.txt"}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Create(in); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
	metas, _ := fs.List(TagsDir)
	if len(metas) != 0 || len(m.calls) != 0 {
		t.Errorf("invalid input must not write: files=%d calls=%d", len(metas), len(m.calls))
	}
}

func TestGetNotFound(t *testing.T) {
	s, _, _ := newTestStore(t)
	if _, err := s.Get("missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdate_ReferencesAndRename(t *testing.T) {
	s, fs, m := newTestStore(t)
	tag, _ := s.Create(InsertTag{Type: models.TagEntity, Name: "Acme", References: []string{"a_card.txt", "b_card.txt"}})
	oldPath, _ := s.Path(tag.ID)
	m.calls = nil

	name := "Acme Corporation"
	refs := []string{"b_card.txt", "c_card.txt"}
	got, err := s.Update(tag.ID, Patch{Name: &name, References: &refs})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Name != name || got.ID != tag.ID {
		t.Errorf("got %+v", got)
	}
	if fs.Exists(oldPath) {
		t.Error("old file should be removed after rename")
	}
	newPath, _ := s.Path(tag.ID)
	if !strings.Contains(newPath, "Acme_Corporation_") {
		t.Errorf("path = %s", newPath)
	}
	if len(m.calls) != 2 {
		t.Fatalf("calls = %+v", m.calls)
	}
	if m.calls[0].op != "strip" || len(m.calls[0].cards) != 1 || m.calls[0].cards[0] != "a_card.txt" {
		t.Errorf("strip call = %+v", m.calls[0])
	}
	// The name changed, so every reference is re-embedded.
	if m.calls[1].op != "embed" || len(m.calls[1].cards) != 2 {
		t.Errorf("embed call = %+v", m.calls[1])
	}
}

func TestUpdate_TypeImmutable(t *testing.T) {
	s, _, _ := newTestStore(t)
	tag, _ := s.Create(InsertTag{Type: models.TagEntity, Name: "Acme", References: []string{"a_card.txt"}})
	rel := models.TagRelationship
	if _, err := s.Update(tag.ID, Patch{Type: &rel}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	empty := []string{}
	if _, err := s.Update(tag.ID, Patch{References: &empty}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation for empty references", err)
	}
}

func TestDelete_StripsBeforeRemoving(t *testing.T) {
	_, fs := testutil.TestRoot(t)
	var s *Store
	var pathAtStrip string
	m := &orderMarker{onStrip: func(id string) {
		pathAtStrip, _ = s.Path(id)
	}}
	s = NewStore(fs, m, testutil.Logger())

	tag, _ := s.Create(InsertTag{Type: models.TagEntity, Name: "Acme", References: []string{"a_card.txt"}})
	ok, err := s.Delete(tag.ID)
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	if pathAtStrip == "" {
		t.Error("tag file should still exist while markers are stripped")
	}
	if _, err := s.Get(tag.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
	ok, err = s.Delete(tag.ID)
	if err != nil || ok {
		t.Errorf("second Delete = %v, %v", ok, err)
	}
}

type orderMarker struct {
	onStrip func(id string)
}

func (o *orderMarker) EmbedTag(*models.Tag, []string) (int, error) { return 0, nil }

func (o *orderMarker) StripTag(t *models.Tag, _ []string) (int, error) {
	o.onStrip(t.ID)
	return 0, nil
}

func TestDelete_StripFailureKeepsFile(t *testing.T) {
	s, _, m := newTestStore(t)
	tag, _ := s.Create(InsertTag{Type: models.TagEntity, Name: "Acme", References: []string{"a_card.txt"}})
	m.err = errors.New("disk full")
	if _, err := s.Delete(tag.ID); err == nil {
		t.Fatal("expected error")
	}
	if _, err := s.Get(tag.ID); err != nil {
		t.Errorf("tag should survive a failed strip: %v", err)
	}
}

func TestRemoveReferences(t *testing.T) {
	s, _, m := newTestStore(t)
	tag, _ := s.Create(InsertTag{Type: models.TagEntity, Name: "Acme", References: []string{"a_card.txt", "b_card.txt"}})
	m.calls = nil

	deleted, err := s.RemoveReferences(tag.ID, []string{"a_card.txt"})
	if err != nil || deleted {
		t.Fatalf("RemoveReferences = %v, %v", deleted, err)
	}
	got, _ := s.Get(tag.ID)
	if len(got.References) != 1 || got.References[0] != "b_card.txt" {
		t.Errorf("references = %v", got.References)
	}

	deleted, err = s.RemoveReferences(tag.ID, []string{"b_card.txt"})
	if err != nil || !deleted {
		t.Fatalf("RemoveReferences last = %v, %v", deleted, err)
	}
	if _, err := s.Get(tag.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("tag without references should be gone: %v", err)
	}
	if len(m.calls) != 0 {
		t.Errorf("RemoveReferences must not touch cards: %+v", m.calls)
	}
}

func TestListByTypeAndSkipsBadFiles(t *testing.T) {
	s, fs, _ := newTestStore(t)
	_, _ = s.Create(InsertTag{Type: models.TagEntity, Name: "Acme", References: []string{"a_card.txt"}})
	_, _ = s.Create(InsertTag{Type: models.TagComment, Name: "check this", References: []string{"a_card.txt"}})
	testutil.WriteFile(t, fs, "tags/entities/broken_x.entity.tag", "UUID: x\nTAG_TYPE: entity\n")
	testutil.WriteFile(t, fs, "tags/entities/notes.txt", "not a tag")

	all, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List = %d tags, want 2", len(all))
	}
	ents, _ := s.ListByType(models.TagEntity)
	if len(ents) != 1 || ents[0].Name != "Acme" {
		t.Errorf("entities = %+v", ents)
	}
	if _, err := s.ListByType("bogus"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("err = %v", err)
	}
}

const legacyTag = `UUID: legacy-1
TYPE: entity
NAME: Globex
CREATED: 2025-03-01T10:00:00Z
MODIFIED: 2025-03-02T10:00:00Z
OBSOLETE_FIELD: ignored

ALIASES:
- Globex Inc
REFERENCES:
- brief_card.txt
OLD_BLOCK:
- should be skipped
DESCRIPTION:
Legacy description
with two lines
`

func TestLegacyMigration(t *testing.T) {
	s, fs, _ := newTestStore(t)
	testutil.WriteFile(t, fs, "tags/Globex_legacy-1.tag", legacyTag)

	all, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("List = %d, want 1", len(all))
	}
	tag := all[0]
	if tag.ID != "legacy-1" || tag.Type != models.TagEntity || tag.Name != "Globex" {
		t.Errorf("tag = %+v", tag)
	}
	if len(tag.Aliases) != 1 || tag.Aliases[0] != "Globex Inc" {
		t.Errorf("aliases = %v", tag.Aliases)
	}
	if tag.Description != "Legacy description\nwith two lines" {
		t.Errorf("description = %q", tag.Description)
	}
	if fs.Exists("tags/Globex_legacy-1.tag") {
		t.Error("legacy file should be removed")
	}
	if !fs.Exists("tags/entities/Globex_legacy-1.entity.tag") {
		t.Error("migrated file missing")
	}

	// A second listing is a no-op.
	again, _ := s.List()
	if len(again) != 1 || again[0].ID != "legacy-1" {
		t.Errorf("second list = %+v", again)
	}
}

func TestLegacyMigration_InterruptedRun(t *testing.T) {
	s, fs, _ := newTestStore(t)
	testutil.WriteFile(t, fs, "tags/Globex_legacy-1.tag", legacyTag)
	migrated := strings.Replace(strings.Replace(legacyTag, "TYPE: entity", "TAG_TYPE: entity", 1), "NAME: Globex", "NAME: Globex Renamed", 1)
	testutil.WriteFile(t, fs, "tags/entities/Globex_legacy-1.entity.tag", migrated)

	all, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 || all[0].Name != "Globex Renamed" {
		t.Fatalf("List = %+v", all)
	}
	if fs.Exists("tags/Globex_legacy-1.tag") {
		t.Error("legacy duplicate should be removed")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	in := &models.Tag{
		ID:                "rel-1",
		Type:              models.TagRelationship,
		Name:              "acquired",
		Aliases:           []string{"bought", "took over"},
		KeyValues:         map[string]string{"year": "2026", "source": "press: release"},
		Description:       "first line\n\nCREATED: not a header",
		References:        []string{"brief_card.txt"},
		ConnectedEntities: []models.EntityLink{{Source: "e-1", Target: "e-2"}},
		Created:           ts,
		Modified:          ts,
	}
	out, err := decode(encode(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(encode(out)) != string(encode(in)) {
		t.Errorf("round trip mismatch:\n%s\n---\n%s", encode(in), encode(out))
	}
	if out.KeyValues["source"] != "press: release" {
		t.Errorf("kv = %v", out.KeyValues)
	}
	if out.Description != in.Description {
		t.Errorf("description = %q", out.Description)
	}
}

func TestDetectVersion(t *testing.T) {
	cases := []struct {
		path    string
		version formatVersion
		ok      bool
	}{
		{"tags/entities/Acme_1.entity.tag", formatV2, true},
		{"tags/Acme_1.tag", formatV1, true},
		{"tags/Acme.v2_1.tag", formatV1, true},
		{"tags/readme.md", 0, false},
	}
	for _, c := range cases {
		v, ok := detectVersion(c.path)
		if v != c.version || ok != c.ok {
			t.Errorf("detectVersion(%q) = %d, %v", c.path, v, ok)
		}
	}
	if id := idFromPath("tags/entities/Acme_Corp_abc-123.entity.tag"); id != "abc-123" {
		t.Errorf("idFromPath = %q", id)
	}
}

func TestLegacyTag_IDOutsideMarkerAlphabetSkipped(t *testing.T) {
	s, fs, m := newTestStore(t)
	testutil.WriteFile(t, fs, "tags/Acme_tag.1.tag", strings.ReplaceAll(legacyTag, "legacy-1", "tag.1"))

	all, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("List = %+v, want none", all)
	}
	if _, err := s.Get("tag.1"); err == nil {
		t.Error("Get should fail for an id markers cannot carry")
	}
	if _, err := decode([]byte(strings.ReplaceAll(legacyTag, "legacy-1", "tag.1"))); !errors.Is(err, apperr.ErrStructural) {
		t.Errorf("decode err = %v, want ErrStructural", err)
	}
	if len(m.calls) != 0 {
		t.Errorf("marker calls = %+v, want none", m.calls)
	}
	if !fs.Exists("tags/Acme_tag.1.tag") {
		t.Error("unreadable legacy file should be left in place")
	}
}
