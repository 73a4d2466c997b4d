package markup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/dossier/internal/models"
)

func entity(id, name string, aliases ...string) *models.Tag {
	return &models.Tag{ID: id, Type: models.TagEntity, Name: name, Aliases: aliases}
}

func TestScan(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Marker
	}{
		{"single", "x [entity:Acme](a-1) y", []Marker{{Start: 2, End: 20, Type: models.TagEntity, Text: "Acme", ID: "a-1"}}},
		{"unknown type", "[person:Bob](b1)", nil},
		{"missing id", "[entity:Bob]()", nil},
		{"newline in text", "[entity:Bo\nb](b1)", nil},
		{"plain brackets", "see [1] and (2)", nil},
		{"two", "[entity:A](1)[kv_pair:B](2)", []Marker{
			{Start: 0, End: 13, Type: models.TagEntity, Text: "A", ID: "1"},
			{Start: 13, End: 27, Type: models.TagKVPair, Text: "B", ID: "2"},
		}},
		{"prefix bracket", "[note [entity:A](1)]", []Marker{{Start: 6, End: 19, Type: models.TagEntity, Text: "A", ID: "1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Scan(tt.input))
		})
	}
}

func TestEmbed_ExampleScenario(t *testing.T) {
	text := "Acme Corp acquired Globex."
	text, n := Embed(text, entity("uuid-1", "Acme Corp"))
	require.Equal(t, 1, n)
	assert.Equal(t, "[entity:Acme Corp](uuid-1) acquired Globex.", text)

	text, n = Embed(text, entity("uuid-2", "Globex"))
	require.Equal(t, 1, n)
	assert.Equal(t, "[entity:Acme Corp](uuid-1) acquired [entity:Globex](uuid-2).", text)
	assert.Len(t, Scan(text), 2)
}

func TestEmbed_CaseInsensitiveKeepsMatchedText(t *testing.T) {
	text, n := Embed("ACME corp and acme Corp", entity("a", "Acme Corp"))
	require.Equal(t, 2, n)
	assert.Equal(t, "[entity:ACME corp](a) and [entity:acme Corp](a)", text)
}

func TestEmbed_WordBoundary(t *testing.T) {
	text, n := Embed("Acmeville is not Acme.", entity("a", "Acme"))
	require.Equal(t, 1, n)
	assert.Equal(t, "Acmeville is not [entity:Acme](a).", text)
}

func TestEmbed_Idempotent(t *testing.T) {
	tag := entity("a", "Acme Corp", "Acme")
	once, _ := Embed("Acme Corp, also called Acme, is big.", tag)
	twice, n := Embed(once, tag)
	assert.Equal(t, 0, n)
	assert.Equal(t, once, twice)
	assert.Equal(t, 2, Count(twice, "a"))
}

func TestEmbed_NoNesting(t *testing.T) {
	// The alias "Acme" sits inside the name marker and must not be wrapped again.
	text, _ := Embed("Acme Corp", entity("a", "Acme Corp", "Acme"))
	assert.Equal(t, "[entity:Acme Corp](a)", text)

	// A different tag's marker also shields its text.
	text, n := Embed(text, entity("b", "Acme"))
	assert.Equal(t, 0, n)
	assert.Equal(t, "[entity:Acme Corp](a)", text)
}

func TestEmbed_DoesNotMatchInsideMarkerSyntax(t *testing.T) {
	// A tag named like a type or id must not corrupt existing markers.
	text, _ := Embed("Acme", entity("entity", "Acme"))
	text2, n := Embed(text, entity("x", "entity"))
	assert.Equal(t, 0, n)
	assert.Equal(t, text, text2)
}

func TestStrip_UsesVisibleText(t *testing.T) {
	tag := entity("a", "Acme Corp")
	marked, _ := Embed("acme corp bought Globex", tag)

	// Renaming the tag after embedding must not change what strip restores.
	tag.Name = "Acme Corporation"
	out, n := Strip(marked, tag.ID)
	assert.Equal(t, 1, n)
	assert.Equal(t, "acme corp bought Globex", out)
}

func TestStrip_OnlyTargetID(t *testing.T) {
	text := "[entity:A](1) and [entity:B](2)"
	out, n := Strip(text, "2")
	assert.Equal(t, 1, n)
	assert.Equal(t, "[entity:A](1) and B", out)
}

func TestRoundTripRecoverability(t *testing.T) {
	sources := []string{
		"Acme Corp acquired Globex.",
		"ACME, Acme corp., acme-corp; Acme Corp!",
		"Unicode: Ünïcode Acme Corp — naïve façade.\nSecond line Acme.",
		"",
		"nothing to tag here",
	}
	tags := []*models.Tag{
		entity("a", "Acme Corp", "Acme"),
		entity("b", "Globex"),
		{ID: "c", Type: models.TagComment, Name: "naïve"},
	}
	for _, src := range sources {
		for _, tag := range tags {
			marked, _ := Embed(src, tag)
			back, _ := Strip(marked, tag.ID)
			assert.Equal(t, src, back, "tag %s", tag.ID)
		}
		all := src
		for _, tag := range tags {
			all, _ = Embed(all, tag)
		}
		stripped, _ := StripAll(all)
		assert.Equal(t, src, stripped)
	}
}

func TestStripAll_OffsetMap(t *testing.T) {
	text := "x [entity:Acme](a) y"
	stripped, pos := StripAll(text)
	require.Equal(t, "x Acme y", stripped)
	require.Len(t, pos, len(stripped)+1)

	i := strings.Index(stripped, "Acme")
	assert.Equal(t, strings.Index(text, "Acme"), pos[i])
	assert.Equal(t, 0, pos[0])
	assert.Equal(t, len(text), pos[len(stripped)])
	assert.Equal(t, len(text)-1, pos[len(stripped)-1])
}

func TestIndexEntries(t *testing.T) {
	tag := entity("a", "Acme")
	entries := AddIndexEntry(nil, IndexEntry(tag), tag.ID)
	entries = AddIndexEntry(entries, IndexEntry(tag), tag.ID)
	assert.Equal(t, []string{"[entity:Acme](a)"}, entries)

	tag.Name = "Acme Corp"
	entries = AddIndexEntry(entries, IndexEntry(tag), tag.ID)
	assert.Equal(t, []string{"[entity:Acme Corp](a)"}, entries)

	entries = append(entries, "", "[entity:Globex](b)")
	entries = RemoveIndexEntries(entries, "a")
	assert.Equal(t, []string{"[entity:Globex](b)"}, entries)
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("3f2a-9c_01"))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("a b"))
	assert.False(t, ValidID("a)"))
}
