package markup

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/starford/dossier/internal/models"
)

// Span is a half-open byte range.
type Span struct {
	Start int
	End   int
}

// FindTerm returns the case-insensitive, word-bounded occurrences of term in text.
func FindTerm(text, term string) []Span {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil
	}
	re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(term))
	if err != nil {
		return nil
	}
	firstWord := isWordRune(firstRune(term))
	lastWord := isWordRune(lastRune(term))

	var out []Span
	for _, loc := range re.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if firstWord && start > 0 && isWordRune(lastRune(text[:start])) {
			continue
		}
		if lastWord && end < len(text) && isWordRune(firstRune(text[end:])) {
			continue
		}
		out = append(out, Span{Start: start, End: end})
	}
	return out
}

// Embed wraps every unmarked occurrence of the tag's name and aliases in
// text with a marker for tag. Terms are applied name first, then aliases;
// a match that overlaps any existing marker is left alone, so embedding is
// idempotent and never nests. It returns the new text and the number of
// markers added.
func Embed(text string, tag *models.Tag) (string, int) {
	added := 0
	for _, term := range tag.SearchTerms() {
		markers := Scan(text)
		matches := FindTerm(text, term)
		if len(matches) == 0 {
			continue
		}
		var b strings.Builder
		last := 0
		for _, m := range matches {
			visible := text[m.Start:m.End]
			if !ValidText(visible) || overlapsAny(markers, m.Start, m.End) {
				continue
			}
			b.WriteString(text[last:m.Start])
			b.WriteString(Format(tag.Type, visible, tag.ID))
			last = m.End
			added++
		}
		if last == 0 {
			continue
		}
		b.WriteString(text[last:])
		text = b.String()
	}
	return text, added
}

// Strip replaces every marker pointing at id with its visible text and
// returns the new text and the number of markers removed.
func Strip(text, id string) (string, int) {
	markers := Scan(text)
	var b strings.Builder
	last, removed := 0, 0
	for _, m := range markers {
		if m.ID != id {
			continue
		}
		b.WriteString(text[last:m.Start])
		b.WriteString(m.Text)
		last = m.End
		removed++
	}
	if removed == 0 {
		return text, 0
	}
	b.WriteString(text[last:])
	return b.String(), removed
}

// StripAll removes every marker from text. The returned offsets map each
// byte of the stripped text (plus one trailing entry for its end) to the
// byte offset it came from in the original text.
func StripAll(text string) (string, []int) {
	markers := Scan(text)
	var b strings.Builder
	pos := make([]int, 0, len(text)+1)
	last := 0
	for _, m := range markers {
		b.WriteString(text[last:m.Start])
		for i := last; i < m.Start; i++ {
			pos = append(pos, i)
		}
		b.WriteString(m.Text)
		ts := m.TextStart()
		for i := 0; i < len(m.Text); i++ {
			pos = append(pos, ts+i)
		}
		last = m.End
	}
	b.WriteString(text[last:])
	for i := last; i < len(text); i++ {
		pos = append(pos, i)
	}
	pos = append(pos, len(text))
	return b.String(), pos
}

func overlapsAny(markers []Marker, start, end int) bool {
	for _, m := range markers {
		if m.Overlaps(start, end) {
			return true
		}
	}
	return false
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func firstRune(s string) rune {
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

func lastRune(s string) rune {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r
}
