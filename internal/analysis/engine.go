// Package analysis finds tagged and untagged mentions of a tag across cards
// and scores the untagged ones.
package analysis

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/starford/dossier/internal/apperr"
	"github.com/starford/dossier/internal/markup"
	"github.com/starford/dossier/internal/models"
)

// Scope selects which cards an analysis covers.
type Scope string

const (
	// ScopeSimilarity covers the cards the tag does not reference yet.
	ScopeSimilarity Scope = "similarity"
	// ScopeDocument covers a single card.
	ScopeDocument Scope = "document"
	// ScopeRepository covers every card.
	ScopeRepository Scope = "repository"
)

// ParseScope converts s to a Scope. An empty string means repository.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeRepository:
		return ScopeRepository, nil
	case ScopeDocument:
		return ScopeDocument, nil
	case ScopeSimilarity:
		return ScopeSimilarity, nil
	}
	return "", fmt.Errorf("analysis: unknown scope %q: %w", s, apperr.ErrValidation)
}

// AliasPolicy toggles alias search per scope.
type AliasPolicy struct {
	Similarity bool `yaml:"similarity"`
	Document   bool `yaml:"document"`
	Repository bool `yaml:"repository"`
}

// Allows reports whether aliases are searched in scope.
func (p AliasPolicy) Allows(s Scope) bool {
	switch s {
	case ScopeSimilarity:
		return p.Similarity
	case ScopeDocument:
		return p.Document
	default:
		return p.Repository
	}
}

// Region names.
const (
	RegionOriginal  = "original"
	RegionUserAdded = "user_added"
)

// Scoring weights.
const (
	baseConfidence    = 0.5
	exactMatchBonus   = 0.3
	entityTypeBonus   = 0.1
	shortMatchPenalty = 0.2
	capitalizedBonus  = 0.1
	shortMatchRunes   = 3
)

// Reference is one mention of a tag in a card region. Offsets are byte
// offsets into the region as stored, markers included.
type Reference struct {
	Card       string  `json:"card"`
	Region     string  `json:"region"`
	Text       string  `json:"text"`
	Term       string  `json:"term,omitempty"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Context    string  `json:"context"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Result holds the references found for one tag.
type Result struct {
	TagID    string      `json:"tagId"`
	Scope    Scope       `json:"scope"`
	Tagged   []Reference `json:"taggedReferences"`
	Untagged []Reference `json:"untaggedReferences"`
}

// Request describes one analysis.
type Request struct {
	Tag   *models.Tag
	Scope Scope
	// Card is required for ScopeDocument.
	Card string
}

// CardSource lists and reads cards.
type CardSource interface {
	ListCards() ([]string, error)
	ReadCard(name string) (*models.Card, error)
}

// Options tune an Engine.
type Options struct {
	Aliases       AliasPolicy
	MaxResults    int
	ContextWindow int
}

// Engine runs reference analysis.
type Engine struct {
	cards CardSource
	opts  Options
	log   *slog.Logger
}

// NewEngine creates an analysis engine.
func NewEngine(cards CardSource, opts Options, log *slog.Logger) *Engine {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 20
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cards: cards, opts: opts, log: log}
}

// Analyze collects the tag's marked references and scores its unmarked
// mentions in the cards selected by the request scope.
func (e *Engine) Analyze(req Request) (*Result, error) {
	if req.Tag == nil {
		return nil, fmt.Errorf("analysis: tag is required: %w", apperr.ErrValidation)
	}
	if req.Scope == "" {
		req.Scope = ScopeRepository
	}
	names, err := e.scopeCards(req)
	if err != nil {
		return nil, err
	}

	terms := []string{req.Tag.Name}
	if e.opts.Aliases.Allows(req.Scope) {
		terms = req.Tag.SearchTerms()
	}

	res := &Result{TagID: req.Tag.ID, Scope: req.Scope, Tagged: []Reference{}, Untagged: []Reference{}}
	seen := make(map[string]struct{})
	for _, name := range names {
		c, err := e.cards.ReadCard(name)
		if err != nil {
			if req.Scope == ScopeDocument {
				return nil, err
			}
			e.log.Warn("analysis: skip unreadable card", slog.String("card", name), slog.String("error", err.Error()))
			continue
		}
		regions := []struct{ name, text string }{{RegionOriginal, c.Original}}
		if c.UserAdded != nil {
			regions = append(regions, struct{ name, text string }{RegionUserAdded, *c.UserAdded})
		}
		for _, r := range regions {
			tagged, untagged := e.analyzeRegion(req.Tag, terms, name, r.name, r.text)
			res.Tagged = append(res.Tagged, tagged...)
			for _, u := range untagged {
				key := fmt.Sprintf("%s\x00%s\x00%d\x00%s", u.Card, u.Region, u.Start, u.Text)
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				res.Untagged = append(res.Untagged, u)
			}
		}
	}

	sort.SliceStable(res.Untagged, func(i, j int) bool {
		a, b := res.Untagged[i], res.Untagged[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Card != b.Card {
			return a.Card < b.Card
		}
		return a.Start < b.Start
	})
	if len(res.Untagged) > e.opts.MaxResults {
		res.Untagged = res.Untagged[:e.opts.MaxResults]
	}
	return res, nil
}

func (e *Engine) scopeCards(req Request) ([]string, error) {
	switch req.Scope {
	case ScopeDocument:
		if req.Card == "" {
			return nil, fmt.Errorf("analysis: document scope needs a card: %w", apperr.ErrValidation)
		}
		return []string{req.Card}, nil
	case ScopeRepository, ScopeSimilarity:
		all, err := e.cards.ListCards()
		if err != nil {
			return nil, err
		}
		if req.Scope == ScopeRepository {
			return all, nil
		}
		var out []string
		for _, name := range all {
			if !req.Tag.HasReference(name) {
				out = append(out, name)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("analysis: unknown scope %q: %w", req.Scope, apperr.ErrValidation)
}

func (e *Engine) analyzeRegion(tag *models.Tag, terms []string, card, region, text string) (tagged, untagged []Reference) {
	markers := markup.Scan(text)
	stripped, pos := markup.StripAll(text)

	for _, m := range markers {
		if m.ID != tag.ID {
			continue
		}
		i := sort.SearchInts(pos, m.TextStart())
		tagged = append(tagged, Reference{
			Card:    card,
			Region:  region,
			Text:    m.Text,
			Start:   m.Start,
			End:     m.End,
			Context: e.context(stripped, i, i+len(m.Text)),
		})
	}

	for _, term := range terms {
		for _, span := range markup.FindTerm(stripped, term) {
			start, end := pos[span.Start], pos[span.End-1]+1
			if overlapsMarker(markers, start, end) {
				continue
			}
			matched := stripped[span.Start:span.End]
			ctx := e.context(stripped, span.Start, span.End)
			untagged = append(untagged, Reference{
				Card:       card,
				Region:     region,
				Text:       matched,
				Term:       term,
				Start:      start,
				End:        end,
				Context:    ctx,
				Confidence: Score(tag, term, matched, ctx),
			})
		}
	}
	return tagged, untagged
}

// Score rates how likely matched, found for term, is a mention of tag.
// The result is always within [0, 1].
func Score(tag *models.Tag, term, matched, context string) float64 {
	c := baseConfidence
	if strings.EqualFold(matched, term) {
		c += exactMatchBonus
	}
	if et := strings.TrimSpace(tag.EntityType); et != "" && strings.Contains(strings.ToLower(context), strings.ToLower(et)) {
		c += entityTypeBonus
	}
	if utf8.RuneCountInString(matched) < shortMatchRunes {
		c -= shortMatchPenalty
	}
	if r, _ := utf8.DecodeRuneInString(matched); unicode.IsUpper(r) {
		c += capitalizedBonus
	}
	return min(1, max(0, c))
}

// context returns up to ContextWindow bytes either side of [start, end),
// trimmed to the enclosing sentence where a boundary is found.
func (e *Engine) context(text string, start, end int) string {
	lo := max(0, start-e.opts.ContextWindow)
	hi := min(len(text), end+e.opts.ContextWindow)
	for lo < start && !utf8.RuneStart(text[lo]) {
		lo++
	}
	for hi > end && hi < len(text) && !utf8.RuneStart(text[hi]) {
		hi--
	}

	before := text[lo:start]
	if i := lastSentenceEnd(before); i >= 0 {
		before = before[i:]
	}
	after := text[end:hi]
	if i := firstSentenceEnd(after); i >= 0 {
		after = after[:i]
	}
	return strings.TrimSpace(before + text[start:end] + after)
}

// lastSentenceEnd returns the offset just past the last sentence terminator
// in s, or -1.
func lastSentenceEnd(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if isTerminator(s[i]) && (i+1 == len(s) || s[i+1] == ' ' || s[i+1] == '\n' || s[i+1] == '\t') {
			return i + 1
		}
		if s[i] == '\n' {
			return i + 1
		}
	}
	return -1
}

// firstSentenceEnd returns the offset just past the first sentence
// terminator in s, or -1.
func firstSentenceEnd(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return i
		}
		if isTerminator(s[i]) && (i+1 == len(s) || s[i+1] == ' ' || s[i+1] == '\n' || s[i+1] == '\t') {
			return i + 1
		}
	}
	return -1
}

func isTerminator(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

func overlapsMarker(markers []markup.Marker, start, end int) bool {
	for _, m := range markers {
		if m.Overlaps(start, end) {
			return true
		}
	}
	return false
}
