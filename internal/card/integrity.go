package card

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/starford/dossier/internal/apperr"
	"github.com/starford/dossier/internal/checksum"
	"github.com/starford/dossier/internal/markup"
	"github.com/starford/dossier/internal/storage"
)

// maxReportedTokens bounds the diff surfaced to callers.
const maxReportedTokens = 5

// IntegrityReport is the outcome of VerifyIntegrity.
type IntegrityReport struct {
	Valid         bool     `json:"valid"`
	MissingTokens []string `json:"missingTokens"`
	SourceFile    string   `json:"sourceFile"`
	SourceChanged bool     `json:"sourceChanged,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// RestoreResult is the outcome of RestoreOriginalContent.
type RestoreResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// VerifyIntegrity checks that stripping every marker from the card's
// original content reproduces its source file, comparing line by line after
// whitespace and case normalization. On mismatch up to five differing
// tokens are reported; tokens only present in the card are prefixed "+".
func (s *Store) VerifyIntegrity(name string) (*IntegrityReport, error) {
	doc, err := s.load(name)
	if err != nil {
		if errors.Is(err, apperr.ErrStructural) {
			return &IntegrityReport{
				MissingTokens: []string{"structural error: " + err.Error()},
				Reason:        "card structure is malformed",
			}, nil
		}
		return nil, err
	}

	report := &IntegrityReport{SourceFile: doc.Header.SourceReference, MissingTokens: []string{}}
	source, err := s.store.Read(doc.Header.SourceReference)
	if err != nil {
		if storage.IsNotExist(err) {
			report.Reason = fmt.Sprintf("source file %s not found", doc.Header.SourceReference)
			return report, nil
		}
		return nil, err
	}
	report.SourceChanged = checksum.Sum(source) != doc.Header.SourceHash

	stripped, _ := markup.StripAll(doc.Original)
	cardLines := checksum.NormalizeLines(stripped)
	srcLines := checksum.NormalizeLines(string(source))
	if slices.Equal(cardLines, srcLines) {
		report.Valid = true
		return report, nil
	}

	report.MissingTokens = diffTokens(srcLines, cardLines)
	if len(report.MissingTokens) == 0 {
		report.Reason = "content lines differ in order or line breaks"
	} else {
		report.Reason = "original content diverges from source"
	}
	return report, nil
}

// RestoreOriginalContent replaces the original-content region with the
// source text and clears the tag index. The user-added region is kept
// verbatim. Inline markers are not preserved and must be re-derived by
// tagging again.
func (s *Store) RestoreOriginalContent(name string) (*RestoreResult, error) {
	doc, err := s.load(name)
	if err != nil {
		if errors.Is(err, apperr.ErrStructural) {
			return &RestoreResult{Message: "card structure is malformed: " + err.Error()}, nil
		}
		return nil, err
	}
	source, err := s.store.Read(doc.Header.SourceReference)
	if err != nil {
		if storage.IsNotExist(err) {
			return &RestoreResult{Message: fmt.Sprintf("cannot restore: source file %s not found", doc.Header.SourceReference)}, nil
		}
		return nil, err
	}
	doc.TagIndex = nil
	doc.Original = string(source)
	doc.Header.SourceHash = checksum.Sum(source)
	doc.Header.Modified = s.now()
	if err := s.write(name, doc); err != nil {
		return nil, err
	}
	return &RestoreResult{
		Success: true,
		Message: "original content restored from " + doc.Header.SourceReference + "; inline markers were removed",
	}, nil
}

// diffTokens returns up to maxReportedTokens tokens that appear on one side only.
func diffTokens(source, card []string) []string {
	srcSet := tokenSet(source)
	cardSet := tokenSet(card)
	out := []string{}
	for _, tok := range orderedTokens(source) {
		if _, ok := cardSet[tok]; !ok {
			out = append(out, tok)
			if len(out) == maxReportedTokens {
				return out
			}
		}
	}
	for _, tok := range orderedTokens(card) {
		if _, ok := srcSet[tok]; !ok {
			out = append(out, "+"+tok)
			if len(out) == maxReportedTokens {
				return out
			}
		}
	}
	return out
}

func tokenSet(lines []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, line := range lines {
		for _, tok := range strings.Fields(line) {
			set[tok] = struct{}{}
		}
	}
	return set
}

func orderedTokens(lines []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, line := range lines {
		for _, tok := range strings.Fields(line) {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			out = append(out, tok)
		}
	}
	return out
}
