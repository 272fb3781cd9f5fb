package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"freely/api/internal/store"
)

// scanPageSize bounds how many records of one type are read per owner.
const scanPageSize = 1000

// Scan searches by listing the owner's records and matching every query term
// case-insensitively. It serves deployments without Postgres.
type Scan struct {
	lister store.Lister
}

func NewScan(lister store.Lister) *Scan {
	return &Scan{lister: lister}
}

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	terms := strings.FieldsFunc(strings.ToLower(q.Text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(terms) == 0 {
		return []Result{}, 0, nil
	}
	q = normalise(q)

	types := []store.RecordType{store.TypeAnalysis, store.TypeProposal}
	if q.Type != "" {
		types = []store.RecordType{q.Type}
	}

	var matched []store.Record
	for _, typ := range types {
		recs, err := s.lister.ListByOwner(ctx, store.ListOptions{OwnerID: q.OwnerID, Type: typ, Limit: scanPageSize})
		if err != nil {
			return nil, 0, fmt.Errorf("scan %s records: %w", typ, err)
		}
		for _, rec := range recs {
			if matchesAll(haystack(rec), terms) {
				matched = append(matched, rec)
			}
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	total := len(matched)
	results := []Result{}
	if q.Offset >= total {
		return results, total, nil
	}
	matched = matched[q.Offset:]
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	for _, rec := range matched {
		results = append(results, Result{
			Type:    rec.Type,
			ID:      rec.ID,
			Title:   rec.ClientLabel,
			Snippet: snippet(firstNonBlank(rec.Content(), rec.Input.ChatContent), terms[0]),
			Kind:    rec.Kind,
			Status:  rec.Status,
		})
	}
	return results, total, nil
}

func haystack(rec store.Record) string {
	return strings.ToLower(rec.ClientLabel + "\n" + rec.Content() + "\n" + rec.Input.ChatContent)
}

func matchesAll(text string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(text, term) {
			return false
		}
	}
	return true
}

// snippetRadius is the number of bytes kept on each side of the first hit.
const snippetRadius = 80

func snippet(text, term string) string {
	idx := strings.Index(strings.ToLower(text), term)
	if idx < 0 {
		idx = 0
	}
	start := max(idx-snippetRadius, 0)
	end := min(idx+len(term)+snippetRadius, len(text))
	// Step off partial UTF-8 sequences.
	for start > 0 && !isRuneStart(text[start]) {
		start--
	}
	for end < len(text) && !isRuneStart(text[end]) {
		end++
	}
	out := strings.TrimSpace(text[start:end])
	if start > 0 {
		out = "..." + out
	}
	if end < len(text) {
		out += "..."
	}
	return out
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
