package search

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/balor48/storyguard-sub004/internal/entity"
	"github.com/balor48/storyguard-sub004/internal/store"
)

type snapshotSource interface {
	List() ([]string, error)
	Head(slug string) (*entity.Snapshot, store.CommitInfo, error)
}

// Scan is the fallback searcher: a case-insensitive substring scan over
// the canonical snapshots on disk. Slower than Meilisearch but always
// available, so search keeps answering when the index is down.
type Scan struct {
	snapshots snapshotSource
}

func NewScan(snapshots snapshotSource) *Scan {
	return &Scan{snapshots: snapshots}
}

// Healthy always reports true; the snapshot store is local disk.
func (s *Scan) Healthy() bool {
	return true
}

func (s *Scan) Search(q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return []Result{}, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	slugs, err := s.snapshots.List()
	if err != nil {
		return nil, 0, fmt.Errorf("list snapshot repos: %w", err)
	}

	results := make([]Result, 0, limit)
	total := 0
	for _, slug := range slugs {
		if q.Database != "" && slug != q.Database {
			continue
		}
		snap, _, err := s.snapshots.Head(slug)
		if err != nil {
			return nil, 0, fmt.Errorf("load snapshot %s: %w", slug, err)
		}
		for _, record := range BuildRecords(slug, snap) {
			if q.Type != "" && record.Type != q.Type {
				continue
			}
			score, ok := matchRecord(record, needle)
			if !ok {
				continue
			}
			total++
			results = append(results, Result{
				Type:     record.Type,
				Database: record.Database,
				ID:       record.EntityID,
				Name:     record.Name,
				Snippet:  snippetAround(record.Text, needle),
				Score:    score,
			})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Name < results[j].Name
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, total, nil
}

// matchRecord scores a record against the needle. Name matches outrank
// alias matches, which outrank hits in free text or tags.
func matchRecord(record EntityRecord, needle string) (float64, bool) {
	name := strings.ToLower(record.Name)
	if strings.HasPrefix(name, needle) {
		return 1.0, true
	}
	if strings.Contains(name, needle) {
		return 0.9, true
	}
	for _, alias := range record.Aliases {
		if strings.Contains(strings.ToLower(alias), needle) {
			return 0.8, true
		}
	}
	for _, tag := range record.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return 0.6, true
		}
	}
	if strings.Contains(strings.ToLower(record.Text), needle) {
		return 0.5, true
	}
	return 0, false
}

// snippetAround returns a short window of text centered on the first hit.
func snippetAround(text, needle string) string {
	const window = 60
	lower := strings.ToLower(text)
	at := strings.Index(lower, needle)
	if at < 0 {
		if len(text) > 2*window {
			return text[:runeBoundary(text, 2*window)] + "…"
		}
		return text
	}
	start := runeBoundary(text, at-window)
	end := runeBoundary(text, at+len(needle)+window)
	snippet := text[start:end]
	if start > 0 {
		snippet = "…" + snippet
	}
	if end < len(text) {
		snippet += "…"
	}
	return snippet
}

// runeBoundary clamps i into [0, len(s)] and backs it off to the start
// of a rune, so slicing never splits a multi-byte character.
func runeBoundary(s string, i int) int {
	if i <= 0 {
		return 0
	}
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
