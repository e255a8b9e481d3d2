package search

import (
	"log"

	"github.com/balor48/storyguard-sub004/internal/entity"
)

// Service is the facade that tries Meilisearch first and falls back to
// scanning the canonical snapshots.
type Service struct {
	meili *Meili
	scan  *Scan
}

// NewService creates a search service. meili may be nil when Meilisearch
// is not configured.
func NewService(meili *Meili, scan *Scan) *Service {
	return &Service{meili: meili, scan: scan}
}

// Search tries Meilisearch if healthy, otherwise scans the snapshots.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to snapshot scan: %v", err)
	}

	results, total, err := s.scan.Search(q)
	if err != nil {
		log.Printf("search: snapshot scan error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Backend names the searcher that would serve a query right now.
func (s *Service) Backend() string {
	if s.meili != nil && s.meili.Healthy() {
		return "meilisearch"
	}
	return "scan"
}

// IndexDatabase pushes a database's entities into the index
// (fire-and-forget to Meilisearch).
func (s *Service) IndexDatabase(database string, snap *entity.Snapshot) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	records := BuildRecords(database, snap)
	go func() {
		if err := s.meili.IndexEntities(database, records); err != nil {
			log.Printf("search: index database %s: %v", database, err)
		}
	}()
}

// RemoveDatabase drops a database's entities from the index
// (fire-and-forget).
func (s *Service) RemoveDatabase(database string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.RemoveDatabase(database); err != nil {
			log.Printf("search: remove database %s: %v", database, err)
		}
	}()
}

// ReindexAll walks every snapshot repo and rebuilds the index. Called
// during bootstrap when Meilisearch is healthy.
func (s *Service) ReindexAll() {
	if s.meili == nil || !s.meili.Healthy() || s.scan == nil {
		return
	}
	slugs, err := s.scan.snapshots.List()
	if err != nil {
		log.Printf("search: reindex list failed: %v", err)
		return
	}
	for _, slug := range slugs {
		snap, _, err := s.scan.snapshots.Head(slug)
		if err != nil {
			log.Printf("search: reindex load %s failed: %v", slug, err)
			continue
		}
		if err := s.meili.IndexEntities(slug, BuildRecords(slug, snap)); err != nil {
			log.Printf("search: reindex %s: %v", slug, err)
		}
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
