package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexReport indexes a report (fire-and-forget to Meilisearch).
func (s *Service) IndexReport(rec ReportRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexReport(rec); err != nil {
			log.Printf("search: index report %s: %v", rec.ID, err)
		}
	}()
}

// IndexNotification indexes a notification (fire-and-forget to Meilisearch).
func (s *Service) IndexNotification(rec NotificationRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexNotification(rec); err != nil {
			log.Printf("search: index notification %s: %v", rec.ID, err)
		}
	}()
}

// DeleteReport removes a report from the search index (fire-and-forget).
func (s *Service) DeleteReport(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteReport(id); err != nil {
			log.Printf("search: delete report %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes all reports from PostgreSQL into Meilisearch.
// Called during Bootstrap if Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadReports(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if len(records) > 0 {
		if err := s.meili.IndexReports(records); err != nil {
			log.Printf("search: reindex reports: %v", err)
		}
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
