package search

import (
	"log"
	"strings"

	"partyjournal/api/internal/notes"
)

// Mirror is the slice of the notes cache the fallback searches over.
type Mirror interface {
	GetAllNotes() []notes.NoteInfo
}

// Service is the facade that tries Meilisearch first and falls back to a
// title-substring scan over the in-process note mirror.
type Service struct {
	meili  *Meili
	mirror Mirror
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured; every query then uses the fallback.
func NewService(meili *Meili, mirror Mirror) *Service {
	return &Service{meili: meili, mirror: mirror}
}

// Search tries Meilisearch if healthy, otherwise scans note titles.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to title scan: %v", err)
	}

	results := s.titleScan(q)
	return Response{Results: results, Total: len(results), Query: q.Text}
}

// titleScan is the degraded path: case-insensitive substring match over the
// mirrored note titles, capped at the query limit.
func (s *Service) titleScan(q Query) []Result {
	results := []Result{}
	if s.mirror == nil {
		return results
	}
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return results
	}
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	for _, info := range s.mirror.GetAllNotes() {
		if !strings.Contains(strings.ToLower(info.Title), needle) {
			continue
		}
		results = append(results, Result{
			ID:         info.ID,
			Title:      info.Title,
			Visibility: info.Visibility,
			CreatedBy:  info.CreatedBy,
		})
		if len(results) == limit {
			break
		}
	}
	return results
}

// IndexNote indexes a note, fire-and-forget.
func (s *Service) IndexNote(rec NoteRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexNote(rec); err != nil {
			log.Printf("search: index note %s: %v", rec.ID, err)
		}
	}()
}

// DeleteNote removes a note from the index, fire-and-forget.
func (s *Service) DeleteNote(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteNote(id); err != nil {
			log.Printf("search: delete note %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes the full record set to Meilisearch. Called at startup
// when the engine is healthy.
func (s *Service) ReindexAll(records []NoteRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexNotes(records); err != nil {
		log.Printf("search: reindex notes: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
