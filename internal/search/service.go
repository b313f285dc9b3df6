package search

import (
	"log"

	"markup/internal/annotations"
	"markup/internal/identity"
)

// Service is the facade that tries Meilisearch first and falls back to the local index.
// Every annotation is always kept in the local index so the fallback is complete.
type Service struct {
	meili *Meili
	local *Local
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili) *Service {
	return &Service{meili: meili, local: NewLocal()}
}

func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		log.Printf("search: meilisearch error, falling back to local index: %v", err)
	}

	results, total, err := s.local.Search(q)
	if err != nil {
		log.Printf("search: local index error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: "local"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "local"}
}

// AnnotationChanged indexes the annotation locally and, fire-and-forget, in Meilisearch.
func (s *Service) AnnotationChanged(doc identity.Document, item annotations.Annotation) {
	record := recordFor(doc, item)
	s.local.Put(record)

	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.Index(record); err != nil {
			log.Printf("search: index annotation %s: %v", record.ID, err)
		}
	}()
}

// IndexDocument loads every annotation of doc into the indexes, used when a
// document is opened so annotations written by earlier processes are searchable.
func (s *Service) IndexDocument(doc identity.Document, items []annotations.Annotation) {
	records := make([]Record, 0, len(items))
	for _, item := range items {
		record := recordFor(doc, item)
		s.local.Put(record)
		records = append(records, record)
	}
	if s.meili == nil || !s.meili.Healthy() || len(records) == 0 {
		return
	}
	go func() {
		if err := s.meili.IndexAll(records); err != nil {
			log.Printf("search: reindex %s: %v", doc.ID, err)
		}
	}()
}

func recordFor(doc identity.Document, item annotations.Annotation) Record {
	return Record{
		ID:           item.ID,
		DocumentID:   doc.ID.String(),
		DocumentName: doc.Name,
		PageNumber:   item.Rect.PageNumber,
		Status:       string(item.Status),
		Comment:      item.Comment,
		CreatedBy:    item.CreatedBy,
		CreatedAt:    item.CreatedAt,
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

// Close stops the Meilisearch health monitor, if any.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}
