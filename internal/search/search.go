// Package search indexes annotation comments so reviewers can find them across documents.
package search

import "time"

// Result is a single search hit returned to the caller.
type Result struct {
	AnnotationID string `json:"annotationId"`
	DocumentID   string `json:"documentId"`
	DocumentName string `json:"documentName"`
	PageNumber   int    `json:"pageNumber"`
	Status       string `json:"status"`
	CreatedBy    string `json:"createdBy"`
	Snippet      string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterDocID  string
	FilterStatus string
	Limit        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Record is the data we index for an annotation.
type Record struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"documentId"`
	DocumentName string    `json:"documentName"`
	PageNumber   int       `json:"pageNumber"`
	Status       string    `json:"status"`
	Comment      string    `json:"comment"`
	CreatedBy    string    `json:"createdBy"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (r Record) result(snippet string) Result {
	return Result{
		AnnotationID: r.ID,
		DocumentID:   r.DocumentID,
		DocumentName: r.DocumentName,
		PageNumber:   r.PageNumber,
		Status:       r.Status,
		CreatedBy:    r.CreatedBy,
		Snippet:      snippet,
	}
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
