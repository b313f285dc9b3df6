package search

import (
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// Local is an in-process index used when Meilisearch is absent or unhealthy.
type Local struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewLocal() *Local {
	return &Local{records: make(map[string]Record)}
}

func (l *Local) Healthy() bool {
	return true
}

func (l *Local) Put(record Record) {
	l.mu.Lock()
	l.records[record.ID] = record
	l.mu.Unlock()
}

// Search matches every query term against the comment, author and document name,
// ranking by number of term hits and then by recency.
func (l *Local) Search(q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}

	type scored struct {
		record Record
		score  int
	}
	var matches []scored

	l.mu.RLock()
	for _, record := range l.records {
		if q.FilterDocID != "" && record.DocumentID != q.FilterDocID {
			continue
		}
		if q.FilterStatus != "" && record.Status != q.FilterStatus {
			continue
		}
		haystack := strings.ToLower(record.Comment + " " + record.CreatedBy + " " + record.DocumentName)
		score := 0
		for _, term := range terms {
			if !strings.Contains(haystack, term) {
				score = 0
				break
			}
			score += strings.Count(haystack, term)
		}
		if score > 0 {
			matches = append(matches, scored{record: record, score: score})
		}
	}
	l.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].record.CreatedAt.After(matches[j].record.CreatedAt)
	})

	total := len(matches)
	limit := limitOrDefault(q.Limit)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	results := make([]Result, 0, len(matches))
	for _, match := range matches {
		results = append(results, match.record.result(snippet(match.record.Comment, terms[0])))
	}
	return results, total, nil
}

// snippet cuts a window of the comment around the first occurrence of term.
func snippet(comment, term string) string {
	const radius = 60
	runes := []rune(comment)
	if len(runes) <= 2*radius {
		return comment
	}
	lowered := make([]rune, len(runes))
	for i, r := range runes {
		lowered[i] = unicode.ToLower(r)
	}
	loweredText := string(lowered)
	byteIndex := strings.Index(loweredText, term)
	if byteIndex < 0 {
		return string(runes[:2*radius]) + "…"
	}
	index := utf8.RuneCountInString(loweredText[:byteIndex])
	start := max(index-radius, 0)
	end := min(index+utf8.RuneCountInString(term)+radius, len(runes))
	out := string(runes[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(runes) {
		out += "…"
	}
	return out
}
