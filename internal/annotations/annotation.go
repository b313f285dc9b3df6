package annotations

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"markup/internal/util"
)

type Status string

const (
	StatusOpen           Status = "open"
	StatusResolved       Status = "resolved"
	StatusActionRequired Status = "action_required"
	StatusReviewing      Status = "reviewing"
)

var allowedStatuses = map[Status]struct{}{
	StatusOpen:           {},
	StatusResolved:       {},
	StatusActionRequired: {},
	StatusReviewing:      {},
}

var (
	ErrInvalidAnnotation = errors.New("invalid annotation")
	ErrInvalidStatus     = errors.New("invalid annotation status")
)

// ParseStatus accepts any of the four statuses, case-insensitively. Any status can
// move to any other; there is no workflow ordering.
func ParseStatus(value string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := allowedStatuses[status]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, value)
	}
	return status, nil
}

// Rect is in pixel space of the rendered page at the zoom and rotation active when
// the annotation was drawn. Coordinates are never rescaled afterwards.
type Rect struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	PageNumber int     `json:"pageNumber"`
	Scale      float64 `json:"scale,omitempty"`
	Rotation   int     `json:"rotation,omitempty"`
}

type Annotation struct {
	ID        string    `json:"id"`
	Rect      Rect      `json:"rect"`
	Status    Status    `json:"status"`
	Comment   string    `json:"comment"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewAnnotation validates the required fields and returns an open annotation.
func NewAnnotation(rect Rect, comment, createdBy string, now time.Time) (Annotation, error) {
	comment = strings.TrimSpace(comment)
	createdBy = strings.TrimSpace(createdBy)
	switch {
	case comment == "":
		return Annotation{}, fmt.Errorf("%w: comment is required", ErrInvalidAnnotation)
	case createdBy == "":
		return Annotation{}, fmt.Errorf("%w: author is required", ErrInvalidAnnotation)
	case rect.Width <= 0 || rect.Height <= 0:
		return Annotation{}, fmt.Errorf("%w: rectangle has no area", ErrInvalidAnnotation)
	case rect.PageNumber < 1:
		return Annotation{}, fmt.Errorf("%w: page number must be positive", ErrInvalidAnnotation)
	}
	return Annotation{
		ID:        util.NewTimestampedID("ann", now),
		Rect:      rect,
		Status:    StatusOpen,
		Comment:   comment,
		CreatedBy: createdBy,
		CreatedAt: now.UTC(),
	}, nil
}

// ForPage returns the annotations anchored on page, preserving order.
func ForPage(items []Annotation, page int) []Annotation {
	out := make([]Annotation, 0)
	for _, item := range items {
		if item.Rect.PageNumber == page {
			out = append(out, item)
		}
	}
	return out
}

// CountByStatus tallies annotations per status.
func CountByStatus(items []Annotation) map[Status]int {
	counts := make(map[Status]int, len(allowedStatuses))
	for _, item := range items {
		counts[item.Status]++
	}
	return counts
}
