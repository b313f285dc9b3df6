// Package viewer is the session controller behind one open document view: it
// reconciles identity, versions and annotations on open and drives the marking
// gesture state machine.
package viewer

import (
	"context"
	"errors"
	"time"

	"markup/internal/annotations"
	"markup/internal/content"
	"markup/internal/identity"
	"markup/internal/versions"
)

type State string

const (
	StateClosed    State = "closed"
	StateOpening   State = "opening"
	StateReady     State = "ready"
	StateMarking   State = "marking"
	StateComposing State = "composing"
)

const (
	// MinMarkSize is the size in pixels a marked rectangle must exceed on both axes.
	MinMarkSize = 10.0

	DefaultZoom = 1.0
	MinZoom     = 0.25
	MaxZoom     = 5.0

	maxNotices = 20
)

var (
	ErrInvalidState       = errors.New("operation not allowed in current state")
	ErrMissingActor       = errors.New("actor is required")
	ErrInvalidPage        = errors.New("invalid page")
	ErrInvalidRotation    = errors.New("rotation must be a multiple of 90 degrees")
	ErrAnnotationNotFound = errors.New("annotation not found")
)

// Remote is the server-side source of truth used in server-backed mode.
type Remote interface {
	FetchVersions(ctx context.Context, fileID string) ([]versions.Record, error)
	PushVersion(ctx context.Context, fileID string, record versions.Record, data []byte) (string, error)
	FetchAnnotations(ctx context.Context, versionID string) ([]annotations.Annotation, error)
	PushAnnotation(ctx context.Context, versionID string, item annotations.Annotation) error
}

// Indexer receives every annotation of a document when it is opened.
type Indexer interface {
	IndexDocument(doc identity.Document, items []annotations.Annotation)
}

// Deps are shared by every controller in a process.
type Deps struct {
	Identity    *identity.Resolver
	Annotations *annotations.Store
	Versions    *versions.Store
	Remote      Remote
	Indexer     Indexer
	Now         func() time.Time
}

type OpenRequest struct {
	Name        string
	Actor       string
	FileID      string
	Filename    string
	Description string
	Data        []byte
}

// Notice is a non-blocking message for the user, typically a write that did not persist.
type Notice struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type ContentInfo struct {
	Tier            content.Tier `json:"tier"`
	Stale           bool         `json:"stale"`
	ServedVersionID string       `json:"servedVersionId"`
	Size            int          `json:"size"`
}

type DocumentInfo struct {
	Name       string `json:"name"`
	Normalized string `json:"normalized"`
	ID         string `json:"id"`
}

type Snapshot struct {
	State           State                    `json:"state"`
	Document        *DocumentInfo            `json:"document,omitempty"`
	Actor           string                   `json:"actor,omitempty"`
	FileID          string                   `json:"fileId,omitempty"`
	Versions        []versions.Record        `json:"versions"`
	ActiveVersionID string                   `json:"activeVersionId,omitempty"`
	Content         *ContentInfo             `json:"content,omitempty"`
	ContentError    string                   `json:"contentError,omitempty"`
	Zoom            float64                  `json:"zoom"`
	Rotation        int                      `json:"rotation"`
	Page            int                      `json:"page"`
	PageCount       int                      `json:"pageCount,omitempty"`
	HighlightID     string                   `json:"highlightId,omitempty"`
	PageAnnotations []annotations.Annotation `json:"pageAnnotations"`
	AnnotationTotal int                      `json:"annotationTotal"`
	StatusCounts    map[string]int           `json:"statusCounts"`
	Draft           *annotations.Rect        `json:"draft,omitempty"`
	Notices         []Notice                 `json:"notices"`
}
