package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"markup/internal/config"
	"markup/internal/export"
	"markup/internal/search"
	"markup/internal/viewer"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// Service is what the HTTP layer calls into: open viewer sessions plus the
// search and export facades.
type Service struct {
	cfg      config.Config
	store    pinger
	sessions *viewer.Registry
	search   *search.Service
	exporter *export.Service
	now      func() time.Time
}

func New(cfg config.Config, store pinger, sessions *viewer.Registry, searchService *search.Service, exporter *export.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		search:   searchService,
		exporter: exporter,
		now:      time.Now,
	}
}

// Ping checks the health of the key-value backend.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) OpenSession(ctx context.Context, req viewer.OpenRequest) (map[string]any, error) {
	id, controller, err := s.sessions.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	return sessionPayload(id, controller), nil
}

func (s *Service) Session(id string) (*viewer.Controller, error) {
	controller, ok := s.sessions.Get(id)
	if !ok {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Session not found", map[string]any{"sessionId": id})
	}
	return controller, nil
}

func (s *Service) CloseSession(id string) error {
	if !s.sessions.Close(id) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Session not found", map[string]any{"sessionId": id})
	}
	return nil
}

// Export renders the review report of the document a session has open.
func (s *Service) Export(ctx context.Context, id string, format export.Format) (*export.Result, error) {
	controller, err := s.Session(id)
	if err != nil {
		return nil, err
	}
	snap := controller.Snapshot()
	if snap.Document == nil {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Session has no open document", nil)
	}
	return s.exporter.Export(ctx, export.Request{
		Format: format,
		Report: export.Report{
			DocumentName:    snap.Document.Name,
			DocumentID:      snap.Document.ID,
			ActiveVersionID: snap.ActiveVersionID,
			Versions:        snap.Versions,
			Annotations:     controller.Annotations(),
			GeneratedBy:     snap.Actor,
			GeneratedAt:     s.now().UTC(),
		},
	})
}

func (s *Service) Search(q search.Query) search.Response {
	q.Text = strings.TrimSpace(q.Text)
	if s.search == nil || q.Text == "" {
		return search.Response{Results: []search.Result{}, Query: q.Text, Backend: "none"}
	}
	return s.search.Search(q)
}

func sessionPayload(id string, controller *viewer.Controller) map[string]any {
	return map[string]any{
		"sessionId": id,
		"session":   controller.Snapshot(),
	}
}
