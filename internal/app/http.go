package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"markup/internal/annotations"
	"markup/internal/export"
	"markup/internal/search"
	"markup/internal/viewer"
)

type HTTPServer struct {
	service        *Service
	corsOrigin     string
	maxUploadBytes int64
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	maxUpload := service.cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 64 << 20
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, maxUploadBytes: maxUpload}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"store": map[string]any{"status": "ok", "backend": s.service.cfg.KVBackend},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["store"] = map[string]any{
				"status":  "error",
				"backend": s.service.cfg.KVBackend,
				"error":   err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		writeJSON(w, http.StatusOK, s.service.Search(search.Query{
			Text:         query.Get("q"),
			FilterDocID:  query.Get("documentId"),
			FilterStatus: query.Get("status"),
			Limit:        limit,
		}))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/sessions" {
		s.handleOpenSession(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 3 || parts[0] != "api" || parts[1] != "sessions" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	sessionID := parts[2]
	controller, err := s.service.Session(sessionID)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, sessionPayload(sessionID, controller))
			return
		case http.MethodDelete:
			if err := s.service.CloseSession(sessionID); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessionId": sessionID})
			return
		}
	}

	if len(parts) == 4 && parts[3] == "marking" && r.Method == http.MethodPost {
		s.handleMarking(w, r, sessionID, controller)
		return
	}

	if len(parts) == 4 && parts[3] == "annotations" {
		switch r.Method {
		case http.MethodGet:
			items := controller.Annotations()
			if raw := r.URL.Query().Get("page"); raw != "" {
				page, err := strconv.Atoi(raw)
				if err != nil || page < 1 {
					writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "page must be a positive integer", nil)
					return
				}
				items = annotations.ForPage(items, page)
			}
			writeJSON(w, http.StatusOK, map[string]any{"annotations": items, "total": len(items)})
			return
		case http.MethodPost:
			var body struct {
				Status  string `json:"status"`
				Comment string `json:"comment"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			item, err := controller.SaveAnnotation(r.Context(), body.Status, body.Comment)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"annotation": item, "session": controller.Snapshot()})
			return
		}
	}

	if len(parts) == 5 && parts[3] == "annotations" && parts[4] == "draft" && r.Method == http.MethodDelete {
		if err := controller.CancelComposing(); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(sessionID, controller))
		return
	}

	if len(parts) == 6 && parts[3] == "annotations" && parts[5] == "status" && r.Method == http.MethodPut {
		annotationID := parts[4]
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		found, err := controller.UpdateStatus(r.Context(), annotationID, body.Status)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Annotation not found", map[string]any{"annotationId": annotationID})
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(sessionID, controller))
		return
	}

	if len(parts) == 6 && parts[3] == "annotations" && parts[5] == "highlight" && r.Method == http.MethodPost {
		if err := controller.Highlight(parts[4]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(sessionID, controller))
		return
	}

	if len(parts) == 4 && parts[3] == "versions" {
		switch r.Method {
		case http.MethodGet:
			snap := controller.Snapshot()
			writeJSON(w, http.StatusOK, map[string]any{"versions": snap.Versions, "activeVersionId": snap.ActiveVersionID})
			return
		case http.MethodPost:
			s.handleUploadVersion(w, r, controller)
			return
		}
	}

	if len(parts) == 6 && parts[3] == "versions" && parts[5] == "activate" && r.Method == http.MethodPost {
		if _, err := controller.SwitchVersion(r.Context(), parts[4]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(sessionID, controller))
		return
	}

	if len(parts) == 4 && parts[3] == "content" && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		handle, err := controller.Content(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Length", strconv.Itoa(handle.Size()))
		w.Header().Set("X-Content-Tier", string(handle.Tier))
		w.Header().Set("X-Content-Stale", strconv.FormatBool(handle.Stale))
		w.Header().Set("X-Content-Version", handle.VersionID)
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(handle.Data)
		}
		return
	}

	if len(parts) == 4 && parts[3] == "view" && r.Method == http.MethodPut {
		s.handleView(w, r, sessionID, controller)
		return
	}

	if len(parts) == 4 && parts[3] == "export" && r.Method == http.MethodGet {
		format, err := export.ParseFormat(r.URL.Query().Get("format"))
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be 'html', 'pdf' or 'docx'", nil)
			return
		}
		result, err := s.service.Export(r.Context(), sessionID, format)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
		w.Header().Set("Content-Type", result.MimeType)
		_, _ = w.Write(result.Data)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req viewer.OpenRequest
	if isMultipart(r) {
		form, err := s.readUpload(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		req = viewer.OpenRequest{
			Name:        form.value("name"),
			Actor:       form.value("actor"),
			FileID:      form.value("fileId"),
			Filename:    form.filename,
			Description: form.value("description"),
			Data:        form.data,
		}
		if req.Name == "" {
			req.Name = form.filename
		}
	} else {
		var body struct {
			Name        string `json:"name"`
			Actor       string `json:"actor"`
			FileID      string `json:"fileId"`
			Filename    string `json:"filename"`
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		req = viewer.OpenRequest{
			Name:        body.Name,
			Actor:       body.Actor,
			FileID:      body.FileID,
			Filename:    body.Filename,
			Description: body.Description,
		}
	}

	payload, err := s.service.OpenSession(r.Context(), req)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleMarking(w http.ResponseWriter, r *http.Request, sessionID string, controller *viewer.Controller) {
	var body struct {
		Action string  `json:"action"`
		Page   int     `json:"page"`
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	var err error
	payload := map[string]any{"sessionId": sessionID}
	switch strings.ToLower(strings.TrimSpace(body.Action)) {
	case "start":
		err = controller.StartMarking()
	case "down":
		err = controller.PointerDown(body.Page, body.X, body.Y)
	case "up":
		var rect *annotations.Rect
		rect, err = controller.PointerUp(body.X, body.Y)
		payload["accepted"] = rect != nil
	case "cancel":
		err = controller.CancelMarking()
	default:
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "action must be one of start, down, up, cancel", nil)
		return
	}
	if err != nil {
		writeMappedError(w, err)
		return
	}
	payload["session"] = controller.Snapshot()
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleUploadVersion(w http.ResponseWriter, r *http.Request, controller *viewer.Controller) {
	if !isMultipart(r) {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart form with a file field is required", nil)
		return
	}
	form, err := s.readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	record, err := controller.UploadVersion(r.Context(), form.filename, form.data, form.value("description"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"version": record, "session": controller.Snapshot()})
}

func (s *HTTPServer) handleView(w http.ResponseWriter, r *http.Request, sessionID string, controller *viewer.Controller) {
	var body struct {
		Zoom   *float64 `json:"zoom"`
		Rotate *int     `json:"rotate"`
		Page   *int     `json:"page"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Zoom != nil {
		if _, err := controller.SetZoom(*body.Zoom); err != nil {
			writeMappedError(w, err)
			return
		}
	}
	if body.Rotate != nil {
		if _, err := controller.Rotate(*body.Rotate); err != nil {
			writeMappedError(w, err)
			return
		}
	}
	if body.Page != nil {
		if err := controller.GoToPage(*body.Page); err != nil {
			writeMappedError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, sessionPayload(sessionID, controller))
}

type uploadForm struct {
	values   map[string][]string
	filename string
	data     []byte
}

func (f uploadForm) value(key string) string {
	if values := f.values[key]; len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

// readUpload parses a multipart body whose optional "file" part holds the PDF.
func (s *HTTPServer) readUpload(w http.ResponseWriter, r *http.Request) (uploadForm, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return uploadForm{}, fmt.Errorf("upload exceeds %d bytes", s.maxUploadBytes)
		}
		return uploadForm{}, fmt.Errorf("invalid multipart body")
	}
	form := uploadForm{values: r.MultipartForm.Value}
	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return form, nil
	}
	if err != nil {
		return uploadForm{}, fmt.Errorf("invalid file part")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return uploadForm{}, fmt.Errorf("read file part: %w", err)
	}
	form.filename = header.Filename
	form.data = data
	return form, nil
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Content-Tier, X-Content-Stale, X-Content-Version, Content-Disposition")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

// writeMappedError writes err as the JSON error body mapError chooses for it.
func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
