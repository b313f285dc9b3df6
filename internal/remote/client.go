// Package remote talks to the server-side pdf-utils API that owns versions and
// annotations when the viewer runs in server-backed mode.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"markup/internal/annotations"
	"markup/internal/versions"
)

var ErrNotFound = errors.New("remote resource not found")

// ID accepts both numeric and string identifiers from the server.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*id = ID(value)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = ID(number.String())
	return nil
}

type Version struct {
	ID              ID        `json:"id"`
	VersionNumber   int       `json:"versionNumber"`
	FileName        string    `json:"fileName"`
	Description     string    `json:"description"`
	UploadedBy      string    `json:"uploadedBy"`
	UploadedAt      time.Time `json:"uploadedAt"`
	AnnotationCount int       `json:"annotationCount"`
}

type Annotation struct {
	ID         ID        `json:"id,omitempty"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Width      float64   `json:"width"`
	Height     float64   `json:"height"`
	PageNumber int       `json:"pageNumber"`
	Status     string    `json:"status"`
	Comment    string    `json:"comment"`
	CreatedBy  string    `json:"createdBy"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL. A nil httpClient uses a client with a 15s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// FetchVersions returns the server's versions for fileID as local records.
func (c *Client) FetchVersions(ctx context.Context, fileID string) ([]versions.Record, error) {
	var remoteVersions []Version
	if err := c.do(ctx, http.MethodGet, "/pdf/"+url.PathEscape(fileID)+"/versions", nil, "", &remoteVersions); err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	records := make([]versions.Record, 0, len(remoteVersions))
	for _, item := range remoteVersions {
		number := max(item.VersionNumber, 1)
		record, err := versions.NewRecord(string(item.ID), number, orDefault(item.FileName, fileID),
			orDefault(item.Description, "Version "+strconv.Itoa(number)), orDefault(item.UploadedBy, "unknown"), item.UploadedAt)
		if err != nil {
			return nil, fmt.Errorf("server version %s: %w", item.ID, err)
		}
		record.RemoteID = string(item.ID)
		record.AnnotationCount = item.AnnotationCount
		records = append(records, record)
	}
	return records, nil
}

// PushVersion uploads a revision and returns the server-side version id.
func (c *Client) PushVersion(ctx context.Context, fileID string, record versions.Record, data []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	fields := map[string]string{
		"description":   record.Description,
		"uploadedBy":    record.UploadedBy,
		"versionNumber": strconv.Itoa(record.VersionNumber),
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return "", fmt.Errorf("write field %s: %w", name, err)
		}
	}
	if len(data) > 0 {
		part, err := writer.CreateFormFile("file", record.SourceName)
		if err != nil {
			return "", fmt.Errorf("create file part: %w", err)
		}
		if _, err := part.Write(data); err != nil {
			return "", fmt.Errorf("write file part: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart body: %w", err)
	}

	var created Version
	if err := c.do(ctx, http.MethodPost, "/pdf/"+url.PathEscape(fileID)+"/versions", &body, writer.FormDataContentType(), &created); err != nil {
		return "", fmt.Errorf("create version: %w", err)
	}
	return string(created.ID), nil
}

// FetchAnnotations returns the annotations the server holds for a version.
func (c *Client) FetchAnnotations(ctx context.Context, versionID string) ([]annotations.Annotation, error) {
	var remoteItems []Annotation
	if err := c.do(ctx, http.MethodGet, "/pdf/versions/"+url.PathEscape(versionID)+"/annotations", nil, "", &remoteItems); err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	items := make([]annotations.Annotation, 0, len(remoteItems))
	for _, item := range remoteItems {
		status, err := annotations.ParseStatus(item.Status)
		if err != nil {
			status = annotations.StatusOpen
		}
		items = append(items, annotations.Annotation{
			ID: string(item.ID),
			Rect: annotations.Rect{
				X:          item.X,
				Y:          item.Y,
				Width:      item.Width,
				Height:     item.Height,
				PageNumber: item.PageNumber,
			},
			Status:    status,
			Comment:   item.Comment,
			CreatedBy: item.CreatedBy,
			CreatedAt: item.CreatedAt.UTC(),
		})
	}
	return items, nil
}

func (c *Client) PushAnnotation(ctx context.Context, versionID string, item annotations.Annotation) error {
	payload, err := json.Marshal(Annotation{
		X:          item.Rect.X,
		Y:          item.Rect.Y,
		Width:      item.Rect.Width,
		Height:     item.Rect.Height,
		PageNumber: item.Rect.PageNumber,
		Status:     string(item.Status),
		Comment:    item.Comment,
		CreatedBy:  item.CreatedBy,
		CreatedAt:  item.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode annotation: %w", err)
	}
	path := "/pdf/versions/" + url.PathEscape(versionID) + "/annotations"
	if err := c.do(ctx, http.MethodPost, path, bytes.NewReader(payload), "application/json", nil); err != nil {
		return fmt.Errorf("create annotation: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, target any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(message)))
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
