package viewer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"markup/internal/annotations"
	"markup/internal/content"
	"markup/internal/identity"
	"markup/internal/versions"
)

type point struct {
	page int
	x, y float64
}

// Controller owns the view state of one open document. Operations are serialized;
// persistence failures on write paths become notices and in-memory state stays
// authoritative until the next successful write.
type Controller struct {
	deps Deps

	mu              sync.Mutex
	state           State
	doc             identity.Document
	actor           string
	fileID          string
	versions        []versions.Record
	annotations     []annotations.Annotation
	activeVersionID string
	handle          *content.Handle
	contentErr      error
	zoom            float64
	rotation        int
	page            int
	highlightID     string
	gestureStart    *point
	draft           *annotations.Rect
	notices         []Notice

	// lastUsed is unix nanoseconds, readable without mu so the registry never waits
	// on a busy session.
	lastUsed atomic.Int64
}

func NewController(deps Deps) *Controller {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Controller{deps: deps, state: StateClosed, zoom: DefaultZoom, page: 1}
}

// Open loads a document. It is allowed from any state; an unfinished marking
// gesture or draft is discarded.
func (c *Controller) Open(ctx context.Context, req OpenRequest) error {
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		return ErrMissingActor
	}
	if _, err := identity.Resolve(req.Name); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()

	if c.state == StateMarking || c.state == StateComposing {
		log.Printf("viewer: discarding %s gesture on %s", c.state, c.doc.ID)
	}
	c.reset()
	c.state = StateOpening

	doc, err := c.deps.Identity.ResolveStable(ctx, req.Name)
	if err != nil {
		c.state = StateClosed
		return err
	}
	c.doc = doc
	c.actor = actor
	c.fileID = strings.TrimSpace(req.FileID)

	if c.deps.Remote != nil && c.fileID != "" {
		c.hydrate(ctx)
	}

	c.versions = c.deps.Versions.Load(ctx, doc, versions.Seed{
		SourceName:  strings.TrimSpace(req.Filename),
		Description: strings.TrimSpace(req.Description),
		UploadedBy:  actor,
		UploadedAt:  c.deps.Now(),
		Data:        req.Data,
	})
	c.annotations = c.deps.Annotations.Load(ctx, doc)
	if c.deps.Indexer != nil {
		c.deps.Indexer.IndexDocument(doc, c.annotations)
	}

	var current *content.Handle
	if len(req.Data) > 0 {
		// Bytes the caller already has open; they may belong to an older version.
		current = &content.Handle{DocumentID: doc.ID.String(), Name: req.Filename, Data: req.Data, LoadedAt: c.deps.Now()}
	}
	latest, _ := versions.Latest(c.versions)
	c.activeVersionID = latest.ID
	c.loadContent(ctx, latest.ID, current)

	c.state = StateReady
	log.Printf("viewer: opened %q as %s with %d versions and %d annotations",
		doc.Name, doc.ID, len(c.versions), len(c.annotations))
	return nil
}

// hydrate fills empty local stores from the server.
func (c *Controller) hydrate(ctx context.Context) {
	if !c.deps.Versions.Exists(ctx, c.doc) {
		records, err := c.deps.Remote.FetchVersions(ctx, c.fileID)
		switch {
		case err != nil:
			c.notify("warning", fmt.Sprintf("could not load versions from server: %v", err))
		case len(records) > 0:
			if err := c.deps.Versions.Replace(ctx, c.doc, records); err != nil {
				c.notify("warning", fmt.Sprintf("could not cache server versions: %v", err))
			}
		}
	}
	if c.deps.Annotations.Exists(ctx, c.doc) || !c.deps.Versions.Exists(ctx, c.doc) {
		return
	}
	records := c.deps.Versions.Load(ctx, c.doc, versions.Seed{})
	seen := make(map[string]struct{})
	var merged []annotations.Annotation
	for _, record := range records {
		if record.RemoteID == "" {
			continue
		}
		items, err := c.deps.Remote.FetchAnnotations(ctx, record.RemoteID)
		if err != nil {
			c.notify("warning", fmt.Sprintf("could not load annotations for v%d from server: %v", record.VersionNumber, err))
			continue
		}
		for _, item := range items {
			if _, ok := seen[item.ID]; ok {
				continue
			}
			seen[item.ID] = struct{}{}
			merged = append(merged, item)
		}
	}
	if len(merged) == 0 {
		return
	}
	if err := c.deps.Annotations.Replace(ctx, c.doc, merged); err != nil {
		c.notify("warning", fmt.Sprintf("could not cache server annotations: %v", err))
	}
}

func (c *Controller) StartMarking() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()
	if c.state != StateReady {
		return c.invalid("start marking")
	}
	c.state = StateMarking
	c.gestureStart = nil
	return nil
}

func (c *Controller) PointerDown(page int, x, y float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()
	if c.state != StateMarking {
		return c.invalid("pointer down")
	}
	if page < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidPage, page)
	}
	c.gestureStart = &point{page: page, x: x, y: y}
	return nil
}

// PointerUp completes the gesture. A rectangle exceeding MinMarkSize on both axes
// moves to Composing and is returned; anything smaller is discarded and the
// controller returns to Ready.
func (c *Controller) PointerUp(x, y float64) (*annotations.Rect, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()
	if c.state != StateMarking || c.gestureStart == nil {
		return nil, c.invalid("pointer up")
	}
	start := *c.gestureStart
	c.gestureStart = nil

	width := math.Abs(x - start.x)
	height := math.Abs(y - start.y)
	if width <= MinMarkSize || height <= MinMarkSize {
		c.state = StateReady
		return nil, nil
	}
	rect := annotations.Rect{
		X:          math.Min(start.x, x),
		Y:          math.Min(start.y, y),
		Width:      width,
		Height:     height,
		PageNumber: start.page,
		Scale:      c.zoom,
		Rotation:   c.rotation,
	}
	c.draft = &rect
	c.state = StateComposing
	copied := rect
	return &copied, nil
}

func (c *Controller) CancelMarking() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()
	if c.state != StateMarking {
		return c.invalid("cancel marking")
	}
	c.gestureStart = nil
	c.state = StateReady
	return nil
}

// SaveAnnotation turns the draft into an annotation. A validation failure keeps the
// draft so the user can correct it.
func (c *Controller) SaveAnnotation(ctx context.Context, status, comment string) (annotations.Annotation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()
	if c.state != StateComposing || c.draft == nil {
		return annotations.Annotation{}, c.invalid("save annotation")
	}

	chosen := annotations.StatusOpen
	if strings.TrimSpace(status) != "" {
		parsed, err := annotations.ParseStatus(status)
		if err != nil {
			return annotations.Annotation{}, err
		}
		chosen = parsed
	}
	item, err := annotations.NewAnnotation(*c.draft, comment, c.actor, c.deps.Now())
	if err != nil {
		return annotations.Annotation{}, err
	}
	item.Status = chosen

	c.annotations = append(c.annotations, item)
	if err := c.deps.Annotations.Append(ctx, c.doc, item); err != nil {
		c.notify("error", fmt.Sprintf("annotation saved in this session only: %v", err))
	}
	c.mirrorAnnotation(ctx, item)

	c.draft = nil
	c.state = StateReady
	return item, nil
}

func (c *Controller) CancelComposing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()
	if c.state != StateComposing {
		return c.invalid("cancel composing")
	}
	c.draft = nil
	c.state = StateReady
	return nil
}

// UpdateStatus changes an annotation's status. An id that no longer exists is
// ignored; the boolean reports whether anything changed.
func (c *Controller) UpdateStatus(ctx context.Context, id string, status string) (bool, error) {
	parsed, err := annotations.ParseStatus(status)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()
	if !c.isOpen() {
		return false, c.invalid("update status")
	}

	index := c.annotationIndex(id)
	if index < 0 {
		log.Printf("viewer: status update for unknown annotation %s on %s ignored", id, c.doc.ID)
		return false, nil
	}
	c.annotations[index].Status = parsed
	if _, err := c.deps.Annotations.UpdateStatus(ctx, c.doc, id, parsed); err != nil {
		c.notify("error", fmt.Sprintf("status change kept in this session only: %v", err))
	}
	return true, nil
}

// UploadVersion appends a revision and makes it active.
func (c *Controller) UploadVersion(ctx context.Context, filename string, data []byte, description string) (versions.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()
	if c.state != StateReady {
		return versions.Record{}, c.invalid("upload version")
	}
	if len(data) == 0 {
		return versions.Record{}, fmt.Errorf("%w: file is empty", versions.ErrInvalidRecord)
	}

	record, err := c.deps.Versions.Append(ctx, c.doc, versions.Upload{
		SourceName:  filename,
		Description: description,
		UploadedBy:  c.actor,
		Data:        data,
	})
	if err != nil {
		if record.ID == "" {
			return versions.Record{}, err
		}
		c.notify("error", fmt.Sprintf("version v%d kept in this session only: %v", record.VersionNumber, err))
	}
	c.versions = append(c.versions, record)

	if c.deps.Remote != nil && c.fileID != "" {
		remoteID, err := c.deps.Remote.PushVersion(ctx, c.fileID, record, data)
		if err != nil {
			c.notify("warning", fmt.Sprintf("version v%d not sent to server: %v", record.VersionNumber, err))
		} else {
			c.setRemoteID(ctx, record.ID, remoteID)
			record.RemoteID = remoteID
		}
	}

	handle, err := c.deps.Versions.SwitchActive(ctx, c.doc, c.versions, record.ID, c.handle)
	if err != nil {
		c.notify("error", fmt.Sprintf("uploaded v%d cannot be displayed: %v", record.VersionNumber, err))
	} else {
		c.activate(record.ID, handle)
	}
	return record, nil
}

// SwitchVersion makes versionID active. When no content can be produced the
// previous version stays active and content.ErrContentUnavailable is returned.
func (c *Controller) SwitchVersion(ctx context.Context, versionID string) (content.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()
	if c.state != StateReady {
		return content.Handle{}, c.invalid("switch version")
	}
	handle, err := c.deps.Versions.SwitchActive(ctx, c.doc, c.versions, versionID, c.handle)
	if err != nil {
		if errors.Is(err, content.ErrContentUnavailable) {
			c.notify("error", fmt.Sprintf("content for version %s is unavailable", versionID))
		}
		return content.Handle{}, err
	}
	c.activate(versionID, handle)
	return handle, nil
}

// Content returns the bytes of the active version, retrying resolution when
// nothing was loaded yet.
func (c *Controller) Content(ctx context.Context) (content.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()
	if !c.isOpen() {
		return content.Handle{}, c.invalid("read content")
	}
	if c.handle == nil {
		c.loadContent(ctx, c.activeVersionID, nil)
	}
	if c.handle == nil {
		return content.Handle{}, c.contentErr
	}
	return *c.handle, nil
}

func (c *Controller) SetZoom(zoom float64) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()
	if !c.isOpen() {
		return 0, c.invalid("zoom")
	}
	if math.IsNaN(zoom) || zoom <= 0 {
		zoom = DefaultZoom
	}
	c.zoom = math.Max(MinZoom, math.Min(MaxZoom, zoom))
	return c.zoom, nil
}

// Rotate turns the view by degrees, which must be a multiple of 90.
func (c *Controller) Rotate(degrees int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()
	if !c.isOpen() {
		return 0, c.invalid("rotate")
	}
	if degrees%90 != 0 {
		return c.rotation, fmt.Errorf("%w: %d", ErrInvalidRotation, degrees)
	}
	c.rotation = ((c.rotation+degrees)%360 + 360) % 360
	return c.rotation, nil
}

func (c *Controller) GoToPage(page int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()
	if !c.isOpen() {
		return c.invalid("go to page")
	}
	if page < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidPage, page)
	}
	if count := c.pageCount(); count > 0 && page > count {
		return fmt.Errorf("%w: %d of %d", ErrInvalidPage, page, count)
	}
	c.page = page
	return nil
}

// Highlight marks an annotation as active and moves to its page.
func (c *Controller) Highlight(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()
	if !c.isOpen() {
		return c.invalid("highlight")
	}
	index := c.annotationIndex(id)
	if index < 0 {
		return fmt.Errorf("%w: %s", ErrAnnotationNotFound, id)
	}
	c.highlightID = id
	c.page = c.annotations[index].Rect.PageNumber
	return nil
}

// Close discards the view. Persisted data is untouched.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	c.state = StateClosed
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Document() identity.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

// Annotations returns every annotation of the open document, across all pages.
func (c *Controller) Annotations() []annotations.Annotation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]annotations.Annotation(nil), c.annotations...)
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:           c.state,
		Actor:           c.actor,
		FileID:          c.fileID,
		Versions:        append([]versions.Record{}, c.versions...),
		ActiveVersionID: c.activeVersionID,
		Zoom:            c.zoom,
		Rotation:        c.rotation,
		Page:            c.page,
		PageCount:       c.pageCount(),
		HighlightID:     c.highlightID,
		PageAnnotations: annotations.ForPage(c.annotations, c.page),
		AnnotationTotal: len(c.annotations),
		StatusCounts:    make(map[string]int),
		Notices:         append([]Notice{}, c.notices...),
	}
	if c.doc.ID != "" {
		snap.Document = &DocumentInfo{Name: c.doc.Name, Normalized: c.doc.Normalized, ID: c.doc.ID.String()}
	}
	for status, count := range annotations.CountByStatus(c.annotations) {
		snap.StatusCounts[string(status)] = count
	}
	if c.handle != nil {
		snap.Content = &ContentInfo{
			Tier:            c.handle.Tier,
			Stale:           c.handle.Stale,
			ServedVersionID: c.handle.VersionID,
			Size:            c.handle.Size(),
		}
	} else if c.contentErr != nil {
		snap.ContentError = c.contentErr.Error()
	}
	if c.draft != nil {
		draft := *c.draft
		snap.Draft = &draft
	}
	return snap
}

func (c *Controller) loadContent(ctx context.Context, versionID string, current *content.Handle) {
	handle, err := c.deps.Versions.SwitchActive(ctx, c.doc, c.versions, versionID, current)
	if err != nil {
		c.handle = nil
		c.contentErr = err
		log.Printf("viewer: no content for %s version %s: %v", c.doc.ID, versionID, err)
		return
	}
	c.handle = &handle
	c.contentErr = nil
	if handle.Stale {
		c.notify("warning", "showing content of a different version; the requested revision could not be loaded")
	}
}

// activate switches the active version and resets view-local state.
func (c *Controller) activate(versionID string, handle content.Handle) {
	c.activeVersionID = versionID
	c.handle = &handle
	c.contentErr = nil
	c.zoom = DefaultZoom
	c.highlightID = ""
	if count := c.pageCount(); count > 0 && c.page > count {
		c.page = count
	}
	if handle.Stale {
		c.notify("warning", fmt.Sprintf("version %s is showing content of version %q", versionID, handle.VersionID))
	}
}

func (c *Controller) mirrorAnnotation(ctx context.Context, item annotations.Annotation) {
	if c.deps.Remote == nil || c.fileID == "" {
		return
	}
	record, ok := versions.Find(c.versions, c.activeVersionID)
	if !ok || record.RemoteID == "" {
		return
	}
	if err := c.deps.Remote.PushAnnotation(ctx, record.RemoteID, item); err != nil {
		c.notify("warning", fmt.Sprintf("annotation not sent to server: %v", err))
	}
}

func (c *Controller) setRemoteID(ctx context.Context, versionID, remoteID string) {
	for i := range c.versions {
		if c.versions[i].ID == versionID {
			c.versions[i].RemoteID = remoteID
		}
	}
	if err := c.deps.Versions.LinkRemote(ctx, c.doc, versionID, remoteID); err != nil {
		log.Printf("viewer: link %s to server version %s: %v", versionID, remoteID, err)
	}
}

func (c *Controller) pageCount() int {
	if record, ok := versions.Find(c.versions, c.activeVersionID); ok {
		return record.PageCount
	}
	return 0
}

func (c *Controller) annotationIndex(id string) int {
	for i := range c.annotations {
		if c.annotations[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Controller) isOpen() bool {
	return c.state == StateReady || c.state == StateMarking || c.state == StateComposing
}

func (c *Controller) invalid(op string) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, c.state)
}

func (c *Controller) notify(level, message string) {
	log.Printf("viewer: %s: %s: %s", c.doc.ID, level, message)
	c.notices = append(c.notices, Notice{Level: level, Message: message, At: c.deps.Now().UTC()})
	if len(c.notices) > maxNotices {
		c.notices = c.notices[len(c.notices)-maxNotices:]
	}
}

func (c *Controller) reset() {
	c.doc = identity.Document{}
	c.actor = ""
	c.fileID = ""
	c.versions = nil
	c.annotations = nil
	c.activeVersionID = ""
	c.handle = nil
	c.contentErr = nil
	c.zoom = DefaultZoom
	c.rotation = 0
	c.page = 1
	c.highlightID = ""
	c.gestureStart = nil
	c.draft = nil
	c.notices = nil
}

func (c *Controller) touch() {
	c.lastUsed.Store(c.deps.Now().UnixNano())
}

func (c *Controller) idleSince() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}
