package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"markup/internal/annotations"
	"markup/internal/content"
	"markup/internal/identity"
	"markup/internal/keyindex"
	"markup/internal/kv"
	"markup/internal/mapping"
	"markup/internal/versions"
)

type failingKV struct {
	*kv.MemoryStore
	mu       sync.Mutex
	failKeys map[string]bool
}

func (f *failingKV) Set(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	fail := f.failKeys[key]
	f.mu.Unlock()
	if fail {
		return errors.New("quota exceeded")
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func (f *failingKV) failOn(key string) {
	f.mu.Lock()
	f.failKeys[key] = true
	f.mu.Unlock()
}

type fakeRemote struct {
	versions     []versions.Record
	annotations  map[string][]annotations.Annotation
	fetchErr     error
	pushErr      error
	pushedItems  map[string][]annotations.Annotation
	pushedFiles  []string
	nextRemoteID int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		annotations:  map[string][]annotations.Annotation{},
		pushedItems:  map[string][]annotations.Annotation{},
		nextRemoteID: 100,
	}
}

func (f *fakeRemote) FetchVersions(context.Context, string) ([]versions.Record, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]versions.Record(nil), f.versions...), nil
}

func (f *fakeRemote) PushVersion(_ context.Context, fileID string, _ versions.Record, _ []byte) (string, error) {
	if f.pushErr != nil {
		return "", f.pushErr
	}
	f.pushedFiles = append(f.pushedFiles, fileID)
	f.nextRemoteID++
	return fmt.Sprint(f.nextRemoteID), nil
}

func (f *fakeRemote) FetchAnnotations(_ context.Context, versionID string) ([]annotations.Annotation, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.annotations[versionID], nil
}

func (f *fakeRemote) PushAnnotation(_ context.Context, versionID string, item annotations.Annotation) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushedItems[versionID] = append(f.pushedItems[versionID], item)
	return nil
}

type fixture struct {
	backend *failingKV
	deps    Deps
}

func newFixture(remote Remote) fixture {
	backend := &failingKV{MemoryStore: kv.NewMemoryStore(), failKeys: map[string]bool{}}
	annotationStore := annotations.NewStore(backend, keyindex.New(backend, keyindex.AnnotationKeys), nil)
	cache := content.NewHandleCache()
	versionStore := versions.NewStore(
		backend,
		keyindex.New(backend, keyindex.VersionKeys),
		annotationStore,
		content.NewArchiver(cache, nil),
		content.NewDefaultResolver(cache, nil),
	)
	deps := Deps{
		Identity:    identity.NewResolver(mapping.New(backend)),
		Annotations: annotationStore,
		Versions:    versionStore,
		Now:         time.Now,
	}
	if remote != nil {
		deps.Remote = remote
	}
	return fixture{backend: backend, deps: deps}
}

func (f fixture) doc(t *testing.T, name string) identity.Document {
	t.Helper()
	doc, err := f.deps.Identity.ResolveStable(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func openController(t *testing.T, f fixture, name string, data []byte) *Controller {
	t.Helper()
	controller := NewController(f.deps)
	if err := controller.Open(context.Background(), OpenRequest{Name: name, Actor: "Avery", Data: data}); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return controller
}

func drawRect(t *testing.T, c *Controller, page int, x, y, w, h float64) *annotations.Rect {
	t.Helper()
	if err := c.StartMarking(); err != nil {
		t.Fatalf("StartMarking() error = %v", err)
	}
	if err := c.PointerDown(page, x, y); err != nil {
		t.Fatalf("PointerDown() error = %v", err)
	}
	rect, err := c.PointerUp(x+w, y+h)
	if err != nil {
		t.Fatalf("PointerUp() error = %v", err)
	}
	return rect
}

func TestOpenFreshDocument(t *testing.T) {
	f := newFixture(nil)
	c := openController(t, f, "Plan A.pdf", nil)

	snap := c.Snapshot()
	if snap.State != StateReady {
		t.Fatalf("state = %s", snap.State)
	}
	if len(snap.Versions) != 1 || snap.Versions[0].VersionNumber != 1 {
		t.Fatalf("expected one synthesized version, got %+v", snap.Versions)
	}
	if snap.ActiveVersionID != snap.Versions[0].ID {
		t.Fatal("synthesized version should be active")
	}
	if snap.AnnotationTotal != 0 || len(snap.PageAnnotations) != 0 {
		t.Fatal("expected no annotations")
	}
	if snap.Content != nil || snap.ContentError == "" {
		t.Fatalf("expected content error without bytes, got %+v", snap.Content)
	}
	if snap.Versions[0].UploadedBy != "Avery" {
		t.Fatalf("initial version should be attributed to the opener, got %q", snap.Versions[0].UploadedBy)
	}
}

func TestOpenValidation(t *testing.T) {
	f := newFixture(nil)
	c := NewController(f.deps)
	if err := c.Open(context.Background(), OpenRequest{Name: "Plan A.pdf"}); !errors.Is(err, ErrMissingActor) {
		t.Fatalf("expected ErrMissingActor, got %v", err)
	}
	if err := c.Open(context.Background(), OpenRequest{Name: "  ", Actor: "Avery"}); !errors.Is(err, identity.ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %s", c.State())
	}
}

func TestCreateAnnotation(t *testing.T) {
	f := newFixture(nil)
	c := openController(t, f, "Plan A.pdf", []byte("%PDF-fake"))

	rect := drawRect(t, c, 1, 10, 10, 50, 50)
	if rect == nil || c.State() != StateComposing {
		t.Fatalf("expected composing with draft, state=%s", c.State())
	}
	item, err := c.SaveAnnotation(context.Background(), "", "check this")
	if err != nil {
		t.Fatalf("SaveAnnotation() error = %v", err)
	}
	if c.State() != StateReady {
		t.Fatalf("state = %s", c.State())
	}

	stored := f.deps.Annotations.Load(context.Background(), f.doc(t, "Plan A.pdf"))
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored annotation, got %d", len(stored))
	}
	if stored[0].ID != item.ID || stored[0].Status != annotations.StatusOpen || stored[0].Comment != "check this" {
		t.Fatalf("unexpected stored annotation %+v", stored[0])
	}
	want := annotations.Rect{X: 10, Y: 10, Width: 50, Height: 50, PageNumber: 1, Scale: DefaultZoom}
	if stored[0].Rect != want {
		t.Fatalf("rect = %+v, want %+v", stored[0].Rect, want)
	}
}

func TestSubThresholdDragDiscarded(t *testing.T) {
	tests := []struct {
		name   string
		dx, dy float64
	}{
		{name: "narrow", dx: 5, dy: 50},
		{name: "short", dx: 50, dy: 5},
		{name: "exactly threshold", dx: 10, dy: 50},
		{name: "tiny", dx: 1, dy: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(nil)
			c := openController(t, f, "Plan A.pdf", nil)
			rect := drawRect(t, c, 1, 100, 100, tc.dx, tc.dy)
			if rect != nil {
				t.Fatalf("expected discard, got %+v", rect)
			}
			snap := c.Snapshot()
			if snap.State != StateReady || snap.Draft != nil || snap.AnnotationTotal != 0 {
				t.Fatalf("unexpected snapshot %+v", snap)
			}
		})
	}
}

func TestReverseDragNormalizesRect(t *testing.T) {
	f := newFixture(nil)
	c := openController(t, f, "Plan A.pdf", nil)
	if err := c.StartMarking(); err != nil {
		t.Fatal(err)
	}
	if err := c.PointerDown(2, 80, 90); err != nil {
		t.Fatal(err)
	}
	rect, err := c.PointerUp(20, 30)
	if err != nil {
		t.Fatal(err)
	}
	if rect.X != 20 || rect.Y != 30 || rect.Width != 60 || rect.Height != 60 || rect.PageNumber != 2 {
		t.Fatalf("unexpected rect %+v", rect)
	}
}

func TestSaveValidationKeepsDraft(t *testing.T) {
	f := newFixture(nil)
	c := openController(t, f, "Plan A.pdf", nil)
	drawRect(t, c, 1, 10, 10, 50, 50)

	if _, err := c.SaveAnnotation(context.Background(), "open", "   "); !errors.Is(err, annotations.ErrInvalidAnnotation) {
		t.Fatalf("expected ErrInvalidAnnotation, got %v", err)
	}
	if _, err := c.SaveAnnotation(context.Background(), "closed", "text"); !errors.Is(err, annotations.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if c.State() != StateComposing || c.Snapshot().Draft == nil {
		t.Fatal("draft should survive a validation failure")
	}

	item, err := c.SaveAnnotation(context.Background(), "action_required", "needs a fire rating")
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != annotations.StatusActionRequired {
		t.Fatalf("status = %s", item.Status)
	}
}

func TestCancelPaths(t *testing.T) {
	f := newFixture(nil)
	c := openController(t, f, "Plan A.pdf", nil)

	if err := c.StartMarking(); err != nil {
		t.Fatal(err)
	}
	if err := c.CancelMarking(); err != nil || c.State() != StateReady {
		t.Fatalf("CancelMarking() err=%v state=%s", err, c.State())
	}

	drawRect(t, c, 1, 10, 10, 50, 50)
	if err := c.CancelComposing(); err != nil || c.State() != StateReady {
		t.Fatalf("CancelComposing() err=%v state=%s", err, c.State())
	}
	if c.Snapshot().Draft != nil || c.Snapshot().AnnotationTotal != 0 {
		t.Fatal("cancel must discard the draft")
	}
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(nil)
	c := NewController(f.deps)
	if err := c.StartMarking(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("StartMarking on closed: %v", err)
	}

	c = openController(t, f, "Plan A.pdf", nil)
	if _, err := c.PointerUp(1, 1); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("PointerUp on ready: %v", err)
	}
	if _, err := c.SaveAnnotation(context.Background(), "", "x"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("SaveAnnotation on ready: %v", err)
	}
	if err := c.CancelComposing(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("CancelComposing on ready: %v", err)
	}

	if err := c.StartMarking(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.PointerUp(1, 1); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("PointerUp without PointerDown: %v", err)
	}
	if err := c.StartMarking(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("StartMarking while marking: %v", err)
	}
	if _, err := c.UploadVersion(context.Background(), "a.pdf", []byte("x"), "rev"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("UploadVersion while marking: %v", err)
	}
}

func TestOpenCancelsGesture(t *testing.T) {
	f := newFixture(nil)
	c := openController(t, f, "Plan A.pdf", nil)
	drawRect(t, c, 1, 10, 10, 50, 50)

	if err := c.Open(context.Background(), OpenRequest{Name: "Plan B.pdf", Actor: "Avery"}); err != nil {
		t.Fatal(err)
	}
	snap := c.Snapshot()
	if snap.State != StateReady || snap.Draft != nil || snap.Document.Name != "Plan B.pdf" {
		t.Fatalf("unexpected snapshot after reopen %+v", snap)
	}
	if got := f.deps.Annotations.Load(context.Background(), f.doc(t, "Plan A.pdf")); len(got) != 0 {
		t.Fatal("cancelled draft must not be persisted")
	}
}

func TestUploadAndSwitchVersion(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	c := openController(t, f, "Plan A.pdf", []byte("v1 bytes"))
	first := c.Snapshot().Versions[0]

	drawRect(t, c, 1, 10, 10, 50, 50)
	annotation, err := c.SaveAnnotation(ctx, "", "carry me forward")
	if err != nil {
		t.Fatal(err)
	}

	record, err := c.UploadVersion(ctx, "plan-a-r2.pdf", []byte("v2 bytes"), "revised walls")
	if err != nil {
		t.Fatalf("UploadVersion() error = %v", err)
	}
	snap := c.Snapshot()
	if len(snap.Versions) != 2 || snap.Versions[1].VersionNumber != 2 || snap.Versions[0] != first {
		t.Fatalf("unexpected versions %+v", snap.Versions)
	}
	if snap.ActiveVersionID != record.ID || snap.Content == nil || snap.Content.ServedVersionID != record.ID {
		t.Fatalf("new version should be active and displayed: %+v", snap)
	}
	if snap.AnnotationTotal != 1 {
		t.Fatal("annotations are shared across versions")
	}

	if _, err := c.SetZoom(2.5); err != nil {
		t.Fatal(err)
	}
	if err := c.Highlight(annotation.ID); err != nil {
		t.Fatal(err)
	}
	handle, err := c.SwitchVersion(ctx, first.ID)
	if err != nil {
		t.Fatalf("SwitchVersion() error = %v", err)
	}
	if string(handle.Data) != "v1 bytes" || handle.Stale {
		t.Fatalf("unexpected handle %+v", handle)
	}
	snap = c.Snapshot()
	if snap.Zoom != DefaultZoom || snap.HighlightID != "" || snap.ActiveVersionID != first.ID {
		t.Fatalf("switch should reset view state: %+v", snap)
	}

	stored := f.deps.Versions.Load(ctx, f.doc(t, "Plan A.pdf"), versions.Seed{})
	if len(stored) != 2 || stored[1].Description != "revised walls" {
		t.Fatalf("unexpected persisted versions %+v", stored)
	}
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(nil)
	c := openController(t, f, "Plan A.pdf", nil)
	if _, err := c.UploadVersion(context.Background(), "a.pdf", []byte("x"), " "); !errors.Is(err, versions.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	if _, err := c.UploadVersion(context.Background(), "a.pdf", nil, "rev"); !errors.Is(err, versions.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for empty file, got %v", err)
	}
	if got := len(c.Snapshot().Versions); got != 1 {
		t.Fatalf("rejected upload must not add a version, have %d", got)
	}
}

func seedVersions(t *testing.T, f fixture, name string, count int) []versions.Record {
	t.Helper()
	var list []versions.Record
	for i := 1; i <= count; i++ {
		record, err := versions.NewRecord(fmt.Sprintf("ver_%d", i), i, "plan.pdf", fmt.Sprintf("rev %d", i), "Avery", time.Now())
		if err != nil {
			t.Fatal(err)
		}
		list = append(list, record)
	}
	if err := f.deps.Versions.Replace(context.Background(), f.doc(t, name), list); err != nil {
		t.Fatal(err)
	}
	return list
}

func TestSwitchVersionContentUnavailable(t *testing.T) {
	f := newFixture(nil)
	list := seedVersions(t, f, "Plan A.pdf", 2)
	c := openController(t, f, "Plan A.pdf", nil)

	_, err := c.SwitchVersion(context.Background(), list[0].ID)
	if !errors.Is(err, content.ErrContentUnavailable) {
		t.Fatalf("expected ErrContentUnavailable, got %v", err)
	}
	snap := c.Snapshot()
	if snap.ActiveVersionID != list[1].ID {
		t.Fatal("previous version must stay active")
	}
	if len(snap.Notices) == 0 {
		t.Fatal("content failure should be surfaced as a notice")
	}
	if _, err := c.Content(context.Background()); !errors.Is(err, content.ErrContentUnavailable) {
		t.Fatalf("Content() should report unavailable, got %v", err)
	}

	if _, err := c.SwitchVersion(context.Background(), "ver_missing"); !errors.Is(err, versions.ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
}

func TestOpenFallsBackToStaleHandle(t *testing.T) {
	f := newFixture(nil)
	seedVersions(t, f, "Plan A.pdf", 2)
	c := openController(t, f, "Plan A.pdf", []byte("whatever is open"))

	snap := c.Snapshot()
	if snap.Content == nil || snap.Content.Tier != content.TierStale || !snap.Content.Stale {
		t.Fatalf("expected stale content, got %+v", snap.Content)
	}
	handle, err := c.Content(context.Background())
	if err != nil || string(handle.Data) != "whatever is open" {
		t.Fatalf("Content() = %q, %v", handle.Data, err)
	}
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	c := openController(t, f, "Plan A.pdf", nil)
	drawRect(t, c, 1, 10, 10, 50, 50)
	item, err := c.SaveAnnotation(ctx, "", "check this")
	if err != nil {
		t.Fatal(err)
	}

	for _, status := range []string{"resolved", "reviewing", "action_required", "open"} {
		changed, err := c.UpdateStatus(ctx, item.ID, status)
		if err != nil || !changed {
			t.Fatalf("UpdateStatus(%s) = %v, %v", status, changed, err)
		}
		stored := f.deps.Annotations.Load(ctx, f.doc(t, "Plan A.pdf"))
		if string(stored[0].Status) != status {
			t.Fatalf("stored status = %s, want %s", stored[0].Status, status)
		}
	}

	changed, err := c.UpdateStatus(ctx, "ann_gone", "resolved")
	if err != nil || changed {
		t.Fatalf("stale id should be ignored, got %v, %v", changed, err)
	}
	if _, err := c.UpdateStatus(ctx, item.ID, "done"); !errors.Is(err, annotations.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestWriteFailureBecomesNotice(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	c := openController(t, f, "Plan A.pdf", nil)
	f.backend.failOn(annotations.CanonicalKey(f.doc(t, "Plan A.pdf")))

	drawRect(t, c, 1, 10, 10, 50, 50)
	if _, err := c.SaveAnnotation(ctx, "", "unsaved"); err != nil {
		t.Fatalf("write failure must not fail the operation: %v", err)
	}
	snap := c.Snapshot()
	if snap.AnnotationTotal != 1 || len(snap.Notices) != 1 || snap.Notices[0].Level != "error" {
		t.Fatalf("expected in-memory annotation and a notice, got %+v", snap)
	}
}

func TestViewControls(t *testing.T) {
	f := newFixture(nil)
	c := openController(t, f, "Plan A.pdf", nil)

	if zoom, _ := c.SetZoom(12); zoom != MaxZoom {
		t.Fatalf("zoom = %v", zoom)
	}
	if zoom, _ := c.SetZoom(0.01); zoom != MinZoom {
		t.Fatalf("zoom = %v", zoom)
	}
	if rotation, _ := c.Rotate(-90); rotation != 270 {
		t.Fatalf("rotation = %d", rotation)
	}
	if rotation, _ := c.Rotate(180); rotation != 90 {
		t.Fatalf("rotation = %d", rotation)
	}
	if _, err := c.Rotate(45); !errors.Is(err, ErrInvalidRotation) {
		t.Fatalf("expected ErrInvalidRotation, got %v", err)
	}
	if err := c.GoToPage(0); !errors.Is(err, ErrInvalidPage) {
		t.Fatalf("expected ErrInvalidPage, got %v", err)
	}
	if err := c.GoToPage(3); err != nil {
		t.Fatal(err)
	}
	if err := c.Highlight("ann_missing"); !errors.Is(err, ErrAnnotationNotFound) {
		t.Fatalf("expected ErrAnnotationNotFound, got %v", err)
	}
}

func TestRectRecordsAuthoringView(t *testing.T) {
	f := newFixture(nil)
	c := openController(t, f, "Plan A.pdf", nil)
	if _, err := c.SetZoom(2); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Rotate(90); err != nil {
		t.Fatal(err)
	}
	rect := drawRect(t, c, 1, 10, 10, 40, 40)
	if rect.Scale != 2 || rect.Rotation != 90 {
		t.Fatalf("rect should carry authoring zoom and rotation, got %+v", rect)
	}
}

func TestPageFiltering(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	c := openController(t, f, "Plan A.pdf", nil)
	for _, page := range []int{1, 2, 2} {
		drawRect(t, c, page, 10, 10, 50, 50)
		if _, err := c.SaveAnnotation(ctx, "", fmt.Sprintf("page %d", page)); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.GoToPage(2); err != nil {
		t.Fatal(err)
	}
	snap := c.Snapshot()
	if len(snap.PageAnnotations) != 2 || snap.AnnotationTotal != 3 || snap.StatusCounts["open"] != 3 {
		t.Fatalf("unexpected page view %+v", snap)
	}
}

func TestCloseResets(t *testing.T) {
	f := newFixture(nil)
	c := openController(t, f, "Plan A.pdf", nil)
	c.Close()
	snap := c.Snapshot()
	if snap.State != StateClosed || snap.Document != nil || len(snap.Versions) != 0 {
		t.Fatalf("unexpected snapshot after close %+v", snap)
	}
	if _, err := c.SetZoom(2); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after close, got %v", err)
	}
}
