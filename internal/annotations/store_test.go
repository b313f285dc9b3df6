package annotations

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"markup/internal/identity"
	"markup/internal/keyindex"
	"markup/internal/kv"
)

type recordingObserver struct {
	mu    sync.Mutex
	items []Annotation
}

func (r *recordingObserver) AnnotationChanged(_ identity.Document, item Annotation) {
	r.mu.Lock()
	r.items = append(r.items, item)
	r.mu.Unlock()
}

// failingKV fails writes to a single key.
type failingKV struct {
	*kv.MemoryStore
	failKey string
}

func (f *failingKV) Set(ctx context.Context, key string, value []byte) error {
	if key == f.failKey {
		return errors.New("quota exceeded")
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func testDoc(t *testing.T, name string) identity.Document {
	t.Helper()
	id, err := identity.Resolve(name)
	if err != nil {
		t.Fatal(err)
	}
	return identity.Document{Name: name, Normalized: identity.Normalize(name), ID: id}
}

func newTestStore(backend kv.Store, observer Observer) *Store {
	return NewStore(backend, keyindex.New(backend, keyindex.AnnotationKeys), observer)
}

func mustAnnotation(t *testing.T, page int, comment string) Annotation {
	t.Helper()
	item, err := NewAnnotation(Rect{X: 10, Y: 10, Width: 50, Height: 50, PageNumber: page}, comment, "Avery", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return item
}

func TestLoadEmptyDocument(t *testing.T) {
	store := newTestStore(kv.NewMemoryStore(), nil)
	items := store.Load(context.Background(), testDoc(t, "Plan A.pdf"))
	if items == nil || len(items) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", items)
	}
}

func TestAppendThenLoad(t *testing.T) {
	observer := &recordingObserver{}
	backend := kv.NewMemoryStore()
	store := newTestStore(backend, observer)
	ctx := context.Background()
	doc := testDoc(t, "Plan A.pdf")

	item := mustAnnotation(t, 1, "check this")
	if err := store.Append(ctx, doc, item); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	items := store.Load(ctx, doc)
	if len(items) != 1 {
		t.Fatalf("expected 1 annotation, got %d", len(items))
	}
	if items[0].Status != StatusOpen || items[0].Comment != "check this" {
		t.Fatalf("unexpected annotation %+v", items[0])
	}
	if len(observer.items) != 1 {
		t.Fatalf("observer saw %d changes", len(observer.items))
	}

	var registry []string
	_, _ = kv.GetJSON(ctx, backend, keyindex.AnnotationKeys, &registry)
	if !reflect.DeepEqual(registry, []string{CanonicalKey(doc)}) {
		t.Fatalf("registry = %v", registry)
	}
}

func TestUpdateStatusAnyToAny(t *testing.T) {
	store := newTestStore(kv.NewMemoryStore(), nil)
	ctx := context.Background()
	doc := testDoc(t, "Plan A.pdf")
	item := mustAnnotation(t, 1, "check this")
	_ = store.Append(ctx, doc, item)

	sequence := []Status{StatusResolved, StatusOpen, StatusReviewing, StatusActionRequired, StatusResolved, StatusReviewing}
	for _, status := range sequence {
		found, err := store.UpdateStatus(ctx, doc, item.ID, status)
		if err != nil || !found {
			t.Fatalf("UpdateStatus(%s) found=%v err=%v", status, found, err)
		}
		if got := store.Load(ctx, doc)[0].Status; got != status {
			t.Fatalf("after UpdateStatus(%s) load returned %s", status, got)
		}
	}
}

func TestUpdateStatusStaleIDIsNoop(t *testing.T) {
	backend := kv.NewMemoryStore()
	store := newTestStore(backend, nil)
	ctx := context.Background()
	doc := testDoc(t, "Plan A.pdf")
	_ = store.Append(ctx, doc, mustAnnotation(t, 1, "one"))
	before, _, _ := backend.Get(ctx, CanonicalKey(doc))

	found, err := store.UpdateStatus(ctx, doc, "ann_missing", StatusResolved)
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if found {
		t.Fatal("expected stale id to be reported as not found")
	}
	after, _, _ := backend.Get(ctx, CanonicalKey(doc))
	if string(before) != string(after) {
		t.Fatal("stale update should not rewrite the list")
	}

	if _, err := store.UpdateStatus(ctx, doc, "x", Status("closed")); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestLegacyFallbackMigratesOnce(t *testing.T) {
	backend := kv.NewMemoryStore()
	ctx := context.Background()
	doc := testDoc(t, "Plan A.pdf")

	legacyKey := "pdf_annotations_plan_a.pdf"
	legacy := []Annotation{mustAnnotation(t, 1, "old comment"), mustAnnotation(t, 2, "another")}
	_ = kv.SetJSON(ctx, backend, legacyKey, legacy)
	_ = kv.SetJSON(ctx, backend, keyindex.AnnotationKeys, []string{legacyKey, "pdf_annotations_other.pdf"})

	store := newTestStore(backend, nil)
	first := store.Load(ctx, doc)
	if len(first) != 2 {
		t.Fatalf("expected legacy annotations, got %d", len(first))
	}
	if !store.Exists(ctx, doc) {
		t.Fatal("expected canonical key written by migration")
	}
	if key, ok := store.LegacyKey(ctx, doc); !ok || key != legacyKey {
		t.Fatalf("LegacyKey() = %q %v", key, ok)
	}

	second := store.Load(ctx, doc)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("second load differs:\nfirst=%+v\nsecond=%+v", first, second)
	}

	// A fresh store (process restart) sees the canonical record and does not duplicate.
	restarted := newTestStore(backend, nil)
	third := restarted.Load(ctx, doc)
	if len(third) != 2 {
		t.Fatalf("expected 2 annotations after restart, got %d", len(third))
	}
}

func TestDualWriteKeepsLegacyKeyInSync(t *testing.T) {
	backend := kv.NewMemoryStore()
	ctx := context.Background()
	doc := testDoc(t, "Plan A.pdf")
	legacyKey := "pdf_annotations_plan_a.pdf"
	_ = kv.SetJSON(ctx, backend, legacyKey, []Annotation{mustAnnotation(t, 1, "old")})
	_ = kv.SetJSON(ctx, backend, keyindex.AnnotationKeys, []string{legacyKey})

	store := newTestStore(backend, nil)
	store.Load(ctx, doc)
	if err := store.Append(ctx, doc, mustAnnotation(t, 1, "new")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	var legacyItems []Annotation
	_, _ = kv.GetJSON(ctx, backend, legacyKey, &legacyItems)
	if len(legacyItems) != 2 {
		t.Fatalf("expected legacy key dual-written, got %d items", len(legacyItems))
	}
}

func TestDualWriteSurvivesRestart(t *testing.T) {
	backend := kv.NewMemoryStore()
	ctx := context.Background()
	doc := testDoc(t, "Plan A.pdf")
	legacyKey := "pdf_annotations_plan_a.pdf_1714000000"
	_ = kv.SetJSON(ctx, backend, legacyKey, []Annotation{mustAnnotation(t, 1, "old")})
	_ = kv.SetJSON(ctx, backend, keyindex.AnnotationKeys, []string{legacyKey})

	newTestStore(backend, nil).Load(ctx, doc)

	restarted := newTestStore(backend, nil)
	if key, ok := restarted.LegacyKey(ctx, doc); !ok || key != legacyKey {
		t.Fatalf("LegacyKey() after restart = %q %v", key, ok)
	}
	if err := restarted.Append(ctx, doc, mustAnnotation(t, 1, "after restart")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	var legacyItems []Annotation
	_, _ = kv.GetJSON(ctx, backend, legacyKey, &legacyItems)
	if len(legacyItems) != 2 {
		t.Fatalf("expected legacy key dual-written after restart, got %d items", len(legacyItems))
	}
}

func TestNameSuffixDoesNotShareAnnotations(t *testing.T) {
	backend := kv.NewMemoryStore()
	ctx := context.Background()
	plan := testDoc(t, "Plan A.pdf")
	short := testDoc(t, "A.pdf")

	if err := newTestStore(backend, nil).Append(ctx, plan, mustAnnotation(t, 1, "only for plan a")); err != nil {
		t.Fatal(err)
	}

	store := newTestStore(backend, nil)
	if items := store.Load(ctx, short); len(items) != 0 {
		t.Fatalf("A.pdf loaded %d annotations of Plan A.pdf", len(items))
	}
	if _, ok := store.LegacyKey(ctx, short); ok {
		t.Fatal("A.pdf must not be linked to another document's key")
	}
	if err := store.Append(ctx, short, mustAnnotation(t, 1, "only for a")); err != nil {
		t.Fatal(err)
	}

	items := newTestStore(backend, nil).Load(ctx, plan)
	if len(items) != 1 || items[0].Comment != "only for plan a" {
		t.Fatalf("Plan A.pdf annotations = %+v", items)
	}
}

func TestLegacyWriteFailureTolerated(t *testing.T) {
	legacyKey := "pdf_annotations_plan_a.pdf"
	backend := &failingKV{MemoryStore: kv.NewMemoryStore()}
	ctx := context.Background()
	doc := testDoc(t, "Plan A.pdf")
	_ = kv.SetJSON(ctx, backend, legacyKey, []Annotation{mustAnnotation(t, 1, "old")})
	_ = kv.SetJSON(ctx, backend, keyindex.AnnotationKeys, []string{legacyKey})

	store := newTestStore(backend, nil)
	store.Load(ctx, doc)
	backend.failKey = legacyKey

	if err := store.Append(ctx, doc, mustAnnotation(t, 1, "new")); err != nil {
		t.Fatalf("legacy failure must not fail the write: %v", err)
	}
	if got := len(store.Load(ctx, doc)); got != 2 {
		t.Fatalf("canonical should hold 2 annotations, got %d", got)
	}
}

func TestCanonicalWriteFailureReported(t *testing.T) {
	doc := testDoc(t, "Plan A.pdf")
	backend := &failingKV{MemoryStore: kv.NewMemoryStore(), failKey: CanonicalKey(doc)}
	store := newTestStore(backend, nil)

	if err := store.Append(context.Background(), doc, mustAnnotation(t, 1, "x")); err == nil {
		t.Fatal("expected canonical write failure to surface")
	}
}

func TestCanonicalRecordWinsOverLegacy(t *testing.T) {
	backend := kv.NewMemoryStore()
	ctx := context.Background()
	doc := testDoc(t, "Plan A.pdf")
	_ = kv.SetJSON(ctx, backend, CanonicalKey(doc), []Annotation{})
	_ = kv.SetJSON(ctx, backend, "pdf_annotations_plan_a.pdf", []Annotation{mustAnnotation(t, 1, "stale")})
	_ = kv.SetJSON(ctx, backend, keyindex.AnnotationKeys, []string{"pdf_annotations_plan_a.pdf"})

	store := newTestStore(backend, nil)
	if items := store.Load(ctx, doc); len(items) != 0 {
		t.Fatalf("canonical empty record must win, got %d items", len(items))
	}
}

func TestResaveKeepsAnnotations(t *testing.T) {
	store := newTestStore(kv.NewMemoryStore(), nil)
	ctx := context.Background()
	doc := testDoc(t, "Plan A.pdf")
	a1 := mustAnnotation(t, 1, "A1")
	a2 := mustAnnotation(t, 2, "A2")
	_ = store.Append(ctx, doc, a1)
	_ = store.Append(ctx, doc, a2)

	if err := store.Resave(ctx, doc); err != nil {
		t.Fatalf("Resave() error = %v", err)
	}
	items := store.Load(ctx, doc)
	if len(items) != 2 || items[0].ID != a1.ID || items[1].ID != a2.ID {
		t.Fatalf("unexpected annotations after resave: %+v", items)
	}
}
