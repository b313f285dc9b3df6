package content

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	return data
}

func TestGitStoreRevisionsAreAddressable(t *testing.T) {
	store := NewGitStore(t.TempDir())
	ctx := context.Background()

	first, err := store.Put(ctx, "doc_1", "plan.pdf", strings.NewReader("%PDF-1.4 first"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	second, err := store.Put(ctx, "doc_1", "plan-rev2.pdf", strings.NewReader("%PDF-1.4 second"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if first == second || len(first) != 40 {
		t.Fatalf("unexpected refs %q %q", first, second)
	}

	rc, err := store.Get(ctx, "doc_1", first)
	if err != nil {
		t.Fatalf("Get(first) error = %v", err)
	}
	if got := readAll(t, rc); string(got) != "%PDF-1.4 first" {
		t.Fatalf("first revision = %q", got)
	}
	rc, err = store.Get(ctx, "doc_1", second)
	if err != nil {
		t.Fatalf("Get(second) error = %v", err)
	}
	if got := readAll(t, rc); string(got) != "%PDF-1.4 second" {
		t.Fatalf("second revision = %q", got)
	}
}

func TestGitStoreIdenticalUploads(t *testing.T) {
	store := NewGitStore(t.TempDir())
	ctx := context.Background()
	if _, err := store.Put(ctx, "doc_1", "a.pdf", bytes.NewReader([]byte("same"))); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put(ctx, "doc_1", "a.pdf", bytes.NewReader([]byte("same"))); err != nil {
		t.Fatalf("re-uploading identical bytes must not fail: %v", err)
	}
}

func TestGitStoreMissing(t *testing.T) {
	store := NewGitStore(t.TempDir())
	ctx := context.Background()

	if _, err := store.Get(ctx, "doc_none", strings.Repeat("a", 40)); !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound for missing repo, got %v", err)
	}
	if _, err := store.Put(ctx, "doc_1", "a.pdf", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "doc_1", "not-a-hash"); !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound for malformed ref, got %v", err)
	}
	if _, err := store.Get(ctx, "doc_1", strings.Repeat("b", 40)); !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound for unknown commit, got %v", err)
	}
}

func TestGitStoreConcurrentPuts(t *testing.T) {
	store := NewGitStore(t.TempDir())
	ctx := context.Background()

	const writers = 6
	var wg sync.WaitGroup
	refs := make([]string, writers)
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			refs[idx], errs[idx] = store.Put(ctx, "doc_1", "rev.pdf", strings.NewReader(strings.Repeat("x", idx+1)))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Put %d error = %v", i, err)
		}
		rc, err := store.Get(ctx, "doc_1", refs[i])
		if err != nil {
			t.Fatalf("Get %d error = %v", i, err)
		}
		if got := readAll(t, rc); len(got) != i+1 {
			t.Fatalf("revision %d has %d bytes", i, len(got))
		}
	}
}
