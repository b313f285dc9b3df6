// Package annotations holds positioned page comments and their persistence.
// Annotations belong to a document identity, not to a version, so every
// revision of a document shows the same set.
package annotations

import (
	"context"
	"fmt"
	"log"

	"markup/internal/identity"
	"markup/internal/keyindex"
	"markup/internal/kv"
)

const keyPrefix = "pdf_annotations_"

// CanonicalKey is pdf_annotations_<normalizedName>_<identity>.
func CanonicalKey(doc identity.Document) string {
	return keyPrefix + doc.Normalized + "_" + doc.ID.String()
}

// Observer is told about every annotation that was created or changed.
type Observer interface {
	AnnotationChanged(doc identity.Document, item Annotation)
}

type Store struct {
	kv       kv.Store
	index    *keyindex.Index
	observer Observer
}

func NewStore(store kv.Store, index *keyindex.Index, observer Observer) *Store {
	return &Store{
		kv:       store,
		index:    index,
		observer: observer,
	}
}

// Exists reports whether a canonical record has been written for doc.
func (s *Store) Exists(ctx context.Context, doc identity.Document) bool {
	_, found, err := s.kv.Get(ctx, CanonicalKey(doc))
	return err == nil && found
}

// Load returns the document's annotations. The canonical key wins whenever it exists,
// even if empty. Otherwise registered legacy keys for the document's name are tried in
// order and the first non-empty one is copied to the canonical key. Never fails.
func (s *Store) Load(ctx context.Context, doc identity.Document) []Annotation {
	canonical := CanonicalKey(doc)
	var items []Annotation
	found, err := kv.GetJSON(ctx, s.kv, canonical, &items)
	if err != nil {
		log.Printf("annotations: read %s, using empty list: %v", canonical, err)
		return []Annotation{}
	}
	if found {
		return nonNil(items)
	}

	for _, key := range s.index.Lookup(ctx, doc.Normalized) {
		if key == canonical || !s.index.Belongs(doc.Normalized, key) {
			continue
		}
		var legacyItems []Annotation
		if _, err := kv.GetJSON(ctx, s.kv, key, &legacyItems); err != nil {
			log.Printf("annotations: skip legacy key %s: %v", key, err)
			continue
		}
		if len(legacyItems) == 0 {
			continue
		}
		if err := s.index.Link(ctx, doc.ID.String(), key); err != nil {
			log.Printf("annotations: link %s to %s: %v", doc.ID, key, err)
		}
		if err := s.setCanonical(ctx, doc, legacyItems); err != nil {
			log.Printf("annotations: migrate %s -> %s: %v", key, canonical, err)
		} else {
			log.Printf("annotations: migrated %d annotations %s -> %s", len(legacyItems), key, canonical)
		}
		return legacyItems
	}
	return []Annotation{}
}

// Append adds item to the persisted list for doc.
func (s *Store) Append(ctx context.Context, doc identity.Document, item Annotation) error {
	items, err := s.current(ctx, doc)
	if err != nil {
		return err
	}
	items = append(items, item)
	if err := s.write(ctx, doc, items); err != nil {
		return err
	}
	s.notify(doc, item)
	return nil
}

// UpdateStatus sets the status of the annotation with the given id. An unknown id is
// not an error: another session may have rewritten the list. The boolean reports
// whether a matching annotation was found.
func (s *Store) UpdateStatus(ctx context.Context, doc identity.Document, id string, status Status) (bool, error) {
	if _, ok := allowedStatuses[status]; !ok {
		return false, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	items, err := s.current(ctx, doc)
	if err != nil {
		return false, err
	}
	index := -1
	for i := range items {
		if items[i].ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		return false, nil
	}
	items[index].Status = status
	if err := s.write(ctx, doc, items); err != nil {
		return true, err
	}
	s.notify(doc, items[index])
	return true, nil
}

// Replace overwrites the whole list, e.g. when hydrating from the server.
func (s *Store) Replace(ctx context.Context, doc identity.Document, items []Annotation) error {
	if err := s.write(ctx, doc, nonNil(items)); err != nil {
		return err
	}
	for _, item := range items {
		s.notify(doc, item)
	}
	return nil
}

// Resave re-persists the current list under the document's keys.
func (s *Store) Resave(ctx context.Context, doc identity.Document) error {
	return s.write(ctx, doc, s.Load(ctx, doc))
}

// LegacyKey returns the legacy key doc was migrated from, if it still mirrors there.
// The link is persisted, so it outlives the process that migrated the document.
func (s *Store) LegacyKey(ctx context.Context, doc identity.Document) (string, bool) {
	key, ok := s.index.Linked(ctx, doc.ID.String())
	if !ok || key == CanonicalKey(doc) || !s.index.Belongs(doc.Normalized, key) {
		return "", false
	}
	return key, true
}

func (s *Store) current(ctx context.Context, doc identity.Document) ([]Annotation, error) {
	canonical := CanonicalKey(doc)
	var items []Annotation
	found, err := kv.GetJSON(ctx, s.kv, canonical, &items)
	if err != nil {
		return nil, fmt.Errorf("read annotations: %w", err)
	}
	if !found {
		return s.Load(ctx, doc), nil
	}
	return nonNil(items), nil
}

// write persists the canonical key first and the legacy key second. A failed legacy
// write leaves the two divergent; the next Load tolerates that because the canonical
// key takes precedence.
func (s *Store) write(ctx context.Context, doc identity.Document, items []Annotation) error {
	if err := s.setCanonical(ctx, doc, items); err != nil {
		return err
	}
	if legacyKey, ok := s.LegacyKey(ctx, doc); ok {
		if err := kv.SetJSON(ctx, s.kv, legacyKey, items); err != nil {
			log.Printf("annotations: legacy write %s failed, keys diverged: %v", legacyKey, err)
		}
	}
	return nil
}

func (s *Store) setCanonical(ctx context.Context, doc identity.Document, items []Annotation) error {
	canonical := CanonicalKey(doc)
	if err := kv.SetJSON(ctx, s.kv, canonical, items); err != nil {
		return fmt.Errorf("write annotations: %w", err)
	}
	if err := s.index.Register(ctx, doc.Normalized, canonical); err != nil {
		log.Printf("annotations: register %s: %v", canonical, err)
	}
	return nil
}

func (s *Store) notify(doc identity.Document, item Annotation) {
	if s.observer != nil {
		s.observer.AnnotationChanged(doc, item)
	}
}

func nonNil(items []Annotation) []Annotation {
	if items == nil {
		return []Annotation{}
	}
	return items
}
