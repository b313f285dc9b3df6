package versions

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"markup/internal/annotations"
	"markup/internal/content"
	"markup/internal/identity"
	"markup/internal/keyindex"
	"markup/internal/kv"
	"markup/internal/util"
)

const (
	keyPrefix = "pdf_versions_"

	defaultDescription = "Initial version"
	defaultUploader    = "system"
)

// CanonicalKey is pdf_versions_<normalizedName>_<identity>.
func CanonicalKey(doc identity.Document) string {
	return keyPrefix + doc.Normalized + "_" + doc.ID.String()
}

// Seed is whatever metadata is known when a document without versions is opened.
type Seed struct {
	SourceName  string
	Description string
	UploadedBy  string
	UploadedAt  time.Time
	Data        []byte
}

// Upload is a new revision to append.
type Upload struct {
	SourceName  string
	Description string
	UploadedBy  string
	Data        []byte
}

type Store struct {
	kv          kv.Store
	index       *keyindex.Index
	annotations *annotations.Store
	archiver    *content.Archiver
	resolver    *content.Resolver
	now         func() time.Time
}

func NewStore(store kv.Store, index *keyindex.Index, annotationStore *annotations.Store, archiver *content.Archiver, resolver *content.Resolver) *Store {
	return &Store{
		kv:          store,
		index:       index,
		annotations: annotationStore,
		archiver:    archiver,
		resolver:    resolver,
		now:         time.Now,
	}
}

// Exists reports whether a canonical record has been written for doc.
func (s *Store) Exists(ctx context.Context, doc identity.Document) bool {
	_, found, err := s.kv.Get(ctx, CanonicalKey(doc))
	return err == nil && found
}

// Load returns the document's versions sorted and numbered 1..n. The canonical key
// wins whenever it holds versions; otherwise legacy keys are tried and the first
// non-empty one is migrated. A document with no versions anywhere gets version 1
// synthesized from seed. Never fails and never returns an empty list.
func (s *Store) Load(ctx context.Context, doc identity.Document, seed Seed) []Record {
	list, err := s.read(ctx, doc)
	if err != nil {
		// Unreadable storage: show a default version without overwriting what is there.
		log.Printf("versions: %v, using in-memory default", err)
		return []Record{s.initialRecord(ctx, doc, seed)}
	}
	if len(list) == 0 {
		list = s.migrateLegacy(ctx, doc)
	}
	if len(list) == 0 {
		list = []Record{s.initialRecord(ctx, doc, seed)}
		if err := s.write(ctx, doc, list); err != nil {
			log.Printf("versions: persist initial version for %s: %v", doc.ID, err)
		}
		return list
	}
	if renumber(list) {
		log.Printf("versions: renumbered %d versions of %s", len(list), doc.ID)
		if err := s.write(ctx, doc, list); err != nil {
			log.Printf("versions: persist renumbered list for %s: %v", doc.ID, err)
		}
	}
	return list
}

// Append stores a new revision numbered one past the current maximum. Annotations are
// re-persisted afterwards so they follow any identity migration in flight. When only
// the final persist fails, the record is returned together with the error and the
// caller keeps it in memory.
func (s *Store) Append(ctx context.Context, doc identity.Document, upload Upload) (Record, error) {
	now := s.now()
	record, err := NewRecord(util.NewTimestampedID("ver", now), 1, upload.SourceName, upload.Description, upload.UploadedBy, now)
	if err != nil {
		return Record{}, err
	}
	if _, err := s.read(ctx, doc); err != nil {
		return Record{}, err
	}
	list := s.Load(ctx, doc, Seed{SourceName: upload.SourceName, UploadedBy: upload.UploadedBy, UploadedAt: now})
	record.VersionNumber = maxNumber(list) + 1
	record.AnnotationCount = len(s.annotations.Load(ctx, doc))
	s.attachContent(ctx, doc, &record, upload.Data)

	list = append(list, record)
	if err := s.write(ctx, doc, list); err != nil {
		return record, err
	}
	if err := s.annotations.Resave(ctx, doc); err != nil {
		log.Printf("versions: carry annotations forward for %s: %v", doc.ID, err)
	}
	return record, nil
}

// Replace overwrites the version list, e.g. when hydrating from the server.
func (s *Store) Replace(ctx context.Context, doc identity.Document, list []Record) error {
	sorted := append([]Record(nil), list...)
	renumber(sorted)
	return s.write(ctx, doc, sorted)
}

// LinkRemote records the server-side id of a version. It is the only field that
// changes after a record is created.
func (s *Store) LinkRemote(ctx context.Context, doc identity.Document, versionID, remoteID string) error {
	list, err := s.read(ctx, doc)
	if err != nil {
		return err
	}
	for i := range list {
		if list[i].ID == versionID {
			list[i].RemoteID = remoteID
			return s.write(ctx, doc, list)
		}
	}
	return fmt.Errorf("%w: %s", ErrVersionNotFound, versionID)
}

// SwitchActive resolves the content to display for versionID. It fails with
// content.ErrContentUnavailable only when no tier produced any bytes.
func (s *Store) SwitchActive(ctx context.Context, doc identity.Document, list []Record, versionID string, current *content.Handle) (content.Handle, error) {
	record, ok := Find(list, versionID)
	if !ok {
		return content.Handle{}, fmt.Errorf("%w: %s", ErrVersionNotFound, versionID)
	}
	return s.resolver.Resolve(ctx, content.Request{
		DocumentID: doc.ID.String(),
		VersionID:  record.ID,
		Name:       record.SourceName,
		DurableRef: record.DurableRef,
		Current:    current,
	})
}

// LegacyKey returns the persisted legacy key doc still mirrors its versions into.
func (s *Store) LegacyKey(ctx context.Context, doc identity.Document) (string, bool) {
	key, ok := s.index.Linked(ctx, doc.ID.String())
	if !ok || key == CanonicalKey(doc) || !s.index.Belongs(doc.Normalized, key) {
		return "", false
	}
	return key, true
}

func (s *Store) read(ctx context.Context, doc identity.Document) ([]Record, error) {
	var list []Record
	if _, err := kv.GetJSON(ctx, s.kv, CanonicalKey(doc), &list); err != nil {
		return nil, fmt.Errorf("read %s: %w", CanonicalKey(doc), err)
	}
	return list, nil
}

func (s *Store) migrateLegacy(ctx context.Context, doc identity.Document) []Record {
	canonical := CanonicalKey(doc)
	for _, key := range s.index.Lookup(ctx, doc.Normalized) {
		if key == canonical || !s.index.Belongs(doc.Normalized, key) {
			continue
		}
		var list []Record
		if _, err := kv.GetJSON(ctx, s.kv, key, &list); err != nil {
			log.Printf("versions: skip legacy key %s: %v", key, err)
			continue
		}
		if len(list) == 0 {
			continue
		}
		if err := s.index.Link(ctx, doc.ID.String(), key); err != nil {
			log.Printf("versions: link %s to %s: %v", doc.ID, key, err)
		}
		renumber(list)
		if err := s.setCanonical(ctx, doc, list); err != nil {
			log.Printf("versions: migrate %s -> %s: %v", key, canonical, err)
		} else {
			log.Printf("versions: migrated %d versions %s -> %s", len(list), key, canonical)
		}
		return list
	}
	return nil
}

func (s *Store) initialRecord(ctx context.Context, doc identity.Document, seed Seed) Record {
	uploadedAt := seed.UploadedAt
	if uploadedAt.IsZero() {
		uploadedAt = s.now()
	}
	record, err := NewRecord(
		util.NewTimestampedID("ver", uploadedAt),
		1,
		firstNonEmpty(seed.SourceName, doc.Name, doc.ID.String(), "document"),
		firstNonEmpty(seed.Description, defaultDescription),
		firstNonEmpty(seed.UploadedBy, defaultUploader),
		uploadedAt,
	)
	if err != nil {
		log.Printf("versions: initial version for %s: %v", doc.ID, err)
	}
	s.attachContent(ctx, doc, &record, seed.Data)
	return record
}

func (s *Store) attachContent(ctx context.Context, doc identity.Document, record *Record, data []byte) {
	if len(data) == 0 {
		return
	}
	record.Size = int64(len(data))
	record.ContentLocator = "handle:" + doc.ID.String() + "/" + record.ID
	if pages, err := content.PageCount(data); err == nil {
		record.PageCount = pages
	}
	if s.archiver == nil {
		return
	}
	ref, err := s.archiver.Archive(ctx, doc.ID.String(), record.ID, record.SourceName, data)
	if err != nil {
		log.Printf("versions: %s kept in memory only: %v", record.ID, err)
		return
	}
	record.DurableRef = ref
}

// write persists the canonical key first and the legacy key second; a failed legacy
// write is tolerated.
func (s *Store) write(ctx context.Context, doc identity.Document, list []Record) error {
	if err := s.setCanonical(ctx, doc, list); err != nil {
		return err
	}
	if legacyKey, ok := s.LegacyKey(ctx, doc); ok {
		if err := kv.SetJSON(ctx, s.kv, legacyKey, list); err != nil {
			log.Printf("versions: legacy write %s failed, keys diverged: %v", legacyKey, err)
		}
	}
	return nil
}

func (s *Store) setCanonical(ctx context.Context, doc identity.Document, list []Record) error {
	canonical := CanonicalKey(doc)
	if err := kv.SetJSON(ctx, s.kv, canonical, list); err != nil {
		return fmt.Errorf("write versions: %w", err)
	}
	if err := s.index.Register(ctx, doc.Normalized, canonical); err != nil {
		log.Printf("versions: register %s: %v", canonical, err)
	}
	return nil
}

// renumber sorts by version number and rewrites numbers to 1..n, reporting a change.
func renumber(list []Record) bool {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].VersionNumber != list[j].VersionNumber {
			return list[i].VersionNumber < list[j].VersionNumber
		}
		return list[i].UploadedAt.Before(list[j].UploadedAt)
	})
	changed := false
	for i := range list {
		if list[i].VersionNumber != i+1 {
			list[i].VersionNumber = i + 1
			changed = true
		}
	}
	return changed
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
