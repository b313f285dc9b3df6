// Package keyindex maintains the append-only registries of persisted keys
// (pdf_annotation_keys, pdf_version_keys) that make legacy-key fallback scans tractable.
package keyindex

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"markup/internal/kv"
)

const (
	AnnotationKeys = "pdf_annotation_keys"
	VersionKeys    = "pdf_version_keys"
)

type registry struct {
	prefix string
	links  string
}

// registries maps each key registry to the prefix of the keys it indexes and to the
// key holding its identity -> legacy key links.
var registries = map[string]registry{
	AnnotationKeys: {prefix: "pdf_annotations_", links: "pdf_annotation_legacy_links"},
	VersionKeys:    {prefix: "pdf_versions_", links: "pdf_version_legacy_links"},
}

// Index is a set of keys bucketed by the normalized document name that owns them.
// Keys inherited from older registries arrive without a known owner. A key is
// assigned to a name only when it has the exact shape <prefix><name> or
// <prefix><name>_<identity>.
type Index struct {
	store    kv.Store
	key      string
	prefix   string
	linksKey string

	mu           sync.Mutex
	keys         []string
	seen         map[string]struct{}
	byName       map[string][]string
	unclassified []string
	links        map[string]string
}

func New(store kv.Store, registryKey string) *Index {
	reg, ok := registries[registryKey]
	if !ok {
		reg = registry{links: registryKey + "_links"}
	}
	return &Index{
		store:    store,
		key:      registryKey,
		prefix:   reg.prefix,
		linksKey: reg.links,
		seen:     make(map[string]struct{}),
		byName:   make(map[string][]string),
		links:    make(map[string]string),
	}
}

// Register records key as belonging to normalizedName and persists the registry.
// The persisted form is the full JSON array of every key ever registered.
func (idx *Index) Register(ctx context.Context, normalizedName, key string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.refresh(ctx)
	if _, ok := idx.seen[key]; ok {
		idx.classify(normalizedName, key)
		return nil
	}
	idx.seen[key] = struct{}{}
	idx.keys = append(idx.keys, key)
	idx.byName[normalizedName] = append(idx.byName[normalizedName], key)

	if err := kv.SetJSON(ctx, idx.store, idx.key, idx.keys); err != nil {
		return fmt.Errorf("persist key registry %s: %w", idx.key, err)
	}
	return nil
}

// Lookup returns every registered key associated with normalizedName, sorted.
func (idx *Index) Lookup(ctx context.Context, normalizedName string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.refresh(ctx)
	if normalizedName != "" && len(idx.unclassified) > 0 {
		remaining := idx.unclassified[:0]
		for _, key := range idx.unclassified {
			if idx.matches(normalizedName, key) {
				idx.byName[normalizedName] = append(idx.byName[normalizedName], key)
				continue
			}
			remaining = append(remaining, key)
		}
		idx.unclassified = remaining
	}

	var out []string
	for _, key := range idx.byName[normalizedName] {
		if !idx.ownedByOtherLocked(normalizedName, key) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Belongs reports whether key may hold data of normalizedName: it has the shape of
// one of that name's keys and no other name has registered it.
func (idx *Index) Belongs(normalizedName, key string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.matches(normalizedName, key) && !idx.ownedByOtherLocked(normalizedName, key)
}

// Link persists that the document with the given identity still mirrors its data
// into legacyKey.
func (idx *Index) Link(ctx context.Context, documentID, legacyKey string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.refreshLinks(ctx)
	if idx.links[documentID] == legacyKey {
		return nil
	}
	idx.links[documentID] = legacyKey
	if err := kv.SetJSON(ctx, idx.store, idx.linksKey, idx.links); err != nil {
		return fmt.Errorf("persist legacy links %s: %w", idx.linksKey, err)
	}
	return nil
}

// Linked returns the legacy key recorded for documentID by Link, in this or any
// earlier process.
func (idx *Index) Linked(ctx context.Context, documentID string) (string, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if key, ok := idx.links[documentID]; ok {
		return key, true
	}
	idx.refreshLinks(ctx)
	key, ok := idx.links[documentID]
	return key, ok
}

// matches accepts <prefix><name> and <prefix><name>_<identity>, where identity is a
// single token or doc_<token>. Longer remainders belong to a different name that
// merely starts with this one.
func (idx *Index) matches(normalizedName, key string) bool {
	if normalizedName == "" {
		return false
	}
	if owner, ok := idx.canonicalOwner(key); ok && owner != normalizedName {
		return false
	}
	base := idx.prefix + normalizedName
	if key == base {
		return true
	}
	rest, ok := strings.CutPrefix(key, base+"_")
	return ok && bareIdentity(rest)
}

// canonicalOwner extracts the name from a <prefix><name>_doc_<token> key.
func (idx *Index) canonicalOwner(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, idx.prefix)
	if !ok {
		return "", false
	}
	cut := strings.LastIndex(rest, "_doc_")
	if cut <= 0 || !bareIdentity(rest[cut+len("_doc_"):]) {
		return "", false
	}
	return rest[:cut], true
}

func (idx *Index) ownedByOtherLocked(normalizedName, key string) bool {
	for name, keys := range idx.byName {
		if name == normalizedName {
			continue
		}
		for _, existing := range keys {
			if existing == key {
				return true
			}
		}
	}
	return false
}

func bareIdentity(value string) bool {
	value = strings.TrimPrefix(value, "doc_")
	return value != "" && !strings.Contains(value, "_")
}

// refresh merges keys written by other processes. A missing or corrupt registry
// leaves the in-memory view untouched.
func (idx *Index) refresh(ctx context.Context) {
	var persisted []string
	found, err := kv.GetJSON(ctx, idx.store, idx.key, &persisted)
	if err != nil {
		log.Printf("keyindex: read %s: %v", idx.key, err)
		return
	}
	if !found {
		return
	}
	for _, key := range persisted {
		if _, ok := idx.seen[key]; ok {
			continue
		}
		idx.seen[key] = struct{}{}
		idx.keys = append(idx.keys, key)
		idx.unclassified = append(idx.unclassified, key)
	}
}

func (idx *Index) refreshLinks(ctx context.Context) {
	persisted := make(map[string]string)
	if _, err := kv.GetJSON(ctx, idx.store, idx.linksKey, &persisted); err != nil {
		log.Printf("keyindex: read %s: %v", idx.linksKey, err)
		return
	}
	for id, key := range persisted {
		if _, ok := idx.links[id]; !ok {
			idx.links[id] = key
		}
	}
}

func (idx *Index) classify(normalizedName, key string) {
	for _, existing := range idx.byName[normalizedName] {
		if existing == key {
			return
		}
	}
	for i, candidate := range idx.unclassified {
		if candidate == key {
			idx.unclassified = append(idx.unclassified[:i], idx.unclassified[i+1:]...)
			break
		}
	}
	idx.byName[normalizedName] = append(idx.byName[normalizedName], key)
}
