// Package mapping persists the display name → document identity table
// (pdf_file_id_mappings) that keeps identities stable across resolver changes.
package mapping

import (
	"context"
	"fmt"
	"log"
	"sync"

	"markup/internal/identity"
	"markup/internal/kv"
)

const Key = "pdf_file_id_mappings"

type Store struct {
	kv kv.Store
	mu sync.Mutex
}

func New(store kv.Store) *Store {
	return &Store{kv: store}
}

// Get looks the name up verbatim first, then by its normalized form, which is how
// entries written by older clients keyed on raw file names are still found.
func (s *Store) Get(ctx context.Context, name string) (identity.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := s.load(ctx)
	if id, ok := table[name]; ok && id != "" {
		return identity.Identity(id), true
	}
	if normalized := identity.Normalize(name); normalized != name {
		if id, ok := table[normalized]; ok && id != "" {
			return identity.Identity(id), true
		}
	}
	return "", false
}

// Set writes the mapping under both the display name and its normalized form.
func (s *Store) Set(ctx context.Context, name string, id identity.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := s.load(ctx)
	normalized := identity.Normalize(name)
	if table[name] == string(id) && table[normalized] == string(id) {
		return nil
	}
	table[name] = string(id)
	if normalized != "" {
		table[normalized] = string(id)
	}
	if err := kv.SetJSON(ctx, s.kv, Key, table); err != nil {
		log.Printf("mapping: persist %s: %v", Key, err)
		return fmt.Errorf("persist identity mapping: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context) map[string]string {
	table := map[string]string{}
	if _, err := kv.GetJSON(ctx, s.kv, Key, &table); err != nil {
		log.Printf("mapping: read %s, treating as empty: %v", Key, err)
		return map[string]string{}
	}
	if table == nil {
		return map[string]string{}
	}
	return table
}
