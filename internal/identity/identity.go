// Package identity derives stable document identities from display names.
package identity

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"
)

// Identity is the cache key surrogate for a document whose server id may be unknown.
type Identity string

func (id Identity) String() string {
	return string(id)
}

var ErrEmptyName = errors.New("document name is empty")

// Normalize trims, lowercases and collapses whitespace runs to a single underscore.
func Normalize(name string) string {
	fields := strings.FieldsFunc(strings.ToLower(strings.TrimSpace(name)), unicode.IsSpace)
	return strings.Join(fields, "_")
}

// Resolve computes the identity for a display name without consulting any stored overrides.
func Resolve(name string) (Identity, error) {
	normalized := Normalize(name)
	if normalized == "" {
		return "", ErrEmptyName
	}
	sum := blake2b.Sum256([]byte(normalized))
	return Identity("doc_" + hex.EncodeToString(sum[:8])), nil
}

// Overrides is the persisted name→identity table that supersedes computed identities.
type Overrides interface {
	Get(ctx context.Context, name string) (Identity, bool)
	Set(ctx context.Context, name string, id Identity) error
}

// Document is a resolved document: its display name, normalized form and identity.
type Document struct {
	Name       string
	Normalized string
	ID         Identity
}

type Resolver struct {
	overrides Overrides
}

func NewResolver(overrides Overrides) *Resolver {
	return &Resolver{overrides: overrides}
}

// ResolveStable prefers a persisted identity for name and writes the result back so
// later changes to Resolve never move an existing document.
func (r *Resolver) ResolveStable(ctx context.Context, name string) (Document, error) {
	computed, err := Resolve(name)
	if err != nil {
		return Document{}, err
	}
	doc := Document{Name: strings.TrimSpace(name), Normalized: Normalize(name), ID: computed}
	if r.overrides == nil {
		return doc, nil
	}
	if stored, ok := r.overrides.Get(ctx, doc.Name); ok && stored != "" {
		doc.ID = stored
	}
	// Write-through failures only cost stability across a future algorithm change.
	_ = r.overrides.Set(ctx, doc.Name, doc.ID)
	return doc, nil
}
