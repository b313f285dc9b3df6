package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"
)

// ErrContentUnavailable means no tier could produce any bytes for a version.
var ErrContentUnavailable = errors.New("content unavailable")

// Request describes the version whose bytes should be displayed.
type Request struct {
	DocumentID string
	VersionID  string
	Name       string
	DurableRef string
	// Current is whatever handle the session already shows; it is the last resort.
	Current *Handle
}

// Source is one tier of the resolution chain.
type Source interface {
	Tier() Tier
	Fetch(ctx context.Context, req Request) (Handle, error)
}

// Resolver tries its sources in order and returns the first handle produced.
// Serving the stale current handle is accepted degraded behavior; showing
// nothing is not.
type Resolver struct {
	sources []Source
}

func NewResolver(sources ...Source) *Resolver {
	return &Resolver{sources: sources}
}

// NewDefaultResolver builds the memory → durable → stale chain. blobs may be nil.
func NewDefaultResolver(cache *HandleCache, blobs BlobStore) *Resolver {
	return NewResolver(
		MemorySource{Cache: cache},
		DurableSource{Blobs: blobs, Cache: cache},
		StaleSource{},
	)
}

func (r *Resolver) Resolve(ctx context.Context, req Request) (Handle, error) {
	for _, source := range r.sources {
		handle, err := source.Fetch(ctx, req)
		if err == nil {
			if handle.Stale {
				log.Printf("content: %s/%s served from %s tier with bytes of version %q",
					req.DocumentID, req.VersionID, source.Tier(), handle.VersionID)
			}
			return handle, nil
		}
		log.Printf("content: %s tier miss for %s/%s: %v", source.Tier(), req.DocumentID, req.VersionID, err)
	}
	return Handle{}, fmt.Errorf("%w: %s version %s", ErrContentUnavailable, req.DocumentID, req.VersionID)
}

type MemorySource struct {
	Cache *HandleCache
}

func (MemorySource) Tier() Tier { return TierMemory }

func (s MemorySource) Fetch(_ context.Context, req Request) (Handle, error) {
	if s.Cache == nil {
		return Handle{}, errors.New("no handle cache")
	}
	handle, ok := s.Cache.Get(req.DocumentID, req.VersionID)
	if !ok || len(handle.Data) == 0 {
		return Handle{}, errors.New("no cached handle")
	}
	handle.Tier = TierMemory
	handle.Stale = false
	return handle, nil
}

// DurableSource reads from the blob store and warms the cache on success.
type DurableSource struct {
	Blobs BlobStore
	Cache *HandleCache
}

func (DurableSource) Tier() Tier { return TierDurable }

func (s DurableSource) Fetch(ctx context.Context, req Request) (Handle, error) {
	if s.Blobs == nil {
		return Handle{}, errors.New("no durable store configured")
	}
	if req.DurableRef == "" {
		return Handle{}, errors.New("version has no durable reference")
	}
	reader, err := s.Blobs.Get(ctx, req.DocumentID, req.DurableRef)
	if err != nil {
		return Handle{}, err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return Handle{}, fmt.Errorf("read durable content: %w", err)
	}
	if len(data) == 0 {
		return Handle{}, errors.New("durable content is empty")
	}
	handle := Handle{
		DocumentID: req.DocumentID,
		VersionID:  req.VersionID,
		Name:       req.Name,
		Data:       data,
		Tier:       TierDurable,
		LoadedAt:   time.Now().UTC(),
	}
	if s.Cache != nil {
		s.Cache.Put(handle)
	}
	return handle, nil
}

type StaleSource struct{}

func (StaleSource) Tier() Tier { return TierStale }

func (StaleSource) Fetch(_ context.Context, req Request) (Handle, error) {
	if req.Current == nil || len(req.Current.Data) == 0 {
		return Handle{}, errors.New("no handle currently loaded")
	}
	handle := *req.Current
	handle.Tier = TierStale
	handle.Stale = handle.VersionID != req.VersionID
	return handle, nil
}

// Archiver captures uploaded bytes in both the handle cache and the durable store.
type Archiver struct {
	cache *HandleCache
	blobs BlobStore
}

func NewArchiver(cache *HandleCache, blobs BlobStore) *Archiver {
	return &Archiver{cache: cache, blobs: blobs}
}

// Archive caches the bytes and returns a durable reference. A durable-store failure
// is returned alongside the cached handle; callers may keep going with memory only.
func (a *Archiver) Archive(ctx context.Context, documentID, versionID, name string, data []byte) (string, error) {
	if a.cache != nil {
		a.cache.Put(Handle{
			DocumentID: documentID,
			VersionID:  versionID,
			Name:       name,
			Data:       data,
			Tier:       TierMemory,
			LoadedAt:   time.Now().UTC(),
		})
	}
	if a.blobs == nil {
		return "", nil
	}
	ref, err := a.blobs.Put(ctx, documentID, name, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("archive %s/%s: %w", documentID, versionID, err)
	}
	return ref, nil
}
