// Package content resolves the binary content to display for a document version.
package content

import (
	"sync"
	"time"
)

// Tier names which source produced a Handle.
type Tier string

const (
	TierMemory  Tier = "memory"
	TierDurable Tier = "durable"
	TierStale   Tier = "stale"
)

// Handle is a loaded copy of one revision's bytes. It is transient: nothing
// guarantees it survives a restart.
type Handle struct {
	DocumentID string
	VersionID  string
	Name       string
	Data       []byte
	Tier       Tier
	// Stale is set when the bytes are known to belong to a different version
	// than the one requested.
	Stale    bool
	LoadedAt time.Time
}

// Size returns the number of content bytes.
func (h Handle) Size() int {
	return len(h.Data)
}

// HandleCache keeps handles in process memory keyed by document and version.
type HandleCache struct {
	mu      sync.RWMutex
	handles map[string]map[string]Handle
}

func NewHandleCache() *HandleCache {
	return &HandleCache{handles: make(map[string]map[string]Handle)}
}

func (c *HandleCache) Put(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byVersion, ok := c.handles[h.DocumentID]
	if !ok {
		byVersion = make(map[string]Handle)
		c.handles[h.DocumentID] = byVersion
	}
	byVersion[h.VersionID] = h
}

func (c *HandleCache) Get(documentID, versionID string) (Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handles[documentID][versionID]
	return h, ok
}

// Drop forgets every handle for a document.
func (c *HandleCache) Drop(documentID string) {
	c.mu.Lock()
	delete(c.handles, documentID)
	c.mu.Unlock()
}
