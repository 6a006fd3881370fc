package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shelfware/stocksync/internal/model"
)

// MemoryCache implements ReplicaCache in process memory. It is the session
// fallback used when the SQLite cache cannot be opened or written: the agent
// keeps working but loses its replica on restart.
type MemoryCache struct {
	mu     sync.RWMutex
	data   map[string]*memoryEntry
	logger *zap.Logger
}

type memoryEntry struct {
	snap *model.Snapshot
	meta model.CacheMetadata
}

// NewMemoryCache creates an in-memory replica cache
func NewMemoryCache(logger *zap.Logger) *MemoryCache {
	return &MemoryCache{
		data:   make(map[string]*memoryEntry),
		logger: logger,
	}
}

// ReadAll returns the stored rows and metadata for a tenant
func (c *MemoryCache) ReadAll(ctx context.Context, organizationID string) (*model.Snapshot, *model.CacheMetadata, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[organizationID]
	if !ok {
		return &model.Snapshot{}, nil, nil
	}

	meta := entry.meta
	return copySnapshot(entry.snap), &meta, nil
}

// ReplaceAll swaps the tenant's row set and metadata under one lock
func (c *MemoryCache) ReplaceAll(ctx context.Context, organizationID string, version int64, storagePath string, snap *model.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[organizationID] = &memoryEntry{
		snap: copySnapshot(snap),
		meta: model.CacheMetadata{
			Version:     version,
			StoragePath: storagePath,
			UpdatedAt:   time.Now().UTC(),
		},
	}

	return nil
}

// Clear wipes the tenant's rows and metadata
func (c *MemoryCache) Clear(ctx context.Context, organizationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, organizationID)
	return nil
}

// Close is a no-op for the in-memory cache
func (c *MemoryCache) Close() error {
	return nil
}

// copySnapshot keeps callers from mutating the stored row set through a
// shared slice.
func copySnapshot(snap *model.Snapshot) *model.Snapshot {
	if snap == nil {
		return &model.Snapshot{}
	}
	out := &model.Snapshot{
		Profiles:    make([]model.Profile, len(snap.Profiles)),
		Accessories: make([]model.Accessory, len(snap.Accessories)),
	}
	copy(out.Profiles, snap.Profiles)
	copy(out.Accessories, snap.Accessories)
	return out
}
