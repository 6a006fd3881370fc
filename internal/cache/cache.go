package cache

import (
	"context"

	"github.com/shelfware/stocksync/internal/model"
)

// ReplicaCache is the durable per-tenant replica of the published dataset.
// The stored metadata version always corresponds exactly to the stored row
// set: ReplaceAll and Clear are atomic, so a concurrent reader never sees a
// half-replaced dataset or rows from two versions mixed together.
type ReplicaCache interface {
	// ReadAll returns the stored rows and metadata. A tenant with no
	// cached snapshot yields an empty snapshot and nil metadata, not an
	// error.
	ReadAll(ctx context.Context, organizationID string) (*model.Snapshot, *model.CacheMetadata, error)

	// ReplaceAll atomically swaps the tenant's entire row set and
	// metadata for the given snapshot version.
	ReplaceAll(ctx context.Context, organizationID string, version int64, storagePath string, snap *model.Snapshot) error

	// Clear atomically wipes the tenant's rows and metadata.
	Clear(ctx context.Context, organizationID string) error

	Close() error
}
