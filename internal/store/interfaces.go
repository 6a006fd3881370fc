package store

import (
	"context"

	"github.com/shelfware/stocksync/internal/model"
)

// StateStore is the single source of truth for tenant snapshot state.
type StateStore interface {
	// Get returns the state row for a tenant, or syncerr.ErrNotFound when
	// the tenant has never published.
	Get(ctx context.Context, organizationID string) (*model.TenantState, error)

	// BumpVersion atomically inserts or increments the tenant's state row,
	// pointing it at a new snapshot. Two concurrent calls for the same
	// tenant always produce two distinct consecutive versions.
	BumpVersion(ctx context.Context, organizationID, storagePath, actor string) (*model.TenantState, error)

	// InvalidateAll stamps invalidate_at with the current time, forcing
	// every client to discard its cache regardless of version equality.
	InvalidateAll(ctx context.Context, organizationID, actor string) (*model.TenantState, error)

	// Ping checks store connectivity.
	Ping(ctx context.Context) error

	Close()
}
