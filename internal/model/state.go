package model

import (
	"time"

	"github.com/google/uuid"
)

// TenantState is the authoritative record for a tenant's published snapshot.
// There is exactly one row per tenant; it is created on first publish and
// only ever mutated in place (version bump or invalidation), never deleted.
type TenantState struct {
	OrganizationID string     `json:"organization_id"`
	StoragePath    string     `json:"storage_path"`
	Version        int64      `json:"version"`
	InvalidateAt   *time.Time `json:"invalidate_at,omitempty"`
	UpdatedBy      string     `json:"updated_by"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CacheMetadata records which snapshot the durable local cache currently
// holds. It is written atomically together with the row set it describes.
type CacheMetadata struct {
	Version     int64     `json:"version"`
	StoragePath string    `json:"storage_path"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsFresh reports whether a replica holding this metadata is up to date with
// respect to the given authoritative state. Invalidation is a strictly
// stronger signal than version equality: an invalidate_at newer than the
// local write time forces a resync even when the versions match.
func (m *CacheMetadata) IsFresh(state *TenantState) bool {
	if m == nil || state == nil {
		return false
	}
	if m.Version != state.Version {
		return false
	}
	if state.InvalidateAt != nil && state.InvalidateAt.After(m.UpdatedAt) {
		return false
	}
	return true
}

// ChangeEvent is the ephemeral notification published when a tenant's state
// row changes. Delivery is best-effort: events may be dropped across a
// disconnect and may be delivered more than once.
type ChangeEvent struct {
	EventID        uuid.UUID `json:"event_id"`
	OrganizationID string    `json:"organization_id"`
	Version        int64     `json:"version"`
	StoragePath    string    `json:"storage_path"`
	Invalidated    bool      `json:"invalidated"`
	EmittedAt      time.Time `json:"emitted_at"`
}

// NewChangeEvent builds the event for a freshly observed state row.
func NewChangeEvent(state *TenantState, invalidated bool) ChangeEvent {
	return ChangeEvent{
		EventID:        uuid.New(),
		OrganizationID: state.OrganizationID,
		Version:        state.Version,
		StoragePath:    state.StoragePath,
		Invalidated:    invalidated,
		EmittedAt:      time.Now().UTC(),
	}
}
