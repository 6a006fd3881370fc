package syncerr

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a tenant has no state row yet. Callers treat
// it as "no dataset published", not as a failure.
var ErrNotFound = errors.New("not found")

// ErrUnavailable is returned when a backing store cannot be reached.
var ErrUnavailable = errors.New("unavailable")

// Kind classifies an error for retry decisions and metrics labels.
type Kind string

const (
	KindTransient          Kind = "transient"
	KindParse              Kind = "parse"
	KindConflict           Kind = "conflict"
	KindNotFound           Kind = "not_found"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindInternal           Kind = "internal"
)

// TransientError wraps a network or availability failure that should be
// retried with backoff and causes no state change.
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Cause: err}
}

// ParseError reports that the dataset transformer rejected a snapshot. The
// client stays stale; the bad blob is not retried until a new trigger.
type ParseError struct {
	StoragePath string
	Cause       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse snapshot %s: %v", e.StoragePath, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// ConflictError reports a version-bump collision at the authoritative store.
// The store's atomic upsert should make this unreachable; if it surfaces
// anyway the caller retries the bump once.
type ConflictError struct {
	OrganizationID string
	Cause          error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version bump conflict for tenant %s: %v", e.OrganizationID, e.Cause)
}

func (e *ConflictError) Unwrap() error { return e.Cause }

// StorageUnavailableError reports that the durable local cache cannot be
// read or written. The manager falls back to in-memory operation for the
// session instead of crashing.
type StorageUnavailableError struct {
	Op    string
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("local cache %s failed: %v", e.Op, e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Cause }

// Classify maps an error to its Kind. Unknown errors classify as internal.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnavailable):
		return KindTransient
	}

	var (
		transient *TransientError
		parse     *ParseError
		conflict  *ConflictError
		storage   *StorageUnavailableError
	)
	switch {
	case errors.As(err, &parse):
		return KindParse
	case errors.As(err, &conflict):
		return KindConflict
	case errors.As(err, &storage):
		return KindStorageUnavailable
	case errors.As(err, &transient):
		return KindTransient
	default:
		return KindInternal
	}
}
