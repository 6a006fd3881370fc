package blob

import "context"

// Store fetches published snapshot blobs by their opaque storage path.
type Store interface {
	// Fetch returns the blob bytes plus a cache-busting token (content
	// hash or last-modified stamp, depending on the backend).
	Fetch(ctx context.Context, storagePath string) (data []byte, token string, err error)
}
