package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/shelfware/stocksync/internal/syncerr"
)

// FSStore serves snapshot blobs from a local directory. Storage paths are
// resolved relative to the root; escaping the root is rejected.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem blob store rooted at dir
func NewFSStore(dir string) (*FSStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blob root: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat blob root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("blob root %s is not a directory", abs)
	}

	return &FSStore{root: abs}, nil
}

// Fetch reads the blob and returns its content hash as the token
func (s *FSStore) Fetch(ctx context.Context, storagePath string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	full := filepath.Join(s.root, filepath.FromSlash(storagePath))
	if !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return nil, "", fmt.Errorf("storage path %q escapes blob root", storagePath)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("blob %s: %w", storagePath, syncerr.ErrNotFound)
		}
		return nil, "", syncerr.Transient("blob read", err)
	}

	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:8]), nil
}
