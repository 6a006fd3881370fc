package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/shelfware/stocksync/internal/syncerr"
)

// HTTPStore fetches snapshot blobs from an object-store HTTP front. Every
// request carries a cache-busting query parameter so intermediate caches
// cannot serve a superseded snapshot for a reused storage path.
type HTTPStore struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPStore creates an HTTP blob store with a bounded request timeout
func NewHTTPStore(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Fetch downloads the blob; the response ETag (or the request nonce when the
// server sends none) is returned as the cache-busting token
func (s *HTTPStore) Fetch(ctx context.Context, storagePath string) ([]byte, string, error) {
	nonce := strconv.FormatInt(time.Now().UnixNano(), 36)
	u := fmt.Sprintf("%s/%s?cb=%s", s.baseURL, url.PathEscape(storagePath), nonce)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build blob request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", syncerr.Transient("blob fetch", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, "", fmt.Errorf("blob %s: %w", storagePath, syncerr.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, "", syncerr.Transient("blob fetch",
			fmt.Errorf("unexpected status %d for %s", resp.StatusCode, storagePath))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", syncerr.Transient("blob read", err)
	}

	token := resp.Header.Get("ETag")
	if token == "" {
		token = nonce
	}

	s.logger.Debug("Fetched blob",
		zap.String("storage_path", storagePath),
		zap.Int("bytes", len(data)))

	return data, token, nil
}
