package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/shelfware/stocksync/internal/model"
	"github.com/shelfware/stocksync/internal/syncerr"
)

// StateReader is the read-only view of the authoritative store that clients
// reconcile against.
type StateReader interface {
	Get(ctx context.Context, organizationID string) (*model.TenantState, error)
}

// HTTPStateClient implements StateReader against the server's admin API.
type HTTPStateClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPStateClient creates a state client with a bounded request timeout
func NewHTTPStateClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPStateClient {
	return &HTTPStateClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Get fetches the tenant's current state row
func (c *HTTPStateClient) Get(ctx context.Context, organizationID string) (*model.TenantState, error) {
	u := fmt.Sprintf("%s/v1/tenants/%s/state", c.baseURL, url.PathEscape(organizationID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build state request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, syncerr.Transient("state get", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("tenant %s: %w", organizationID, syncerr.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, syncerr.Transient("state get",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, syncerr.Transient("state get", err)
	}

	var state model.TenantState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("failed to decode tenant state: %w", err)
	}

	return &state, nil
}

// Ping checks that the authoritative server is reachable
func (c *HTTPStateClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health/live", nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server health returned status %d", resp.StatusCode)
	}
	return nil
}
