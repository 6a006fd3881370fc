package channel

import (
	"context"

	"github.com/shelfware/stocksync/internal/model"
)

// Channel is the best-effort change notification transport. There is no
// durable queue and no redelivery across a disconnect: subscribers must
// reconcile against the authoritative store on every (re)connection.
type Channel interface {
	// Publish emits a change event to currently-connected subscribers of
	// the event's tenant.
	Publish(ctx context.Context, ev model.ChangeEvent) error

	// Subscribe opens a tenant-filtered subscription.
	Subscribe(ctx context.Context, organizationID string) (Subscription, error)
}

// Subscription is one tenant's event feed.
type Subscription interface {
	// Events delivers decoded change events. The channel is closed when
	// the subscription is closed.
	Events() <-chan model.ChangeEvent

	// Reconnects fires once for each newly established transport
	// connection, including the first. Receivers must treat every signal
	// as "events may have been missed" and reconcile.
	Reconnects() <-chan struct{}

	Close() error
}
