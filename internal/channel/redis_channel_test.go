package channel

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shelfware/stocksync/internal/model"
)

// A closed subscription must leave the reconnect fan-out; otherwise every
// resubscribe over the process lifetime grows the list.
func TestUnregisterRemovesReconnectChannel(t *testing.T) {
	c := &RedisChannel{logger: zap.NewNop()}

	a := make(chan struct{}, 1)
	b := make(chan struct{}, 1)
	c.reconns = append(c.reconns, a, b)

	c.unregister(a)
	c.signalReconnect()

	assert.Len(t, c.reconns, 1)
	assert.Empty(t, a)
	assert.Len(t, b, 1)
}

func TestSubscriptionCloseUnregisters(t *testing.T) {
	// A client with no subscribed channels never dials, so no server is
	// needed to exercise the close path.
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	c := &RedisChannel{client: client, logger: zap.NewNop()}
	sub := &redisSubscription{
		pubsub:  client.Subscribe(context.Background()),
		events:  make(chan model.ChangeEvent, 1),
		reconns: make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  zap.NewNop(),
	}
	sub.unregister = func() { c.unregister(sub.reconns) }
	c.reconns = append(c.reconns, sub.reconns)

	require.NoError(t, sub.Close())
	assert.Empty(t, c.reconns)

	// Close is idempotent; a second call must not double-unregister or
	// error.
	require.NoError(t, sub.Close())
}

func TestSignalReconnectCoalesces(t *testing.T) {
	c := &RedisChannel{logger: zap.NewNop()}

	ch := make(chan struct{}, 1)
	c.reconns = append(c.reconns, ch)

	c.signalReconnect()
	c.signalReconnect()
	c.signalReconnect()

	assert.Len(t, ch, 1)
}
