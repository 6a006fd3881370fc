package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shelfware/stocksync/internal/model"
	"github.com/shelfware/stocksync/internal/syncerr"
)

const channelKeyPrefix = "stocksync:changes:"

// RedisChannel implements Channel on Redis pub/sub
type RedisChannel struct {
	client *redis.Client
	logger *zap.Logger

	mu      sync.Mutex
	reconns []chan struct{}
}

// NewRedisChannel creates a new Redis-backed change channel
func NewRedisChannel(host string, port int, password string, db int, logger *zap.Logger) (*RedisChannel, error) {
	c := &RedisChannel{logger: logger}

	addr := fmt.Sprintf("%s:%d", host, port)
	c.client = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		// Fires on every new connection the client establishes, which is
		// how subscribers learn they may have missed events.
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			c.signalReconnect()
			return nil
		},
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return c, nil
}

func channelKey(organizationID string) string {
	return channelKeyPrefix + organizationID
}

// Publish emits a change event to the tenant's channel
func (c *RedisChannel) Publish(ctx context.Context, ev model.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}

	if err := c.client.Publish(ctx, channelKey(ev.OrganizationID), payload).Err(); err != nil {
		return syncerr.Transient("publish change event", err)
	}

	c.logger.Debug("Published change event",
		zap.String("organization_id", ev.OrganizationID),
		zap.Int64("version", ev.Version),
		zap.Bool("invalidated", ev.Invalidated))

	return nil
}

// Subscribe opens a tenant-filtered subscription
func (c *RedisChannel) Subscribe(ctx context.Context, organizationID string) (Subscription, error) {
	pubsub := c.client.Subscribe(ctx, channelKey(organizationID))

	// Wait for the subscription to be confirmed so no event published
	// after this call returns can be silently dropped.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, syncerr.Transient("subscribe", err)
	}

	sub := &redisSubscription{
		pubsub:  pubsub,
		events:  make(chan model.ChangeEvent, 16),
		reconns: make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  c.logger.With(zap.String("organization_id", organizationID)),
	}
	sub.unregister = func() { c.unregister(sub.reconns) }

	c.mu.Lock()
	c.reconns = append(c.reconns, sub.reconns)
	c.mu.Unlock()

	// The subscription is live now; count that as the first connection.
	sub.reconns <- struct{}{}

	go sub.pump()

	return sub, nil
}

// signalReconnect notifies every open subscription without blocking. The
// signal coalesces: a subscriber that has not drained the previous one does
// not need another.
func (c *RedisChannel) signalReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range c.reconns {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// unregister drops a closed subscription's reconnect channel so the
// reconnect fan-out does not grow with every resubscribe.
func (c *RedisChannel) unregister(ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, rc := range c.reconns {
		if rc == ch {
			c.reconns = append(c.reconns[:i], c.reconns[i+1:]...)
			return
		}
	}
}

// Ping checks the Redis connection
func (c *RedisChannel) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (c *RedisChannel) Close() error {
	return c.client.Close()
}

type redisSubscription struct {
	pubsub     *redis.PubSub
	events     chan model.ChangeEvent
	reconns    chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	unregister func()
	logger     *zap.Logger
}

// pump decodes raw pub/sub messages into change events. Malformed payloads
// are logged and dropped; the periodic reconcile covers for them.
func (s *redisSubscription) pump() {
	defer close(s.events)

	for msg := range s.pubsub.Channel() {
		var ev model.ChangeEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			s.logger.Warn("Dropping malformed change event", zap.Error(err))
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Events() <-chan model.ChangeEvent { return s.events }

func (s *redisSubscription) Reconnects() <-chan struct{} { return s.reconns }

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.unregister != nil {
			s.unregister()
		}
		err = s.pubsub.Close()
	})
	return err
}
