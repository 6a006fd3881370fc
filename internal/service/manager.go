package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shelfware/stocksync/internal/blob"
	"github.com/shelfware/stocksync/internal/cache"
	"github.com/shelfware/stocksync/internal/channel"
	"github.com/shelfware/stocksync/internal/metrics"
	"github.com/shelfware/stocksync/internal/model"
	"github.com/shelfware/stocksync/internal/notify"
	"github.com/shelfware/stocksync/internal/store"
	"github.com/shelfware/stocksync/internal/syncerr"
	"github.com/shelfware/stocksync/internal/transform"
)

// State is the client state machine state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateSyncing       State = "syncing"
	StateFresh         State = "fresh"
	StateStale         State = "stale"
)

var stateNames = []State{StateUninitialized, StateSyncing, StateFresh, StateStale}

// Trigger labels for sync-attempt metrics and logs.
const (
	triggerStartup   = "startup"
	triggerEvent     = "event"
	triggerReconnect = "reconnect"
	triggerManual    = "manual"
	triggerPeriodic  = "periodic"
	triggerRetry     = "retry"
)

// ManagerConfig tunes one state manager instance.
type ManagerConfig struct {
	OrganizationID string
	// ResyncInterval is the bounded periodic recheck against the store.
	ResyncInterval time.Duration
	// RetryBackoffMin/Max bound the exponential delay between consecutive
	// failed sync attempts.
	RetryBackoffMin time.Duration
	RetryBackoffMax time.Duration
	// OpTimeout bounds each state get, blob fetch and cache write.
	OpTimeout time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = 5 * time.Minute
	}
	if c.RetryBackoffMin <= 0 {
		c.RetryBackoffMin = 2 * time.Second
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = 2 * time.Minute
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 30 * time.Second
	}
}

// Status is the consumer-visible view of a manager.
type Status struct {
	OrganizationID string     `json:"organization_id"`
	State          State      `json:"state"`
	Version        *int64     `json:"version,omitempty"`
	ProfileCount   int        `json:"profile_count"`
	AccessoryCount int        `json:"accessory_count"`
	LastError      string     `json:"last_error,omitempty"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
}

// StateManager reconciles one tenant's local replica against the
// authoritative store. All triggers (change events, subscription
// reconnects, startup, manual refresh, periodic recheck, failure retry)
// funnel into a single serialized loop, so at most one sync runs at a time
// and a trigger arriving mid-sync coalesces into one pending resync.
// Consumers read the last good projection without ever blocking on a sync.
type StateManager struct {
	cfg         ManagerConfig
	states      store.StateReader
	ch          channel.Channel
	blobs       blob.Store
	transformer transform.Transformer
	registry    *notify.Registry
	metrics     *metrics.Metrics
	logger      *zap.Logger

	// kick carries coalesced resync requests; capacity 1 is the pending
	// "resync requested" flag.
	kick chan string

	mu         sync.RWMutex
	replica    cache.ReplicaCache
	state      State
	meta       *model.CacheMetadata
	projected  *model.Snapshot
	lastErr    error
	lastSync   *time.Time
	failures   int
	retryTimer *time.Timer

	sub     channel.Subscription
	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewStateManager creates a state manager with injected dependencies
func NewStateManager(
	cfg ManagerConfig,
	states store.StateReader,
	ch channel.Channel,
	blobs blob.Store,
	transformer transform.Transformer,
	replica cache.ReplicaCache,
	registry *notify.Registry,
	m *metrics.Metrics,
	logger *zap.Logger,
) *StateManager {
	cfg.applyDefaults()

	return &StateManager{
		cfg:         cfg,
		states:      states,
		ch:          ch,
		blobs:       blobs,
		transformer: transformer,
		replica:     replica,
		registry:    registry,
		metrics:     m,
		logger:      logger.With(zap.String("organization_id", cfg.OrganizationID)),
		kick:        make(chan string, 1),
		state:       StateUninitialized,
		projected:   &model.Snapshot{},
		done:        make(chan struct{}),
	}
}

// Start loads the durable cache, subscribes to the change channel and
// schedules the initial reconcile. It never blocks on the network.
func (m *StateManager) Start(ctx context.Context) error {
	snap, meta, err := m.replica.ReadAll(ctx, m.cfg.OrganizationID)
	if err != nil {
		// Durable cache unreadable: warn and run in-memory for the
		// session rather than crash.
		m.logger.Warn("Durable cache unavailable, falling back to in-memory replica", zap.Error(err))
		m.fallbackToMemory()
		snap, meta = &model.Snapshot{}, nil
	}

	m.mu.Lock()
	m.meta = meta
	m.projected = snap
	if meta != nil {
		// Served as stale-while-revalidate until the first reconcile
		// confirms freshness.
		m.state = StateStale
	}
	m.mu.Unlock()
	m.publishGauges()

	m.subscribe(ctx)

	m.wg.Add(1)
	go m.run(ctx)

	m.requestSync(triggerStartup)
	return nil
}

// Stop terminates the reconcile loop and the subscription.
func (m *StateManager) Stop() {
	m.stopped.Do(func() {
		close(m.done)
		m.wg.Wait()
		m.mu.Lock()
		if m.retryTimer != nil {
			m.retryTimer.Stop()
		}
		m.mu.Unlock()
		if m.sub != nil {
			m.sub.Close()
		}
	})
}

// Refresh requests a manual reconcile. It returns immediately; the request
// coalesces with any sync already pending or in flight.
func (m *StateManager) Refresh() {
	m.requestSync(triggerManual)
}

// Current returns the projected dataset and status. It never blocks on an
// in-flight sync; while stale it serves the last good data.
func (m *StateManager) Current() (*model.Snapshot, Status) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		OrganizationID: m.cfg.OrganizationID,
		State:          m.state,
		LastSyncAt:     m.lastSync,
	}
	if m.meta != nil {
		v := m.meta.Version
		st.Version = &v
	}
	st.ProfileCount, st.AccessoryCount = m.projected.Counts()
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}

	return m.projected, st
}

// ClearCache wipes the durable cache and projection immediately, regardless
// of version comparison or current state, and notifies listeners with an
// empty dataset. The next reconcile repopulates from the store.
func (m *StateManager) ClearCache(ctx context.Context) error {
	if err := m.clearReplica(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.meta = nil
	m.projected = &model.Snapshot{}
	m.state = StateUninitialized
	m.mu.Unlock()
	m.publishGauges()

	m.logger.Info("Cache cleared")
	m.metrics.ListenerNotifies.WithLabelValues(m.cfg.OrganizationID, "clear").Inc()
	m.registry.Notify(notify.Update{OrganizationID: m.cfg.OrganizationID})

	m.requestSync(triggerManual)
	return nil
}

// requestSync coalesces triggers into the single pending slot.
func (m *StateManager) requestSync(trigger string) {
	select {
	case m.kick <- trigger:
	default:
	}
}

func (m *StateManager) subscribe(ctx context.Context) {
	if m.ch == nil {
		return
	}

	sub, err := m.ch.Subscribe(ctx, m.cfg.OrganizationID)
	if err != nil {
		m.logger.Warn("Change channel subscription failed, relying on periodic recheck", zap.Error(err))
		return
	}
	m.sub = sub
}

// run is the single serialized reconcile loop.
func (m *StateManager) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		var events <-chan model.ChangeEvent
		var reconns <-chan struct{}
		if m.sub != nil {
			events = m.sub.Events()
			reconns = m.sub.Reconnects()
		}

		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return

		case trigger := <-m.kick:
			m.reconcile(ctx, trigger)

		case ev, ok := <-events:
			if !ok {
				m.sub.Close()
				m.sub = nil
				continue
			}
			m.handleEvent(ctx, ev)

		case <-reconns:
			// Events may have been missed across the disconnect;
			// reconcile against the store unconditionally.
			m.reconcile(ctx, triggerReconnect)

		case <-ticker.C:
			if m.sub == nil {
				m.subscribe(ctx)
			}
			m.reconcile(ctx, triggerPeriodic)
		}
	}
}

// handleEvent discards stale and duplicate deliveries, then reconciles.
// The store is consulted rather than trusting the event payload: the event
// is only a hint that state changed.
func (m *StateManager) handleEvent(ctx context.Context, ev model.ChangeEvent) {
	m.mu.RLock()
	meta := m.meta
	m.mu.RUnlock()

	if !ev.Invalidated && meta != nil && ev.Version <= meta.Version {
		m.metrics.EventsDiscarded.WithLabelValues(m.cfg.OrganizationID).Inc()
		m.logger.Debug("Discarding stale change event",
			zap.Int64("event_version", ev.Version),
			zap.Int64("cached_version", meta.Version))
		return
	}

	m.reconcile(ctx, triggerEvent)
}

// reconcile performs one serialized maybe-resync: observe the authoritative
// state, decide staleness, and if stale run the fetch-transform-replace
// cycle. Failures leave the manager stale (never back to uninitialized once
// data is held) and schedule a backoff retry.
func (m *StateManager) reconcile(ctx context.Context, trigger string) {
	m.metrics.SyncAttempts.WithLabelValues(m.cfg.OrganizationID, trigger).Inc()

	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
	state, err := m.states.Get(opCtx, m.cfg.OrganizationID)
	cancel()

	if err != nil {
		if errors.Is(err, syncerr.ErrNotFound) {
			// No dataset published yet: not an error.
			m.mu.Lock()
			m.lastErr = nil
			m.failures = 0
			if m.meta == nil {
				m.state = StateUninitialized
			}
			m.mu.Unlock()
			m.publishGauges()
			return
		}
		m.syncFailed(trigger, err)
		return
	}

	m.mu.Lock()
	meta := m.meta
	if meta.IsFresh(state) {
		m.state = StateFresh
		m.lastErr = nil
		m.failures = 0
		m.mu.Unlock()
		m.publishGauges()
		return
	}
	m.state = StateSyncing
	m.mu.Unlock()
	m.publishGauges()

	// Invalidation wins even at equal versions: wipe first, then resync.
	if meta != nil && state.InvalidateAt != nil && state.InvalidateAt.After(meta.UpdatedAt) {
		if err := m.applyInvalidation(ctx); err != nil {
			m.syncFailed(trigger, err)
			return
		}
	}

	if err := m.resync(ctx, state); err != nil {
		m.syncFailed(trigger, err)
		return
	}

	m.mu.Lock()
	m.failures = 0
	m.lastErr = nil
	m.mu.Unlock()
}

// applyInvalidation clears the replica and tells listeners the dataset is
// empty, mirroring an administrator-forced cache clear.
func (m *StateManager) applyInvalidation(ctx context.Context) error {
	m.logger.Info("Cache invalidated by administrator, clearing replica")

	if err := m.clearReplica(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.meta = nil
	m.projected = &model.Snapshot{}
	m.mu.Unlock()
	m.publishGauges()

	m.metrics.ListenerNotifies.WithLabelValues(m.cfg.OrganizationID, "clear").Inc()
	m.registry.Notify(notify.Update{OrganizationID: m.cfg.OrganizationID})
	return nil
}

// resync runs one fetch-transform-replace cycle for the observed state.
func (m *StateManager) resync(ctx context.Context, state *model.TenantState) error {
	started := time.Now()

	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
	data, token, err := m.blobs.Fetch(fetchCtx, state.StoragePath)
	cancel()
	if err != nil {
		return err
	}

	snap, err := m.transformer.Transform(data)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
	err = m.replaceReplica(writeCtx, state, snap)
	cancel()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	m.mu.Lock()
	m.meta = &model.CacheMetadata{
		Version:     state.Version,
		StoragePath: state.StoragePath,
		UpdatedAt:   now,
	}
	m.projected = snap
	m.state = StateFresh
	m.lastSync = &now
	m.mu.Unlock()
	m.publishGauges()

	profiles, accessories := snap.Counts()
	m.metrics.SyncDuration.WithLabelValues(m.cfg.OrganizationID).Observe(time.Since(started).Seconds())
	m.logger.Info("Resynced to new snapshot",
		zap.Int64("version", state.Version),
		zap.String("storage_path", state.StoragePath),
		zap.String("token", token),
		zap.Int("profiles", profiles),
		zap.Int("accessories", accessories),
		zap.Duration("took", time.Since(started)))

	v := state.Version
	m.metrics.ListenerNotifies.WithLabelValues(m.cfg.OrganizationID, "data").Inc()
	m.registry.Notify(notify.Update{
		OrganizationID: m.cfg.OrganizationID,
		Version:        &v,
		ProfileCount:   profiles,
		AccessoryCount: accessories,
	})

	return nil
}

// replaceReplica writes through the durable cache, falling back to the
// in-memory replica for the rest of the session when durable storage fails.
func (m *StateManager) replaceReplica(ctx context.Context, state *model.TenantState, snap *model.Snapshot) error {
	m.mu.RLock()
	replica := m.replica
	m.mu.RUnlock()

	err := replica.ReplaceAll(ctx, m.cfg.OrganizationID, state.Version, state.StoragePath, snap)
	if err == nil {
		return nil
	}

	var storage *syncerr.StorageUnavailableError
	if !errors.As(err, &storage) {
		return err
	}

	m.logger.Warn("Durable cache write failed, falling back to in-memory replica", zap.Error(err))
	m.fallbackToMemory()

	m.mu.RLock()
	replica = m.replica
	m.mu.RUnlock()
	return replica.ReplaceAll(ctx, m.cfg.OrganizationID, state.Version, state.StoragePath, snap)
}

func (m *StateManager) clearReplica(ctx context.Context) error {
	m.mu.RLock()
	replica := m.replica
	m.mu.RUnlock()

	err := replica.Clear(ctx, m.cfg.OrganizationID)
	if err == nil {
		return nil
	}

	var storage *syncerr.StorageUnavailableError
	if !errors.As(err, &storage) {
		return err
	}

	m.logger.Warn("Durable cache clear failed, falling back to in-memory replica", zap.Error(err))
	m.fallbackToMemory()
	return nil
}

func (m *StateManager) fallbackToMemory() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.replica.(*cache.MemoryCache); ok {
		return
	}
	m.replica = cache.NewMemoryCache(m.logger)
}

// syncFailed records the failure, keeps serving the last good data and
// schedules a capped exponential retry.
func (m *StateManager) syncFailed(trigger string, err error) {
	kind := syncerr.Classify(err)
	m.metrics.SyncFailures.WithLabelValues(m.cfg.OrganizationID, string(kind)).Inc()

	m.mu.Lock()
	m.lastErr = err
	m.failures++
	failures := m.failures
	if m.meta != nil || m.state != StateUninitialized {
		m.state = StateStale
	}
	m.mu.Unlock()
	m.publishGauges()

	backoff := m.cfg.RetryBackoffMin << (failures - 1)
	if backoff > m.cfg.RetryBackoffMax || backoff <= 0 {
		backoff = m.cfg.RetryBackoffMax
	}

	m.logger.Error("Sync failed, serving last good data",
		zap.String("trigger", trigger),
		zap.String("kind", string(kind)),
		zap.Duration("retry_in", backoff),
		zap.Error(err))

	m.metrics.ListenerNotifies.WithLabelValues(m.cfg.OrganizationID, "error").Inc()
	m.notifyError(err)

	// One pending retry at a time: a newer failure supersedes the
	// schedule of the previous one.
	m.mu.Lock()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = time.AfterFunc(backoff, func() { m.requestSync(triggerRetry) })
	m.mu.Unlock()
}

// notifyError surfaces the failure to listeners as a distinct error event
// carrying the dataset still being served.
func (m *StateManager) notifyError(err error) {
	m.mu.RLock()
	var version *int64
	if m.meta != nil {
		v := m.meta.Version
		version = &v
	}
	profiles, accessories := m.projected.Counts()
	m.mu.RUnlock()

	m.registry.Notify(notify.Update{
		OrganizationID: m.cfg.OrganizationID,
		Version:        version,
		ProfileCount:   profiles,
		AccessoryCount: accessories,
		Err:            err,
	})
}

func (m *StateManager) publishGauges() {
	m.mu.RLock()
	state := m.state
	profiles, accessories := m.projected.Counts()
	m.mu.RUnlock()

	for _, s := range stateNames {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.metrics.ManagerState.WithLabelValues(m.cfg.OrganizationID, string(s)).Set(v)
	}
	m.metrics.RowsLoaded.WithLabelValues(m.cfg.OrganizationID, "profiles").Set(float64(profiles))
	m.metrics.RowsLoaded.WithLabelValues(m.cfg.OrganizationID, "accessories").Set(float64(accessories))
}
