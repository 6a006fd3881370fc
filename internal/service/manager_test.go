package service

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shelfware/stocksync/internal/cache"
	"github.com/shelfware/stocksync/internal/channel"
	"github.com/shelfware/stocksync/internal/metrics"
	"github.com/shelfware/stocksync/internal/model"
	"github.com/shelfware/stocksync/internal/notify"
	"github.com/shelfware/stocksync/internal/syncerr"
)

const testOrg = "org-1"

// fakeStateReader serves a mutable tenant state row.
type fakeStateReader struct {
	mu    sync.Mutex
	state *model.TenantState
	err   error
	gets  int
}

func (f *fakeStateReader) Get(ctx context.Context, organizationID string) (*model.TenantState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.gets++
	if f.err != nil {
		return nil, f.err
	}
	if f.state == nil {
		return nil, syncerr.ErrNotFound
	}
	s := *f.state
	return &s, nil
}

func (f *fakeStateReader) set(state *model.TenantState, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state, f.err = state, err
}

// fakeBlobStore maps storage paths to payloads and counts fetches per path.
type fakeBlobStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	err     error
	fetches map[string]int
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte), fetches: make(map[string]int)}
}

func (f *fakeBlobStore) Fetch(ctx context.Context, storagePath string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches[storagePath]++
	if f.err != nil {
		return nil, "", f.err
	}
	data, ok := f.blobs[storagePath]
	if !ok {
		return nil, "", syncerr.ErrNotFound
	}
	return data, "token", nil
}

func (f *fakeBlobStore) put(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[path] = data
}

func (f *fakeBlobStore) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeBlobStore) fetchCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[path]
}

// fakeTransformer maps raw payloads to canned snapshots.
type fakeTransformer struct {
	mu    sync.Mutex
	snaps map[string]*model.Snapshot
	err   error
}

func newFakeTransformer() *fakeTransformer {
	return &fakeTransformer{snaps: make(map[string]*model.Snapshot)}
}

func (f *fakeTransformer) Transform(data []byte) (*model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	snap, ok := f.snaps[string(data)]
	if !ok {
		return nil, &syncerr.ParseError{Cause: errors.New("unknown payload")}
	}
	return snap, nil
}

func (f *fakeTransformer) put(payload string, profiles, accessories int) {
	snap := &model.Snapshot{}
	for i := 0; i < profiles; i++ {
		snap.Profiles = append(snap.Profiles, model.Profile{Code: "P", Name: "p"})
	}
	for i := 0; i < accessories; i++ {
		snap.Accessories = append(snap.Accessories, model.Accessory{Code: "A", Name: "a"})
	}
	f.mu.Lock()
	f.snaps[payload] = snap
	f.mu.Unlock()
}

func (f *fakeTransformer) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// recordingListener collects updates in order.
type recordingListener struct {
	mu      sync.Mutex
	updates []notify.Update
}

func (l *recordingListener) callback(u notify.Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, u)
}

func (l *recordingListener) all() []notify.Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]notify.Update, len(l.updates))
	copy(out, l.updates)
	return out
}

type managerFixture struct {
	mgr         *StateManager
	states      *fakeStateReader
	blobs       *fakeBlobStore
	transformer *fakeTransformer
	replica     cache.ReplicaCache
	registry    *notify.Registry
	listener    *recordingListener
}

func newFixture(t *testing.T) *managerFixture {
	t.Helper()

	f := &managerFixture{
		states:      &fakeStateReader{},
		blobs:       newFakeBlobStore(),
		transformer: newFakeTransformer(),
		replica:     cache.NewMemoryCache(zap.NewNop()),
		registry:    notify.NewRegistry(zap.NewNop()),
		listener:    &recordingListener{},
	}
	f.registry.Subscribe(f.listener.callback)

	f.mgr = NewStateManager(
		ManagerConfig{
			OrganizationID:  testOrg,
			ResyncInterval:  time.Hour, // periodic recheck kept out of the way; tests drive triggers

			RetryBackoffMin: 10 * time.Millisecond,
			RetryBackoffMax: 40 * time.Millisecond,
			OpTimeout:       time.Second,
		},
		f.states,
		nil, // no channel; tests drive triggers directly
		f.blobs,
		f.transformer,
		f.replica,
		f.registry,
		metrics.NewMetrics(prometheus.NewRegistry()),
		zap.NewNop(),
	)
	t.Cleanup(f.mgr.Stop)

	return f
}

func (f *managerFixture) publish(version int64, path, payload string, profiles, accessories int) {
	f.blobs.put(path, []byte(payload))
	f.transformer.put(payload, profiles, accessories)
	f.states.set(&model.TenantState{
		OrganizationID: testOrg,
		StoragePath:    path,
		Version:        version,
		UpdatedBy:      "admin",
		UpdatedAt:      time.Now().UTC(),
	}, nil)
}

func waitForVersion(t *testing.T, mgr *StateManager, version int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, st := mgr.Current()
		return st.State == StateFresh && st.Version != nil && *st.Version == version
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInitialSync(t *testing.T) {
	f := newFixture(t)
	f.publish(1, "a.csv", "payload-a", 5, 2)

	require.NoError(t, f.mgr.Start(context.Background()))
	waitForVersion(t, f.mgr, 1)

	snap, st := f.mgr.Current()
	assert.Len(t, snap.Profiles, 5)
	assert.Len(t, snap.Accessories, 2)
	assert.Empty(t, st.LastError)
	require.NotNil(t, st.LastSyncAt)
}

func TestStartWithNoPublishedDataset(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mgr.Start(context.Background()))

	require.Eventually(t, func() bool {
		f.states.mu.Lock()
		defer f.states.mu.Unlock()
		return f.states.gets >= 1
	}, time.Second, 5*time.Millisecond)

	_, st := f.mgr.Current()
	assert.Equal(t, StateUninitialized, st.State)
	assert.Nil(t, st.Version)
	assert.Empty(t, st.LastError)
}

// A publish bumps the version; the client resyncs and listeners are
// notified with the new row counts.
func TestVersionBumpTriggersResync(t *testing.T) {
	f := newFixture(t)
	f.publish(1, "a.csv", "payload-a", 5, 2)

	require.NoError(t, f.mgr.Start(context.Background()))
	waitForVersion(t, f.mgr, 1)

	f.publish(2, "b.csv", "payload-b", 50, 10)
	f.mgr.Refresh()
	waitForVersion(t, f.mgr, 2)

	snap, _ := f.mgr.Current()
	assert.Len(t, snap.Profiles, 50)
	assert.Len(t, snap.Accessories, 10)

	updates := f.listener.all()
	last := updates[len(updates)-1]
	require.NotNil(t, last.Version)
	assert.Equal(t, int64(2), *last.Version)
	assert.Equal(t, 50, last.ProfileCount)
	assert.Equal(t, 10, last.AccessoryCount)
	assert.NoError(t, last.Err)
}

// Duplicate-event idempotence: the same change event delivered twice must
// trigger exactly one resync.
func TestDuplicateEventIdempotence(t *testing.T) {
	f := newFixture(t)
	f.publish(1, "a.csv", "payload-a", 1, 0)

	require.NoError(t, f.mgr.Start(context.Background()))
	waitForVersion(t, f.mgr, 1)

	f.publish(2, "b.csv", "payload-b", 2, 0)
	ev := model.ChangeEvent{OrganizationID: testOrg, Version: 2, StoragePath: "b.csv"}

	f.mgr.handleEvent(context.Background(), ev)
	waitForVersion(t, f.mgr, 2)
	f.mgr.handleEvent(context.Background(), ev)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.blobs.fetchCount("b.csv"))
}

// Monotonicity: an event carrying a version at or below the cached one is
// discarded.
func TestStaleEventDiscarded(t *testing.T) {
	f := newFixture(t)
	f.publish(3, "c.csv", "payload-c", 3, 0)

	require.NoError(t, f.mgr.Start(context.Background()))
	waitForVersion(t, f.mgr, 3)
	before := f.blobs.fetchCount("c.csv")

	f.mgr.handleEvent(context.Background(), model.ChangeEvent{
		OrganizationID: testOrg, Version: 2, StoragePath: "old.csv",
	})
	f.mgr.handleEvent(context.Background(), model.ChangeEvent{
		OrganizationID: testOrg, Version: 3, StoragePath: "c.csv",
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, f.blobs.fetchCount("c.csv"))
	assert.Zero(t, f.blobs.fetchCount("old.csv"))

	_, st := f.mgr.Current()
	assert.Equal(t, int64(3), *st.Version)
}

// Invalidation precedence: with the version unchanged, an
// invalidate_at newer than the local write time clears the cache and forces
// a resync even though version comparison alone says fresh.
func TestInvalidationPrecedence(t *testing.T) {
	f := newFixture(t)
	f.publish(2, "b.csv", "payload-b", 4, 1)

	require.NoError(t, f.mgr.Start(context.Background()))
	waitForVersion(t, f.mgr, 2)

	invalidateAt := time.Now().UTC()
	f.states.set(&model.TenantState{
		OrganizationID: testOrg,
		StoragePath:    "b.csv",
		Version:        2,
		InvalidateAt:   &invalidateAt,
		UpdatedBy:      "admin",
		UpdatedAt:      invalidateAt,
	}, nil)

	fetchesBefore := f.blobs.fetchCount("b.csv")
	f.mgr.Refresh()
	waitForVersion(t, f.mgr, 2)

	require.Eventually(t, func() bool {
		return f.blobs.fetchCount("b.csv") > fetchesBefore
	}, time.Second, 5*time.Millisecond)

	// Listeners saw the clear (empty dataset, nil version) before the
	// fresh data update.
	updates := f.listener.all()
	var sawClear bool
	for _, u := range updates {
		if u.Version == nil && u.Err == nil && u.ProfileCount == 0 {
			sawClear = true
		}
	}
	assert.True(t, sawClear, "expected an empty-dataset clear notification")

	// A re-check after the resync does not loop: the replica's write time
	// is now past invalidate_at.
	_, st := f.mgr.Current()
	assert.Equal(t, StateFresh, st.State)
}

// A failed download leaves the manager stale, consumers keep the last good
// dataset, and a later trigger recovers.
func TestStaleWhileRevalidate(t *testing.T) {
	f := newFixture(t)
	f.publish(1, "a.csv", "payload-a", 5, 2)

	require.NoError(t, f.mgr.Start(context.Background()))
	waitForVersion(t, f.mgr, 1)

	f.publish(2, "b.csv", "payload-b", 9, 9)
	f.blobs.setErr(syncerr.Transient("blob fetch", errors.New("connection refused")))
	f.mgr.Refresh()

	require.Eventually(t, func() bool {
		_, st := f.mgr.Current()
		return st.State == StateStale && st.LastError != ""
	}, time.Second, 5*time.Millisecond)

	// Reads never regress: still serving version 1 rows.
	snap, st := f.mgr.Current()
	assert.Len(t, snap.Profiles, 5)
	require.NotNil(t, st.Version)
	assert.Equal(t, int64(1), *st.Version)

	// Recovery via the scheduled retry, no manual intervention.
	f.blobs.setErr(nil)
	waitForVersion(t, f.mgr, 2)

	snap, _ = f.mgr.Current()
	assert.Len(t, snap.Profiles, 9)
}

func TestParseFailureSurfacedAsErrorEvent(t *testing.T) {
	f := newFixture(t)
	f.publish(1, "a.csv", "payload-a", 2, 0)

	require.NoError(t, f.mgr.Start(context.Background()))
	waitForVersion(t, f.mgr, 1)

	f.publish(2, "bad.csv", "payload-bad", 0, 0)
	f.transformer.setErr(&syncerr.ParseError{StoragePath: "bad.csv", Cause: errors.New("bad header")})
	f.mgr.Refresh()

	require.Eventually(t, func() bool {
		for _, u := range f.listener.all() {
			if u.Err != nil {
				var parse *syncerr.ParseError
				return errors.As(u.Err, &parse)
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	_, st := f.mgr.Current()
	assert.Equal(t, StateStale, st.State)
	assert.Equal(t, int64(1), *st.Version)
}

func TestClearCache(t *testing.T) {
	f := newFixture(t)
	f.publish(1, "a.csv", "payload-a", 5, 2)

	require.NoError(t, f.mgr.Start(context.Background()))
	waitForVersion(t, f.mgr, 1)

	require.NoError(t, f.mgr.ClearCache(context.Background()))

	// Wipe is immediate and visible before any resync completes.
	_, meta, err := f.replica.ReadAll(context.Background(), testOrg)
	require.NoError(t, err)
	assert.Nil(t, meta)

	// The queued reconcile repopulates from the store.
	waitForVersion(t, f.mgr, 1)
}

func TestTriggerCoalescing(t *testing.T) {
	f := newFixture(t)

	f.mgr.requestSync(triggerManual)
	f.mgr.requestSync(triggerEvent)
	f.mgr.requestSync(triggerPeriodic)

	assert.Len(t, f.mgr.kick, 1)
}

// Once data has been loaded the manager never reports uninitialized again,
// even when every backend is down.
func TestNeverRegressesToUninitialized(t *testing.T) {
	f := newFixture(t)
	f.publish(1, "a.csv", "payload-a", 1, 1)

	require.NoError(t, f.mgr.Start(context.Background()))
	waitForVersion(t, f.mgr, 1)

	f.states.set(nil, syncerr.Transient("state get", errors.New("store down")))
	f.mgr.Refresh()

	require.Eventually(t, func() bool {
		_, st := f.mgr.Current()
		return st.State == StateStale
	}, time.Second, 5*time.Millisecond)

	_, st := f.mgr.Current()
	assert.NotEqual(t, StateUninitialized, st.State)
	assert.Equal(t, int64(1), *st.Version)
}

// Repeated failed syncs must not accumulate background goroutines: the
// retry schedule is a single reusable timer, so an agent whose server is
// down for hours keeps a flat goroutine count.
func TestFailedSyncsDoNotLeakGoroutines(t *testing.T) {
	f := newFixture(t)
	f.states.set(nil, syncerr.Transient("state get", errors.New("server down")))

	ctx := context.Background()
	f.mgr.reconcile(ctx, triggerManual)
	baseline := runtime.NumGoroutine()

	for i := 0; i < 200; i++ {
		f.mgr.reconcile(ctx, triggerManual)
	}

	// Listener notifications run on short-lived goroutines; give them a
	// moment to drain before comparing.
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline+3
	}, 2*time.Second, 10*time.Millisecond)
}

// fakeSubscription is a channel.Subscription whose event feed the test
// controls directly.
type fakeSubscription struct {
	events  chan model.ChangeEvent
	reconns chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *fakeSubscription) Events() <-chan model.ChangeEvent { return s.events }

func (s *fakeSubscription) Reconnects() <-chan struct{} { return s.reconns }

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeChannel struct {
	sub *fakeSubscription
}

func (c *fakeChannel) Publish(ctx context.Context, ev model.ChangeEvent) error { return nil }

func (c *fakeChannel) Subscribe(ctx context.Context, organizationID string) (channel.Subscription, error) {
	return c.sub, nil
}

// When the event feed closes underneath the manager, the subscription is
// closed before the reference is dropped so its transport resources are
// released.
func TestDeadSubscriptionIsClosed(t *testing.T) {
	f := newFixture(t)
	ch := &fakeChannel{sub: &fakeSubscription{
		events:  make(chan model.ChangeEvent),
		reconns: make(chan struct{}, 1),
	}}
	f.mgr.ch = ch

	require.NoError(t, f.mgr.Start(context.Background()))

	close(ch.sub.events)

	require.Eventually(t, ch.sub.isClosed, time.Second, 5*time.Millisecond)
}
