package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shelfware/stocksync/internal/channel"
	"github.com/shelfware/stocksync/internal/metrics"
	"github.com/shelfware/stocksync/internal/model"
	"github.com/shelfware/stocksync/internal/syncerr"
)

// MockStateStore is a mock implementation of store.StateStore
type MockStateStore struct {
	mock.Mock
}

func (m *MockStateStore) Get(ctx context.Context, organizationID string) (*model.TenantState, error) {
	args := m.Called(ctx, organizationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TenantState), args.Error(1)
}

func (m *MockStateStore) BumpVersion(ctx context.Context, organizationID, storagePath, actor string) (*model.TenantState, error) {
	args := m.Called(ctx, organizationID, storagePath, actor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TenantState), args.Error(1)
}

func (m *MockStateStore) InvalidateAll(ctx context.Context, organizationID, actor string) (*model.TenantState, error) {
	args := m.Called(ctx, organizationID, actor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TenantState), args.Error(1)
}

func (m *MockStateStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStateStore) Close() {
	m.Called()
}

// MockChannel is a mock implementation of channel.Channel
type MockChannel struct {
	mock.Mock
}

func (m *MockChannel) Publish(ctx context.Context, ev model.ChangeEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *MockChannel) Subscribe(ctx context.Context, organizationID string) (channel.Subscription, error) {
	args := m.Called(ctx, organizationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(channel.Subscription), args.Error(1)
}

func newPublisher(t *testing.T, st *MockStateStore, ch *MockChannel) *Publisher {
	t.Helper()
	return NewPublisher(st, ch, metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
}

func TestPublishEmitsEvent(t *testing.T) {
	st := new(MockStateStore)
	ch := new(MockChannel)

	state := &model.TenantState{OrganizationID: testOrg, StoragePath: "b.csv", Version: 2}
	st.On("BumpVersion", mock.Anything, testOrg, "b.csv", "admin").Return(state, nil)
	ch.On("Publish", mock.Anything, mock.MatchedBy(func(ev model.ChangeEvent) bool {
		return ev.OrganizationID == testOrg && ev.Version == 2 && !ev.Invalidated
	})).Return(nil)

	got, err := newPublisher(t, st, ch).Publish(context.Background(), testOrg, "b.csv", "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)

	st.AssertExpectations(t)
	ch.AssertExpectations(t)
}

// A surfaced store conflict is retried exactly once.
func TestPublishRetriesConflictOnce(t *testing.T) {
	st := new(MockStateStore)
	ch := new(MockChannel)

	state := &model.TenantState{OrganizationID: testOrg, StoragePath: "b.csv", Version: 7}
	st.On("BumpVersion", mock.Anything, testOrg, "b.csv", "admin").
		Return(nil, &syncerr.ConflictError{OrganizationID: testOrg, Cause: errors.New("serialize")}).Once()
	st.On("BumpVersion", mock.Anything, testOrg, "b.csv", "admin").Return(state, nil).Once()
	ch.On("Publish", mock.Anything, mock.Anything).Return(nil)

	got, err := newPublisher(t, st, ch).Publish(context.Background(), testOrg, "b.csv", "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Version)

	st.AssertExpectations(t)
}

func TestPublishGivesUpAfterSecondConflict(t *testing.T) {
	st := new(MockStateStore)
	ch := new(MockChannel)

	conflict := &syncerr.ConflictError{OrganizationID: testOrg, Cause: errors.New("serialize")}
	st.On("BumpVersion", mock.Anything, testOrg, "b.csv", "admin").Return(nil, conflict).Twice()

	_, err := newPublisher(t, st, ch).Publish(context.Background(), testOrg, "b.csv", "admin")
	require.Error(t, err)
	assert.Equal(t, syncerr.KindConflict, syncerr.Classify(err))

	st.AssertNumberOfCalls(t, "BumpVersion", 2)
	ch.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

// Event emission is best-effort: a channel failure never fails the publish.
func TestPublishToleratesChannelFailure(t *testing.T) {
	st := new(MockStateStore)
	ch := new(MockChannel)

	state := &model.TenantState{OrganizationID: testOrg, StoragePath: "b.csv", Version: 3}
	st.On("BumpVersion", mock.Anything, testOrg, "b.csv", "admin").Return(state, nil)
	ch.On("Publish", mock.Anything, mock.Anything).
		Return(syncerr.Transient("publish change event", errors.New("redis down")))

	got, err := newPublisher(t, st, ch).Publish(context.Background(), testOrg, "b.csv", "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
}

func TestInvalidateEmitsInvalidatedEvent(t *testing.T) {
	st := new(MockStateStore)
	ch := new(MockChannel)

	now := time.Now().UTC()
	state := &model.TenantState{OrganizationID: testOrg, StoragePath: "b.csv", Version: 2, InvalidateAt: &now}
	st.On("InvalidateAll", mock.Anything, testOrg, "admin").Return(state, nil)
	ch.On("Publish", mock.Anything, mock.MatchedBy(func(ev model.ChangeEvent) bool {
		return ev.Invalidated && ev.Version == 2
	})).Return(nil)

	_, err := newPublisher(t, st, ch).Invalidate(context.Background(), testOrg, "admin")
	require.NoError(t, err)

	ch.AssertExpectations(t)
}
