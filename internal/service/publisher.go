package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/shelfware/stocksync/internal/channel"
	"github.com/shelfware/stocksync/internal/metrics"
	"github.com/shelfware/stocksync/internal/model"
	"github.com/shelfware/stocksync/internal/store"
	"github.com/shelfware/stocksync/internal/syncerr"
)

// Publisher orchestrates snapshot publishes and invalidations: it commits
// the state change at the authoritative store, then emits a best-effort
// change event. Event emission never fails the call; the row is already
// committed and clients converge through their periodic recheck.
type Publisher struct {
	store   store.StateStore
	channel channel.Channel
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPublisher creates a new publisher
func NewPublisher(
	stateStore store.StateStore,
	ch channel.Channel,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Publisher {
	return &Publisher{
		store:   stateStore,
		channel: ch,
		metrics: m,
		logger:  logger,
	}
}

// Get returns the tenant's current state
func (p *Publisher) Get(ctx context.Context, organizationID string) (*model.TenantState, error) {
	return p.store.Get(ctx, organizationID)
}

// Publish bumps the tenant's version to point at a new snapshot and emits
// the change event. A surfaced store conflict is retried exactly once; the
// upsert is atomic so a second conflict is a real failure.
func (p *Publisher) Publish(ctx context.Context, organizationID, storagePath, actor string) (*model.TenantState, error) {
	state, err := p.store.BumpVersion(ctx, organizationID, storagePath, actor)
	if err != nil {
		var conflict *syncerr.ConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}

		p.metrics.PublishConflicts.WithLabelValues(organizationID).Inc()
		p.logger.Warn("Version bump conflict, retrying once",
			zap.String("organization_id", organizationID),
			zap.Error(err))

		if state, err = p.store.BumpVersion(ctx, organizationID, storagePath, actor); err != nil {
			return nil, err
		}
	}

	p.metrics.PublishesTotal.WithLabelValues(organizationID).Inc()
	p.emit(ctx, state, false)

	return state, nil
}

// Invalidate stamps the tenant's invalidate_at and emits the change event
func (p *Publisher) Invalidate(ctx context.Context, organizationID, actor string) (*model.TenantState, error) {
	state, err := p.store.InvalidateAll(ctx, organizationID, actor)
	if err != nil {
		return nil, err
	}

	p.metrics.InvalidationsTotal.WithLabelValues(organizationID).Inc()
	p.emit(ctx, state, true)

	return state, nil
}

func (p *Publisher) emit(ctx context.Context, state *model.TenantState, invalidated bool) {
	ev := model.NewChangeEvent(state, invalidated)

	if err := p.channel.Publish(ctx, ev); err != nil {
		p.metrics.EventPublishFailed.WithLabelValues(state.OrganizationID).Inc()
		p.logger.Warn("Failed to publish change event, clients will converge via recheck",
			zap.String("organization_id", state.OrganizationID),
			zap.Int64("version", state.Version),
			zap.Error(err))
		return
	}

	p.metrics.EventsPublished.WithLabelValues(state.OrganizationID).Inc()
}
