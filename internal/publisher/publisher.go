// Package publisher is the producer side of the order queue. A publish
// replaces the current trading day's batch: retention runs first, then the
// day's existing rows are deleted, then the new drafts are inserted in one
// transaction.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/ordersync/internal/metrics"
	"github.com/ksred/ordersync/internal/types"
	"github.com/rs/zerolog/log"
)

// Store is the part of the order store the publisher writes to.
type Store interface {
	Publish(ctx context.Context, drafts []types.OrderDraft, createdAt time.Time) ([]string, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeOnDate(ctx context.Context, date time.Time) (int64, error)
	CountUnclaimableOnDate(ctx context.Context, date time.Time) (int64, error)
	Location() *time.Location
}

type Publisher struct {
	store     Store
	retention time.Duration
	now       func() time.Time
}

// New returns a publisher. A retention of zero keeps old orders forever.
func New(store Store, retention time.Duration) *Publisher {
	return &Publisher{
		store:     store,
		retention: retention,
		now:       time.Now,
	}
}

// Publish writes drafts as the batch of the current trading day.
func (p *Publisher) Publish(ctx context.Context, drafts []types.OrderDraft) (*types.PublishResult, error) {
	logger := log.With().Str("component", "publisher").Logger()

	for i, draft := range drafts {
		if err := draft.Validate(); err != nil {
			return nil, fmt.Errorf("draft %d: %w", i, err)
		}
	}

	now := p.now()
	result := &types.PublishResult{BatchDate: now.In(p.store.Location()).Format(time.DateOnly)}

	if p.retention > 0 {
		purged, err := p.store.PurgeOlderThan(ctx, now.Add(-p.retention))
		if err != nil {
			return nil, err
		}
		result.PurgedOld = purged
		metrics.Purged.WithLabelValues("horizon").Add(float64(purged))
	}

	taken, err := p.store.CountUnclaimableOnDate(ctx, now)
	if err != nil {
		return nil, err
	}
	if taken > 0 {
		// those orders may already be at the gateway; the new batch can repeat them
		logger.Warn().Int64("orders", taken).Msg("replacing a batch that is already partly claimed or executed")
	}

	purged, err := p.store.PurgeOnDate(ctx, now)
	if err != nil {
		return nil, err
	}
	result.PurgedToday = purged
	metrics.Purged.WithLabelValues("same_day").Add(float64(purged))

	ids, err := p.store.Publish(ctx, drafts, now)
	if err != nil {
		return nil, err
	}
	result.OrderIDs = ids
	result.Inserted = len(ids)
	result.PublishedAt = p.now()

	for _, draft := range drafts {
		metrics.Published.WithLabelValues(draft.Side.String()).Inc()
	}

	logger.Info().
		Str("batch_date", result.BatchDate).
		Int("inserted", result.Inserted).
		Int64("purged_old", result.PurgedOld).
		Int64("purged_today", result.PurgedToday).
		Msg("published order batch")

	return result, nil
}
