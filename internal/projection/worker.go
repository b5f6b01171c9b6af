package projection

import (
	"context"
	"fmt"
	"time"

	"BetChannel/internal/core"
	"BetChannel/internal/ledger"
	"BetChannel/internal/observability"
	"BetChannel/internal/state"

	"github.com/rs/zerolog"
)

// PoolSnapshot is the read model of one channel's pools.
type PoolSnapshot struct {
	ChannelID string    `json:"channel_id"`
	MarketID  string    `json:"market_id"`
	Version   uint64    `json:"version"`
	Status    string    `json:"status"`
	PoolNo    int64     `json:"pool_no"`
	PoolYes   int64     `json:"pool_yes"`
	BetCount  int       `json:"bet_count"`
	Bettors   int       `json:"bettors"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Total is the sum of both outcome pools.
func (p PoolSnapshot) Total() int64 {
	return p.PoolNo + p.PoolYes
}

// SnapshotOf computes the pool read model of a channel.
func SnapshotOf(ch *ledger.Channel) (PoolSnapshot, error) {
	tally, err := state.TallyHistory(ch.History)
	if err != nil {
		return PoolSnapshot{}, fmt.Errorf("channel %s: %w", ch.ID, err)
	}
	return PoolSnapshot{
		ChannelID: ch.ID,
		MarketID:  ch.MarketID,
		Version:   ch.Version,
		Status:    ch.Status.String(),
		PoolNo:    tally.PoolNo,
		PoolYes:   tally.PoolYes,
		BetCount:  tally.BetCount,
		Bettors:   len(tally.Stakes),
		UpdatedAt: ch.UpdatedAt,
	}, nil
}

// ChannelSource reads authoritative channel snapshots.
type ChannelSource interface {
	GetChannel(ctx context.Context, channelID string) (*ledger.Channel, error)
	ListChannels(ctx context.Context, filter core.ListFilter) []*ledger.Channel
}

// PoolStore receives pool snapshots. Implementations must ignore a snapshot
// older than the one they hold.
type PoolStore interface {
	PutPool(ctx context.Context, snap PoolSnapshot) error
}

// PoolProjectionWorker keeps a PoolStore in step with channel state.
// The projection queue is non-blocking with drop, so the worker does not
// fold outputs incrementally: it marks the channel dirty and re-reads the
// authoritative snapshot on the next flush. A dropped output is repaired
// by any later output of the same channel or by Rebuild.
type PoolProjectionWorker struct {
	source    ChannelSource
	store     PoolStore
	inputChan <-chan core.Output
	interval  time.Duration
	metrics   *observability.Metrics
	logger    zerolog.Logger

	dirty map[string]struct{}
}

func NewPoolProjectionWorker(
	source ChannelSource,
	store PoolStore,
	inputChan <-chan core.Output,
	interval time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PoolProjectionWorker {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &PoolProjectionWorker{
		source:    source,
		store:     store,
		inputChan: inputChan,
		interval:  interval,
		metrics:   metrics,
		logger:    logger,
		dirty:     make(map[string]struct{}),
	}
}

// Run starts the projection loop.
func (pw *PoolProjectionWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				pw.Flush(context.Background())
				return nil
			}
			pw.dirty[out.Envelope.ChannelID] = struct{}{}
			pw.metrics.SetQueueMetrics("projection", len(pw.inputChan), cap(pw.inputChan))

		case <-ticker.C:
			pw.Flush(ctx)
		}
	}
}

// Flush writes a fresh snapshot of every dirty channel. Channels that fail
// stay dirty for the next flush.
func (pw *PoolProjectionWorker) Flush(ctx context.Context) {
	for id := range pw.dirty {
		if err := pw.project(ctx, id); err != nil {
			// Continue: projections are eventually consistent
			pw.logger.Warn().Err(err).Str("channel_id", id).Msg("pool projection update failed")
			continue
		}
		delete(pw.dirty, id)
	}
}

func (pw *PoolProjectionWorker) project(ctx context.Context, channelID string) error {
	ch, err := pw.source.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	snap, err := SnapshotOf(ch)
	if err != nil {
		return err
	}
	return pw.store.PutPool(ctx, snap)
}

// Rebuild projects every known channel. Run at startup after recovery.
func (pw *PoolProjectionWorker) Rebuild(ctx context.Context) error {
	var failed int
	for _, ch := range pw.source.ListChannels(ctx, core.ListFilter{}) {
		snap, err := SnapshotOf(ch)
		if err == nil {
			err = pw.store.PutPool(ctx, snap)
		}
		if err != nil {
			failed++
			pw.logger.Warn().Err(err).Str("channel_id", ch.ID).Msg("pool rebuild failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("pool rebuild: %d channels failed", failed)
	}
	pw.logger.Info().Msg("pool projection rebuild complete")
	return nil
}
