package query

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"BetChannel/internal/core"
	"BetChannel/internal/ledger"
	"BetChannel/internal/projection"
	"BetChannel/internal/state"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// oddsPlaces is the precision of implied odds in pool summaries.
const oddsPlaces = 4

// ChannelReader reads authoritative channel snapshots.
type ChannelReader interface {
	GetChannel(ctx context.Context, channelID string) (*ledger.Channel, error)
	ActiveChannel(ctx context.Context, marketID string) (*ledger.Channel, error)
	ListChannels(ctx context.Context, filter core.ListFilter) []*ledger.Channel
}

// PoolReader reads projected pool snapshots, typically from Redis.
type PoolReader interface {
	GetPool(ctx context.Context, channelID string) (projection.PoolSnapshot, error)
}

// QueryService provides read-only views over channel state. Channel and
// position queries read the in-memory store; pool summaries prefer the
// projection cache and fall back to a live fold of history.
type QueryService struct {
	channels ChannelReader
	pools    PoolReader
	calc     *state.NetPositionCalculator
	logger   zerolog.Logger
}

// NewQueryService creates a QueryService. pools may be nil.
func NewQueryService(channels ChannelReader, pools PoolReader, logger zerolog.Logger) *QueryService {
	return &QueryService{
		channels: channels,
		pools:    pools,
		calc:     state.NewNetPositionCalculator(),
		logger:   logger,
	}
}

// GetChannel returns the header view of a channel.
func (qs *QueryService) GetChannel(ctx context.Context, channelID string) (*ChannelView, error) {
	ch, err := qs.channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	v := viewOf(ch)
	return &v, nil
}

// GetActiveChannel returns the open or finalizing channel of a market.
func (qs *QueryService) GetActiveChannel(ctx context.Context, marketID string) (*ChannelView, error) {
	ch, err := qs.channels.ActiveChannel(ctx, marketID)
	if err != nil {
		return nil, err
	}
	v := viewOf(ch)
	return &v, nil
}

// ListChannels returns channel views matching filter.
func (qs *QueryService) ListChannels(ctx context.Context, filter core.ListFilter) []ChannelView {
	chs := qs.channels.ListChannels(ctx, filter)
	views := make([]ChannelView, 0, len(chs))
	for _, ch := range chs {
		views = append(views, viewOf(ch))
	}
	return views
}

// GetPool returns the pool summary of a channel. A cache entry is used
// only when it is not older than minVersion; pass 0 to accept any entry.
func (qs *QueryService) GetPool(ctx context.Context, channelID string, minVersion uint64) (*PoolSummary, error) {
	if qs.pools != nil {
		snap, err := qs.pools.GetPool(ctx, channelID)
		switch {
		case err == nil && snap.Version >= minVersion:
			return summarize(snap, "cache"), nil
		case err != nil:
			qs.logger.Debug().Err(err).Str("channel_id", channelID).Msg("pool cache miss, reading live")
		}
	}

	ch, err := qs.channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	snap, err := projection.SnapshotOf(ch)
	if err != nil {
		return nil, err
	}
	return summarize(snap, "live"), nil
}

// PreviewPositions computes the payouts a channel would settle with if
// winning were the resolved outcome. OutcomeNone previews a void market.
func (qs *QueryService) PreviewPositions(ctx context.Context, channelID string, winning ledger.Outcome) (*PositionsPreview, error) {
	ch, err := qs.channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	res, err := qs.calc.Compute(ch, winning)
	if err != nil {
		return nil, err
	}
	return &PositionsPreview{
		ChannelID:      ch.ID,
		Version:        ch.Version,
		WinningOutcome: int(res.WinningOutcome),
		Void:           res.Void,
		TotalPool:      res.TotalPool,
		WinningPool:    res.WinningPool,
		TotalPaid:      res.TotalPaid,
		Dust:           res.Dust,
		Positions:      res.Positions,
	}, nil
}

// GetHistory returns up to limit bets with version greater than after.
func (qs *QueryService) GetHistory(ctx context.Context, channelID string, after uint64, limit int) (*HistoryPage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	ch, err := qs.channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	page := &HistoryPage{ChannelID: ch.ID, Entries: []ledger.HistoryEntry{}}
	for _, h := range ch.History {
		if h.Version <= after {
			continue
		}
		if len(page.Entries) == limit {
			page.NextAfter = page.Entries[len(page.Entries)-1].Version
			break
		}
		page.Entries = append(page.Entries, h)
	}
	return page, nil
}

// --- Admin APIs ---

// VerifyIntegrity re-checks a channel's conservation and history invariants
// against its current snapshot.
func (qs *QueryService) VerifyIntegrity(ctx context.Context, channelID string) (*IntegrityReport, error) {
	ch, err := qs.channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	report := &IntegrityReport{ChannelID: ch.ID, Version: ch.Version}

	if err := ledger.ValidateChannel(ch); err != nil {
		report.Issues = append(report.Issues, err.Error())
	}
	if _, err := state.TallyHistory(ch.History); err != nil {
		report.Issues = append(report.Issues, fmt.Sprintf("tally: %v", err))
	}
	if ch.Status == ledger.StatusSettled && ch.Settlement == nil {
		report.Issues = append(report.Issues, "settled channel has no settlement record")
	}

	report.IsHealthy = len(report.Issues) == 0
	return report, nil
}

// IsNotFound reports whether err means the channel does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ledger.ErrChannelNotFound)
}

// --- helpers ---

func viewOf(ch *ledger.Channel) ChannelView {
	v := ChannelView{
		ChannelID:   ch.ID,
		MarketID:    ch.MarketID,
		Version:     ch.Version,
		Status:      ch.Status.String(),
		Allocations: map[string]int64(ch.Allocations.Clone()),
		Total:       ch.Allocations.Total(),
		BetCount:    len(ch.History),
		StateHash:   hex.EncodeToString(ch.StateHash[:]),
		Settlement:  ch.Settlement,
		AbortReason: ch.AbortReason,
		CreatedAt:   ch.CreatedAt,
		UpdatedAt:   ch.UpdatedAt,
	}
	if ch.WinningOutcome != ledger.OutcomeNone {
		w := int(ch.WinningOutcome)
		v.WinningOutcome = &w
	}
	return v
}

func summarize(snap projection.PoolSnapshot, source string) *PoolSummary {
	total := snap.Total()
	s := &PoolSummary{
		ChannelID: snap.ChannelID,
		MarketID:  snap.MarketID,
		Version:   snap.Version,
		Status:    snap.Status,
		PoolNo:    snap.PoolNo,
		PoolYes:   snap.PoolYes,
		Total:     total,
		BetCount:  snap.BetCount,
		Bettors:   snap.Bettors,
		Source:    source,
	}
	s.ImpliedNo, s.MultiplierNo = odds(snap.PoolNo, total)
	s.ImpliedYes, s.MultiplierYes = odds(snap.PoolYes, total)
	return s
}

// odds returns the implied probability and payout multiplier of one side.
func odds(side, total int64) (implied, multiplier decimal.Decimal) {
	if total == 0 {
		return decimal.Zero, decimal.Zero
	}
	t := decimal.NewFromInt(total)
	s := decimal.NewFromInt(side)
	implied = s.DivRound(t, oddsPlaces)
	if side == 0 {
		return implied, decimal.Zero
	}
	return implied, t.DivRound(s, oddsPlaces)
}
