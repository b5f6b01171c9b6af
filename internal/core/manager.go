package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"BetChannel/internal/event"
	"BetChannel/internal/ledger"
	"BetChannel/internal/observability"

	"github.com/rs/zerolog"
)

// MarketStatus is the read-only resolution state reported by the market
// collaborator. WinningOutcome is OutcomeNone for a void market.
type MarketStatus struct {
	MarketID       string         `json:"market_id"`
	Resolved       bool           `json:"resolved"`
	WinningOutcome ledger.Outcome `json:"winning_outcome"`
}

// MarketLookup reports whether a market has resolved.
type MarketLookup interface {
	GetMarketStatus(ctx context.Context, marketID string) (MarketStatus, error)
}

// Output is emitted once per accepted transition, after the channel lock is
// released. Consumers must tolerate reordering across versions of the same
// channel; Envelope.Version orders them. Terminal transitions reach the
// persist queue before the market is released to a successor channel.
type Output struct {
	Envelope event.EventEnvelope
	Channel  *ledger.Channel      // header snapshot after the transition, no history
	Entry    *ledger.HistoryEntry // set for BetApplied only
}

// Outputs are the downstream queues. Persist uses a blocking send
// (backpressure), Projection and Publish drop when full. Nil queues are skipped.
type Outputs struct {
	Persist    chan<- Output
	Projection chan<- Output
	Publish    chan<- Output
}

// ListFilter narrows ListChannels. Zero value lists everything.
type ListFilter struct {
	MarketID string
	Status   *ledger.Status
}

// ChannelManager owns every channel in its Store and serializes writes per
// channel. Different channels proceed in parallel.
type ChannelManager struct {
	store   *ledger.Store
	markets MarketLookup
	dedup   *BetDeduplicator
	outputs Outputs
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

type Option func(*ChannelManager)

// WithClock overrides the wall clock used for timestamps and channel ids.
func WithClock(now func() time.Time) Option {
	return func(m *ChannelManager) { m.now = now }
}

// WithOutputs wires the downstream queues.
func WithOutputs(out Outputs) Option {
	return func(m *ChannelManager) { m.outputs = out }
}

func NewChannelManager(
	store *ledger.Store,
	markets MarketLookup,
	dedup *BetDeduplicator,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	opts ...Option,
) *ChannelManager {
	m := &ChannelManager{
		store:   store,
		markets: markets,
		dedup:   dedup,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dedup == nil {
		m.dedup = NewBetDeduplicator(100_000, nil, metrics, logger)
	}
	return m
}

// OpenChannel creates a version-0 channel for a market. Participants start at
// their deposit, the pool participant is always present.
func (m *ChannelManager) OpenChannel(ctx context.Context, marketID string, participants []ledger.Participant) (*ledger.Channel, error) {
	now := m.now().UTC()

	ch, err := ledger.NewChannel(marketID, participants, now)
	if err != nil {
		return nil, err
	}
	ch.StateHash = NextStateHash(GenesisHash(ch.ID), ch.Version, SnapshotDigest(ch))

	// Copies are taken before Insert; afterwards ch belongs to the store.
	snap := ch.CloneHeader()
	result := ch.Clone()
	if err := m.store.Insert(ch); err != nil {
		return nil, err
	}

	m.metrics.ChannelsActive.Inc()
	m.metrics.ChannelTransitions.WithLabelValues(ledger.StatusOpen.String()).Inc()
	m.emit(Output{
		Envelope: event.NewEnvelope(snap.ID, marketID, 0, now, GenesisHash(snap.ID), snap.StateHash,
			&event.ChannelOpened{Allocations: snap.Allocations.Clone()}),
		Channel: snap,
	})

	m.logger.Info().
		Str("channel_id", snap.ID).
		Str("market_id", marketID).
		Int("participants", len(snap.Allocations)).
		Msg("channel opened")

	return result, nil
}

// ApplyBet escrows a wager into the channel pool and returns the new version.
// A repeated RequestID returns the version it was first applied at.
func (m *ChannelManager) ApplyBet(ctx context.Context, channelID string, bet ledger.Bet) (uint64, error) {
	if bet.RequestID != "" {
		if v, dup := m.dedup.Lookup(ctx, channelID, bet.RequestID); dup {
			return v, nil
		}
	}

	start := time.Now()
	var (
		version   uint64
		duplicate bool
		out       Output
	)

	err := m.store.WithChannel(channelID, func(ch *ledger.Channel) error {
		if bet.RequestID != "" {
			if v, dup := m.dedup.Recent(channelID, bet.RequestID); dup {
				version, duplicate = v, true
				return nil
			}
		}

		if ch.Status != ledger.StatusOpen {
			return fmt.Errorf("channel %s is %s: %w", ch.ID, ch.Status, ledger.ErrChannelNotOpen)
		}
		if bet.ExpectedVersion != nil && *bet.ExpectedVersion != ch.Version {
			return fmt.Errorf("expected version %d, channel at %d: %w",
				*bet.ExpectedVersion, ch.Version, ledger.ErrVersionConflict)
		}

		next, _, err := ledger.ApplyBet(ch, bet)
		if err != nil {
			return err
		}

		now := m.now().UTC()
		prev := ch.StateHash

		ch.Version++
		ch.Allocations = next
		entry := ledger.HistoryEntry{
			User:      bet.User,
			Outcome:   bet.Outcome,
			Amount:    bet.Amount,
			Version:   ch.Version,
			RequestID: bet.RequestID,
			AppliedAt: now,
		}
		ch.History = append(ch.History, entry)
		ch.StateHash = NextStateHash(prev, ch.Version, SnapshotDigest(ch))
		ch.UpdatedAt = now

		if bet.RequestID != "" {
			m.dedup.Record(channelID, bet.RequestID, ch.Version)
		}

		version = ch.Version
		out = Output{
			Envelope: event.NewEnvelope(ch.ID, ch.MarketID, ch.Version, now, prev, ch.StateHash,
				&event.BetApplied{
					User:        bet.User,
					Outcome:     int(bet.Outcome),
					Amount:      bet.Amount,
					RequestID:   bet.RequestID,
					UserBalance: next[bet.User],
					PoolBalance: next[ledger.PoolParticipant],
				}),
			Channel: ch.CloneHeader(),
			Entry:   &entry,
		}
		return nil
	})
	if err != nil {
		m.metrics.BetsRejected.WithLabelValues(rejectReason(err)).Inc()
		return 0, err
	}
	if duplicate {
		return version, nil
	}

	m.metrics.BetApplyDuration.Observe(time.Since(start).Seconds())
	m.metrics.BetsApplied.WithLabelValues(bet.Outcome.String()).Inc()
	m.emit(out)

	m.logger.Debug().
		Str("channel_id", channelID).
		Str("user", bet.User).
		Int("outcome", int(bet.Outcome)).
		Int64("amount", bet.Amount).
		Uint64("version", version).
		Msg("bet applied")

	return version, nil
}

// Deposit funds a participant of an Open channel. It bumps the version but
// does not touch bet history.
func (m *ChannelManager) Deposit(ctx context.Context, channelID, participant string, amount int64) (uint64, error) {
	var (
		version uint64
		out     Output
	)

	err := m.store.WithChannel(channelID, func(ch *ledger.Channel) error {
		if ch.Status != ledger.StatusOpen {
			return fmt.Errorf("channel %s is %s: %w", ch.ID, ch.Status, ledger.ErrChannelNotOpen)
		}
		next, err := ledger.ApplyDeposit(ch, participant, amount)
		if err != nil {
			return err
		}

		now := m.now().UTC()
		prev := ch.StateHash
		ch.Version++
		ch.Allocations = next
		ch.StateHash = NextStateHash(prev, ch.Version, SnapshotDigest(ch))
		ch.UpdatedAt = now

		version = ch.Version
		out = Output{
			Envelope: event.NewEnvelope(ch.ID, ch.MarketID, ch.Version, now, prev, ch.StateHash,
				&event.Deposited{Participant: participant, Amount: amount}),
			Channel: ch.CloneHeader(),
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	m.metrics.DepositsApplied.Inc()
	m.emit(out)
	return version, nil
}

// BeginFinalize moves an Open channel to Finalizing once its market has
// resolved. The market lookup runs outside the channel lock; the status is
// re-checked inside it.
func (m *ChannelManager) BeginFinalize(ctx context.Context, channelID string) (*ledger.Channel, error) {
	snap, err := m.store.Snapshot(channelID)
	if err != nil {
		return nil, err
	}
	if snap.Status != ledger.StatusOpen {
		return nil, fmt.Errorf("channel %s is %s: %w", channelID, snap.Status, ledger.ErrInvalidTransition)
	}

	status, err := m.markets.GetMarketStatus(ctx, snap.MarketID)
	if err != nil {
		if errors.Is(err, ledger.ErrMarketLookup) {
			return nil, err
		}
		return nil, fmt.Errorf("market %s: %w: %v", snap.MarketID, ledger.ErrMarketLookup, err)
	}
	if !status.Resolved {
		return nil, fmt.Errorf("market %s: %w", snap.MarketID, ledger.ErrMarketNotResolved)
	}
	if status.WinningOutcome != ledger.OutcomeNone && !status.WinningOutcome.Valid() {
		return nil, fmt.Errorf("market %s reported outcome %d: %w: %w",
			snap.MarketID, int(status.WinningOutcome), ledger.ErrMarketLookup, ledger.ErrInvalidOutcome)
	}

	var (
		result *ledger.Channel
		out    Output
	)
	err = m.store.WithChannel(channelID, func(ch *ledger.Channel) error {
		if !ch.Status.CanTransition(ledger.StatusFinalizing) {
			return fmt.Errorf("channel %s is %s: %w", ch.ID, ch.Status, ledger.ErrInvalidTransition)
		}

		now := m.now().UTC()
		prev := ch.StateHash
		ch.Status = ledger.StatusFinalizing
		ch.WinningOutcome = status.WinningOutcome
		ch.Version++
		ch.StateHash = NextStateHash(prev, ch.Version, SnapshotDigest(ch))
		ch.UpdatedAt = now

		result = ch.Clone()
		out = Output{
			Envelope: event.NewEnvelope(ch.ID, ch.MarketID, ch.Version, now, prev, ch.StateHash,
				&event.FinalizeBegun{WinningOutcome: int(status.WinningOutcome)}),
			Channel: ch.CloneHeader(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.metrics.ChannelTransitions.WithLabelValues(ledger.StatusFinalizing.String()).Inc()
	m.emit(out)

	m.logger.Info().
		Str("channel_id", channelID).
		Str("market_id", result.MarketID).
		Str("winning_outcome", result.WinningOutcome.String()).
		Uint64("version", result.Version).
		Int("bets", len(result.History)).
		Msg("channel finalizing")

	return result, nil
}

// MarkSettled records a successful (or already-settled) chain submission.
// Only valid from Finalizing.
func (m *ChannelManager) MarkSettled(ctx context.Context, channelID string, result ledger.SettlementResult) (*ledger.Channel, error) {
	return m.terminate(channelID, ledger.StatusSettled, func(ch *ledger.Channel) event.Event {
		r := result
		r.StateDigest = append([]byte(nil), result.StateDigest...)
		ch.Settlement = &r
		return &event.ChannelSettled{
			BatchID:        r.BatchID,
			StateDigest:    r.StateDigest,
			TxRef:          r.TxRef,
			AlreadySettled: r.AlreadySettled,
		}
	})
}

// MarkAborted records a deterministic chain rejection. Only valid from
// Finalizing; the channel never returns to Open.
func (m *ChannelManager) MarkAborted(ctx context.Context, channelID string, reason string) (*ledger.Channel, error) {
	return m.terminate(channelID, ledger.StatusAborted, func(ch *ledger.Channel) event.Event {
		ch.AbortReason = reason
		return &event.ChannelAborted{Reason: reason}
	})
}

func (m *ChannelManager) terminate(channelID string, to ledger.Status, apply func(ch *ledger.Channel) event.Event) (*ledger.Channel, error) {
	var (
		result *ledger.Channel
		out    Output
	)
	err := m.store.WithChannel(channelID, func(ch *ledger.Channel) error {
		if ch.Status == ledger.StatusSettled {
			return fmt.Errorf("channel %s: %w: %w", ch.ID, ledger.ErrInvalidTransition, ledger.ErrAlreadySettled)
		}
		if !ch.Status.CanTransition(to) {
			return fmt.Errorf("channel %s %s -> %s: %w", ch.ID, ch.Status, to, ledger.ErrInvalidTransition)
		}

		now := m.now().UTC()
		prev := ch.StateHash
		payload := apply(ch)
		ch.Status = to
		ch.Version++
		ch.StateHash = NextStateHash(prev, ch.Version, SnapshotDigest(ch))
		ch.UpdatedAt = now
		if ch.Settlement != nil && ch.Settlement.SettledAt.IsZero() {
			ch.Settlement.SettledAt = now
		}

		result = ch.Clone()
		out = Output{
			Envelope: event.NewEnvelope(ch.ID, ch.MarketID, ch.Version, now, prev, ch.StateHash, payload),
			Channel:  ch.CloneHeader(),
		}
		// The store frees the market when fn returns. Queueing the terminal
		// row first keeps it ahead of any successor channel's open row, so
		// the active-market index never sees two active rows.
		m.persist(out)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.metrics.ChannelsActive.Dec()
	m.metrics.ChannelTransitions.WithLabelValues(to.String()).Inc()
	m.fanout(out)

	ev := m.logger.Info()
	if to == ledger.StatusAborted {
		ev = m.logger.Warn().Str("reason", result.AbortReason)
	}
	ev.Str("channel_id", channelID).
		Str("status", to.String()).
		Uint64("version", result.Version).
		Msg("channel closed")

	return result, nil
}

// GetChannel returns a deep snapshot of a channel.
func (m *ChannelManager) GetChannel(ctx context.Context, channelID string) (*ledger.Channel, error) {
	return m.store.Snapshot(channelID)
}

// ActiveChannel returns the Open or Finalizing channel for a market.
func (m *ChannelManager) ActiveChannel(ctx context.Context, marketID string) (*ledger.Channel, error) {
	id, err := m.ActiveChannelID(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return m.store.Snapshot(id)
}

// ActiveChannelID resolves the open or finalizing channel of a market
// without copying its history.
func (m *ChannelManager) ActiveChannelID(ctx context.Context, marketID string) (string, error) {
	id, ok := m.store.ActiveChannel(marketID)
	if !ok {
		return "", fmt.Errorf("no active channel for market %s: %w", marketID, ledger.ErrChannelNotFound)
	}
	return id, nil
}

// ListChannels returns snapshots ordered by channel id.
func (m *ChannelManager) ListChannels(ctx context.Context, filter ListFilter) []*ledger.Channel {
	all := m.store.List()
	out := all[:0]
	for _, ch := range all {
		if filter.MarketID != "" && ch.MarketID != filter.MarketID {
			continue
		}
		if filter.Status != nil && ch.Status != *filter.Status {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// Restore installs channels recovered from durable storage. It must run
// before the manager serves traffic.
func (m *ChannelManager) Restore(channels []*ledger.Channel) error {
	for _, ch := range channels {
		if err := ledger.ValidateChannel(ch); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		if err := m.store.Insert(ch); err != nil {
			return fmt.Errorf("restore channel %s: %w", ch.ID, err)
		}
		m.dedup.Warm(ch.ID, ch.History)
		if ch.Status.Active() {
			m.metrics.ChannelsActive.Inc()
		}
	}

	m.logger.Info().Int("channels", len(channels)).Msg("channels restored")
	return nil
}

func (m *ChannelManager) emit(out Output) {
	m.persist(out)
	m.fanout(out)
}

// persist is a blocking send: it stalls the caller until the worker drains.
func (m *ChannelManager) persist(out Output) {
	if m.outputs.Persist != nil {
		m.outputs.Persist <- out
	}
}

// fanout feeds projections and publishing without blocking; full queues drop.
func (m *ChannelManager) fanout(out Output) {
	if m.outputs.Projection != nil {
		select {
		case m.outputs.Projection <- out:
		default:
			m.metrics.ProjectionDrops.WithLabelValues("pool").Inc()
		}
	}
	if m.outputs.Publish != nil {
		select {
		case m.outputs.Publish <- out:
		default:
			m.metrics.PublishDrops.Inc()
		}
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrChannelNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrChannelNotOpen):
		return "not_open"
	case errors.Is(err, ledger.ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case ledger.IsValidation(err):
		return "validation"
	default:
		return "other"
	}
}
