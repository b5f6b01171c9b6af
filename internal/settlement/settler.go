package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"BetChannel/internal/core"
	"BetChannel/internal/ledger"
	"BetChannel/internal/observability"

	"github.com/rs/zerolog"
)

// Lifecycle is the subset of the channel manager the settler drives.
type Lifecycle interface {
	GetChannel(ctx context.Context, channelID string) (*ledger.Channel, error)
	ListChannels(ctx context.Context, filter core.ListFilter) []*ledger.Channel
	BeginFinalize(ctx context.Context, channelID string) (*ledger.Channel, error)
	MarkSettled(ctx context.Context, channelID string, result ledger.SettlementResult) (*ledger.Channel, error)
	MarkAborted(ctx context.Context, channelID string, reason string) (*ledger.Channel, error)
}

// Guard serializes settlement of one channel. Acquire fails with
// ledger.ErrSettlementInProgress when another holder is active.
type Guard interface {
	Acquire(ctx context.Context, channelID string) (release func(), err error)
}

// Archiver stores a copy of every batch before submission. Archive failures
// never block settlement.
type Archiver interface {
	ArchiveBatch(ctx context.Context, batch *Batch) (location string, err error)
}

// Receipt summarizes a completed settlement.
type Receipt struct {
	ChannelID string          `json:"channel_id"`
	BatchID   string          `json:"batch_id"`
	Status    SubmitStatus    `json:"status"`
	TxRef     string          `json:"tx_ref,omitempty"`
	ArchiveAt string          `json:"archive_at,omitempty"`
	Channel   *ledger.Channel `json:"-"`
	Batch     *Batch          `json:"batch"`
}

// Settler composes finalize, net positions, batch building and submission
// into one idempotent operation per channel.
type Settler struct {
	channels  Lifecycle
	builder   *BatchBuilder
	submitter *Submitter
	guard     Guard
	archiver  Archiver
	metrics   *observability.Metrics
	logger    zerolog.Logger

	mu      sync.Mutex
	batches map[string]*Batch // channel_id -> frozen batch, reused on retry
}

func NewSettler(
	channels Lifecycle,
	builder *BatchBuilder,
	submitter *Submitter,
	guard Guard,
	archiver Archiver,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Settler {
	if guard == nil {
		guard = NewLocalGuard()
	}
	return &Settler{
		channels:  channels,
		builder:   builder,
		submitter: submitter,
		guard:     guard,
		archiver:  archiver,
		metrics:   metrics,
		logger:    logger,
		batches:   make(map[string]*Batch),
	}
}

// FinalizeAndSettle drives a channel to Settled. Calling it again on a
// Settled channel returns ledger.ErrAlreadySettled without touching state.
// Transient failures leave the channel Finalizing with its batch cached.
func (s *Settler) FinalizeAndSettle(ctx context.Context, channelID string) (*Receipt, error) {
	start := time.Now()
	receipt, err := s.finalizeAndSettle(ctx, channelID)
	s.metrics.SettlementAttempts.WithLabelValues(settleResult(err)).Inc()
	if err == nil {
		s.metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	}
	return receipt, err
}

func (s *Settler) finalizeAndSettle(ctx context.Context, channelID string) (*Receipt, error) {
	release, err := s.guard.Acquire(ctx, channelID)
	if err != nil {
		return nil, err
	}
	defer release()

	ch, err := s.channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	switch ch.Status {
	case ledger.StatusSettled:
		return nil, fmt.Errorf("channel %s: %w", channelID, ledger.ErrAlreadySettled)
	case ledger.StatusAborted:
		return nil, fmt.Errorf("channel %s: %w", channelID, ledger.ErrChannelAborted)
	case ledger.StatusOpen:
		if ch, err = s.channels.BeginFinalize(ctx, channelID); err != nil {
			return nil, err
		}
	}

	batch, err := s.batchFor(ctx, ch)
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{ChannelID: channelID, BatchID: batch.ID, Batch: batch}

	if s.archiver != nil {
		// One attempt's worth of time, counted in the guard TTL budget.
		archiveCtx, cancel := context.WithTimeout(ctx, s.submitter.cfg.AttemptTimeout)
		loc, err := s.archiver.ArchiveBatch(archiveCtx, batch)
		cancel()
		if err != nil {
			s.metrics.BatchArchiveFailures.Inc()
			s.logger.Warn().Err(err).Str("batch_id", batch.ID).Msg("batch archive failed")
		} else {
			receipt.ArchiveAt = loc
		}
	}

	res, err := s.submitter.Submit(ctx, batch)
	if err != nil {
		var rejected *ledger.ChainRejectedError
		if !errors.As(err, &rejected) {
			return nil, err
		}

		aborted, abortErr := s.channels.MarkAborted(ctx, channelID, rejected.Reason)
		if abortErr != nil {
			return nil, fmt.Errorf("%w (mark aborted: %v)", err, abortErr)
		}
		s.forget(channelID)
		receipt.Status = SubmitRejected
		receipt.Channel = aborted
		return receipt, err
	}

	settled, err := s.channels.MarkSettled(ctx, channelID, ledger.SettlementResult{
		BatchID:        batch.ID,
		StateDigest:    batch.StateDigest[:],
		TxRef:          res.TxRef,
		AlreadySettled: res.Status == SubmitAlreadySettled,
	})
	if err != nil {
		return nil, err
	}
	s.forget(channelID)
	s.metrics.SettlementDustTotal.Add(float64(batch.Dust))

	receipt.Status = res.Status
	receipt.TxRef = res.TxRef
	receipt.Channel = settled

	s.logger.Info().
		Str("channel_id", channelID).
		Str("batch_id", batch.ID).
		Str("status", res.Status.String()).
		Str("tx_ref", res.TxRef).
		Msg("channel settled")

	return receipt, nil
}

// PendingBatch returns the cached batch of a Finalizing channel, if any.
func (s *Settler) PendingBatch(channelID string) (*Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[channelID]
	return b, ok
}

func (s *Settler) batchFor(ctx context.Context, ch *ledger.Channel) (*Batch, error) {
	if b, ok := s.PendingBatch(ch.ID); ok && b.ChannelVersion == ch.Version {
		return b, nil
	}

	b, err := s.builder.Build(ctx, ch)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.batches[ch.ID] = b
	s.mu.Unlock()
	return b, nil
}

func (s *Settler) forget(channelID string) {
	s.mu.Lock()
	delete(s.batches, channelID)
	s.mu.Unlock()
}

// Sweep settles every Open channel whose market has resolved and retries
// every Finalizing one. Unresolved markets are skipped silently.
func (s *Settler) Sweep(ctx context.Context) (settled int) {
	for _, ch := range s.channels.ListChannels(ctx, core.ListFilter{}) {
		if !ch.Status.Active() {
			continue
		}
		if ctx.Err() != nil {
			return settled
		}

		_, err := s.FinalizeAndSettle(ctx, ch.ID)
		switch {
		case err == nil:
			settled++
		case errors.Is(err, ledger.ErrMarketNotResolved),
			errors.Is(err, ledger.ErrSettlementInProgress):
		default:
			s.logger.Warn().Err(err).Str("channel_id", ch.ID).Msg("sweep settlement failed")
		}
	}
	return settled
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (s *Settler) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := s.Sweep(ctx); n > 0 {
				s.logger.Info().Int("settled", n).Msg("sweep complete")
			}
		}
	}
}

func settleResult(err error) string {
	switch {
	case err == nil:
		return "settled"
	case errors.Is(err, ledger.ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, ledger.ErrChainRejected):
		return "rejected"
	case errors.Is(err, ledger.ErrMarketNotResolved):
		return "not_resolved"
	case ledger.IsCoordination(err):
		return "coordination"
	case ledger.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}

// LocalGuard is an in-process Guard.
type LocalGuard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{inflight: make(map[string]struct{})}
}

func (g *LocalGuard) Acquire(ctx context.Context, channelID string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.inflight[channelID]; busy {
		return nil, fmt.Errorf("channel %s: %w", channelID, ledger.ErrSettlementInProgress)
	}
	g.inflight[channelID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inflight, channelID)
			g.mu.Unlock()
		})
	}, nil
}
