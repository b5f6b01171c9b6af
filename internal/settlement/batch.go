package settlement

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"BetChannel/internal/core"
	"BetChannel/internal/ledger"
	"BetChannel/internal/observability"
	"BetChannel/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// batchNamespace scopes deterministic batch ids.
var batchNamespace = uuid.MustParse("b1d7e0c4-58a2-5f39-8e61-0c9a3f2d7b15")

// Signature attests to a state digest.
type Signature struct {
	Signer string `json:"signer"`
	Sig    []byte `json:"sig"`
}

// Signer produces a signature over a state digest. ID identifies the party
// and, for address-based schemes, is the address a Verifier recovers.
type Signer interface {
	ID() string
	Sign(ctx context.Context, digest [32]byte) (Signature, error)
}

// Verifier checks that a signature attests to digest and was produced by
// sig.Signer.
type Verifier interface {
	Verify(digest [32]byte, sig Signature) error
}

// Batch is the frozen settlement package for one channel. It is immutable
// once built and reused verbatim on every submission retry.
type Batch struct {
	ID             string              `json:"id"`
	MarketID       string              `json:"market_id"`
	ChannelID      string              `json:"channel_id"`
	ChannelVersion uint64              `json:"channel_version"`
	StateDigest    [32]byte            `json:"state_digest"`
	Signatures     []Signature         `json:"signatures"`
	Positions      []state.NetPosition `json:"positions"`
	WinningOutcome ledger.Outcome      `json:"winning_outcome"`
	TotalPool      int64               `json:"total_pool"`
	WinningPool    int64               `json:"winning_pool"`
	Void           bool                `json:"void"`
	Dust           int64               `json:"dust"`
	CreatedAt      time.Time           `json:"created_at"`
}

// BatchID derives the batch id from what the batch attests to, so a rebuilt
// batch for the same frozen state keeps its id.
func BatchID(channelID string, version uint64, digest [32]byte) string {
	name := make([]byte, 0, len(channelID)+8+32)
	name = append(name, channelID...)
	name = binary.LittleEndian.AppendUint64(name, version)
	name = append(name, digest[:]...)
	return uuid.NewSHA1(batchNamespace, name).String()
}

// BuilderConfig controls signature collection.
type BuilderConfig struct {
	Quorum         int
	SigningTimeout time.Duration
}

// BatchBuilder freezes a Finalizing channel into a signed Batch.
type BatchBuilder struct {
	signers  []Signer
	verifier Verifier
	calc     *state.NetPositionCalculator
	cfg      BuilderConfig
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// NewBatchBuilder wires the signer set. A nil verifier skips signature
// verification; quorum defaults to every signer.
func NewBatchBuilder(
	signers []Signer,
	verifier Verifier,
	cfg BuilderConfig,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *BatchBuilder {
	if cfg.Quorum <= 0 {
		cfg.Quorum = len(signers)
	}
	if cfg.SigningTimeout <= 0 {
		cfg.SigningTimeout = 10 * time.Second
	}
	return &BatchBuilder{
		signers:  signers,
		verifier: verifier,
		calc:     state.NewNetPositionCalculator(),
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Build computes net positions and the state digest for a Finalizing
// snapshot and collects a quorum of signatures over the digest.
func (b *BatchBuilder) Build(ctx context.Context, ch *ledger.Channel) (*Batch, error) {
	switch ch.Status {
	case ledger.StatusFinalizing:
	case ledger.StatusSettled:
		return nil, fmt.Errorf("channel %s: %w", ch.ID, ledger.ErrAlreadySettled)
	case ledger.StatusAborted:
		return nil, fmt.Errorf("channel %s: %w", ch.ID, ledger.ErrChannelAborted)
	default:
		return nil, fmt.Errorf("channel %s is %s, batch needs finalizing: %w",
			ch.ID, ch.Status, ledger.ErrInvalidTransition)
	}

	result, err := b.calc.Compute(ch, ch.WinningOutcome)
	if err != nil {
		return nil, fmt.Errorf("net positions: %w", err)
	}

	digest := core.SnapshotDigest(ch)

	sigs, err := b.collectSignatures(ctx, ch.ID, digest)
	if err != nil {
		return nil, err
	}

	batch := &Batch{
		ID:             BatchID(ch.ID, ch.Version, digest),
		MarketID:       ch.MarketID,
		ChannelID:      ch.ID,
		ChannelVersion: ch.Version,
		StateDigest:    digest,
		Signatures:     sigs,
		Positions:      result.Positions,
		WinningOutcome: result.WinningOutcome,
		TotalPool:      result.TotalPool,
		WinningPool:    result.WinningPool,
		Void:           result.Void,
		Dust:           result.Dust,
		CreatedAt:      b.now().UTC(),
	}

	b.logger.Info().
		Str("batch_id", batch.ID).
		Str("channel_id", ch.ID).
		Uint64("version", ch.Version).
		Int("positions", len(batch.Positions)).
		Int("signatures", len(sigs)).
		Int64("total_pool", batch.TotalPool).
		Int64("dust", batch.Dust).
		Bool("void", batch.Void).
		Msg("settlement batch built")

	return batch, nil
}

// collectSignatures asks every signer in parallel under one deadline.
// Individual failures are tolerated; only falling below quorum is an error.
func (b *BatchBuilder) collectSignatures(ctx context.Context, channelID string, digest [32]byte) ([]Signature, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, b.cfg.SigningTimeout)
	defer cancel()

	var (
		mu   sync.Mutex
		sigs = make([]Signature, 0, len(b.signers))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, signer := range b.signers {
		signer := signer
		g.Go(func() error {
			sig, err := signer.Sign(gctx, digest)
			if err != nil {
				b.logger.Warn().Err(err).
					Str("channel_id", channelID).
					Str("signer", signer.ID()).
					Msg("signer failed")
				return nil
			}
			if sig.Signer == "" {
				sig.Signer = signer.ID()
			}
			if b.verifier != nil {
				if err := b.verifier.Verify(digest, sig); err != nil {
					b.logger.Warn().Err(err).
						Str("channel_id", channelID).
						Str("signer", signer.ID()).
						Msg("discarding invalid signature")
					return nil
				}
			}
			mu.Lock()
			sigs = append(sigs, sig)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	b.metrics.SignatureCollectDur.Observe(time.Since(start).Seconds())
	b.metrics.SignaturesCollected.Observe(float64(len(sigs)))

	sigs = dedupeSigners(sigs)
	if len(sigs) < b.cfg.Quorum {
		return nil, &ledger.InsufficientSignaturesError{Got: len(sigs), Required: b.cfg.Quorum}
	}
	return sigs, nil
}

// dedupeSigners keeps one signature per signer, ordered by signer id.
func dedupeSigners(sigs []Signature) []Signature {
	sort.SliceStable(sigs, func(i, j int) bool { return sigs[i].Signer < sigs[j].Signer })
	out := make([]Signature, 0, len(sigs))
	for _, s := range sigs {
		if n := len(out); n > 0 && out[n-1].Signer == s.Signer {
			continue
		}
		out = append(out, s)
	}
	return out
}
