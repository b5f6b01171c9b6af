package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"BetChannel/internal/ledger"
	"BetChannel/internal/observability"

	"github.com/rs/zerolog"
)

// SubmitStatus is the chain's verdict on a settlement batch.
type SubmitStatus int32

const (
	SubmitSuccess SubmitStatus = iota
	SubmitAlreadySettled
	SubmitRejected
	SubmitTransientFailure
)

func (s SubmitStatus) String() string {
	switch s {
	case SubmitSuccess:
		return "success"
	case SubmitAlreadySettled:
		return "already_settled"
	case SubmitRejected:
		return "rejected"
	case SubmitTransientFailure:
		return "transient_failure"
	default:
		return "unknown"
	}
}

// ParseSubmitStatus is the inverse of SubmitStatus.String.
func ParseSubmitStatus(s string) (SubmitStatus, error) {
	for _, st := range []SubmitStatus{SubmitSuccess, SubmitAlreadySettled, SubmitRejected, SubmitTransientFailure} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown submit status %q", s)
}

// SubmitResult is the chain collaborator's response.
type SubmitResult struct {
	Status SubmitStatus `json:"status"`
	Reason string       `json:"reason,omitempty"`
	TxRef  string       `json:"tx_ref,omitempty"`
}

// ChainSubmitter realizes a batch on chain. It must be idempotent on
// Batch.ID: resubmitting a settled batch reports AlreadySettled.
type ChainSubmitter interface {
	SubmitSettlement(ctx context.Context, batch *Batch) (SubmitResult, error)
}

// SubmitterConfig bounds the retry loop.
type SubmitterConfig struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *SubmitterConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 15 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Submitter submits one immutable batch, retrying transient failures with
// exponential backoff.
type Submitter struct {
	chain   ChainSubmitter
	cfg     SubmitterConfig
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewSubmitter(chain ChainSubmitter, cfg SubmitterConfig, metrics *observability.Metrics, logger zerolog.Logger) *Submitter {
	cfg.applyDefaults()
	return &Submitter{
		chain:   chain,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Submit returns the final success result (Success or AlreadySettled), a
// *ledger.ChainRejectedError on a deterministic rejection, or an error
// wrapping ledger.ErrSubmissionTransient once attempts are exhausted or ctx
// ends.
func (s *Submitter) Submit(ctx context.Context, batch *Batch) (SubmitResult, error) {
	backoff := s.cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			s.logger.Warn().
				Err(lastErr).
				Str("batch_id", batch.ID).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("settlement submit retry")
			select {
			case <-ctx.Done():
				return SubmitResult{}, fmt.Errorf("batch %s: %w: %v", batch.ID, ledger.ErrSubmissionTransient, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.cfg.MaxBackoff {
				backoff = s.cfg.MaxBackoff
			}
		}

		res, err := s.attempt(ctx, batch)
		if err != nil {
			s.metrics.SubmitAttempts.WithLabelValues("error").Inc()
			lastErr = err
			continue
		}
		s.metrics.SubmitAttempts.WithLabelValues(res.Status.String()).Inc()

		switch res.Status {
		case SubmitSuccess, SubmitAlreadySettled:
			if attempt > 0 {
				s.logger.Info().Str("batch_id", batch.ID).Int("retries", attempt).Msg("settlement submit succeeded after retries")
			}
			return res, nil
		case SubmitRejected:
			return res, &ledger.ChainRejectedError{Reason: res.Reason}
		case SubmitTransientFailure:
			lastErr = fmt.Errorf("transient failure: %s", res.Reason)
		default:
			lastErr = fmt.Errorf("unknown submit status %d", res.Status)
		}
	}

	return SubmitResult{}, fmt.Errorf("batch %s after %d attempts: %w: %v",
		batch.ID, s.cfg.MaxAttempts, ledger.ErrSubmissionTransient, lastErr)
}

func (s *Submitter) attempt(ctx context.Context, batch *Batch) (SubmitResult, error) {
	actx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	res, err := s.chain.SubmitSettlement(actx, batch)
	if err != nil {
		// A rejection surfaced as an error is still deterministic.
		var rejected *ledger.ChainRejectedError
		if errors.As(err, &rejected) {
			return SubmitResult{Status: SubmitRejected, Reason: rejected.Reason}, nil
		}
		return SubmitResult{}, err
	}
	return res, nil
}
