package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"BetChannel/internal/core"
	"BetChannel/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist queue and batch-writes to Postgres.
// The manager sends on the persist queue with a blocking send, so if this
// worker falls behind, channel writers stall and nothing is lost.
type PersistenceWorker struct {
	writer       *ChannelWriter
	inputChan    <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       NewChannelWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// queue is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]Transition, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("transitions", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("transitions", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			t, err := TransitionFromOutput(out)
			if err != nil {
				pw.metrics.PersistErrors.WithLabelValues("encode").Inc()
				pw.logger.Error().Err(err).
					Str("channel_id", out.Envelope.ChannelID).
					Uint64("version", out.Envelope.Version).
					Msg("cannot encode transition")
				continue
			}
			batch = append(batch, t)
			pw.metrics.SetQueueMetrics("persist", len(pw.inputChan), cap(pw.inputChan))

			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []Transition) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.metrics.PersistRetry.Inc()
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("transitions", len(batch)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []Transition) error {
	start := time.Now()

	if err := pw.writer.WriteBatch(ctx, batch); err != nil {
		pw.metrics.PersistErrors.WithLabelValues("write").Inc()
		return err
	}

	pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
	pw.metrics.PersistBatchSize.Observe(float64(len(batch)))
	pw.metrics.PersistTransitionsWritten.Add(float64(len(batch)))
	return nil
}
