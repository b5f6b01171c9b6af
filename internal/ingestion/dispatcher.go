package ingestion

import (
	"context"
	"errors"
	"time"

	"BetChannel/internal/ledger"
	"BetChannel/internal/observability"

	"github.com/rs/zerolog"
)

// ChannelCommands is the subset of the channel manager the dispatcher drives.
type ChannelCommands interface {
	ApplyBet(ctx context.Context, channelID string, bet ledger.Bet) (uint64, error)
	Deposit(ctx context.Context, channelID, participant string, amount int64) (uint64, error)
	ActiveChannelID(ctx context.Context, marketID string) (string, error)
}

// Disposition is what happened to one inbound message.
type Disposition string

const (
	DispositionApplied   Disposition = "applied"
	DispositionRejected  Disposition = "rejected"
	DispositionMalformed Disposition = "malformed"
	DispositionRetry     Disposition = "retry"
)

// Dispatcher decodes raw NATS commands and applies them to channels.
// Messages that can never succeed are acked; only transient failures are
// nak'd for redelivery.
type Dispatcher struct {
	channels ChannelCommands
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewDispatcher(channels ChannelCommands, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{channels: channels, metrics: metrics, logger: logger}
}

// Run consumes rawChan until ctx is cancelled or the queue is closed.
func (d *Dispatcher) Run(ctx context.Context, rawChan <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and acks or naks it.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) Disposition {
	disp, err := d.process(ctx, raw)
	d.metrics.IngestMessages.WithLabelValues(string(disp)).Inc()

	switch disp {
	case DispositionApplied:
		d.metrics.IngestToApply.Observe(time.Since(raw.Timestamp).Seconds())
		ack(raw)
	case DispositionRetry:
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("command failed, requesting redelivery")
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
	default:
		d.logger.Info().Err(err).
			Str("subject", raw.Subject).
			Str("disposition", string(disp)).
			Msg("command dropped")
		ack(raw)
	}
	return disp
}

func (d *Dispatcher) process(ctx context.Context, raw RawEvent) (Disposition, error) {
	cmd, err := ParseRawEvent(raw)
	if err != nil {
		return DispositionMalformed, err
	}

	switch c := cmd.(type) {
	case *BetCommand:
		channelID, err := d.resolve(ctx, c.ChannelID, c.Bet.MarketID)
		if err == nil {
			_, err = d.channels.ApplyBet(ctx, channelID, c.Bet)
		}
		return classify(err), err

	case *DepositCommand:
		channelID, err := d.resolve(ctx, c.ChannelID, c.MarketID)
		if err == nil {
			_, err = d.channels.Deposit(ctx, channelID, c.Participant, c.Amount)
		}
		return classify(err), err
	}
	return DispositionMalformed, errors.New("unhandled command")
}

func (d *Dispatcher) resolve(ctx context.Context, channelID, marketID string) (string, error) {
	if channelID != "" {
		return channelID, nil
	}
	return d.channels.ActiveChannelID(ctx, marketID)
}

func classify(err error) Disposition {
	switch {
	case err == nil:
		return DispositionApplied
	case ledger.IsValidation(err), ledger.IsState(err):
		return DispositionRejected
	default:
		return DispositionRetry
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}
