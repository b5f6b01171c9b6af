package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"BetChannel/internal/core"
	"BetChannel/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundStream holds every channel transition for downstream consumers.
const OutboundStream = "BETCH_CHANNEL_EVENTS"

// JetStreamPublisher is the subset of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes channel transitions to NATS.
// Subjects follow the pattern: betch.channels.events.{type}.{market_id}
type OutboundPublisher struct {
	js        JetStreamPublisher
	inputChan <-chan core.Output
	logger    zerolog.Logger
}

// OutboundEvent is the JSON wire format of a published transition.
type OutboundEvent struct {
	EventID   string          `json:"event_id"`
	ChannelID string          `json:"channel_id"`
	MarketID  string          `json:"market_id"`
	Version   uint64          `json:"version"`
	EventType string          `json:"event_type"`
	Status    string          `json:"status"`
	StateHash string          `json:"state_hash"`
	PrevHash  string          `json:"prev_hash"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func NewOutboundPublisher(js JetStreamPublisher, inputChan <-chan core.Output, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run publishes until ctx is cancelled or the queue is closed.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out); err != nil {
				// Non-fatal: consumers can read channel_events from Postgres
				op.logger.Warn().Err(err).
					Str("channel_id", out.Envelope.ChannelID).
					Uint64("version", out.Envelope.Version).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.Output) error {
	data, err := EncodeOutbound(out)
	if err != nil {
		return err
	}

	env := out.Envelope
	_, err = op.js.Publish(ctx, OutboundSubject(env.EventType, env.MarketID), data,
		jetstream.WithMsgID(env.EventID.String()))
	return err
}

// EncodeOutbound renders an output in the outbound wire format.
func EncodeOutbound(out core.Output) ([]byte, error) {
	env := out.Envelope
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", env.EventType, err)
	}

	evt := OutboundEvent{
		EventID:   env.EventID.String(),
		ChannelID: env.ChannelID,
		MarketID:  env.MarketID,
		Version:   env.Version,
		EventType: env.EventType.String(),
		StateHash: hex.EncodeToString(env.StateHash[:]),
		PrevHash:  hex.EncodeToString(env.PrevHash[:]),
		Timestamp: env.Timestamp,
		Payload:   payload,
	}
	if out.Channel != nil {
		evt.Status = out.Channel.Status.String()
	}
	return json.Marshal(evt)
}

// OutboundSubject builds betch.channels.events.{type}.{market}. Characters
// that are not legal inside a subject token are replaced with '_'.
func OutboundSubject(et event.EventType, marketID string) string {
	return "betch.channels.events." + et.SubjectToken() + "." + subjectToken(marketID)
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{"betch.channels.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
