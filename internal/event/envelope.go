package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for channel event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeChannelOpened
	EventTypeBetApplied
	EventTypeDeposited
	EventTypeFinalizeBegun
	EventTypeChannelSettled
	EventTypeChannelAborted
)

// EventEnvelope wraps every accepted channel transition. One envelope is
// emitted per version increment.
type EventEnvelope struct {
	// Unique per envelope, used as the NATS message id for dedup
	EventID uuid.UUID

	ChannelID string
	MarketID  string

	// Channel version AFTER applying this transition
	Version uint64

	EventType EventType

	// Time the transition was admitted (manager clock)
	Timestamp time.Time

	// Chained hash of channel state AFTER this transition
	StateHash [32]byte

	// Previous transition's state hash (chain integrity)
	PrevHash [32]byte

	Payload Event
}

// Event is the interface all event payloads must implement
type Event interface {
	EventType() EventType
}

// NewEnvelope stamps a payload with a fresh event id.
func NewEnvelope(channelID, marketID string, version uint64, ts time.Time, prev, hash [32]byte, payload Event) EventEnvelope {
	return EventEnvelope{
		EventID:   uuid.New(),
		ChannelID: channelID,
		MarketID:  marketID,
		Version:   version,
		EventType: payload.EventType(),
		Timestamp: ts,
		StateHash: hash,
		PrevHash:  prev,
		Payload:   payload,
	}
}

func (et EventType) String() string {
	switch et {
	case EventTypeChannelOpened:
		return "ChannelOpened"
	case EventTypeBetApplied:
		return "BetApplied"
	case EventTypeDeposited:
		return "Deposited"
	case EventTypeFinalizeBegun:
		return "FinalizeBegun"
	case EventTypeChannelSettled:
		return "ChannelSettled"
	case EventTypeChannelAborted:
		return "ChannelAborted"
	default:
		return "Unknown"
	}
}

// SubjectToken is the lower-case NATS subject segment for the type.
func (et EventType) SubjectToken() string {
	switch et {
	case EventTypeChannelOpened:
		return "opened"
	case EventTypeBetApplied:
		return "bet"
	case EventTypeDeposited:
		return "deposit"
	case EventTypeFinalizeBegun:
		return "finalizing"
	case EventTypeChannelSettled:
		return "settled"
	case EventTypeChannelAborted:
		return "aborted"
	default:
		return "unknown"
	}
}
