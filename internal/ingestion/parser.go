package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"

	"BetChannel/internal/ledger"
)

// CommandKind discriminates inbound command payloads.
type CommandKind string

const (
	KindBet     CommandKind = "bet"
	KindDeposit CommandKind = "deposit"
)

// ErrMalformed marks a payload that can never be processed. Such messages
// are acked and dropped rather than redelivered.
var ErrMalformed = errors.New("malformed command")

// Command is a decoded inbound command.
type Command interface {
	Kind() CommandKind
}

// BetCommand targets ChannelID, or the market's active channel when empty.
type BetCommand struct {
	ChannelID string
	Bet       ledger.Bet
}

func (*BetCommand) Kind() CommandKind { return KindBet }

// DepositCommand funds a participant of ChannelID, or of the market's
// active channel when empty.
type DepositCommand struct {
	ChannelID   string
	MarketID    string
	Participant string
	Amount      int64
}

func (*DepositCommand) Kind() CommandKind { return KindDeposit }

// ParseRawEvent decodes a RawEvent according to its kind. Structural
// problems are reported as ErrMalformed; business rules (positive amounts,
// valid outcomes) are left to the channel manager.
func ParseRawEvent(raw RawEvent) (Command, error) {
	switch raw.Kind {
	case KindBet:
		return parseBet(raw.Data)
	case KindDeposit:
		return parseDeposit(raw.Data)
	default:
		return nil, fmt.Errorf("%w: unknown command kind %q", ErrMalformed, raw.Kind)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type betJSON struct {
	ChannelID       string  `json:"channel_id"`
	MarketID        string  `json:"market_id"`
	User            string  `json:"user"`
	Outcome         *int    `json:"outcome"`
	Amount          int64   `json:"amount"`
	RequestID       string  `json:"request_id"`
	ExpectedVersion *uint64 `json:"expected_version"`
}

func parseBet(data []byte) (*BetCommand, error) {
	var j betJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: parse bet: %v", ErrMalformed, err)
	}
	if j.ChannelID == "" && j.MarketID == "" {
		return nil, fmt.Errorf("%w: bet needs channel_id or market_id", ErrMalformed)
	}
	if j.User == "" {
		return nil, fmt.Errorf("%w: bet has no user", ErrMalformed)
	}
	if j.Outcome == nil {
		return nil, fmt.Errorf("%w: bet has no outcome", ErrMalformed)
	}

	return &BetCommand{
		ChannelID: j.ChannelID,
		Bet: ledger.Bet{
			MarketID:        j.MarketID,
			User:            j.User,
			Outcome:         ledger.Outcome(*j.Outcome),
			Amount:          j.Amount,
			RequestID:       j.RequestID,
			ExpectedVersion: j.ExpectedVersion,
		},
	}, nil
}

type depositJSON struct {
	ChannelID   string `json:"channel_id"`
	MarketID    string `json:"market_id"`
	Participant string `json:"participant"`
	Amount      int64  `json:"amount"`
}

func parseDeposit(data []byte) (*DepositCommand, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: parse deposit: %v", ErrMalformed, err)
	}
	if j.ChannelID == "" && j.MarketID == "" {
		return nil, fmt.Errorf("%w: deposit needs channel_id or market_id", ErrMalformed)
	}
	if j.Participant == "" {
		return nil, fmt.Errorf("%w: deposit has no participant", ErrMalformed)
	}
	return &DepositCommand{
		ChannelID:   j.ChannelID,
		MarketID:    j.MarketID,
		Participant: j.Participant,
		Amount:      j.Amount,
	}, nil
}
