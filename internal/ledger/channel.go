package ledger

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	fpmath "BetChannel/internal/math"

	"github.com/google/uuid"
)

// PoolParticipant is the synthetic participant that escrows every wager.
const PoolParticipant = "pool"

// channelNamespace scopes UUIDv5 channel ids.
var channelNamespace = uuid.MustParse("6f1c7a52-3d0e-5b8e-9c44-2a7d4e1f0b93")

// Outcome is a binary market outcome index.
type Outcome int

const (
	OutcomeNone Outcome = -1
	OutcomeNo   Outcome = 0
	OutcomeYes  Outcome = 1
)

// Valid reports whether o is a bettable outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeNo || o == OutcomeYes
}

func (o Outcome) String() string {
	switch o {
	case OutcomeNo:
		return "0"
	case OutcomeYes:
		return "1"
	default:
		return "none"
	}
}

// Status is the channel lifecycle state.
// Open -> Finalizing -> {Settled | Aborted}
type Status int32

const (
	StatusOpen Status = iota
	StatusFinalizing
	StatusSettled
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusFinalizing:
		return "finalizing"
	case StatusSettled:
		return "settled"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "open":
		return StatusOpen, nil
	case "finalizing":
		return StatusFinalizing, nil
	case "settled":
		return StatusSettled, nil
	case "aborted":
		return StatusAborted, nil
	}
	return 0, fmt.Errorf("unknown channel status %q", s)
}

// Active reports whether the channel still blocks a new channel for its market.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusFinalizing
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusAborted
}

// CanTransition encodes the channel state machine.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusOpen:
		return to == StatusFinalizing
	case StatusFinalizing:
		return to == StatusSettled || to == StatusAborted
	}
	return false
}

// Participant is an initial channel member with an optional funding deposit.
type Participant struct {
	Address string `json:"address"`
	Deposit int64  `json:"deposit"`
}

// Bet is an ephemeral wager request. Amount is signed so that malformed
// input can be rejected with a precise error instead of wrapping.
type Bet struct {
	MarketID        string
	User            string
	Outcome         Outcome
	Amount          int64
	RequestID       string  // optional dedup key from upstream
	ExpectedVersion *uint64 // optional optimistic-concurrency token
}

// HistoryEntry is an accepted bet, immutable once appended.
type HistoryEntry struct {
	User      string    `json:"user"`
	Outcome   Outcome   `json:"outcome"`
	Amount    int64     `json:"amount"`
	Version   uint64    `json:"version"`
	RequestID string    `json:"request_id,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}

// SettlementResult records how the chain acknowledged the batch.
type SettlementResult struct {
	BatchID        string    `json:"batch_id"`
	StateDigest    []byte    `json:"state_digest"`
	TxRef          string    `json:"tx_ref,omitempty"`
	AlreadySettled bool      `json:"already_settled"`
	SettledAt      time.Time `json:"settled_at"`
}

// Channel is the off-chain ledger for one market.
type Channel struct {
	ID             string
	MarketID       string
	Version        uint64
	Allocations    Allocations
	Status         Status
	History        []HistoryEntry
	WinningOutcome Outcome
	StateHash      [32]byte
	Settlement     *SettlementResult
	AbortReason    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewChannelID derives a stable channel id from the market and creation time.
func NewChannelID(marketID string, createdAt time.Time) string {
	name := marketID + "|" + strconv.FormatInt(createdAt.UnixNano(), 10)
	return uuid.NewSHA1(channelNamespace, []byte(name)).String()
}

// NewChannel builds a version-0 channel. Every participant starts at its
// deposit (zero by default) and the pool participant is always present.
func NewChannel(marketID string, participants []Participant, createdAt time.Time) (*Channel, error) {
	if marketID == "" {
		return nil, ErrEmptyMarket
	}
	allocs := make(Allocations, len(participants)+1)
	allocs[PoolParticipant] = 0

	var total int64
	for _, p := range participants {
		if p.Address == "" {
			return nil, ErrEmptyParticipant
		}
		if p.Deposit < 0 {
			return nil, fmt.Errorf("deposit for %s: %w", p.Address, ErrNonPositiveAmount)
		}
		next, err := fpmath.CheckedAdd(total, p.Deposit)
		if err != nil {
			return nil, fmt.Errorf("deposit for %s: %w: %v", p.Address, ErrAmountOverflow, err)
		}
		total = next
		allocs[p.Address] += p.Deposit
	}

	return &Channel{
		ID:             NewChannelID(marketID, createdAt),
		MarketID:       marketID,
		Allocations:    allocs,
		Status:         StatusOpen,
		WinningOutcome: OutcomeNone,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}, nil
}

// Clone returns a deep copy safe to hand outside the critical section.
func (c *Channel) Clone() *Channel {
	cp := *c
	cp.Allocations = c.Allocations.Clone()
	cp.History = make([]HistoryEntry, len(c.History))
	copy(cp.History, c.History)
	if c.Settlement != nil {
		s := *c.Settlement
		s.StateDigest = append([]byte(nil), c.Settlement.StateDigest...)
		cp.Settlement = &s
	}
	return &cp
}

// CloneHeader is Clone without the bet history. Outputs carry headers so
// per-bet emission stays independent of history length.
func (c *Channel) CloneHeader() *Channel {
	cp := *c
	cp.Allocations = c.Allocations.Clone()
	cp.History = nil
	if c.Settlement != nil {
		s := *c.Settlement
		s.StateDigest = append([]byte(nil), c.Settlement.StateDigest...)
		cp.Settlement = &s
	}
	return &cp
}

// Allocations maps participant address to balance in the smallest unit.
type Allocations map[string]int64

// Clone copies the map.
func (a Allocations) Clone() Allocations {
	out := make(Allocations, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Total sums all balances.
func (a Allocations) Total() int64 {
	var total int64
	for _, v := range a {
		total += v
	}
	return total
}

// CheckedTotal is Total with overflow detection. A channel whose total does
// not fit in int64 cannot be settled.
func (a Allocations) CheckedTotal() (int64, error) {
	var (
		total int64
		err   error
	)
	for _, v := range a {
		if total, err = fpmath.CheckedAdd(total, v); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrAmountOverflow, err)
		}
	}
	return total, nil
}

// Participants returns addresses in ascending order.
func (a Allocations) Participants() []string {
	out := make([]string, 0, len(a))
	for k := range a {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
