package ledger

import (
	"fmt"

	fpmath "BetChannel/internal/math"
)

// TransferType represents the purpose of an allocation transfer
type TransferType int32

const (
	TransferTypeWager TransferType = iota
	TransferTypeDeposit
)

func (t TransferType) String() string {
	switch t {
	case TransferTypeWager:
		return "wager"
	case TransferTypeDeposit:
		return "deposit"
	default:
		return "unknown"
	}
}

// Transfer is a single balanced movement between two channel participants.
// Debit receives the amount, Credit gives it up.
type Transfer struct {
	Debit  string
	Credit string
	Amount int64 // ALWAYS positive
	Type   TransferType
}

// Validate ensures the transfer is well-formed. A transfer moves one positive
// amount between two distinct participants, so it is balanced by construction.
func (t Transfer) Validate() error {
	if t.Amount <= 0 {
		return fmt.Errorf("transfer %s->%s: %w", t.Credit, t.Debit, ErrNonPositiveAmount)
	}
	if t.Debit == t.Credit {
		return fmt.Errorf("transfer has same debit and credit participant %q", t.Debit)
	}
	if t.Debit == "" || t.Credit == "" {
		return ErrEmptyParticipant
	}
	return nil
}

// Apply returns a new allocation map with the transfer applied. The input is
// never mutated. A credit that would drive a balance negative is rejected,
// as is a debit that would overflow.
func (t Transfer) Apply(allocs Allocations) (Allocations, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	available := allocs[t.Credit]
	if available < t.Amount {
		return nil, &InsufficientBalanceError{
			User:      t.Credit,
			Needed:    t.Amount,
			Available: available,
		}
	}
	debited, err := fpmath.CheckedAdd(allocs[t.Debit], t.Amount)
	if err != nil {
		return nil, fmt.Errorf("debit %s: %w: %v", t.Debit, ErrAmountOverflow, err)
	}

	next := allocs.Clone()
	next[t.Credit] = available - t.Amount
	next[t.Debit] = debited
	return next, nil
}
