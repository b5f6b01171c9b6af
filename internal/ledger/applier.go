package ledger

import (
	"fmt"

	fpmath "BetChannel/internal/math"
)

// ValidateBet checks the input-only rules for a bet against its channel.
// Order matters: callers rely on outcome being checked before amount.
func ValidateBet(ch *Channel, bet Bet) error {
	if bet.MarketID != "" && bet.MarketID != ch.MarketID {
		return fmt.Errorf("bet market %s, channel market %s: %w", bet.MarketID, ch.MarketID, ErrMarketMismatch)
	}
	if bet.User == "" {
		return ErrEmptyParticipant
	}
	if bet.User == PoolParticipant {
		return fmt.Errorf("%s cannot bet: %w", PoolParticipant, ErrReservedParticipant)
	}
	if !bet.Outcome.Valid() {
		return fmt.Errorf("outcome %d: %w", int(bet.Outcome), ErrInvalidOutcome)
	}
	if bet.Amount <= 0 {
		return fmt.Errorf("amount %d: %w", bet.Amount, ErrNonPositiveAmount)
	}
	return nil
}

// ApplyBet is the pure bet state transition: it escrows the wager by moving
// amount from the bettor to the pool and returns the new allocation map.
// The channel passed in is not modified.
func ApplyBet(ch *Channel, bet Bet) (Allocations, Transfer, error) {
	if err := ValidateBet(ch, bet); err != nil {
		return nil, Transfer{}, err
	}

	transfer := Transfer{
		Debit:  PoolParticipant,
		Credit: bet.User,
		Amount: bet.Amount,
		Type:   TransferTypeWager,
	}

	next, err := transfer.Apply(ch.Allocations)
	if err != nil {
		return nil, Transfer{}, err
	}

	if err := ValidateConservation(ch.Allocations, next); err != nil {
		// Unreachable for a validated transfer; treat as a corrupted ledger.
		panic(fmt.Sprintf("FATAL: %v", err))
	}

	return next, transfer, nil
}

// ApplyDeposit funds a participant. Deposits are the only transition that
// increases the channel total, which must stay within int64.
func ApplyDeposit(ch *Channel, participant string, amount int64) (Allocations, error) {
	if participant == "" {
		return nil, ErrEmptyParticipant
	}
	if amount <= 0 {
		return nil, fmt.Errorf("deposit %d: %w", amount, ErrNonPositiveAmount)
	}
	total, err := ch.Allocations.CheckedTotal()
	if err != nil {
		return nil, err
	}
	if _, err := fpmath.CheckedAdd(total, amount); err != nil {
		return nil, fmt.Errorf("deposit %d: %w: %v", amount, ErrAmountOverflow, err)
	}
	next := ch.Allocations.Clone()
	next[participant] += amount
	return next, nil
}
