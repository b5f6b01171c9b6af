package ledger

import (
	"fmt"
)

// ValidateConservation verifies a bet transition moved funds without
// creating or destroying any.
func ValidateConservation(before, after Allocations) error {
	if b, a := before.Total(), after.Total(); b != a {
		return fmt.Errorf("conservation violated: total before=%d, after=%d", b, a)
	}
	return nil
}

// ValidateNonNegative checks no participant balance is below zero.
func ValidateNonNegative(allocs Allocations) error {
	for _, p := range allocs.Participants() {
		if allocs[p] < 0 {
			return fmt.Errorf("participant %s has negative balance: %d", p, allocs[p])
		}
	}
	return nil
}

// ValidateHistory checks the history is ordered by strictly increasing
// version and every entry is a valid wager.
func ValidateHistory(history []HistoryEntry) error {
	var last uint64
	for i, h := range history {
		if i > 0 && h.Version <= last {
			return fmt.Errorf("history entry %d version %d not after %d", i, h.Version, last)
		}
		if h.Amount <= 0 {
			return fmt.Errorf("history entry %d: %w", i, ErrNonPositiveAmount)
		}
		if !h.Outcome.Valid() {
			return fmt.Errorf("history entry %d: %w", i, ErrInvalidOutcome)
		}
		last = h.Version
	}
	return nil
}

// ValidateChannel runs the structural invariants over a whole channel,
// used after recovery from storage.
func ValidateChannel(ch *Channel) error {
	if err := ValidateNonNegative(ch.Allocations); err != nil {
		return fmt.Errorf("channel %s: %w", ch.ID, err)
	}
	if _, err := ch.Allocations.CheckedTotal(); err != nil {
		return fmt.Errorf("channel %s: %w", ch.ID, err)
	}
	if err := ValidateHistory(ch.History); err != nil {
		return fmt.Errorf("channel %s: %w", ch.ID, err)
	}
	if n := len(ch.History); n > 0 && ch.History[n-1].Version > ch.Version {
		return fmt.Errorf("channel %s: history version %d ahead of channel version %d",
			ch.ID, ch.History[n-1].Version, ch.Version)
	}
	if _, ok := ch.Allocations[PoolParticipant]; !ok {
		return fmt.Errorf("channel %s: missing %s participant", ch.ID, PoolParticipant)
	}
	return nil
}
