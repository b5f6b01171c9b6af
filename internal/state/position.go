package state

import (
	"fmt"
	"sort"

	"BetChannel/internal/ledger"
	fpmath "BetChannel/internal/math"
)

// NetPosition is one participant's aggregated result for a resolved market.
type NetPosition struct {
	User          string         `json:"user"`
	OutcomeBacked ledger.Outcome `json:"outcome_backed"` // larger stake, OutcomeNone on a tie
	NetAmount     int64          `json:"net_amount"`     // |stake_yes - stake_no|
	IsWinner      bool           `json:"is_winner"`
	Payout        int64          `json:"payout"`

	StakeNo      int64 `json:"stake_no"`
	StakeYes     int64 `json:"stake_yes"`
	TotalWagered int64 `json:"total_wagered"`
}

// Stake is a bettor's per-outcome wager totals.
type Stake struct {
	No  int64
	Yes int64
}

// On returns the stake on one outcome.
func (s Stake) On(o ledger.Outcome) int64 {
	switch o {
	case ledger.OutcomeNo:
		return s.No
	case ledger.OutcomeYes:
		return s.Yes
	}
	return 0
}

// Total returns the bettor's total wager.
func (s Stake) Total() int64 {
	return s.No + s.Yes
}

// Tally is the fold of a channel's bet history.
type Tally struct {
	Stakes   map[string]Stake
	PoolNo   int64
	PoolYes  int64
	BetCount int
}

// Pool returns the sum of all wagers.
func (t *Tally) Pool() int64 {
	return t.PoolNo + t.PoolYes
}

// PoolOn returns the sum of wagers on one outcome.
func (t *Tally) PoolOn(o ledger.Outcome) int64 {
	switch o {
	case ledger.OutcomeNo:
		return t.PoolNo
	case ledger.OutcomeYes:
		return t.PoolYes
	}
	return 0
}

// Users returns bettors in ascending order.
func (t *Tally) Users() []string {
	users := make([]string, 0, len(t.Stakes))
	for u := range t.Stakes {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// TallyHistory folds bet history into per-user and per-outcome stakes.
// Sums are overflow-checked.
func TallyHistory(history []ledger.HistoryEntry) (*Tally, error) {
	t := &Tally{Stakes: make(map[string]Stake)}

	for _, h := range history {
		if !h.Outcome.Valid() {
			return nil, fmt.Errorf("history version %d: %w", h.Version, ledger.ErrInvalidOutcome)
		}
		if h.Amount <= 0 {
			return nil, fmt.Errorf("history version %d: %w", h.Version, ledger.ErrNonPositiveAmount)
		}

		s := t.Stakes[h.User]
		var err error
		if h.Outcome == ledger.OutcomeYes {
			if s.Yes, err = fpmath.CheckedAdd(s.Yes, h.Amount); err != nil {
				return nil, err
			}
			if t.PoolYes, err = fpmath.CheckedAdd(t.PoolYes, h.Amount); err != nil {
				return nil, err
			}
		} else {
			if s.No, err = fpmath.CheckedAdd(s.No, h.Amount); err != nil {
				return nil, err
			}
			if t.PoolNo, err = fpmath.CheckedAdd(t.PoolNo, h.Amount); err != nil {
				return nil, err
			}
		}
		t.Stakes[h.User] = s
		t.BetCount++
	}

	if _, err := fpmath.CheckedAdd(t.PoolNo, t.PoolYes); err != nil {
		return nil, err
	}
	return t, nil
}
