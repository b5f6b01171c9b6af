package state

import (
	"fmt"

	"BetChannel/internal/ledger"
	fpmath "BetChannel/internal/math"
)

// Result is the settlement-ready view of a resolved channel.
type Result struct {
	Positions      []NetPosition
	WinningOutcome ledger.Outcome
	TotalPool      int64
	WinningPool    int64
	TotalPaid      int64
	Dust           int64 // TotalPool - TotalPaid, left by floor rounding
	Void           bool
}

// NetPositionCalculator turns bet history into per-user payouts using the
// pool-proportional rule. It holds no state; equal input yields equal output.
type NetPositionCalculator struct{}

func NewNetPositionCalculator() *NetPositionCalculator {
	return &NetPositionCalculator{}
}

// Compute folds the channel history against the winning outcome.
// OutcomeNone, or no stake on the winning side, voids the market and every
// bettor is refunded exactly what they wagered.
func (c *NetPositionCalculator) Compute(ch *ledger.Channel, winning ledger.Outcome) (*Result, error) {
	if winning != ledger.OutcomeNone && !winning.Valid() {
		return nil, fmt.Errorf("winning outcome %d: %w", int(winning), ledger.ErrInvalidOutcome)
	}

	tally, err := TallyHistory(ch.History)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", ch.ID, err)
	}

	res := &Result{
		WinningOutcome: winning,
		TotalPool:      tally.Pool(),
		WinningPool:    tally.PoolOn(winning),
	}
	res.Void = winning == ledger.OutcomeNone || res.WinningPool == 0

	users := tally.Users()
	res.Positions = make([]NetPosition, 0, len(users))

	for _, user := range users {
		stake := tally.Stakes[user]
		total := stake.Total()
		if total == 0 {
			continue
		}

		pos := NetPosition{
			User:         user,
			StakeNo:      stake.No,
			StakeYes:     stake.Yes,
			TotalWagered: total,
		}

		switch {
		case stake.Yes > stake.No:
			pos.OutcomeBacked = ledger.OutcomeYes
			pos.NetAmount = stake.Yes - stake.No
		case stake.No > stake.Yes:
			pos.OutcomeBacked = ledger.OutcomeNo
			pos.NetAmount = stake.No - stake.Yes
		default:
			pos.OutcomeBacked = ledger.OutcomeNone
		}

		if res.Void {
			pos.Payout = total
		} else if onWinning := stake.On(winning); onWinning > 0 {
			pos.IsWinner = true
			payout, err := fpmath.MulDivFloor(onWinning, res.TotalPool, res.WinningPool)
			if err != nil {
				return nil, fmt.Errorf("payout for %s: %w", user, err)
			}
			pos.Payout = payout
		}

		res.TotalPaid += pos.Payout
		res.Positions = append(res.Positions, pos)
	}

	res.Dust = res.TotalPool - res.TotalPaid
	if res.Dust < 0 {
		// Floor division cannot overpay; a negative residual means corrupted history.
		panic(fmt.Sprintf("FATAL: payouts %d exceed pool %d for channel %s", res.TotalPaid, res.TotalPool, ch.ID))
	}

	return res, nil
}
