package ledger_test

import (
	"BetChannel/internal/ledger"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func newChannel(t *testing.T, participants ...ledger.Participant) *ledger.Channel {
	t.Helper()
	ch, err := ledger.NewChannel("market-1", participants, time.Unix(1_700_000_000, 0))
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	return ch
}

// ============================================================================
// Test: Channel construction
// ============================================================================

func TestNewChannel_InitialState(t *testing.T) {
	ch := newChannel(t,
		ledger.Participant{Address: "0xU1", Deposit: 1000},
		ledger.Participant{Address: "0xU2"},
	)

	if ch.Version != 0 {
		t.Errorf("version: got %d, want 0", ch.Version)
	}
	if ch.Status != ledger.StatusOpen {
		t.Errorf("status: got %s, want open", ch.Status)
	}
	if len(ch.History) != 0 {
		t.Errorf("history should be empty, got %d entries", len(ch.History))
	}
	if bal, ok := ch.Allocations[ledger.PoolParticipant]; !ok || bal != 0 {
		t.Errorf("pool allocation: got %d (present=%v), want 0", bal, ok)
	}
	if ch.Allocations["0xU2"] != 0 {
		t.Errorf("U2 allocation: got %d, want 0", ch.Allocations["0xU2"])
	}
	if ch.Allocations["0xU1"] != 1000 {
		t.Errorf("U1 allocation: got %d, want 1000", ch.Allocations["0xU1"])
	}
	if ch.WinningOutcome != ledger.OutcomeNone {
		t.Errorf("winning outcome should start as none")
	}
}

func TestNewChannel_RejectsEmptyParticipant(t *testing.T) {
	_, err := ledger.NewChannel("m", []ledger.Participant{{Address: ""}}, time.Now())
	if !errors.Is(err, ledger.ErrEmptyParticipant) {
		t.Errorf("expected ErrEmptyParticipant, got %v", err)
	}
}

func TestNewChannelID_DependsOnMarketAndTime(t *testing.T) {
	ts := time.Unix(1_700_000_000, 42)
	a := ledger.NewChannelID("m1", ts)
	b := ledger.NewChannelID("m1", ts)
	c := ledger.NewChannelID("m2", ts)
	d := ledger.NewChannelID("m1", ts.Add(time.Nanosecond))

	if a != b {
		t.Errorf("same inputs should derive the same id: %s vs %s", a, b)
	}
	if a == c || a == d {
		t.Errorf("different inputs should derive different ids")
	}
}

func TestClone_IsDeep(t *testing.T) {
	ch := newChannel(t, ledger.Participant{Address: "0xU1", Deposit: 10})
	ch.History = append(ch.History, ledger.HistoryEntry{User: "0xU1", Outcome: ledger.OutcomeYes, Amount: 1, Version: 1})

	cp := ch.Clone()
	cp.Allocations["0xU1"] = 999
	cp.History[0].Amount = 999

	if ch.Allocations["0xU1"] != 10 {
		t.Error("clone allocation write leaked into original")
	}
	if ch.History[0].Amount != 1 {
		t.Error("clone history write leaked into original")
	}
}

// ============================================================================
// Test: Status state machine
// ============================================================================

func TestStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to ledger.Status
		ok       bool
	}{
		{ledger.StatusOpen, ledger.StatusFinalizing, true},
		{ledger.StatusOpen, ledger.StatusSettled, false},
		{ledger.StatusOpen, ledger.StatusAborted, false},
		{ledger.StatusFinalizing, ledger.StatusSettled, true},
		{ledger.StatusFinalizing, ledger.StatusAborted, true},
		{ledger.StatusFinalizing, ledger.StatusOpen, false},
		{ledger.StatusSettled, ledger.StatusOpen, false},
		{ledger.StatusAborted, ledger.StatusOpen, false},
		{ledger.StatusAborted, ledger.StatusSettled, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestParseStatus_RoundTrip(t *testing.T) {
	for _, s := range []ledger.Status{ledger.StatusOpen, ledger.StatusFinalizing, ledger.StatusSettled, ledger.StatusAborted} {
		got, err := ledger.ParseStatus(s.String())
		if err != nil || got != s {
			t.Errorf("ParseStatus(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ledger.ParseStatus("bogus"); err == nil {
		t.Error("expected error for unknown status")
	}
}

// ============================================================================
// Test: Bet Applier
// ============================================================================

func TestApplyBet_MovesWagerToPool(t *testing.T) {
	ch := newChannel(t,
		ledger.Participant{Address: ledger.PoolParticipant, Deposit: 1000},
		ledger.Participant{Address: "0xU1", Deposit: 1000},
	)

	next, transfer, err := ledger.ApplyBet(ch, ledger.Bet{User: "0xU1", Outcome: ledger.OutcomeNo, Amount: 100})
	if err != nil {
		t.Fatalf("ApplyBet failed: %v", err)
	}

	if next["0xU1"] != 900 {
		t.Errorf("U1: got %d, want 900", next["0xU1"])
	}
	if next[ledger.PoolParticipant] != 1100 {
		t.Errorf("pool: got %d, want 1100", next[ledger.PoolParticipant])
	}
	if transfer.Debit != ledger.PoolParticipant || transfer.Credit != "0xU1" || transfer.Amount != 100 {
		t.Errorf("unexpected transfer: %+v", transfer)
	}
	// Pure function: the input channel is untouched
	if ch.Allocations["0xU1"] != 1000 {
		t.Errorf("ApplyBet mutated the input channel")
	}
}

func TestApplyBet_InsufficientBalance(t *testing.T) {
	ch := newChannel(t, ledger.Participant{Address: "0xU1", Deposit: 50})

	_, _, err := ledger.ApplyBet(ch, ledger.Bet{User: "0xU1", Outcome: ledger.OutcomeYes, Amount: 51})

	var ibe *ledger.InsufficientBalanceError
	if !errors.As(err, &ibe) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if ibe.Needed != 51 || ibe.Available != 50 || ibe.User != "0xU1" {
		t.Errorf("unexpected error detail: %+v", ibe)
	}
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Error("InsufficientBalanceError should match ErrInsufficientBalance")
	}
	if !ledger.IsValidation(err) {
		t.Error("insufficient balance is a validation error")
	}
}

func TestApplyBet_UnknownUserHasNoBalance(t *testing.T) {
	ch := newChannel(t)
	_, _, err := ledger.ApplyBet(ch, ledger.Bet{User: "0xStranger", Outcome: ledger.OutcomeYes, Amount: 1})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestApplyBet_ValidationErrors(t *testing.T) {
	ch := newChannel(t, ledger.Participant{Address: "0xU1", Deposit: 100})

	cases := []struct {
		name string
		bet  ledger.Bet
		want error
	}{
		{"outcome 2", ledger.Bet{User: "0xU1", Outcome: 2, Amount: 1}, ledger.ErrInvalidOutcome},
		{"outcome none", ledger.Bet{User: "0xU1", Outcome: ledger.OutcomeNone, Amount: 1}, ledger.ErrInvalidOutcome},
		{"negative amount", ledger.Bet{User: "0xU1", Outcome: ledger.OutcomeNo, Amount: -5}, ledger.ErrNonPositiveAmount},
		{"zero amount", ledger.Bet{User: "0xU1", Outcome: ledger.OutcomeNo, Amount: 0}, ledger.ErrNonPositiveAmount},
		{"pool bets", ledger.Bet{User: ledger.PoolParticipant, Outcome: ledger.OutcomeNo, Amount: 1}, ledger.ErrReservedParticipant},
		{"empty user", ledger.Bet{Outcome: ledger.OutcomeNo, Amount: 1}, ledger.ErrEmptyParticipant},
		{"wrong market", ledger.Bet{MarketID: "other", User: "0xU1", Outcome: ledger.OutcomeNo, Amount: 1}, ledger.ErrMarketMismatch},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, _, err := ledger.ApplyBet(ch, c.bet)
			if !errors.Is(err, c.want) {
				t.Errorf("got %v, want %v", err, c.want)
			}
		})
	}
}

func TestApplyBet_ConservationOverRandomSequence(t *testing.T) {
	users := []string{"0xA", "0xB", "0xC", "0xD"}
	participants := make([]ledger.Participant, 0, len(users))
	for _, u := range users {
		participants = append(participants, ledger.Participant{Address: u, Deposit: 10_000})
	}
	ch := newChannel(t, participants...)
	before := ch.Allocations.Total()

	rng := rand.New(rand.NewSource(7))
	accepted := 0
	for i := 0; i < 500; i++ {
		bet := ledger.Bet{
			User:    users[rng.Intn(len(users))],
			Outcome: ledger.Outcome(rng.Intn(2)),
			Amount:  int64(rng.Intn(400) + 1),
		}
		next, _, err := ledger.ApplyBet(ch, bet)
		if err != nil {
			continue
		}
		ch.Allocations = next
		accepted++
	}

	if accepted == 0 {
		t.Fatal("expected some bets to be accepted")
	}
	if after := ch.Allocations.Total(); after != before {
		t.Errorf("conservation violated: before=%d after=%d", before, after)
	}
	if err := ledger.ValidateNonNegative(ch.Allocations); err != nil {
		t.Error(err)
	}
}

func TestApplyDeposit_IncreasesTotal(t *testing.T) {
	ch := newChannel(t)
	next, err := ledger.ApplyDeposit(ch, "0xU1", 250)
	if err != nil {
		t.Fatalf("ApplyDeposit failed: %v", err)
	}
	if next.Total() != 250 {
		t.Errorf("total: got %d, want 250", next.Total())
	}
	if _, err := ledger.ApplyDeposit(ch, "0xU1", 0); !errors.Is(err, ledger.ErrNonPositiveAmount) {
		t.Errorf("expected ErrNonPositiveAmount, got %v", err)
	}
}

// ============================================================================
// Test: int64 boundary
// ============================================================================

func TestApplyDeposit_OverflowRejected(t *testing.T) {
	ch := newChannel(t, ledger.Participant{Address: "0xU1", Deposit: math.MaxInt64})

	_, err := ledger.ApplyDeposit(ch, "0xU1", 1)
	if !errors.Is(err, ledger.ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow, got %v", err)
	}
	if !ledger.IsValidation(err) {
		t.Errorf("overflow should be a validation error")
	}

	// Another participant would push the channel total past int64 as well.
	if _, err := ledger.ApplyDeposit(ch, "0xU2", 1); !errors.Is(err, ledger.ErrAmountOverflow) {
		t.Errorf("expected ErrAmountOverflow for second participant, got %v", err)
	}
	if ch.Allocations["0xU1"] != math.MaxInt64 {
		t.Errorf("input channel mutated: %d", ch.Allocations["0xU1"])
	}
}

func TestNewChannel_TotalOverflowRejected(t *testing.T) {
	_, err := ledger.NewChannel("market-1", []ledger.Participant{
		{Address: ledger.PoolParticipant, Deposit: math.MaxInt64},
		{Address: "0xU1", Deposit: 10},
	}, time.Unix(1_700_000_000, 0))
	if !errors.Is(err, ledger.ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow, got %v", err)
	}

	ch := newChannel(t, ledger.Participant{Address: ledger.PoolParticipant, Deposit: math.MaxInt64})
	if total, err := ch.Allocations.CheckedTotal(); err != nil || total != math.MaxInt64 {
		t.Errorf("CheckedTotal: got %d, %v", total, err)
	}
}

func TestTransfer_PoolCreditOverflowRejected(t *testing.T) {
	allocs := ledger.Allocations{ledger.PoolParticipant: math.MaxInt64, "0xU1": 10}
	tr := ledger.Transfer{
		Debit:  ledger.PoolParticipant,
		Credit: "0xU1",
		Amount: 10,
		Type:   ledger.TransferTypeWager,
	}

	if _, err := tr.Apply(allocs); !errors.Is(err, ledger.ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow, got %v", err)
	}
	if allocs[ledger.PoolParticipant] != math.MaxInt64 || allocs["0xU1"] != 10 {
		t.Errorf("input allocations mutated: %v", allocs)
	}
}

func TestValidateChannel_TotalOverflow(t *testing.T) {
	ch := newChannel(t)
	ch.Allocations["0xU1"] = math.MaxInt64
	ch.Allocations["0xU2"] = 1

	if err := ledger.ValidateChannel(ch); !errors.Is(err, ledger.ErrAmountOverflow) {
		t.Errorf("expected ErrAmountOverflow, got %v", err)
	}
}

// ============================================================================
// Test: Transfer
// ============================================================================

func TestTransfer_Validate(t *testing.T) {
	if err := (ledger.Transfer{Debit: "a", Credit: "a", Amount: 1}).Validate(); err == nil {
		t.Error("self transfer should be rejected")
	}
	if err := (ledger.Transfer{Debit: "a", Credit: "b", Amount: 0}).Validate(); err == nil {
		t.Error("zero transfer should be rejected")
	}
	if err := (ledger.Transfer{Debit: "a", Credit: "b", Amount: 1}).Validate(); err != nil {
		t.Errorf("valid transfer rejected: %v", err)
	}
}

// ============================================================================
// Test: Invariant validators
// ============================================================================

func TestValidateHistory_RequiresIncreasingVersions(t *testing.T) {
	ok := []ledger.HistoryEntry{
		{User: "a", Outcome: ledger.OutcomeNo, Amount: 1, Version: 1},
		{User: "b", Outcome: ledger.OutcomeYes, Amount: 2, Version: 3},
	}
	if err := ledger.ValidateHistory(ok); err != nil {
		t.Errorf("valid history rejected: %v", err)
	}

	bad := []ledger.HistoryEntry{
		{User: "a", Outcome: ledger.OutcomeNo, Amount: 1, Version: 2},
		{User: "b", Outcome: ledger.OutcomeYes, Amount: 2, Version: 2},
	}
	if err := ledger.ValidateHistory(bad); err == nil {
		t.Error("non-increasing history should be rejected")
	}
}

func TestValidateChannel_MissingPool(t *testing.T) {
	ch := newChannel(t)
	delete(ch.Allocations, ledger.PoolParticipant)
	if err := ledger.ValidateChannel(ch); err == nil {
		t.Error("channel without pool should be rejected")
	}
}

// ============================================================================
// Test: Store
// ============================================================================

func TestStore_InsertRejectsSecondActiveChannel(t *testing.T) {
	s := ledger.NewStore()
	first, _ := ledger.NewChannel("m", nil, time.Unix(1, 0))
	second, _ := ledger.NewChannel("m", nil, time.Unix(2, 0))

	if err := s.Insert(first); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := s.Insert(second); !errors.Is(err, ledger.ErrAlreadyOpen) {
		t.Errorf("expected ErrAlreadyOpen, got %v", err)
	}
}

func TestStore_TerminalChannelReleasesMarket(t *testing.T) {
	s := ledger.NewStore()
	first, _ := ledger.NewChannel("m", nil, time.Unix(1, 0))
	_ = s.Insert(first)

	err := s.WithChannel(first.ID, func(ch *ledger.Channel) error {
		ch.Status = ledger.StatusAborted
		return nil
	})
	if err != nil {
		t.Fatalf("WithChannel failed: %v", err)
	}

	if _, ok := s.ActiveChannel("m"); ok {
		t.Error("aborted channel should not be active for its market")
	}
	second, _ := ledger.NewChannel("m", nil, time.Unix(2, 0))
	if err := s.Insert(second); err != nil {
		t.Errorf("new channel after terminal one should be allowed: %v", err)
	}
}

func TestStore_UnknownChannel(t *testing.T) {
	s := ledger.NewStore()
	if _, err := s.Snapshot("nope"); !errors.Is(err, ledger.ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}
	err := s.WithChannel("nope", func(*ledger.Channel) error { return nil })
	if !errors.Is(err, ledger.ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestStore_WithChannelSerializesWriters(t *testing.T) {
	s := ledger.NewStore()
	ch, _ := ledger.NewChannel("m", nil, time.Unix(1, 0))
	_ = s.Insert(ch)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithChannel(ch.ID, func(c *ledger.Channel) error {
				v := c.Version
				time.Sleep(time.Microsecond)
				c.Version = v + 1
				return nil
			})
		}()
	}
	wg.Wait()

	snap, _ := s.Snapshot(ch.ID)
	if snap.Version != 64 {
		t.Errorf("lost update: version %d, want 64", snap.Version)
	}
}

func TestStore_ListIsSortedSnapshot(t *testing.T) {
	s := ledger.NewStore()
	for i := 0; i < 5; i++ {
		ch, _ := ledger.NewChannel("m"+string(rune('a'+i)), nil, time.Unix(int64(i), 0))
		_ = s.Insert(ch)
	}
	list := s.List()
	if len(list) != 5 {
		t.Fatalf("got %d channels, want 5", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID >= list[i].ID {
			t.Errorf("list not sorted at %d", i)
		}
	}
}

// ============================================================================
// Test: Error taxonomy
// ============================================================================

func TestErrorCategories(t *testing.T) {
	if !ledger.IsState(ledger.ErrChannelNotOpen) || ledger.IsValidation(ledger.ErrChannelNotOpen) {
		t.Error("ErrChannelNotOpen should be a state error only")
	}
	sigErr := &ledger.InsufficientSignaturesError{Got: 1, Required: 2}
	if !ledger.IsCoordination(sigErr) {
		t.Error("InsufficientSignaturesError should be a coordination error")
	}
	if !ledger.IsTransient(ledger.ErrSubmissionTransient) {
		t.Error("ErrSubmissionTransient should be transient")
	}
	rejected := &ledger.ChainRejectedError{Reason: "bad quorum"}
	if !errors.Is(rejected, ledger.ErrChainRejected) || ledger.IsTransient(rejected) {
		t.Error("chain rejection must not be transient")
	}
}
