package query_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"BetChannel/internal/core"
	"BetChannel/internal/ledger"
	"BetChannel/internal/observability"
	"BetChannel/internal/projection"
	"BetChannel/internal/query"
	"BetChannel/internal/testutil"

	"github.com/shopspring/decimal"
)

type stubPools struct {
	snap projection.PoolSnapshot
	err  error
}

func (s *stubPools) GetPool(ctx context.Context, channelID string) (projection.PoolSnapshot, error) {
	return s.snap, s.err
}

func setup(t *testing.T, pools query.PoolReader) (*core.ChannelManager, *query.QueryService, *ledger.Channel) {
	t.Helper()
	ctx := context.Background()
	clock := testutil.NewStepClock(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	mgr := core.NewChannelManager(ledger.NewStore(), testutil.NewFakeMarkets(), nil,
		observability.NewNopMetrics(), observability.NewTestLogger("query-test"), core.WithClock(clock.Now))

	ch, err := mgr.OpenChannel(ctx, "mkt-q", []ledger.Participant{
		{Address: "U1", Deposit: 1000},
		{Address: "U2", Deposit: 1000},
	})
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	for _, b := range []ledger.Bet{
		{MarketID: "mkt-q", User: "U1", Outcome: ledger.OutcomeNo, Amount: 100},
		{MarketID: "mkt-q", User: "U2", Outcome: ledger.OutcomeYes, Amount: 50},
	} {
		if _, err := mgr.ApplyBet(ctx, ch.ID, b); err != nil {
			t.Fatalf("ApplyBet: %v", err)
		}
	}
	return mgr, query.NewQueryService(mgr, pools, observability.NewTestLogger("query-test")), ch
}

// ===========================================================================
// Channel views
// ===========================================================================

func TestGetChannel_View(t *testing.T) {
	_, qs, ch := setup(t, nil)

	v, err := qs.GetChannel(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if v.Version != 2 || v.BetCount != 2 {
		t.Fatalf("expected v2 with 2 bets, got v%d with %d", v.Version, v.BetCount)
	}
	if v.Total != 2000 {
		t.Fatalf("expected total 2000, got %d", v.Total)
	}
	if v.Allocations["U1"] != 900 || v.Allocations["U2"] != 950 {
		t.Fatalf("unexpected allocations %v", v.Allocations)
	}
	if v.WinningOutcome != nil {
		t.Fatalf("open channel should have no winning outcome, got %d", *v.WinningOutcome)
	}
	if len(v.StateHash) != 64 {
		t.Fatalf("expected hex state hash, got %q", v.StateHash)
	}
}

func TestGetChannel_NotFound(t *testing.T) {
	_, qs, _ := setup(t, nil)
	_, err := qs.GetChannel(context.Background(), "nope")
	if !query.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetActiveChannel(t *testing.T) {
	_, qs, ch := setup(t, nil)
	v, err := qs.GetActiveChannel(context.Background(), "mkt-q")
	if err != nil {
		t.Fatalf("GetActiveChannel: %v", err)
	}
	if v.ChannelID != ch.ID {
		t.Fatalf("expected %s, got %s", ch.ID, v.ChannelID)
	}
}

// ===========================================================================
// Pools
// ===========================================================================

func TestGetPool_Live(t *testing.T) {
	_, qs, ch := setup(t, nil)

	p, err := qs.GetPool(context.Background(), ch.ID, 0)
	if err != nil {
		t.Fatalf("GetPool: %v", err)
	}
	if p.Source != "live" {
		t.Fatalf("expected live source, got %s", p.Source)
	}
	if p.PoolNo != 100 || p.PoolYes != 50 || p.Total != 150 {
		t.Fatalf("unexpected pools %+v", p)
	}
	if !p.ImpliedNo.Equal(decimal.RequireFromString("0.6667")) {
		t.Fatalf("expected implied no 0.6667, got %s", p.ImpliedNo)
	}
	if !p.MultiplierNo.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("expected multiplier no 1.5, got %s", p.MultiplierNo)
	}
	if !p.MultiplierYes.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected multiplier yes 3, got %s", p.MultiplierYes)
	}
}

func TestGetPool_CachePreferred(t *testing.T) {
	pools := &stubPools{}
	_, qs, ch := setup(t, pools)
	pools.snap = projection.PoolSnapshot{ChannelID: ch.ID, Version: 2, PoolNo: 100, PoolYes: 50}

	p, err := qs.GetPool(context.Background(), ch.ID, 2)
	if err != nil {
		t.Fatalf("GetPool: %v", err)
	}
	if p.Source != "cache" {
		t.Fatalf("expected cache source, got %s", p.Source)
	}
}

func TestGetPool_StaleCacheFallsBack(t *testing.T) {
	pools := &stubPools{}
	_, qs, ch := setup(t, pools)
	pools.snap = projection.PoolSnapshot{ChannelID: ch.ID, Version: 1, PoolNo: 100}

	p, err := qs.GetPool(context.Background(), ch.ID, 2)
	if err != nil {
		t.Fatalf("GetPool: %v", err)
	}
	if p.Source != "live" || p.Version != 2 {
		t.Fatalf("expected live v2, got %s v%d", p.Source, p.Version)
	}
}

func TestGetPool_CacheErrorFallsBack(t *testing.T) {
	pools := &stubPools{err: errors.New("connection refused")}
	_, qs, ch := setup(t, pools)

	p, err := qs.GetPool(context.Background(), ch.ID, 0)
	if err != nil {
		t.Fatalf("GetPool: %v", err)
	}
	if p.Source != "live" {
		t.Fatalf("expected live source, got %s", p.Source)
	}
}

func TestGetPool_EmptyChannel(t *testing.T) {
	mgr, qs, _ := setup(t, nil)
	ch, err := mgr.OpenChannel(context.Background(), "mkt-empty", []ledger.Participant{{Address: "U1", Deposit: 10}})
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	p, err := qs.GetPool(context.Background(), ch.ID, 0)
	if err != nil {
		t.Fatalf("GetPool: %v", err)
	}
	if !p.ImpliedNo.IsZero() || !p.MultiplierYes.IsZero() {
		t.Fatalf("expected zero odds on empty pool, got %+v", p)
	}
}

// ===========================================================================
// Positions and history
// ===========================================================================

func TestPreviewPositions(t *testing.T) {
	_, qs, ch := setup(t, nil)

	pv, err := qs.PreviewPositions(context.Background(), ch.ID, ledger.OutcomeNo)
	if err != nil {
		t.Fatalf("PreviewPositions: %v", err)
	}
	payouts := map[string]int64{}
	for _, p := range pv.Positions {
		payouts[p.User] = p.Payout
	}
	if payouts["U1"] != 150 || payouts["U2"] != 0 {
		t.Fatalf("unexpected payouts %v", payouts)
	}

	void, err := qs.PreviewPositions(context.Background(), ch.ID, ledger.OutcomeNone)
	if err != nil {
		t.Fatalf("PreviewPositions void: %v", err)
	}
	if !void.Void || void.TotalPaid != 150 {
		t.Fatalf("expected full refund, got %+v", void)
	}

	if _, err := qs.PreviewPositions(context.Background(), ch.ID, ledger.Outcome(7)); !errors.Is(err, ledger.ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestGetHistory_Paging(t *testing.T) {
	_, qs, ch := setup(t, nil)
	ctx := context.Background()

	page, err := qs.GetHistory(ctx, ch.ID, 0, 1)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].Version != 1 || page.NextAfter != 1 {
		t.Fatalf("unexpected first page %+v", page)
	}

	page, err = qs.GetHistory(ctx, ch.ID, page.NextAfter, 1)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].Version != 2 || page.NextAfter != 0 {
		t.Fatalf("unexpected second page %+v", page)
	}
}

func TestVerifyIntegrity_Healthy(t *testing.T) {
	_, qs, ch := setup(t, nil)
	r, err := qs.VerifyIntegrity(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !r.IsHealthy {
		t.Fatalf("expected healthy channel, issues: %v", r.Issues)
	}
}
