package projection_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"BetChannel/internal/core"
	"BetChannel/internal/ledger"
	"BetChannel/internal/observability"
	"BetChannel/internal/projection"
	"BetChannel/internal/testutil"
)

// memStore is a version-guarded in-memory PoolStore.
type memStore struct {
	mu    sync.Mutex
	pools map[string]projection.PoolSnapshot
	puts  int
}

func newMemStore() *memStore {
	return &memStore{pools: make(map[string]projection.PoolSnapshot)}
}

func (s *memStore) PutPool(ctx context.Context, snap projection.PoolSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if cur, ok := s.pools[snap.ChannelID]; ok && cur.Version >= snap.Version {
		return nil
	}
	s.pools[snap.ChannelID] = snap
	return nil
}

func (s *memStore) get(id string) (projection.PoolSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[id]
	return p, ok
}

func newManager(t *testing.T, proj chan core.Output) *core.ChannelManager {
	t.Helper()
	clock := testutil.NewStepClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	return core.NewChannelManager(ledger.NewStore(), testutil.NewFakeMarkets(), nil,
		observability.NewNopMetrics(), observability.NewTestLogger("projection-test"),
		core.WithClock(clock.Now), core.WithOutputs(core.Outputs{Projection: proj}))
}

func openWithBets(t *testing.T, mgr *core.ChannelManager, market string) *ledger.Channel {
	t.Helper()
	ctx := context.Background()
	ch, err := mgr.OpenChannel(ctx, market, []ledger.Participant{
		{Address: "U1", Deposit: 1000},
		{Address: "U2", Deposit: 1000},
	})
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	for _, b := range []ledger.Bet{
		{MarketID: market, User: "U1", Outcome: ledger.OutcomeNo, Amount: 100},
		{MarketID: market, User: "U2", Outcome: ledger.OutcomeYes, Amount: 50},
		{MarketID: market, User: "U1", Outcome: ledger.OutcomeYes, Amount: 25},
	} {
		if _, err := mgr.ApplyBet(ctx, ch.ID, b); err != nil {
			t.Fatalf("ApplyBet: %v", err)
		}
	}
	return ch
}

// ===========================================================================
// SnapshotOf
// ===========================================================================

func TestSnapshotOf_Pools(t *testing.T) {
	mgr := newManager(t, nil)
	ch := openWithBets(t, mgr, "mkt-snap")

	cur, err := mgr.GetChannel(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	snap, err := projection.SnapshotOf(cur)
	if err != nil {
		t.Fatalf("SnapshotOf: %v", err)
	}

	if snap.PoolNo != 100 || snap.PoolYes != 75 {
		t.Fatalf("expected pools 100/75, got %d/%d", snap.PoolNo, snap.PoolYes)
	}
	if snap.Total() != 175 {
		t.Fatalf("expected total 175, got %d", snap.Total())
	}
	if snap.BetCount != 3 || snap.Bettors != 2 {
		t.Fatalf("expected 3 bets by 2 bettors, got %d by %d", snap.BetCount, snap.Bettors)
	}
	if snap.Version != 3 {
		t.Fatalf("expected version 3, got %d", snap.Version)
	}
	if snap.Status != ledger.StatusOpen.String() {
		t.Fatalf("expected open status, got %s", snap.Status)
	}
}

// ===========================================================================
// Worker
// ===========================================================================

func TestWorker_FlushProjectsLatest(t *testing.T) {
	proj := make(chan core.Output, 16)
	mgr := newManager(t, proj)
	store := newMemStore()
	w := projection.NewPoolProjectionWorker(mgr, store, proj, time.Hour,
		observability.NewNopMetrics(), observability.NewTestLogger("projection-test"))

	ch := openWithBets(t, mgr, "mkt-flush")
	close(proj)

	// Closed input drains and flushes.
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap, ok := store.get(ch.ID)
	if !ok {
		t.Fatal("expected pool to be projected")
	}
	if snap.Version != 3 || snap.Total() != 175 {
		t.Fatalf("expected v3 total 175, got v%d total %d", snap.Version, snap.Total())
	}
	// Four outputs for one channel collapse to a single write.
	if store.puts != 1 {
		t.Fatalf("expected 1 put, got %d", store.puts)
	}
}

func TestWorker_DroppedOutputRepairedByLater(t *testing.T) {
	// Capacity 1: most outputs are dropped by the manager.
	proj := make(chan core.Output, 1)
	mgr := newManager(t, proj)
	store := newMemStore()
	w := projection.NewPoolProjectionWorker(mgr, store, proj, time.Hour,
		observability.NewNopMetrics(), observability.NewTestLogger("projection-test"))

	ch := openWithBets(t, mgr, "mkt-drop")
	close(proj)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Only the open output got through, yet the snapshot is current.
	snap, ok := store.get(ch.ID)
	if !ok {
		t.Fatal("expected pool to be projected")
	}
	if snap.Version != 3 {
		t.Fatalf("expected version 3 from authoritative read, got %d", snap.Version)
	}
}

func TestWorker_Rebuild(t *testing.T) {
	mgr := newManager(t, nil)
	a := openWithBets(t, mgr, "mkt-a")
	b := openWithBets(t, mgr, "mkt-b")

	store := newMemStore()
	w := projection.NewPoolProjectionWorker(mgr, store, nil, 0,
		observability.NewNopMetrics(), observability.NewTestLogger("projection-test"))

	if err := w.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	for _, id := range []string{a.ID, b.ID} {
		if _, ok := store.get(id); !ok {
			t.Fatalf("expected %s to be rebuilt", id)
		}
	}
}

func TestWorker_StaleSnapshotIgnored(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	_ = store.PutPool(ctx, projection.PoolSnapshot{ChannelID: "c", Version: 5, PoolNo: 10})
	_ = store.PutPool(ctx, projection.PoolSnapshot{ChannelID: "c", Version: 4, PoolNo: 99})

	snap, _ := store.get("c")
	if snap.Version != 5 || snap.PoolNo != 10 {
		t.Fatalf("stale snapshot overwrote newer one: %+v", snap)
	}
}
