package testutil

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"BetChannel/internal/core"
	"BetChannel/internal/ledger"
	"BetChannel/internal/settlement"
)

// FakeMarkets is an in-memory core.MarketLookup.
type FakeMarkets struct {
	mu      sync.Mutex
	markets map[string]core.MarketStatus
	err     error
	calls   int
}

func NewFakeMarkets() *FakeMarkets {
	return &FakeMarkets{markets: make(map[string]core.MarketStatus)}
}

// Resolve marks a market resolved with the given outcome.
func (f *FakeMarkets) Resolve(marketID string, winning ledger.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markets[marketID] = core.MarketStatus{MarketID: marketID, Resolved: true, WinningOutcome: winning}
}

// FailWith makes every lookup return err until cleared with nil.
func (f *FakeMarkets) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *FakeMarkets) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeMarkets) GetMarketStatus(ctx context.Context, marketID string) (core.MarketStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return core.MarketStatus{}, f.err
	}
	st, ok := f.markets[marketID]
	if !ok {
		return core.MarketStatus{MarketID: marketID, WinningOutcome: ledger.OutcomeNone}, nil
	}
	return st, nil
}

// FakeSigner returns a deterministic pseudo-signature (sha256 of id and
// digest). Pair it with a nil Verifier.
type FakeSigner struct {
	Name  string
	Err   error
	Delay time.Duration

	mu    sync.Mutex
	calls int
}

func (f *FakeSigner) ID() string { return f.Name }

func (f *FakeSigner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeSigner) Sign(ctx context.Context, digest [32]byte) (settlement.Signature, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-ctx.Done():
			return settlement.Signature{}, ctx.Err()
		case <-time.After(f.Delay):
		}
	}
	if f.Err != nil {
		return settlement.Signature{}, f.Err
	}
	sum := sha256.Sum256(append([]byte(f.Name), digest[:]...))
	return settlement.Signature{Signer: f.Name, Sig: sum[:]}, nil
}

// FakeSigners builds n healthy signers named signer-0..n-1.
func FakeSigners(n int) []settlement.Signer {
	out := make([]settlement.Signer, n)
	for i := range out {
		out[i] = &FakeSigner{Name: fmt.Sprintf("signer-%d", i)}
	}
	return out
}

// ErrChainDown is the transport error FakeChain returns for scripted failures.
var ErrChainDown = errors.New("chain endpoint unavailable")

// FakeChain is a scripted settlement.ChainSubmitter. Each call pops the next
// scripted response; once the script is empty it reports Success, or
// AlreadySettled for a batch id it has already accepted.
type FakeChain struct {
	mu       sync.Mutex
	script   []ChainStep
	settled  map[string]bool
	batches  []*settlement.Batch
	attempts int
}

// ChainStep is one scripted response. A non-nil Err is returned as a
// transport error.
type ChainStep struct {
	Result settlement.SubmitResult
	Err    error
}

func NewFakeChain(script ...ChainStep) *FakeChain {
	return &FakeChain{script: script, settled: make(map[string]bool)}
}

func (f *FakeChain) SubmitSettlement(ctx context.Context, batch *settlement.Batch) (settlement.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts++
	f.batches = append(f.batches, batch)

	if len(f.script) > 0 {
		step := f.script[0]
		f.script = f.script[1:]
		if step.Err != nil {
			return settlement.SubmitResult{}, step.Err
		}
		if step.Result.Status == settlement.SubmitSuccess {
			f.settled[batch.ID] = true
		}
		return step.Result, nil
	}

	if f.settled[batch.ID] {
		return settlement.SubmitResult{Status: settlement.SubmitAlreadySettled, TxRef: "0xsettled-" + batch.ID}, nil
	}
	f.settled[batch.ID] = true
	return settlement.SubmitResult{Status: settlement.SubmitSuccess, TxRef: "0xtx-" + batch.ID}, nil
}

func (f *FakeChain) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// Batches returns every batch submitted, in order.
func (f *FakeChain) Batches() []*settlement.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*settlement.Batch(nil), f.batches...)
}

// StepClock is a manual clock that advances by Step on every call.
type StepClock struct {
	mu   sync.Mutex
	now  time.Time
	Step time.Duration
}

func NewStepClock(start time.Time) *StepClock {
	return &StepClock{now: start, Step: time.Millisecond}
}

func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.Step)
	return t
}
