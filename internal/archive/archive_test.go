package archive_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"BetChannel/internal/archive"
	"BetChannel/internal/ledger"
	"BetChannel/internal/settlement"
	"BetChannel/internal/state"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// memObjects is an in-memory ObjectStore.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (m *memObjects) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.failPut != nil {
		return nil, m.failPut
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memObjects) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func sampleBatch() *settlement.Batch {
	return &settlement.Batch{
		ID:             "batch-1",
		MarketID:       "mkt-1",
		ChannelID:      "ch-1",
		ChannelVersion: 2,
		StateDigest:    [32]byte{0xab, 0xcd},
		Signatures: []settlement.Signature{
			{Signer: "s1", Sig: []byte{0x01, 0x02}},
			{Signer: "s2", Sig: []byte{0x03}},
		},
		Positions: []state.NetPosition{
			{User: "U1", OutcomeBacked: ledger.OutcomeNo, NetAmount: 100, IsWinner: true, Payout: 150},
			{User: "U2", OutcomeBacked: ledger.OutcomeYes, NetAmount: 50, Payout: 0},
		},
		WinningOutcome: ledger.OutcomeNo,
		TotalPool:      150,
		WinningPool:    100,
		CreatedAt:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

// ===========================================================================
// ArchiveBatch / FetchBatch
// ===========================================================================

func TestArchiveBatch_RoundTrip(t *testing.T) {
	store := newMemObjects()
	a := archive.NewBatchArchiver(store, "settlements")
	ctx := context.Background()

	loc, err := a.ArchiveBatch(ctx, sampleBatch())
	if err != nil {
		t.Fatalf("ArchiveBatch: %v", err)
	}
	if loc != "s3://settlements/batches/ch-1/batch-1.json" {
		t.Fatalf("unexpected location %s", loc)
	}

	got, err := a.FetchBatch(ctx, "ch-1", "batch-1")
	if err != nil {
		t.Fatalf("FetchBatch: %v", err)
	}
	if got.Payouts["U1"] != 150 || got.Payouts["U2"] != 0 {
		t.Fatalf("unexpected payouts %v", got.Payouts)
	}
	if got.Signatures["s1"] != "0102" {
		t.Fatalf("unexpected signature encoding %q", got.Signatures["s1"])
	}
	if !strings.HasPrefix(got.StateDigest, "abcd") || len(got.StateDigest) != 64 {
		t.Fatalf("unexpected digest %s", got.StateDigest)
	}
	if got.ChannelVersion != 2 || got.WinningOutcome != 0 {
		t.Fatalf("unexpected header %+v", got)
	}
}

func TestArchiveBatch_Idempotent(t *testing.T) {
	store := newMemObjects()
	a := archive.NewBatchArchiver(store, "settlements")
	ctx := context.Background()

	if _, err := a.ArchiveBatch(ctx, sampleBatch()); err != nil {
		t.Fatalf("first ArchiveBatch: %v", err)
	}
	first := append([]byte(nil), store.objects["settlements/batches/ch-1/batch-1.json"]...)

	if _, err := a.ArchiveBatch(ctx, sampleBatch()); err != nil {
		t.Fatalf("second ArchiveBatch: %v", err)
	}
	if len(store.objects) != 1 {
		t.Fatalf("expected 1 object, got %d", len(store.objects))
	}
	if !bytes.Equal(first, store.objects["settlements/batches/ch-1/batch-1.json"]) {
		t.Fatal("retried archive produced different bytes")
	}
}

func TestArchiveBatch_PutFailure(t *testing.T) {
	store := newMemObjects()
	store.failPut = errors.New("503 slow down")
	a := archive.NewBatchArchiver(store, "settlements")

	_, err := a.ArchiveBatch(context.Background(), sampleBatch())
	if err == nil || !strings.Contains(err.Error(), "batches/ch-1/batch-1.json") {
		t.Fatalf("expected wrapped put error, got %v", err)
	}
}

func TestFetchBatch_Missing(t *testing.T) {
	a := archive.NewBatchArchiver(newMemObjects(), "settlements")
	if _, err := a.FetchBatch(context.Background(), "ch-x", "nope"); err == nil {
		t.Fatal("expected error for missing object")
	}
}
