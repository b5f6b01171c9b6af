package relay_test

import (
	"BetChannel/internal/ledger"
	"BetChannel/internal/relay"
	"BetChannel/internal/settlement"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
)

// stubRequester answers every request with a fixed reply.
type stubRequester struct {
	reply    []byte
	err      error
	subjects []string
	bodies   [][]byte
}

func (s *stubRequester) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	s.subjects = append(s.subjects, subj)
	s.bodies = append(s.bodies, data)
	if s.err != nil {
		return nil, s.err
	}
	return &nats.Msg{Subject: subj, Data: s.reply}, nil
}

// =============================================================================
// MarketClient
// =============================================================================

func TestMarketClient_Resolved(t *testing.T) {
	nc := &stubRequester{reply: []byte(`{"market_id":"m1","resolved":true,"winning_outcome":1}`)}
	c := relay.NewMarketClient(nc, 0)

	st, err := c.GetMarketStatus(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMarketStatus: %v", err)
	}
	if !st.Resolved || st.WinningOutcome != ledger.OutcomeYes {
		t.Errorf("status: %+v", st)
	}
	if nc.subjects[0] != relay.MarketStatusSubject {
		t.Errorf("subject: got %s", nc.subjects[0])
	}
	var req map[string]string
	if err := json.Unmarshal(nc.bodies[0], &req); err != nil || req["market_id"] != "m1" {
		t.Errorf("request body: %s", nc.bodies[0])
	}
}

func TestMarketClient_VoidWhenNoOutcome(t *testing.T) {
	nc := &stubRequester{reply: []byte(`{"market_id":"m1","resolved":true}`)}
	st, err := relay.NewMarketClient(nc, 0).GetMarketStatus(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMarketStatus: %v", err)
	}
	if st.WinningOutcome != ledger.OutcomeNone {
		t.Errorf("winning outcome: got %v, want none", st.WinningOutcome)
	}
}

func TestMarketClient_Errors(t *testing.T) {
	cases := []struct {
		name string
		nc   *stubRequester
	}{
		{"no responders", &stubRequester{err: nats.ErrNoResponders}},
		{"remote error", &stubRequester{reply: []byte(`{"error":"unknown market"}`)}},
		{"bad reply", &stubRequester{reply: []byte(`not json`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := relay.NewMarketClient(tc.nc, 0).GetMarketStatus(context.Background(), "m1"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// =============================================================================
// ChainClient
// =============================================================================

func sampleBatch() *settlement.Batch {
	b := &settlement.Batch{
		ID:             "batch-1",
		MarketID:       "m1",
		ChannelID:      "ch-1",
		ChannelVersion: 4,
		Signatures:     []settlement.Signature{{Signer: "s0", Sig: []byte{0xab, 0xcd}}},
		WinningOutcome: ledger.OutcomeNo,
		TotalPool:      150,
	}
	b.StateDigest[0] = 0xff
	return b
}

func TestChainClient_Success(t *testing.T) {
	nc := &stubRequester{reply: []byte(`{"status":"success","tx_ref":"0x1"}`)}
	res, err := relay.NewChainClient(nc, 0).SubmitSettlement(context.Background(), sampleBatch())
	if err != nil {
		t.Fatalf("SubmitSettlement: %v", err)
	}
	if res.Status != settlement.SubmitSuccess || res.TxRef != "0x1" {
		t.Errorf("result: %+v", res)
	}

	var wire relay.BatchWire
	if err := json.Unmarshal(nc.bodies[0], &wire); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if wire.StateDigest[:4] != "0xff" || len(wire.StateDigest) != 66 {
		t.Errorf("state digest: %s", wire.StateDigest)
	}
	if wire.Signatures[0].Sig != "0xabcd" {
		t.Errorf("signature: %s", wire.Signatures[0].Sig)
	}
}

func TestChainClient_Rejected(t *testing.T) {
	nc := &stubRequester{reply: []byte(`{"status":"rejected","reason":"stale version"}`)}
	res, err := relay.NewChainClient(nc, 0).SubmitSettlement(context.Background(), sampleBatch())
	if err != nil {
		t.Fatalf("SubmitSettlement: %v", err)
	}
	if res.Status != settlement.SubmitRejected || res.Reason != "stale version" {
		t.Errorf("result: %+v", res)
	}
}

func TestChainClient_TransportError(t *testing.T) {
	nc := &stubRequester{err: nats.ErrTimeout}
	_, err := relay.NewChainClient(nc, 0).SubmitSettlement(context.Background(), sampleBatch())
	if !errors.Is(err, nats.ErrTimeout) {
		t.Errorf("expected wrapped nats.ErrTimeout, got %v", err)
	}
}

func TestChainClient_UnknownStatus(t *testing.T) {
	nc := &stubRequester{reply: []byte(`{"status":"maybe"}`)}
	if _, err := relay.NewChainClient(nc, 0).SubmitSettlement(context.Background(), sampleBatch()); err == nil {
		t.Error("expected error for unknown status")
	}
}
