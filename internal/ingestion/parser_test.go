package ingestion_test

import (
	"BetChannel/internal/core"
	"BetChannel/internal/event"
	"BetChannel/internal/ingestion"
	"BetChannel/internal/ledger"
	"BetChannel/internal/observability"
	"BetChannel/internal/testutil"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

func rawFromJSON(t *testing.T, kind ingestion.CommandKind, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Kind:      kind,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

// =============================================================================
// Parser
// =============================================================================

func TestParseBet(t *testing.T) {
	payload := map[string]interface{}{
		"channel_id":       "ch-1",
		"market_id":        "mkt-1",
		"user":             "U1",
		"outcome":          0,
		"amount":           int64(100),
		"request_id":       "req-42",
		"expected_version": 3,
	}

	cmd, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindBet, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	bc, ok := cmd.(*ingestion.BetCommand)
	if !ok {
		t.Fatalf("expected *ingestion.BetCommand, got %T", cmd)
	}
	if bc.ChannelID != "ch-1" {
		t.Errorf("channel_id: got %s, want ch-1", bc.ChannelID)
	}
	if bc.Bet.User != "U1" || bc.Bet.MarketID != "mkt-1" {
		t.Errorf("bet: %+v", bc.Bet)
	}
	if bc.Bet.Outcome != ledger.OutcomeNo {
		t.Errorf("outcome: got %v, want 0", bc.Bet.Outcome)
	}
	if bc.Bet.Amount != 100 {
		t.Errorf("amount: got %d, want 100", bc.Bet.Amount)
	}
	if bc.Bet.RequestID != "req-42" {
		t.Errorf("request_id: got %s", bc.Bet.RequestID)
	}
	if bc.Bet.ExpectedVersion == nil || *bc.Bet.ExpectedVersion != 3 {
		t.Errorf("expected_version: got %v", bc.Bet.ExpectedVersion)
	}
	if bc.Kind() != ingestion.KindBet {
		t.Errorf("kind: got %s", bc.Kind())
	}
}

func TestParseBet_NegativeAmountPassesThrough(t *testing.T) {
	// Business validation belongs to the manager, which reports NonPositiveAmount
	cmd, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindBet, map[string]interface{}{
		"market_id": "mkt-1", "user": "U1", "outcome": 1, "amount": -5,
	}))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := cmd.(*ingestion.BetCommand).Bet.Amount; got != -5 {
		t.Errorf("amount: got %d, want -5", got)
	}
}

func TestParseBet_Malformed(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]interface{}
	}{
		{"no target", map[string]interface{}{"user": "U1", "outcome": 0, "amount": 1}},
		{"no user", map[string]interface{}{"market_id": "m", "outcome": 0, "amount": 1}},
		{"no outcome", map[string]interface{}{"market_id": "m", "user": "U1", "amount": 1}},
		{"amount is text", map[string]interface{}{"market_id": "m", "user": "U1", "outcome": 0, "amount": "ten"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindBet, tc.payload))
			if !errors.Is(err, ingestion.ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestParseDeposit(t *testing.T) {
	cmd, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindDeposit, map[string]interface{}{
		"market_id":   "mkt-1",
		"participant": "U2",
		"amount":      int64(500),
	}))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	dc, ok := cmd.(*ingestion.DepositCommand)
	if !ok {
		t.Fatalf("expected *ingestion.DepositCommand, got %T", cmd)
	}
	if dc.MarketID != "mkt-1" || dc.Participant != "U2" || dc.Amount != 500 {
		t.Errorf("deposit: %+v", dc)
	}
}

func TestParseRawEvent_UnknownKind(t *testing.T) {
	raw := rawFromJSON(t, "withdrawal", map[string]interface{}{})
	if _, err := ingestion.ParseRawEvent(raw); !errors.Is(err, ingestion.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestParseRawEvent_InvalidJSON(t *testing.T) {
	raw := ingestion.RawEvent{Kind: ingestion.KindBet, Data: []byte("{not json")}
	if _, err := ingestion.ParseRawEvent(raw); !errors.Is(err, ingestion.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

// =============================================================================
// Dispatcher
// =============================================================================

type ackRecorder struct {
	acks, naks int
}

func (a *ackRecorder) wrap(raw ingestion.RawEvent) ingestion.RawEvent {
	raw.AckFunc = func() { a.acks++ }
	raw.NakFunc = func() { a.naks++ }
	return raw
}

func newDispatcher(t *testing.T) (*ingestion.Dispatcher, *core.ChannelManager, *ledger.Channel) {
	t.Helper()
	metrics := observability.NewNopMetrics()
	logger := observability.NewTestLogger("ingest-test")
	mgr := core.NewChannelManager(ledger.NewStore(), testutil.NewFakeMarkets(), nil, metrics, logger)

	ch, err := mgr.OpenChannel(context.Background(), "mkt-1", []ledger.Participant{{Address: "U1", Deposit: 1000}})
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	return ingestion.NewDispatcher(mgr, metrics, logger), mgr, ch
}

func TestDispatcher_AppliesBetByMarket(t *testing.T) {
	d, mgr, ch := newDispatcher(t)
	var rec ackRecorder

	raw := rec.wrap(rawFromJSON(t, ingestion.KindBet, map[string]interface{}{
		"market_id": "mkt-1", "user": "U1", "outcome": 0, "amount": 100,
	}))
	if disp := d.Handle(context.Background(), raw); disp != ingestion.DispositionApplied {
		t.Fatalf("disposition: got %s, want applied", disp)
	}
	if rec.acks != 1 || rec.naks != 0 {
		t.Errorf("acks=%d naks=%d", rec.acks, rec.naks)
	}

	got, _ := mgr.GetChannel(context.Background(), ch.ID)
	if got.Allocations["U1"] != 900 || got.Allocations[ledger.PoolParticipant] != 100 {
		t.Errorf("allocations: %v", got.Allocations)
	}
}

func TestDispatcher_ScenarioD_RejectedIsAcked(t *testing.T) {
	d, mgr, ch := newDispatcher(t)
	var rec ackRecorder

	raw := rec.wrap(rawFromJSON(t, ingestion.KindBet, map[string]interface{}{
		"channel_id": ch.ID, "user": "U1", "outcome": 0, "amount": -5,
	}))
	if disp := d.Handle(context.Background(), raw); disp != ingestion.DispositionRejected {
		t.Fatalf("disposition: got %s, want rejected", disp)
	}
	if rec.acks != 1 || rec.naks != 0 {
		t.Errorf("rejected commands must be acked: acks=%d naks=%d", rec.acks, rec.naks)
	}
	got, _ := mgr.GetChannel(context.Background(), ch.ID)
	if got.Version != 0 {
		t.Errorf("version changed to %d", got.Version)
	}
}

func TestDispatcher_MalformedIsAcked(t *testing.T) {
	d, _, _ := newDispatcher(t)
	var rec ackRecorder

	raw := rec.wrap(ingestion.RawEvent{Kind: ingestion.KindBet, Data: []byte("garbage"), Timestamp: time.Now()})
	if disp := d.Handle(context.Background(), raw); disp != ingestion.DispositionMalformed {
		t.Fatalf("disposition: got %s, want malformed", disp)
	}
	if rec.acks != 1 {
		t.Errorf("malformed commands must be acked")
	}
}

func TestDispatcher_Deposit(t *testing.T) {
	d, mgr, ch := newDispatcher(t)
	var rec ackRecorder

	raw := rec.wrap(rawFromJSON(t, ingestion.KindDeposit, map[string]interface{}{
		"channel_id": ch.ID, "participant": "U2", "amount": 250,
	}))
	if disp := d.Handle(context.Background(), raw); disp != ingestion.DispositionApplied {
		t.Fatalf("disposition: got %s", disp)
	}
	got, _ := mgr.GetChannel(context.Background(), ch.ID)
	if got.Allocations["U2"] != 250 {
		t.Errorf("U2 balance: got %d, want 250", got.Allocations["U2"])
	}
}

type failingCommands struct{}

func (failingCommands) ApplyBet(context.Context, string, ledger.Bet) (uint64, error) {
	return 0, errors.New("connection reset")
}
func (failingCommands) Deposit(context.Context, string, string, int64) (uint64, error) {
	return 0, errors.New("connection reset")
}
func (failingCommands) ActiveChannelID(context.Context, string) (string, error) {
	return "ch", nil
}

func TestDispatcher_UnknownErrorIsNaked(t *testing.T) {
	d := ingestion.NewDispatcher(failingCommands{}, observability.NewNopMetrics(), observability.NewTestLogger("ingest-test"))
	var rec ackRecorder

	raw := rec.wrap(rawFromJSON(t, ingestion.KindBet, map[string]interface{}{
		"market_id": "mkt-1", "user": "U1", "outcome": 0, "amount": 1,
	}))
	if disp := d.Handle(context.Background(), raw); disp != ingestion.DispositionRetry {
		t.Fatalf("disposition: got %s, want retry", disp)
	}
	if rec.naks != 1 || rec.acks != 0 {
		t.Errorf("acks=%d naks=%d", rec.acks, rec.naks)
	}
}

func TestDispatcher_RunDrainsUntilClosed(t *testing.T) {
	d, mgr, ch := newDispatcher(t)
	in := make(chan ingestion.RawEvent, 4)
	for i := 0; i < 3; i++ {
		in <- rawFromJSON(t, ingestion.KindBet, map[string]interface{}{
			"channel_id": ch.ID, "user": "U1", "outcome": 1, "amount": 10,
		})
	}
	close(in)

	if err := d.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := mgr.GetChannel(context.Background(), ch.ID)
	if got.Version != 3 {
		t.Errorf("version: got %d, want 3", got.Version)
	}
}

// =============================================================================
// Publisher
// =============================================================================

type capturePublisher struct {
	subjects []string
	msgs     [][]byte
}

func (c *capturePublisher) Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	c.subjects = append(c.subjects, subject)
	c.msgs = append(c.msgs, data)
	return &jetstream.PubAck{}, nil
}

func TestOutboundSubject(t *testing.T) {
	cases := []struct {
		et     event.EventType
		market string
		want   string
	}{
		{event.EventTypeBetApplied, "mkt-1", "betch.channels.events.bet.mkt-1"},
		{event.EventTypeChannelSettled, "btc.above.100k", "betch.channels.events.settled.btc_above_100k"},
		{event.EventTypeChannelOpened, "a b>*", "betch.channels.events.opened.a_b__"},
		{event.EventTypeDeposited, "", "betch.channels.events.deposit._"},
	}
	for _, tc := range cases {
		if got := ingestion.OutboundSubject(tc.et, tc.market); got != tc.want {
			t.Errorf("OutboundSubject(%s, %q) = %s, want %s", tc.et, tc.market, got, tc.want)
		}
	}
}

func TestOutboundPublisher_PublishesEveryOutput(t *testing.T) {
	metrics := observability.NewNopMetrics()
	logger := observability.NewTestLogger("publish-test")
	queue := make(chan core.Output, 8)
	mgr := core.NewChannelManager(ledger.NewStore(), testutil.NewFakeMarkets(), nil, metrics, logger,
		core.WithOutputs(core.Outputs{Publish: queue}))

	ch, err := mgr.OpenChannel(context.Background(), "mkt-pub", []ledger.Participant{{Address: "U1", Deposit: 10}})
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if _, err := mgr.ApplyBet(context.Background(), ch.ID, ledger.Bet{
		MarketID: "mkt-pub", User: "U1", Outcome: ledger.OutcomeYes, Amount: 4,
	}); err != nil {
		t.Fatalf("ApplyBet: %v", err)
	}
	close(queue)

	js := &capturePublisher{}
	if err := ingestion.NewOutboundPublisher(js, queue, logger).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"betch.channels.events.opened.mkt-pub", "betch.channels.events.bet.mkt-pub"}
	if len(js.subjects) != len(want) {
		t.Fatalf("published %d messages, want %d", len(js.subjects), len(want))
	}
	for i, s := range want {
		if js.subjects[i] != s {
			t.Errorf("subject %d: got %s, want %s", i, js.subjects[i], s)
		}
	}

	var evt ingestion.OutboundEvent
	if err := json.Unmarshal(js.msgs[1], &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Version != 1 || evt.EventType != "BetApplied" || evt.Status != "open" {
		t.Errorf("event: %+v", evt)
	}
	if len(evt.StateHash) != 64 || len(evt.PrevHash) != 64 {
		t.Errorf("hashes must be hex sha256")
	}
	var bet event.BetApplied
	if err := json.Unmarshal(evt.Payload, &bet); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if bet.Amount != 4 || bet.UserBalance != 6 || bet.PoolBalance != 4 {
		t.Errorf("payload: %+v", bet)
	}
}
