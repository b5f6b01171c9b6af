// Package relay reaches the market and chain collaborators over NATS
// request/reply.
package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"BetChannel/internal/core"
	"BetChannel/internal/ledger"
	"BetChannel/internal/settlement"
	"BetChannel/internal/state"

	"github.com/nats-io/nats.go"
)

const (
	MarketStatusSubject = "betch.markets.status"
	ChainSettleSubject  = "betch.chain.settle"
)

// Requester is satisfied by *nats.Conn.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// --- Market status ---

type marketStatusRequest struct {
	MarketID string `json:"market_id"`
}

type marketStatusReply struct {
	MarketID       string `json:"market_id"`
	Resolved       bool   `json:"resolved"`
	WinningOutcome *int   `json:"winning_outcome"`
	Error          string `json:"error,omitempty"`
}

// MarketClient implements core.MarketLookup.
type MarketClient struct {
	nc      Requester
	subject string
	timeout time.Duration
}

func NewMarketClient(nc Requester, timeout time.Duration) *MarketClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &MarketClient{nc: nc, subject: MarketStatusSubject, timeout: timeout}
}

// GetMarketStatus asks the market service whether marketID has resolved.
// A resolved market without a winning outcome is void.
func (c *MarketClient) GetMarketStatus(ctx context.Context, marketID string) (core.MarketStatus, error) {
	var reply marketStatusReply
	if err := c.call(ctx, marketStatusRequest{MarketID: marketID}, &reply); err != nil {
		return core.MarketStatus{}, fmt.Errorf("market %s: %w", marketID, err)
	}
	if reply.Error != "" {
		return core.MarketStatus{}, fmt.Errorf("market %s: %s", marketID, reply.Error)
	}

	st := core.MarketStatus{
		MarketID:       marketID,
		Resolved:       reply.Resolved,
		WinningOutcome: ledger.OutcomeNone,
	}
	if reply.WinningOutcome != nil {
		st.WinningOutcome = ledger.Outcome(*reply.WinningOutcome)
	}
	return st, nil
}

func (c *MarketClient) call(ctx context.Context, req, reply any) error {
	return request(ctx, c.nc, c.subject, c.timeout, req, reply)
}

// --- Chain submission ---

// BatchWire is the chain adapter's view of a settlement batch. Byte fields
// are 0x-prefixed hex.
type BatchWire struct {
	ID             string              `json:"id"`
	MarketID       string              `json:"market_id"`
	ChannelID      string              `json:"channel_id"`
	ChannelVersion uint64              `json:"channel_version"`
	StateDigest    string              `json:"state_digest"`
	Signatures     []SignatureWire     `json:"signatures"`
	Positions      []state.NetPosition `json:"positions"`
	WinningOutcome int                 `json:"winning_outcome"`
	TotalPool      int64               `json:"total_pool"`
	Void           bool                `json:"void"`
}

type SignatureWire struct {
	Signer string `json:"signer"`
	Sig    string `json:"sig"`
}

type submitReply struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	TxRef  string `json:"tx_ref,omitempty"`
}

// ChainClient implements settlement.ChainSubmitter.
type ChainClient struct {
	nc      Requester
	subject string
	timeout time.Duration
}

func NewChainClient(nc Requester, timeout time.Duration) *ChainClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ChainClient{nc: nc, subject: ChainSettleSubject, timeout: timeout}
}

// SubmitSettlement forwards the batch. Transport failures are returned as
// errors and retried by the Submitter; the adapter's verdict is returned as
// the result.
func (c *ChainClient) SubmitSettlement(ctx context.Context, batch *settlement.Batch) (settlement.SubmitResult, error) {
	var reply submitReply
	if err := request(ctx, c.nc, c.subject, c.timeout, EncodeBatch(batch), &reply); err != nil {
		return settlement.SubmitResult{}, fmt.Errorf("batch %s: %w", batch.ID, err)
	}

	status, err := settlement.ParseSubmitStatus(reply.Status)
	if err != nil {
		return settlement.SubmitResult{}, fmt.Errorf("batch %s: %w", batch.ID, err)
	}
	return settlement.SubmitResult{Status: status, Reason: reply.Reason, TxRef: reply.TxRef}, nil
}

// EncodeBatch renders a batch in the chain adapter's wire format.
func EncodeBatch(b *settlement.Batch) BatchWire {
	sigs := make([]SignatureWire, len(b.Signatures))
	for i, s := range b.Signatures {
		sigs[i] = SignatureWire{Signer: s.Signer, Sig: "0x" + hex.EncodeToString(s.Sig)}
	}
	return BatchWire{
		ID:             b.ID,
		MarketID:       b.MarketID,
		ChannelID:      b.ChannelID,
		ChannelVersion: b.ChannelVersion,
		StateDigest:    "0x" + hex.EncodeToString(b.StateDigest[:]),
		Signatures:     sigs,
		Positions:      b.Positions,
		WinningOutcome: int(b.WinningOutcome),
		TotalPool:      b.TotalPool,
		Void:           b.Void,
	}
}

func request(ctx context.Context, nc Requester, subject string, timeout time.Duration, req, reply any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("decode %s reply: %w", subject, err)
	}
	return nil
}
