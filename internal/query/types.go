package query

import (
	"time"

	"BetChannel/internal/ledger"
	"BetChannel/internal/state"

	"github.com/shopspring/decimal"
)

// ChannelView is the API representation of a channel header.
type ChannelView struct {
	ChannelID      string                   `json:"channel_id"`
	MarketID       string                   `json:"market_id"`
	Version        uint64                   `json:"version"`
	Status         string                   `json:"status"`
	Allocations    map[string]int64         `json:"allocations"`
	Total          int64                    `json:"total"`
	BetCount       int                      `json:"bet_count"`
	WinningOutcome *int                     `json:"winning_outcome,omitempty"`
	StateHash      string                   `json:"state_hash"`
	Settlement     *ledger.SettlementResult `json:"settlement,omitempty"`
	AbortReason    string                   `json:"abort_reason,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// PoolSummary is the per-outcome pool view with implied odds. Implied
// probability is pool_on / total; multiplier is total / pool_on, zero
// when the side has no stake.
type PoolSummary struct {
	ChannelID     string          `json:"channel_id"`
	MarketID      string          `json:"market_id"`
	Version       uint64          `json:"version"`
	Status        string          `json:"status"`
	PoolNo        int64           `json:"pool_no"`
	PoolYes       int64           `json:"pool_yes"`
	Total         int64           `json:"total"`
	BetCount      int             `json:"bet_count"`
	Bettors       int             `json:"bettors"`
	ImpliedNo     decimal.Decimal `json:"implied_no"`
	ImpliedYes    decimal.Decimal `json:"implied_yes"`
	MultiplierNo  decimal.Decimal `json:"multiplier_no"`
	MultiplierYes decimal.Decimal `json:"multiplier_yes"`
	Source        string          `json:"source"` // "cache" or "live"
}

// PositionsPreview is the payout table a channel would settle with under
// a given winning outcome.
type PositionsPreview struct {
	ChannelID      string              `json:"channel_id"`
	Version        uint64              `json:"version"`
	WinningOutcome int                 `json:"winning_outcome"`
	Void           bool                `json:"void"`
	TotalPool      int64               `json:"total_pool"`
	WinningPool    int64               `json:"winning_pool"`
	TotalPaid      int64               `json:"total_paid"`
	Dust           int64               `json:"dust"`
	Positions      []state.NetPosition `json:"positions"`
}

// HistoryPage is one page of a channel's bet history in version order.
type HistoryPage struct {
	ChannelID string                `json:"channel_id"`
	Entries   []ledger.HistoryEntry `json:"entries"`
	NextAfter uint64                `json:"next_after,omitempty"` // zero when exhausted
}

// IntegrityReport is the result of an integrity check on one channel.
type IntegrityReport struct {
	ChannelID string   `json:"channel_id"`
	Version   uint64   `json:"version"`
	IsHealthy bool     `json:"is_healthy"`
	Issues    []string `json:"issues,omitempty"`
}
