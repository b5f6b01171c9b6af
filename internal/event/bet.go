package event

// BetApplied records a wager escrowed from User into the pool.
type BetApplied struct {
	User      string `json:"user"`
	Outcome   int    `json:"outcome"`
	Amount    int64  `json:"amount"`
	RequestID string `json:"request_id,omitempty"`

	// Balances of the two touched participants after the transfer
	UserBalance int64 `json:"user_balance"`
	PoolBalance int64 `json:"pool_balance"`
}

func (b *BetApplied) EventType() EventType {
	return EventTypeBetApplied
}
