package event

// ChannelOpened is the version-0 transition.
type ChannelOpened struct {
	Allocations map[string]int64 `json:"allocations"`
}

func (c *ChannelOpened) EventType() EventType {
	return EventTypeChannelOpened
}

// FinalizeBegun freezes the channel with the resolved outcome (-1 for void).
type FinalizeBegun struct {
	WinningOutcome int `json:"winning_outcome"`
}

func (f *FinalizeBegun) EventType() EventType {
	return EventTypeFinalizeBegun
}

type ChannelSettled struct {
	BatchID        string `json:"batch_id"`
	StateDigest    []byte `json:"state_digest"`
	TxRef          string `json:"tx_ref,omitempty"`
	AlreadySettled bool   `json:"already_settled"`
}

func (c *ChannelSettled) EventType() EventType {
	return EventTypeChannelSettled
}

type ChannelAborted struct {
	Reason string `json:"reason"`
}

func (c *ChannelAborted) EventType() EventType {
	return EventTypeChannelAborted
}
