package event

// Deposited funds a channel participant. It is the only transition that
// grows the channel total.
type Deposited struct {
	Participant string `json:"participant"`
	Amount      int64  `json:"amount"`
}

func (d *Deposited) EventType() EventType {
	return EventTypeDeposited
}
