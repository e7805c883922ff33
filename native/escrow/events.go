package escrow

import (
	"strconv"

	"shopchain/core/types"
	"shopchain/crypto"
)

const (
	EventTypeDealCreated  = "escrow.deal.created"
	EventTypeDealFunded   = "escrow.deal.funded"
	EventTypeDealReleased = "escrow.deal.released"
)

// DealEvent is emitted on every successful state transition.
type DealEvent struct {
	Type    string
	Address crypto.Identity
	Deal    Deal
	// Custody is the deal account balance after the transition.
	Custody uint64
}

func (e DealEvent) EventType() string { return e.Type }

func (e DealEvent) Event() *types.Event {
	return &types.Event{
		Type: e.Type,
		Attributes: map[string]string{
			"deal":    e.Address.String(),
			"buyer":   e.Deal.Buyer.String(),
			"seller":  e.Deal.Seller.String(),
			"amount":  strconv.FormatUint(e.Deal.Amount, 10),
			"dealId":  strconv.FormatUint(e.Deal.DealID, 10),
			"state":   e.Deal.State.String(),
			"custody": strconv.FormatUint(e.Custody, 10),
		},
	}
}

func newDealEvent(eventType string, addr crypto.Identity, deal *Deal, custody uint64) DealEvent {
	return DealEvent{Type: eventType, Address: addr, Deal: *deal, Custody: custody}
}
