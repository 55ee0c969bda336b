package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType identifies the kind of change an Event describes so subscribers
// can switch on it.
type EventType string

const (
	EventBidAccepted     EventType = "bid_accepted"
	EventBidRetracted    EventType = "bid_retracted"
	EventAuctionSettled  EventType = "auction_settled"
	EventAuctionCanceled EventType = "auction_canceled"
)

// Event is a committed change on one listing. Seq is the listing version
// after the change, so events of one listing are totally ordered by Seq.
type Event struct {
	Type       EventType `json:"type"`
	ListingID  uuid.UUID `json:"listing_id"`
	Seq        int64     `json:"seq"`
	Bid        *Bid      `json:"bid,omitempty"`
	Order      *Order    `json:"order,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// IsTerminal returns true for events after which a listing emits nothing more.
func (e Event) IsTerminal() bool {
	return e.Type == EventAuctionSettled || e.Type == EventAuctionCanceled
}

// NewBidAcceptedEvent builds the event published after a bid is admitted.
func NewBidAcceptedEvent(bid *Bid, seq int64, at time.Time) Event {
	return Event{Type: EventBidAccepted, ListingID: bid.ListingID, Seq: seq, Bid: bid, OccurredAt: at}
}

// NewBidRetractedEvent builds the event published after a bid is withdrawn.
func NewBidRetractedEvent(bid *Bid, seq int64, at time.Time) Event {
	return Event{Type: EventBidRetracted, ListingID: bid.ListingID, Seq: seq, Bid: bid, OccurredAt: at}
}

// NewAuctionSettledEvent builds the settlement event. order is nil when the listing
// closed without bids.
func NewAuctionSettledEvent(listingID uuid.UUID, order *Order, seq int64, at time.Time) Event {
	return Event{Type: EventAuctionSettled, ListingID: listingID, Seq: seq, Order: order, OccurredAt: at}
}

// NewAuctionCanceledEvent builds the cancellation event.
func NewAuctionCanceledEvent(listingID uuid.UUID, seq int64, at time.Time) Event {
	return Event{Type: EventAuctionCanceled, ListingID: listingID, Seq: seq, OccurredAt: at}
}

// ──────────────────────────────────────────────────────────────────────────────
// HighestView: subscriber-side reconciliation
// ──────────────────────────────────────────────────────────────────────────────

// HighestView is the state a subscriber keeps for one listing. Delivery may
// duplicate or reorder events, so Apply only folds an event whose Seq is newer
// than the last one applied. A zero Amount means the listing has no live bid.
type HighestView struct {
	Amount   decimal.Decimal `json:"amount"`
	BidID    uuid.UUID       `json:"bid_id"`
	Seq      int64           `json:"seq"`
	Settled  bool            `json:"settled"`
	Canceled bool            `json:"canceled"`
	Order    *Order          `json:"order,omitempty"`
}

// Apply folds e into the view and reports whether the view changed. Stale and
// duplicate events are ignored.
func (v *HighestView) Apply(e Event) bool {
	if e.Seq <= v.Seq {
		return false
	}
	v.Seq = e.Seq

	switch e.Type {
	case EventBidAccepted:
		if e.Bid != nil {
			v.Amount = e.Bid.Amount
			v.BidID = e.Bid.ID
		}
	case EventBidRetracted:
		v.Amount = decimal.Zero
		v.BidID = uuid.Nil
	case EventAuctionSettled:
		v.Settled = true
		v.Order = e.Order
		if e.Order != nil {
			v.Amount = e.Order.Amount
			v.BidID = e.Order.BidID
		}
	case EventAuctionCanceled:
		v.Canceled = true
		v.Amount = decimal.Zero
		v.BidID = uuid.Nil
	}
	return true
}
