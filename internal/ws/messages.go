// Package ws holds WebSocket message types and the Hub implementation.
// messages.go defines all message structs pushed to connected clients.
package ws

import (
	"time"

	"github.com/evetabi/auction/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MsgType identifies the kind of WS message so clients can switch on it.
type MsgType string

const (
	MsgTypeSnapshot        MsgType = "snapshot"
	MsgTypeBidAccepted     MsgType = MsgType(domain.EventBidAccepted)
	MsgTypeBidRetracted    MsgType = MsgType(domain.EventBidRetracted)
	MsgTypeAuctionSettled  MsgType = MsgType(domain.EventAuctionSettled)
	MsgTypeAuctionCanceled MsgType = MsgType(domain.EventAuctionCanceled)
	MsgTypeError           MsgType = "error"
)

// ──────────────────────────────────────────────────────────────────────────────
// SnapshotMessage
// ──────────────────────────────────────────────────────────────────────────────

// SnapshotMessage is the listing state a client starts from. Later events
// with a Seq at or below this one are already reflected in it.
type SnapshotMessage struct {
	Type            MsgType              `json:"type"`
	ListingID       uuid.UUID            `json:"listing_id"`
	Status          domain.ListingStatus `json:"status"`
	Currency        string               `json:"currency"`
	Highest         *decimal.Decimal     `json:"highest"`
	HighestBidID    *uuid.UUID           `json:"highest_bid_id"`
	MinNext         decimal.Decimal      `json:"min_next"`
	EndAt           time.Time            `json:"end_at"`
	TimeLeftSeconds int64                `json:"time_left_seconds"`
	Seq             int64                `json:"seq"`
	Timestamp       time.Time            `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// EventMessage
// ──────────────────────────────────────────────────────────────────────────────

// EventMessage carries a domain.Event to the client. Delivery may skip
// events for a slow client, so clients apply only events newer than the last
// Seq seen (see domain.HighestView).
type EventMessage struct {
	Type      MsgType       `json:"type"`
	ListingID uuid.UUID     `json:"listing_id"`
	Seq       int64         `json:"seq"`
	Bid       *domain.Bid   `json:"bid,omitempty"`
	Order     *domain.Order `json:"order,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewEventMessage converts a domain event.
func NewEventMessage(e domain.Event) EventMessage {
	return EventMessage{
		Type:      MsgType(e.Type),
		ListingID: e.ListingID,
		Seq:       e.Seq,
		Bid:       e.Bid,
		Order:     e.Order,
		Timestamp: e.OccurredAt,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// ErrorMessage
// ──────────────────────────────────────────────────────────────────────────────

// ErrorMessage is sent directly to one client.
type ErrorMessage struct {
	Type    MsgType `json:"type"`
	Code    string  `json:"code"`
	Message string  `json:"message"`
}
