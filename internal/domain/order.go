package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order is the settlement artifact recording the transfer of a listing's
// item to the winning bidder. At most one exists per listing.
type Order struct {
	ID        uuid.UUID       `json:"id"         db:"id"`
	ListingID uuid.UUID       `json:"listing_id" db:"listing_id"`
	BidID     uuid.UUID       `json:"bid_id"     db:"bid_id"`
	BuyerID   uuid.UUID       `json:"buyer_id"   db:"buyer_id"`
	SellerID  uuid.UUID       `json:"seller_id"  db:"seller_id"`
	Amount    decimal.Decimal `json:"amount"     db:"amount"`
	Currency  string          `json:"currency"   db:"currency"`
	SettledAt time.Time       `json:"settled_at" db:"settled_at"`
}

// NewOrder builds the Order for a listing won by bid.
func NewOrder(listing *Listing, bid *Bid, settledAt time.Time) *Order {
	return &Order{
		ID:        uuid.New(),
		ListingID: listing.ID,
		BidID:     bid.ID,
		BuyerID:   bid.BidderID,
		SellerID:  listing.SellerID,
		Amount:    bid.Amount,
		Currency:  listing.Currency,
		SettledAt: settledAt,
	}
}
