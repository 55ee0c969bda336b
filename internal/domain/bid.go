package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// BidStatus represents the current state of a bid in the ledger.
type BidStatus string

const (
	BidActive     BidStatus = "active"     // current highest bid on its listing
	BidSuperseded BidStatus = "superseded" // outbid by a later admitted bid
	BidRetracted  BidStatus = "retracted"  // withdrawn by the bidder
	BidWon        BidStatus = "won"        // selected at settlement
	BidLost       BidStatus = "lost"       // listing settled or canceled without it winning
)

// AmountPrecision is the number of fractional digits amounts are kept at.
const AmountPrecision int32 = 6

var (
	// IncrementFactor is the multiplier a new bid must reach over the current
	// highest active bid.
	IncrementFactor = decimal.RequireFromString("1.05")

	// smallestUnit is one unit at AmountPrecision (0.000001).
	smallestUnit = decimal.New(1, -AmountPrecision)
)

// ──────────────────────────────────────────────────────────────────────────────
// Bid
// ──────────────────────────────────────────────────────────────────────────────

// Bid is one amount submitted by one bidder against one listing.
type Bid struct {
	ID        uuid.UUID       `json:"id"         db:"id"`
	ListingID uuid.UUID       `json:"listing_id" db:"listing_id"`
	BidderID  uuid.UUID       `json:"bidder_id"  db:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"     db:"amount"`
	Currency  string          `json:"currency"   db:"currency"`
	Status    BidStatus       `json:"status"     db:"status"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// IsActive returns true when the bid is the current highest on its listing.
func (b *Bid) IsActive() bool {
	return b.Status == BidActive
}

// PlaceBidRequest carries the inputs for placing a bid. Currency is optional;
// when set it must match the listing's currency.
type PlaceBidRequest struct {
	ListingID uuid.UUID
	BidderID  uuid.UUID
	Amount    decimal.Decimal
	Currency  string
}

// ──────────────────────────────────────────────────────────────────────────────
// Minimum increment
// ──────────────────────────────────────────────────────────────────────────────

// MinimumNextBid returns the smallest amount a new bid must reach.
//
//	minNext = max(reserve, highest × 1.05), rounded half-up to 6 places
//
// highest is nil when the listing has no active bid. When rounding would let
// a bid merely match the current highest, the minimum is bumped by one unit
// so that admission always requires strictly exceeding it.
func MinimumNextBid(reserve decimal.Decimal, highest *decimal.Decimal) decimal.Decimal {
	minNext := reserve
	if highest != nil {
		stepped := highest.Mul(IncrementFactor)
		if stepped.GreaterThan(minNext) {
			minNext = stepped
		}
	}
	minNext = minNext.Round(AmountPrecision)
	if highest != nil && minNext.LessThanOrEqual(*highest) {
		minNext = highest.Add(smallestUnit)
	}
	return minNext
}

// ValidAmount reports whether amount is positive and representable at
// AmountPrecision without loss.
func ValidAmount(amount decimal.Decimal) bool {
	if !amount.IsPositive() {
		return false
	}
	return amount.Equal(amount.Truncate(AmountPrecision))
}
