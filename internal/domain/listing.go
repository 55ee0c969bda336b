// Package domain defines the core entities of the auction engine: listings,
// bids, orders, the users behind them, and the events broadcast when any of
// them change.
package domain

import (
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// ListingStatus represents the lifecycle state of an auction listing.
type ListingStatus string

const (
	ListingScheduled ListingStatus = "scheduled" // created, start time not reached
	ListingActive    ListingStatus = "active"    // accepting bids
	ListingEnded     ListingStatus = "ended"     // bidding frozen, awaiting settlement
	ListingSettled   ListingStatus = "settled"   // winner (if any) recorded as an Order
	ListingCanceled  ListingStatus = "canceled"  // voided by an administrator
)

// listingTransitions enumerates every legal status change. Anything not
// listed here is rejected by CanTransition.
var listingTransitions = map[ListingStatus][]ListingStatus{
	ListingScheduled: {ListingActive, ListingCanceled},
	ListingActive:    {ListingEnded, ListingCanceled},
	ListingEnded:     {ListingSettled},
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3,8}$`)

// ValidCurrency reports whether code looks like a currency code we accept.
func ValidCurrency(code string) bool {
	return currencyPattern.MatchString(code)
}

// ──────────────────────────────────────────────────────────────────────────────
// Listing
// ──────────────────────────────────────────────────────────────────────────────

// Listing is one auction for one item.
type Listing struct {
	ID           uuid.UUID        `json:"id"            db:"id"`
	ItemRef      string           `json:"item_ref"      db:"item_ref"`
	SellerID     uuid.UUID        `json:"seller_id"     db:"seller_id"`
	Currency     string           `json:"currency"      db:"currency"`
	ReservePrice *decimal.Decimal `json:"reserve_price" db:"reserve_price"`
	StartAt      time.Time        `json:"start_at"      db:"start_at"`
	EndAt        time.Time        `json:"end_at"        db:"end_at"`
	Status       ListingStatus    `json:"status"        db:"status"`
	Version      int64            `json:"version"       db:"version"`
	SettledAt    *time.Time       `json:"settled_at"    db:"settled_at"`
	CreatedAt    time.Time        `json:"created_at"    db:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"    db:"updated_at"`
}

// CanTransition reports whether the listing may move from its current status
// to next.
func (l *Listing) CanTransition(next ListingStatus) bool {
	for _, s := range listingTransitions[l.Status] {
		if s == next {
			return true
		}
	}
	return false
}

// EffectiveStatus folds lazy activation into the stored status: a scheduled
// listing whose start time has passed is treated as active.
func (l *Listing) EffectiveStatus(now time.Time) ListingStatus {
	if l.Status == ListingScheduled && !now.Before(l.StartAt) {
		return ListingActive
	}
	return l.Status
}

// Phase is EffectiveStatus with expiry folded in as well: an active listing
// whose end time has passed is reported as ended even before the sweep or a
// settlement persists it.
func (l *Listing) Phase(now time.Time) ListingStatus {
	status := l.EffectiveStatus(now)
	if status == ListingActive && l.HasExpired(now) {
		return ListingEnded
	}
	return status
}

// AcceptsBids returns true while bids may be admitted at time now.
func (l *Listing) AcceptsBids(now time.Time) bool {
	return l.EffectiveStatus(now) == ListingActive && now.Before(l.EndAt)
}

// HasExpired returns true once the end time has been reached.
func (l *Listing) HasExpired(now time.Time) bool {
	return !now.Before(l.EndAt)
}

// IsTerminal returns true for settled and canceled listings.
func (l *Listing) IsTerminal() bool {
	return l.Status == ListingSettled || l.Status == ListingCanceled
}

// ReserveFloor returns the reserve price, or zero when none is set.
func (l *Listing) ReserveFloor() decimal.Decimal {
	if l.ReservePrice == nil {
		return decimal.Zero
	}
	return *l.ReservePrice
}

// TimeLeft returns the duration until bidding closes, floored at zero.
func (l *Listing) TimeLeft(now time.Time) time.Duration {
	remaining := l.EndAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CreateListingRequest carries the inputs for opening a new auction.
type CreateListingRequest struct {
	SellerID     uuid.UUID
	ItemRef      string
	Currency     string
	ReservePrice *decimal.Decimal
	StartAt      time.Time
	EndAt        time.Time
}
