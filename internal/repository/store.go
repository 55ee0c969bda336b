// Package repository holds the durable state of the auction engine: the
// listing store, the bid ledger, the order table and the users behind them.
// Store is implemented on PostgreSQL here and in memory by the memory
// sub-package.
package repository

import (
	"context"
	"time"

	"github.com/evetabi/auction/internal/domain"
	"github.com/google/uuid"
)

// ──────────────────────────────────────────────────────────────────────────────
// Store contracts
// ──────────────────────────────────────────────────────────────────────────────

// Store is the storage boundary the engine services run on.
type Store interface {
	// InListingTx runs fn as one unit of work holding the exclusive lock on
	// the listing. fn's writes become visible together when it returns nil
	// and are discarded otherwise. If the lock cannot be obtained within the
	// store's bounded wait, ErrStorageConflict is returned.
	InListingTx(ctx context.Context, listingID uuid.UUID, fn func(tx ListingTx) error) error

	CreateListing(ctx context.Context, l *domain.Listing) error
	GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error)
	ListListings(ctx context.Context, f ListingFilter) ([]*domain.Listing, int, error)

	// ListDueForActivation returns scheduled listings whose start time has passed.
	ListDueForActivation(ctx context.Context, now time.Time, limit int) ([]*domain.Listing, error)
	// ListExpired returns active or ended listings whose end time has passed.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Listing, error)

	GetBid(ctx context.Context, id uuid.UUID) (*domain.Bid, error)
	// HighestActiveBid returns nil, nil when the listing has no active bid.
	HighestActiveBid(ctx context.Context, listingID uuid.UUID) (*domain.Bid, error)
	ListBids(ctx context.Context, listingID uuid.UUID, limit, offset int) ([]*domain.Bid, error)

	GetOrderByListing(ctx context.Context, listingID uuid.UUID) (*domain.Order, error)
}

// ListingTx is the view of one locked listing inside InListingTx.
type ListingTx interface {
	// Listing returns the locked listing, reflecting writes made so far.
	Listing() *domain.Listing

	HighestActiveBid(ctx context.Context) (*domain.Bid, error)
	GetBid(ctx context.Context, id uuid.UUID) (*domain.Bid, error)
	InsertBid(ctx context.Context, b *domain.Bid) error
	// UpdateBidStatus moves one bid from -> to; ErrBidNotActive if the bid is
	// not currently in from.
	UpdateBidStatus(ctx context.Context, bidID uuid.UUID, from, to domain.BidStatus) error
	// UpdateBidsStatus moves every bid of the listing in from to to.
	UpdateBidsStatus(ctx context.Context, from domain.BidStatus, to domain.BidStatus) (int64, error)

	// SetListingStatus writes a new status; settled also stamps settled_at.
	SetListingStatus(ctx context.Context, status domain.ListingStatus, at time.Time) error
	// BumpVersion increments the listing's row version and returns it.
	BumpVersion(ctx context.Context) (int64, error)

	// GetOrder returns ErrOrderNotFound when the listing has none.
	GetOrder(ctx context.Context) (*domain.Order, error)
	InsertOrder(ctx context.Context, o *domain.Order) error
}

// UserStore is the identity record store used by the auth service.
type UserStore interface {
	Create(ctx context.Context, u *domain.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
}

// ListingFilter narrows ListListings. Zero values mean "any".
type ListingFilter struct {
	Status   domain.ListingStatus
	SellerID uuid.UUID
	Limit    int
	Offset   int
}
