package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evetabi/auction/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresStore implements Store on PostgreSQL. The per-listing unit of work
// is a transaction holding SELECT ... FOR UPDATE on the listing row, bounded
// by lock_timeout so contention surfaces as ErrStorageConflict.
type PostgresStore struct {
	db          *sqlx.DB
	listings    *ListingRepository
	bids        *BidRepository
	orders      *OrderRepository
	lockTimeout time.Duration
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sqlx.DB, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{
		db:          db,
		listings:    NewListingRepository(db),
		bids:        NewBidRepository(db),
		orders:      NewOrderRepository(db),
		lockTimeout: lockTimeout,
	}
}

// InListingTx implements Store.
func (s *PostgresStore) InListingTx(ctx context.Context, listingID uuid.UUID, fn func(tx ListingTx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store.InListingTx: begin tx: %w", mapPgError(err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store.InListingTx: lock timeout: %w", err)
		}
	}

	listing, err := s.listings.GetForUpdate(ctx, tx, listingID)
	if err != nil {
		return s.contextAware(ctx, err)
	}

	if err = fn(&pgListingTx{store: s, tx: tx, listing: listing}); err != nil {
		return err
	}

	// An abandoned caller must not leave a half-applied unit of work behind.
	if err = ctx.Err(); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store.InListingTx: commit: %w", mapPgError(err))
	}
	return nil
}

// contextAware reports a cancelled caller as its context error rather than
// the driver's "canceling statement" failure.
func (s *PostgresStore) contextAware(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, domain.ErrListingNotFound) {
		return ctxErr
	}
	return err
}

// CreateListing implements Store.
func (s *PostgresStore) CreateListing(ctx context.Context, l *domain.Listing) error {
	return s.listings.Create(ctx, l)
}

// GetListing implements Store.
func (s *PostgresStore) GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error) {
	return s.listings.GetByID(ctx, id)
}

// ListListings implements Store.
func (s *PostgresStore) ListListings(ctx context.Context, f ListingFilter) ([]*domain.Listing, int, error) {
	return s.listings.List(ctx, f)
}

// ListDueForActivation implements Store.
func (s *PostgresStore) ListDueForActivation(ctx context.Context, now time.Time, limit int) ([]*domain.Listing, error) {
	return s.listings.GetDueForActivation(ctx, now, limit)
}

// ListExpired implements Store.
func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Listing, error) {
	return s.listings.GetExpired(ctx, now, limit)
}

// GetBid implements Store.
func (s *PostgresStore) GetBid(ctx context.Context, id uuid.UUID) (*domain.Bid, error) {
	return s.bids.GetByID(ctx, s.db, id)
}

// HighestActiveBid implements Store.
func (s *PostgresStore) HighestActiveBid(ctx context.Context, listingID uuid.UUID) (*domain.Bid, error) {
	return s.bids.GetHighestActive(ctx, s.db, listingID)
}

// ListBids implements Store.
func (s *PostgresStore) ListBids(ctx context.Context, listingID uuid.UUID, limit, offset int) ([]*domain.Bid, error) {
	return s.bids.ListByListing(ctx, listingID, limit, offset)
}

// GetOrderByListing implements Store.
func (s *PostgresStore) GetOrderByListing(ctx context.Context, listingID uuid.UUID) (*domain.Order, error) {
	return s.orders.GetByListing(ctx, s.db, listingID)
}

// ──────────────────────────────────────────────────────────────────────────────
// pgListingTx
// ──────────────────────────────────────────────────────────────────────────────

type pgListingTx struct {
	store   *PostgresStore
	tx      *sqlx.Tx
	listing *domain.Listing
}

func (t *pgListingTx) Listing() *domain.Listing {
	cp := *t.listing
	return &cp
}

func (t *pgListingTx) HighestActiveBid(ctx context.Context) (*domain.Bid, error) {
	return t.store.bids.GetHighestActive(ctx, t.tx, t.listing.ID)
}

func (t *pgListingTx) GetBid(ctx context.Context, id uuid.UUID) (*domain.Bid, error) {
	b, err := t.store.bids.GetByID(ctx, t.tx, id)
	if err != nil {
		return nil, err
	}
	if b.ListingID != t.listing.ID {
		return nil, domain.ErrBidNotFound
	}
	return b, nil
}

func (t *pgListingTx) InsertBid(ctx context.Context, b *domain.Bid) error {
	return t.store.bids.Create(ctx, t.tx, b)
}

func (t *pgListingTx) UpdateBidStatus(ctx context.Context, bidID uuid.UUID, from, to domain.BidStatus) error {
	return t.store.bids.UpdateStatus(ctx, t.tx, bidID, from, to)
}

func (t *pgListingTx) UpdateBidsStatus(ctx context.Context, from, to domain.BidStatus) (int64, error) {
	return t.store.bids.UpdateStatusBulk(ctx, t.tx, t.listing.ID, from, to)
}

func (t *pgListingTx) SetListingStatus(ctx context.Context, status domain.ListingStatus, at time.Time) error {
	if err := t.store.listings.SetStatus(ctx, t.tx, t.listing.ID, status, at); err != nil {
		return err
	}
	t.listing.Status = status
	t.listing.UpdatedAt = at
	if status == domain.ListingSettled {
		settled := at
		t.listing.SettledAt = &settled
	}
	return nil
}

func (t *pgListingTx) BumpVersion(ctx context.Context) (int64, error) {
	v, err := t.store.listings.BumpVersion(ctx, t.tx, t.listing.ID)
	if err != nil {
		return 0, err
	}
	t.listing.Version = v
	return v, nil
}

func (t *pgListingTx) GetOrder(ctx context.Context) (*domain.Order, error) {
	return t.store.orders.GetByListing(ctx, t.tx, t.listing.ID)
}

func (t *pgListingTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	return t.store.orders.Create(ctx, t.tx, o)
}
