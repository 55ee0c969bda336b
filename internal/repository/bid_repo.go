package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/evetabi/auction/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// BidRepository handles all database operations on the bid ledger.
type BidRepository struct {
	db *sqlx.DB
}

// NewBidRepository creates a new BidRepository.
func NewBidRepository(db *sqlx.DB) *BidRepository {
	return &BidRepository{db: db}
}

// Create inserts a new bid inside an existing transaction. created_at is
// assigned by the database with clock_timestamp() and written back to b so
// that ties on amount are broken by insertion order.
func (r *BidRepository) Create(ctx context.Context, tx *sqlx.Tx, b *domain.Bid) error {
	query := `
		INSERT INTO bids
			(id, listing_id, bidder_id, amount, currency, status, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, clock_timestamp(), clock_timestamp())
		RETURNING created_at, updated_at`
	row := tx.QueryRowxContext(ctx, query,
		b.ID, b.ListingID, b.BidderID, b.Amount, b.Currency, string(b.Status))
	if err := row.Scan(&b.CreatedAt, &b.UpdatedAt); err != nil {
		return fmt.Errorf("bid_repo.Create: %w", mapPgError(err))
	}
	return nil
}

// GetByID fetches a bid by its primary key using q (the pool or a tx).
func (r *BidRepository) GetByID(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*domain.Bid, error) {
	var b domain.Bid
	err := sqlx.GetContext(ctx, q, &b, `SELECT * FROM bids WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBidNotFound
		}
		return nil, fmt.Errorf("bid_repo.GetByID: %w", err)
	}
	return &b, nil
}

// GetHighestActive returns the listing's active bid, or nil when there is
// none. Served by idx_bids_listing_status_amount.
func (r *BidRepository) GetHighestActive(ctx context.Context, q sqlx.QueryerContext, listingID uuid.UUID) (*domain.Bid, error) {
	var b domain.Bid
	err := sqlx.GetContext(ctx, q, &b,
		`SELECT * FROM bids
		 WHERE listing_id = $1 AND status = 'active'
		 ORDER BY amount DESC, created_at ASC
		 LIMIT 1`,
		listingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("bid_repo.GetHighestActive: %w", err)
	}
	return &b, nil
}

// ListByListing returns a listing's bids, newest first, paginated. A zero
// limit returns them all.
func (r *BidRepository) ListByListing(ctx context.Context, listingID uuid.UUID, limit, offset int) ([]*domain.Bid, error) {
	var bids []*domain.Bid
	err := r.db.SelectContext(ctx, &bids,
		`SELECT * FROM bids WHERE listing_id = $1 ORDER BY created_at DESC LIMIT NULLIF($2, 0) OFFSET $3`,
		listingID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("bid_repo.ListByListing: %w", err)
	}
	return bids, nil
}

// UpdateStatus moves a bid from one status to another inside a transaction.
// Only touches the bid while it is still in from, so a stale caller gets
// ErrBidNotActive instead of overwriting a newer status.
func (r *BidRepository) UpdateStatus(ctx context.Context, tx *sqlx.Tx, bidID uuid.UUID, from, to domain.BidStatus) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE bids
		SET status     = $1,
		    updated_at = clock_timestamp()
		WHERE id = $2 AND status = $3`,
		string(to), bidID, string(from))
	if err != nil {
		return fmt.Errorf("bid_repo.UpdateStatus: %w", mapPgError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrBidNotActive
	}
	return nil
}

// UpdateStatusBulk moves every bid of a listing in status from to status to,
// inside the settlement or cancellation transaction.
func (r *BidRepository) UpdateStatusBulk(ctx context.Context, tx *sqlx.Tx, listingID uuid.UUID, from, to domain.BidStatus) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE bids
		SET status     = $1,
		    updated_at = clock_timestamp()
		WHERE listing_id = $2
		  AND status     = $3`,
		string(to), listingID, string(from))
	if err != nil {
		return 0, fmt.Errorf("bid_repo.UpdateStatusBulk: %w", mapPgError(err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}
