package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/evetabi/auction/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ListingRepository handles all database operations for Listings.
type ListingRepository struct {
	db *sqlx.DB
}

// NewListingRepository creates a new ListingRepository.
func NewListingRepository(db *sqlx.DB) *ListingRepository {
	return &ListingRepository{db: db}
}

// Create inserts a new listing row.
func (r *ListingRepository) Create(ctx context.Context, l *domain.Listing) error {
	query := `
		INSERT INTO listings
			(id, item_ref, seller_id, currency, reserve_price, start_at, end_at, status, version, created_at, updated_at)
		VALUES
			(:id, :item_ref, :seller_id, :currency, :reserve_price, :start_at, :end_at, :status, :version, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, l); err != nil {
		return fmt.Errorf("listing_repo.Create: %w", mapPgError(err))
	}
	return nil
}

// GetByID fetches a listing by its primary key.
func (r *ListingRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Listing, error) {
	var l domain.Listing
	err := r.db.GetContext(ctx, &l, `SELECT * FROM listings WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrListingNotFound
		}
		return nil, fmt.Errorf("listing_repo.GetByID: %w", err)
	}
	return &l, nil
}

// GetForUpdate loads a listing inside tx and holds its row lock until the
// transaction ends. Every bid and settlement on the listing serialises here.
func (r *ListingRepository) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*domain.Listing, error) {
	var l domain.Listing
	err := tx.GetContext(ctx, &l, `SELECT * FROM listings WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrListingNotFound
		}
		return nil, fmt.Errorf("listing_repo.GetForUpdate: %w", mapPgError(err))
	}
	return &l, nil
}

// SetStatus writes a listing's status inside tx. The settled transition also
// stamps settled_at.
func (r *ListingRepository) SetStatus(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status domain.ListingStatus, at time.Time) error {
	query := `
		UPDATE listings
		SET status     = $1::text,
		    settled_at = CASE WHEN $1::text = 'settled' THEN $2::timestamptz ELSE settled_at END,
		    updated_at = $2::timestamptz
		WHERE id = $3`
	res, err := tx.ExecContext(ctx, query, string(status), at, id)
	if err != nil {
		return fmt.Errorf("listing_repo.SetStatus: %w", mapPgError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrListingNotFound
	}
	return nil
}

// BumpVersion increments the listing's row version inside tx.
func (r *ListingRepository) BumpVersion(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (int64, error) {
	var version int64
	err := tx.GetContext(ctx, &version,
		`UPDATE listings SET version = version + 1 WHERE id = $1 RETURNING version`, id)
	if err != nil {
		return 0, fmt.Errorf("listing_repo.BumpVersion: %w", mapPgError(err))
	}
	return version, nil
}

// List returns a paginated slice of listings filtered by f. A zero Limit
// returns every match. Returns (listings, totalCount, error).
func (r *ListingRepository) List(ctx context.Context, f ListingFilter) ([]*domain.Listing, int, error) {
	where := `WHERE ($1::text = '' OR status = $1::text) AND ($2::uuid IS NULL OR seller_id = $2::uuid)`

	var seller *uuid.UUID
	if f.SellerID != uuid.Nil {
		seller = &f.SellerID
	}

	var total int
	if err := r.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM listings `+where, string(f.Status), seller); err != nil {
		return nil, 0, fmt.Errorf("listing_repo.List count: %w", err)
	}

	var listings []*domain.Listing
	if err := r.db.SelectContext(ctx, &listings,
		`SELECT * FROM listings `+where+` ORDER BY end_at ASC, id ASC LIMIT NULLIF($3, 0) OFFSET $4`,
		string(f.Status), seller, f.Limit, f.Offset); err != nil {
		return nil, 0, fmt.Errorf("listing_repo.List select: %w", err)
	}
	return listings, total, nil
}

// GetDueForActivation returns scheduled listings whose start time has passed.
func (r *ListingRepository) GetDueForActivation(ctx context.Context, now time.Time, limit int) ([]*domain.Listing, error) {
	var listings []*domain.Listing
	err := r.db.SelectContext(ctx, &listings,
		`SELECT * FROM listings
		 WHERE status = 'scheduled' AND start_at <= $1
		 ORDER BY start_at ASC
		 LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing_repo.GetDueForActivation: %w", err)
	}
	return listings, nil
}

// GetExpired returns listings still open for settlement whose end time has
// passed (i.e. due for settlement). Scheduled listings whose whole window
// elapsed before the sweep saw them are included.
func (r *ListingRepository) GetExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Listing, error) {
	var listings []*domain.Listing
	err := r.db.SelectContext(ctx, &listings,
		`SELECT * FROM listings
		 WHERE status IN ('scheduled','active','ended') AND end_at <= $1
		 ORDER BY end_at ASC
		 LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing_repo.GetExpired: %w", err)
	}
	return listings, nil
}
