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

// OrderRepository handles all database operations for Orders.
type OrderRepository struct {
	db *sqlx.DB
}

// NewOrderRepository creates a new OrderRepository.
func NewOrderRepository(db *sqlx.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts the order for a listing inside the settlement transaction.
// orders_listing_id_key makes a second order for the same listing fail even
// if the listing lock were somehow bypassed.
func (r *OrderRepository) Create(ctx context.Context, tx *sqlx.Tx, o *domain.Order) error {
	query := `
		INSERT INTO orders
			(id, listing_id, bid_id, buyer_id, seller_id, amount, currency, settled_at)
		VALUES
			(:id, :listing_id, :bid_id, :buyer_id, :seller_id, :amount, :currency, :settled_at)`
	if _, err := tx.NamedExecContext(ctx, query, o); err != nil {
		if isUniqueViolation(err, "orders_listing_id_key") {
			return fmt.Errorf("order_repo.Create: %w", domain.ErrStorageConflict)
		}
		return fmt.Errorf("order_repo.Create: %w", mapPgError(err))
	}
	return nil
}

// GetByListing fetches the order of a listing using q (the pool or a tx).
func (r *OrderRepository) GetByListing(ctx context.Context, q sqlx.QueryerContext, listingID uuid.UUID) (*domain.Order, error) {
	var o domain.Order
	err := sqlx.GetContext(ctx, q, &o, `SELECT * FROM orders WHERE listing_id = $1`, listingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("order_repo.GetByListing: %w", err)
	}
	return &o, nil
}
