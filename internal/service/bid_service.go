package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/evetabi/auction/internal/clock"
	"github.com/evetabi/auction/internal/config"
	"github.com/evetabi/auction/internal/domain"
	"github.com/evetabi/auction/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// BidService
// ──────────────────────────────────────────────────────────────────────────────

// BidService admits and retracts bids. Every admission runs as one unit of
// work on the listing, so the minimum is always computed against the highest
// bid that is actually current.
type BidService struct {
	engine
	store repository.Store
	clock clock.Clock
}

// NewBidService creates a BidService.
func NewBidService(store repository.Store, clk clock.Clock, cfg *config.Config, log *slog.Logger) *BidService {
	return &BidService{
		engine: engine{cfg: cfg, log: log.With("component", "bid_service")},
		store:  store,
		clock:  clk,
	}
}

// SetPublisher injects the notifier dependency post-construction.
func (s *BidService) SetPublisher(p Publisher) { s.publisher = p }

// ──────────────────────────────────────────────────────────────────────────────
// PlaceBid
// ──────────────────────────────────────────────────────────────────────────────

// PlaceBid validates and records a bid. Checks run in this order: the
// listing accepts bids, the bidder is not the seller, the amount is positive
// in the listing's currency, and the amount reaches the minimum next bid.
// A below-minimum amount fails with *domain.MinimumBidError.
//
// On success the previous active bid is superseded in the same unit of work
// and a BidAccepted event is published after commit.
func (s *BidService) PlaceBid(ctx context.Context, req domain.PlaceBidRequest) (*domain.Bid, error) {
	var (
		bid   *domain.Bid
		event domain.Event
	)
	err := s.withRetry(ctx, "PlaceBid", func() error {
		return s.store.InListingTx(ctx, req.ListingID, func(tx repository.ListingTx) error {
			listing := tx.Listing()
			now := s.clock.Now()

			// ── 1. Gates ─────────────────────────────────────────────────────
			if !listing.AcceptsBids(now) {
				return domain.ErrAuctionNotActive
			}
			if req.BidderID == listing.SellerID {
				return domain.ErrNotAuthorized
			}
			if err := checkAmount(req, listing); err != nil {
				return err
			}

			// ── 2. Minimum increment ─────────────────────────────────────────
			highest, err := tx.HighestActiveBid(ctx)
			if err != nil {
				return err
			}
			minNext := domain.MinimumNextBid(listing.ReserveFloor(), amountOf(highest))
			if req.Amount.LessThan(minNext) {
				return &domain.MinimumBidError{MinNext: minNext, Currency: listing.Currency}
			}

			// ── 3. Ledger writes ─────────────────────────────────────────────
			if listing.Status == domain.ListingScheduled {
				if err := tx.SetListingStatus(ctx, domain.ListingActive, now); err != nil {
					return err
				}
			}
			if highest != nil {
				if err := tx.UpdateBidStatus(ctx, highest.ID, domain.BidActive, domain.BidSuperseded); err != nil {
					return err
				}
			}
			b := &domain.Bid{
				ID:        uuid.New(),
				ListingID: listing.ID,
				BidderID:  req.BidderID,
				Amount:    req.Amount,
				Currency:  listing.Currency,
				Status:    domain.BidActive,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.InsertBid(ctx, b); err != nil {
				return err
			}
			seq, err := tx.BumpVersion(ctx)
			if err != nil {
				return err
			}

			bid = b
			event = domain.NewBidAcceptedEvent(b, seq, now)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("bid accepted",
		"listing_id", bid.ListingID, "bid_id", bid.ID, "amount", bid.Amount.String(), "seq", event.Seq)
	s.publish(ctx, event)
	return bid, nil
}

// checkAmount validates the amount and currency of req against listing.
func checkAmount(req domain.PlaceBidRequest, listing *domain.Listing) error {
	if !domain.ValidAmount(req.Amount) {
		return fmt.Errorf("%w: amount must be positive with at most %d decimal places",
			domain.ErrInvalidAmount, domain.AmountPrecision)
	}
	if req.Currency != "" && req.Currency != listing.Currency {
		return fmt.Errorf("%w: listing is denominated in %s, not %s",
			domain.ErrInvalidAmount, listing.Currency, req.Currency)
	}
	return nil
}

func amountOf(b *domain.Bid) *decimal.Decimal {
	if b == nil {
		return nil
	}
	a := b.Amount
	return &a
}

// ──────────────────────────────────────────────────────────────────────────────
// RetractBid
// ──────────────────────────────────────────────────────────────────────────────

// RetractBid withdraws the caller's active bid while its listing is still
// accepting bids. No earlier bid is promoted: the listing has no active bid
// until the next one arrives, and the minimum falls back to the reserve.
func (s *BidService) RetractBid(ctx context.Context, bidID, callerID uuid.UUID) (*domain.Bid, error) {
	existing, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}

	var (
		bid   *domain.Bid
		event domain.Event
	)
	err = s.withRetry(ctx, "RetractBid", func() error {
		return s.store.InListingTx(ctx, existing.ListingID, func(tx repository.ListingTx) error {
			b, err := tx.GetBid(ctx, bidID)
			if err != nil {
				return err
			}
			if b.BidderID != callerID {
				return domain.ErrNotAuthorized
			}
			now := s.clock.Now()
			if !tx.Listing().AcceptsBids(now) {
				return domain.ErrAuctionNotActive
			}
			if b.Status != domain.BidActive {
				return domain.ErrBidNotActive
			}
			if err := tx.UpdateBidStatus(ctx, b.ID, domain.BidActive, domain.BidRetracted); err != nil {
				return err
			}
			seq, err := tx.BumpVersion(ctx)
			if err != nil {
				return err
			}

			b.Status = domain.BidRetracted
			b.UpdatedAt = now
			bid = b
			event = domain.NewBidRetractedEvent(b, seq, now)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("bid retracted", "listing_id", bid.ListingID, "bid_id", bid.ID, "seq", event.Seq)
	s.publish(ctx, event)
	return bid, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Read-only queries
// ──────────────────────────────────────────────────────────────────────────────

// GetCurrentHighestBid returns the listing's active bid, or nil when it has
// none. After settlement the winning bid is returned instead.
func (s *BidService) GetCurrentHighestBid(ctx context.Context, listingID uuid.UUID) (*domain.Bid, error) {
	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.Status == domain.ListingSettled {
		order, err := s.store.GetOrderByListing(ctx, listingID)
		if err != nil {
			if domain.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		return s.store.GetBid(ctx, order.BidID)
	}
	return s.store.HighestActiveBid(ctx, listingID)
}

// GetMinimumNextBid returns the smallest amount PlaceBid would currently
// accept on the listing.
func (s *BidService) GetMinimumNextBid(ctx context.Context, listingID uuid.UUID) (decimal.Decimal, error) {
	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return decimal.Zero, err
	}
	highest, err := s.store.HighestActiveBid(ctx, listingID)
	if err != nil {
		return decimal.Zero, err
	}
	return domain.MinimumNextBid(listing.ReserveFloor(), amountOf(highest)), nil
}

// ListBids returns a listing's bids, newest first.
func (s *BidService) ListBids(ctx context.Context, listingID uuid.UUID, limit, offset int) ([]*domain.Bid, error) {
	if _, err := s.store.GetListing(ctx, listingID); err != nil {
		return nil, err
	}
	bids, err := s.store.ListBids(ctx, listingID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("bid_service.ListBids: %w", err)
	}
	return bids, nil
}

// GetBid returns a single bid.
func (s *BidService) GetBid(ctx context.Context, bidID uuid.UUID) (*domain.Bid, error) {
	return s.store.GetBid(ctx, bidID)
}
