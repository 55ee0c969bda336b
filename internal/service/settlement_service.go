package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/evetabi/auction/internal/clock"
	"github.com/evetabi/auction/internal/config"
	"github.com/evetabi/auction/internal/domain"
	"github.com/evetabi/auction/internal/repository"
	"github.com/google/uuid"
)

// SettlementService closes auctions: it picks the winner, records the Order
// and publishes AuctionSettled. Settlement is idempotent; every call after
// the first returns the same Order.
type SettlementService struct {
	engine
	store repository.Store
	clock clock.Clock
}

// NewSettlementService builds a SettlementService.
func NewSettlementService(store repository.Store, clk clock.Clock, cfg *config.Config, log *slog.Logger) *SettlementService {
	return &SettlementService{
		engine: engine{cfg: cfg, log: log.With("component", "settlement_service")},
		store:  store,
		clock:  clk,
	}
}

// SetPublisher injects the notifier dependency post-construction.
func (s *SettlementService) SetPublisher(p Publisher) { s.publisher = p }

// ──────────────────────────────────────────────────────────────────────────────
// Public entry points
// ──────────────────────────────────────────────────────────────────────────────

// SettleAuction settles a listing whose end time has passed. It returns
// nil, nil when the listing closed without an active bid.
func (s *SettlementService) SettleAuction(ctx context.Context, listingID uuid.UUID) (*domain.Order, error) {
	return s.settle(ctx, listingID, nil)
}

// CloseAuction lets the seller end an active auction early and settle it.
func (s *SettlementService) CloseAuction(ctx context.Context, listingID, sellerID uuid.UUID) (*domain.Order, error) {
	return s.settle(ctx, listingID, &sellerID)
}

// GetOrder returns the order recorded for a listing.
func (s *SettlementService) GetOrder(ctx context.Context, listingID uuid.UUID) (*domain.Order, error) {
	if _, err := s.store.GetListing(ctx, listingID); err != nil {
		return nil, err
	}
	return s.store.GetOrderByListing(ctx, listingID)
}

// ──────────────────────────────────────────────────────────────────────────────
// SettleExpired: called by the Scheduler every tick
// ──────────────────────────────────────────────────────────────────────────────

// SettleExpired settles every listing whose end time has passed and returns
// how many were settled by this call. A single failing listing does NOT abort
// the others.
func (s *SettlementService) SettleExpired(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpired(ctx, s.clock.Now(), s.cfg.Auction.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("settlement_service.SettleExpired: fetch: %w", err)
	}

	settled := 0
	for _, l := range expired {
		if _, err := s.settle(ctx, l.ID, nil); err != nil {
			s.log.Error("settle expired listing failed", "listing_id", l.ID, "error", err)
			continue
		}
		settled++
	}
	return settled, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// settle: core settlement logic for a single listing
// ──────────────────────────────────────────────────────────────────────────────

// settle is shared by every entry point. closedBy is the seller for an early
// close and nil otherwise.
func (s *SettlementService) settle(ctx context.Context, listingID uuid.UUID, closedBy *uuid.UUID) (*domain.Order, error) {
	var (
		order *domain.Order
		event *domain.Event
	)
	err := s.withRetry(ctx, "settle", func() error {
		order, event = nil, nil
		return s.store.InListingTx(ctx, listingID, func(tx repository.ListingTx) error {
			listing := tx.Listing()
			now := s.clock.Now()

			if closedBy != nil && *closedBy != listing.SellerID {
				return domain.ErrNotAuthorized
			}

			// ── Step 1: Terminal states ──────────────────────────────────────
			switch listing.Status {
			case domain.ListingSettled:
				o, err := tx.GetOrder(ctx)
				if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
					return err
				}
				order = o
				return nil
			case domain.ListingCanceled:
				return domain.ErrAuctionCanceled
			}

			// ── Step 2: Freeze bidding ───────────────────────────────────────
			switch listing.Phase(now) {
			case domain.ListingScheduled:
				return domain.ErrAuctionNotYetEnded
			case domain.ListingActive:
				if closedBy == nil {
					return domain.ErrAuctionNotYetEnded
				}
			}
			if listing.Status == domain.ListingScheduled {
				if err := tx.SetListingStatus(ctx, domain.ListingActive, now); err != nil {
					return err
				}
			}
			if listing.Status != domain.ListingEnded {
				if err := tx.SetListingStatus(ctx, domain.ListingEnded, now); err != nil {
					return err
				}
			}

			// ── Step 3: Pick the winner ──────────────────────────────────────
			winner, err := tx.HighestActiveBid(ctx)
			if err != nil {
				return err
			}
			if winner != nil {
				if err := tx.UpdateBidStatus(ctx, winner.ID, domain.BidActive, domain.BidWon); err != nil {
					return err
				}
				winner.Status = domain.BidWon
				order = domain.NewOrder(listing, winner, now)
				if err := tx.InsertOrder(ctx, order); err != nil {
					return err
				}
			}
			if _, err := tx.UpdateBidsStatus(ctx, domain.BidSuperseded, domain.BidLost); err != nil {
				return err
			}

			// ── Step 4: Close the listing ────────────────────────────────────
			if err := tx.SetListingStatus(ctx, domain.ListingSettled, now); err != nil {
				return err
			}
			seq, err := tx.BumpVersion(ctx)
			if err != nil {
				return err
			}
			ev := domain.NewAuctionSettledEvent(listingID, order, seq, now)
			event = &ev
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Already settled by an earlier call: nothing new to announce.
	if event == nil {
		return order, nil
	}

	if order != nil {
		s.log.Info("auction settled",
			"listing_id", listingID, "order_id", order.ID, "buyer_id", order.BuyerID,
			"amount", order.Amount.String(), "seq", event.Seq)
	} else {
		s.log.Info("auction settled without bids", "listing_id", listingID, "seq", event.Seq)
	}
	s.publish(ctx, *event)
	return order, nil
}
