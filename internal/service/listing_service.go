package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/evetabi/auction/internal/clock"
	"github.com/evetabi/auction/internal/config"
	"github.com/evetabi/auction/internal/domain"
	"github.com/evetabi/auction/internal/repository"
	"github.com/google/uuid"
)

// ──────────────────────────────────────────────────────────────────────────────
// ListingService
// ──────────────────────────────────────────────────────────────────────────────

// ListingService handles the listing lifecycle outside of settlement:
// creation, activation, querying and administrative cancellation.
type ListingService struct {
	engine
	store repository.Store
	clock clock.Clock
}

// NewListingService creates a ListingService.
func NewListingService(store repository.Store, clk clock.Clock, cfg *config.Config, log *slog.Logger) *ListingService {
	return &ListingService{
		engine: engine{cfg: cfg, log: log.With("component", "listing_service")},
		store:  store,
		clock:  clk,
	}
}

// SetPublisher injects the notifier dependency post-construction.
func (s *ListingService) SetPublisher(p Publisher) { s.publisher = p }

// ──────────────────────────────────────────────────────────────────────────────
// CreateListing
// ──────────────────────────────────────────────────────────────────────────────

// CreateListing opens a new auction. A zero start time means now. The listing
// starts active when its start time has already been reached and scheduled
// otherwise.
func (s *ListingService) CreateListing(ctx context.Context, req domain.CreateListingRequest) (*domain.Listing, error) {
	now := s.clock.Now()
	if req.StartAt.IsZero() {
		req.StartAt = now
	}
	if err := validateListing(req, now); err != nil {
		return nil, err
	}

	l := &domain.Listing{
		ID:           uuid.New(),
		ItemRef:      strings.TrimSpace(req.ItemRef),
		SellerID:     req.SellerID,
		Currency:     req.Currency,
		ReservePrice: req.ReservePrice,
		StartAt:      req.StartAt.UTC(),
		EndAt:        req.EndAt.UTC(),
		Status:       domain.ListingScheduled,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if !now.Before(l.StartAt) {
		l.Status = domain.ListingActive
	}

	if err := s.store.CreateListing(ctx, l); err != nil {
		return nil, fmt.Errorf("listing_service.CreateListing: %w", err)
	}
	s.log.Info("listing created",
		"listing_id", l.ID, "seller_id", l.SellerID, "status", l.Status, "end_at", l.EndAt)
	return l, nil
}

func validateListing(req domain.CreateListingRequest, now time.Time) error {
	switch {
	case req.SellerID == uuid.Nil:
		return fmt.Errorf("%w: seller is required", domain.ErrInvalidListing)
	case strings.TrimSpace(req.ItemRef) == "":
		return fmt.Errorf("%w: item reference is required", domain.ErrInvalidListing)
	case !domain.ValidCurrency(req.Currency):
		return fmt.Errorf("%w: currency %q is not a valid code", domain.ErrInvalidListing, req.Currency)
	case !req.EndAt.After(req.StartAt):
		return fmt.Errorf("%w: end time must be after start time", domain.ErrInvalidListing)
	case !req.EndAt.After(now):
		return fmt.Errorf("%w: end time is in the past", domain.ErrInvalidListing)
	case req.ReservePrice != nil && !domain.ValidAmount(*req.ReservePrice):
		return fmt.Errorf("%w: reserve price must be positive with at most %d decimal places",
			domain.ErrInvalidListing, domain.AmountPrecision)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────────────────────────

// GetListing returns a listing with its status as of now, so a listing whose
// start or end time has passed reads as active or ended before any sweep.
func (s *ListingService) GetListing(ctx context.Context, id uuid.UUID) (*domain.Listing, error) {
	l, err := s.store.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	l.Status = l.Phase(s.clock.Now())
	return l, nil
}

// ListListings returns one page of listings and the total number matching f.
func (s *ListingService) ListListings(ctx context.Context, f repository.ListingFilter) ([]*domain.Listing, int, error) {
	listings, total, err := s.store.ListListings(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("listing_service.ListListings: %w", err)
	}
	now := s.clock.Now()
	for _, l := range listings {
		l.Status = l.Phase(now)
	}
	return listings, total, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// ActivateDue: called by the Scheduler every tick
// ──────────────────────────────────────────────────────────────────────────────

// ActivateDue persists scheduled→active for every listing whose start time
// has passed and returns how many were activated. A single failing listing
// does NOT abort the others.
func (s *ListingService) ActivateDue(ctx context.Context) (int, error) {
	due, err := s.store.ListDueForActivation(ctx, s.clock.Now(), s.cfg.Auction.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("listing_service.ActivateDue: fetch: %w", err)
	}

	activated := 0
	for _, l := range due {
		err := s.withRetry(ctx, "ActivateDue", func() error {
			return s.store.InListingTx(ctx, l.ID, func(tx repository.ListingTx) error {
				now := s.clock.Now()
				current := tx.Listing()
				// Another caller (a bid, a cancel) may have moved it already.
				if current.Status != domain.ListingScheduled || now.Before(current.StartAt) {
					return errSkip
				}
				if err := tx.SetListingStatus(ctx, domain.ListingActive, now); err != nil {
					return err
				}
				_, err := tx.BumpVersion(ctx)
				return err
			})
		})
		switch {
		case err == nil:
			activated++
		case errors.Is(err, errSkip):
		default:
			s.log.Error("activate listing failed", "listing_id", l.ID, "error", err)
		}
	}
	return activated, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// CancelListing
// ──────────────────────────────────────────────────────────────────────────────

// CancelListing voids a scheduled or active listing. Only administrators may
// cancel. A listing with an active bid is refused with ErrListingHasBids
// unless AllowCancelWithBids is set, in which case its active and superseded
// bids are marked lost.
func (s *ListingService) CancelListing(ctx context.Context, listingID, callerID uuid.UUID, isAdmin bool) (*domain.Listing, error) {
	if !isAdmin {
		return nil, domain.ErrNotAuthorized
	}

	var (
		listing *domain.Listing
		event   domain.Event
	)
	err := s.withRetry(ctx, "CancelListing", func() error {
		return s.store.InListingTx(ctx, listingID, func(tx repository.ListingTx) error {
			now := s.clock.Now()
			current := tx.Listing()

			phase := *current
			phase.Status = current.Phase(now)
			if !phase.CanTransition(domain.ListingCanceled) {
				return fmt.Errorf("%w: cannot cancel a %s listing", domain.ErrInvalidTransition, phase.Status)
			}

			highest, err := tx.HighestActiveBid(ctx)
			if err != nil {
				return err
			}
			if highest != nil {
				if !s.cfg.Auction.AllowCancelWithBids {
					return domain.ErrListingHasBids
				}
				for _, from := range []domain.BidStatus{domain.BidActive, domain.BidSuperseded} {
					if _, err := tx.UpdateBidsStatus(ctx, from, domain.BidLost); err != nil {
						return err
					}
				}
			}

			if err := tx.SetListingStatus(ctx, domain.ListingCanceled, now); err != nil {
				return err
			}
			seq, err := tx.BumpVersion(ctx)
			if err != nil {
				return err
			}
			listing = tx.Listing()
			event = domain.NewAuctionCanceledEvent(listingID, seq, now)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("listing canceled", "listing_id", listingID, "by", callerID, "seq", event.Seq)
	s.publish(ctx, event)
	return listing, nil
}
