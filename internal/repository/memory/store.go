// Package memory is a concurrency-safe in-memory implementation of
// repository.Store and repository.UserStore. It backs STORE_DRIVER=memory and
// the service tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/evetabi/auction/internal/clock"
	"github.com/evetabi/auction/internal/domain"
	"github.com/evetabi/auction/internal/repository"
	"github.com/google/uuid"
)

// Store keeps listings, bids and orders in maps. Each listing has its own
// lock so units of work on different listings never wait on each other; mu
// only guards the maps for the short moment a commit is applied.
type Store struct {
	mu        sync.RWMutex
	listings  map[uuid.UUID]*domain.Listing
	bids      map[uuid.UUID]*domain.Bid
	byListing map[uuid.UUID][]uuid.UUID // insertion order
	orders    map[uuid.UUID]*domain.Order // key: listing id
	lastStamp time.Time

	locks       sync.Map // listing id -> chan struct{} (capacity 1)
	lockTimeout time.Duration
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock makes the store stamp bids from c instead of the system clock.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.now = c.Now }
}

// NewStore creates an empty Store. lockTimeout bounds how long InListingTx
// waits for a listing's lock before reporting ErrStorageConflict.
func NewStore(lockTimeout time.Duration, opts ...Option) *Store {
	s := &Store{
		listings:    make(map[uuid.UUID]*domain.Listing),
		bids:        make(map[uuid.UUID]*domain.Bid),
		byListing:   make(map[uuid.UUID][]uuid.UUID),
		orders:      make(map[uuid.UUID]*domain.Order),
		lockTimeout: lockTimeout,
		now:         clock.Real{}.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ repository.Store = (*Store)(nil)

// ──────────────────────────────────────────────────────────────────────────────
// Unit of work
// ──────────────────────────────────────────────────────────────────────────────

func (s *Store) lockFor(listingID uuid.UUID) chan struct{} {
	v, _ := s.locks.LoadOrStore(listingID, make(chan struct{}, 1))
	return v.(chan struct{})
}

func (s *Store) acquire(ctx context.Context, listingID uuid.UUID) (func(), error) {
	lock := s.lockFor(listingID)

	var timeout <-chan time.Time
	if s.lockTimeout > 0 {
		timer := time.NewTimer(s.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, fmt.Errorf("%w: listing %s lock wait exceeded %s",
			domain.ErrStorageConflict, listingID, s.lockTimeout)
	}
}

// InListingTx implements repository.Store.
func (s *Store) InListingTx(ctx context.Context, listingID uuid.UUID, fn func(tx repository.ListingTx) error) error {
	release, err := s.acquire(ctx, listingID)
	if err != nil {
		return err
	}
	defer release()

	s.mu.RLock()
	l, ok := s.listings[listingID]
	var listing domain.Listing
	if ok {
		listing = *l
	}
	s.mu.RUnlock()
	if !ok {
		return domain.ErrListingNotFound
	}

	tx := &listingTx{
		store:      s,
		listing:    &listing,
		statuses:   make(map[uuid.UUID]domain.BidStatus),
		statusedAt: make(map[uuid.UUID]time.Time),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

// commit applies every staged write of tx at once.
func (s *Store) commit(tx *listingTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range tx.inserted {
		cp := *b
		s.bids[b.ID] = &cp
		s.byListing[b.ListingID] = append(s.byListing[b.ListingID], b.ID)
	}
	for id, status := range tx.statuses {
		if b, ok := s.bids[id]; ok {
			b.Status = status
			b.UpdatedAt = tx.statusedAt[id]
		}
	}
	if tx.order != nil {
		cp := *tx.order
		s.orders[tx.listing.ID] = &cp
	}
	cp := *tx.listing
	s.listings[tx.listing.ID] = &cp
}

// stamp returns a creation time strictly after every earlier stamp so bids
// with equal amounts keep their insertion order.
func (s *Store) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = t
	return t
}

// ──────────────────────────────────────────────────────────────────────────────
// Listings
// ──────────────────────────────────────────────────────────────────────────────

// CreateListing implements repository.Store.
func (s *Store) CreateListing(_ context.Context, l *domain.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.listings[l.ID]; exists {
		return fmt.Errorf("create listing %s: %w", l.ID, domain.ErrInvalidListing)
	}
	cp := *l
	s.listings[l.ID] = &cp
	return nil
}

// GetListing implements repository.Store.
func (s *Store) GetListing(_ context.Context, id uuid.UUID) (*domain.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, domain.ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

// ListListings implements repository.Store.
func (s *Store) ListListings(_ context.Context, f repository.ListingFilter) ([]*domain.Listing, int, error) {
	matched := s.selectListings(func(l *domain.Listing) bool {
		if f.Status != "" && l.Status != f.Status {
			return false
		}
		return f.SellerID == uuid.Nil || l.SellerID == f.SellerID
	})
	total := len(matched)
	return page(matched, f.Limit, f.Offset), total, nil
}

// ListDueForActivation implements repository.Store.
func (s *Store) ListDueForActivation(_ context.Context, now time.Time, limit int) ([]*domain.Listing, error) {
	due := s.selectListings(func(l *domain.Listing) bool {
		return l.Status == domain.ListingScheduled && !now.Before(l.StartAt)
	})
	return page(due, limit, 0), nil
}

// ListExpired implements repository.Store.
func (s *Store) ListExpired(_ context.Context, now time.Time, limit int) ([]*domain.Listing, error) {
	expired := s.selectListings(func(l *domain.Listing) bool {
		switch l.Status {
		case domain.ListingScheduled, domain.ListingActive, domain.ListingEnded:
			return l.HasExpired(now)
		}
		return false
	})
	return page(expired, limit, 0), nil
}

// selectListings returns copies of matching listings ordered by end time.
func (s *Store) selectListings(match func(*domain.Listing) bool) []*domain.Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Listing
	for _, l := range s.listings {
		if match(l) {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndAt.Before(out[j].EndAt) })
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// ──────────────────────────────────────────────────────────────────────────────
// Bids & orders
// ──────────────────────────────────────────────────────────────────────────────

// GetBid implements repository.Store.
func (s *Store) GetBid(_ context.Context, id uuid.UUID) (*domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bids[id]
	if !ok {
		return nil, domain.ErrBidNotFound
	}
	cp := *b
	return &cp, nil
}

// HighestActiveBid implements repository.Store.
func (s *Store) HighestActiveBid(_ context.Context, listingID uuid.UUID) (*domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *domain.Bid
	for _, id := range s.byListing[listingID] {
		best = higher(best, s.bids[id])
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

// ListBids implements repository.Store. Newest first.
func (s *Store) ListBids(_ context.Context, listingID uuid.UUID, limit, offset int) ([]*domain.Bid, error) {
	s.mu.RLock()
	ids := s.byListing[listingID]
	out := make([]*domain.Bid, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		cp := *s.bids[ids[i]]
		out = append(out, &cp)
	}
	s.mu.RUnlock()
	return page(out, limit, offset), nil
}

// GetOrderByListing implements repository.Store.
func (s *Store) GetOrderByListing(_ context.Context, listingID uuid.UUID) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[listingID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

// higher returns whichever of best and b ranks first among active bids:
// larger amount, then earlier creation.
func higher(best, b *domain.Bid) *domain.Bid {
	if b == nil || b.Status != domain.BidActive {
		return best
	}
	if best == nil ||
		b.Amount.GreaterThan(best.Amount) ||
		(b.Amount.Equal(best.Amount) && b.CreatedAt.Before(best.CreatedAt)) {
		return b
	}
	return best
}
