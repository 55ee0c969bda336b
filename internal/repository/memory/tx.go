package memory

import (
	"context"
	"time"

	"github.com/evetabi/auction/internal/domain"
	"github.com/google/uuid"
)

// listingTx stages writes against one locked listing. Nothing it does is
// visible to readers until Store.commit applies it.
type listingTx struct {
	store      *Store
	listing    *domain.Listing
	inserted   []*domain.Bid
	statuses   map[uuid.UUID]domain.BidStatus
	statusedAt map[uuid.UUID]time.Time
	order      *domain.Order
}

func (t *listingTx) Listing() *domain.Listing {
	cp := *t.listing
	return &cp
}

// bidsView returns copies of the listing's bids with staged writes applied.
func (t *listingTx) bidsView() []*domain.Bid {
	t.store.mu.RLock()
	ids := t.store.byListing[t.listing.ID]
	out := make([]*domain.Bid, 0, len(ids)+len(t.inserted))
	for _, id := range ids {
		cp := *t.store.bids[id]
		out = append(out, &cp)
	}
	t.store.mu.RUnlock()

	for _, b := range t.inserted {
		cp := *b
		out = append(out, &cp)
	}
	for _, b := range out {
		if s, ok := t.statuses[b.ID]; ok {
			b.Status = s
			b.UpdatedAt = t.statusedAt[b.ID]
		}
	}
	return out
}

func (t *listingTx) HighestActiveBid(_ context.Context) (*domain.Bid, error) {
	var best *domain.Bid
	for _, b := range t.bidsView() {
		best = higher(best, b)
	}
	return best, nil
}

func (t *listingTx) GetBid(_ context.Context, id uuid.UUID) (*domain.Bid, error) {
	for _, b := range t.bidsView() {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, domain.ErrBidNotFound
}

func (t *listingTx) InsertBid(_ context.Context, b *domain.Bid) error {
	b.ListingID = t.listing.ID
	b.CreatedAt = t.store.stamp()
	b.UpdatedAt = b.CreatedAt
	cp := *b
	t.inserted = append(t.inserted, &cp)
	return nil
}

func (t *listingTx) UpdateBidStatus(ctx context.Context, bidID uuid.UUID, from, to domain.BidStatus) error {
	b, err := t.GetBid(ctx, bidID)
	if err != nil {
		return err
	}
	if b.Status != from {
		return domain.ErrBidNotActive
	}
	t.setStatus(bidID, to)
	return nil
}

func (t *listingTx) UpdateBidsStatus(_ context.Context, from, to domain.BidStatus) (int64, error) {
	var n int64
	for _, b := range t.bidsView() {
		if b.Status == from {
			t.setStatus(b.ID, to)
			n++
		}
	}
	return n, nil
}

func (t *listingTx) setStatus(bidID uuid.UUID, to domain.BidStatus) {
	now := t.store.now().UTC()
	for _, b := range t.inserted {
		if b.ID == bidID {
			b.Status = to
			b.UpdatedAt = now
			return
		}
	}
	t.statuses[bidID] = to
	t.statusedAt[bidID] = now
}

func (t *listingTx) SetListingStatus(_ context.Context, status domain.ListingStatus, at time.Time) error {
	t.listing.Status = status
	t.listing.UpdatedAt = at
	if status == domain.ListingSettled {
		settled := at
		t.listing.SettledAt = &settled
	}
	return nil
}

func (t *listingTx) BumpVersion(_ context.Context) (int64, error) {
	t.listing.Version++
	return t.listing.Version, nil
}

func (t *listingTx) GetOrder(_ context.Context) (*domain.Order, error) {
	if t.order != nil {
		cp := *t.order
		return &cp, nil
	}
	return t.store.GetOrderByListing(context.Background(), t.listing.ID)
}

func (t *listingTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	if _, err := t.GetOrder(ctx); err == nil {
		return domain.ErrStorageConflict
	}
	cp := *o
	t.order = &cp
	return nil
}
