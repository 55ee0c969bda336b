package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evetabi/auction/internal/clock"
	"github.com/evetabi/auction/internal/domain"
	"github.com/evetabi/auction/internal/repository"
	"github.com/evetabi/auction/internal/repository/memory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *memory.Store, status domain.ListingStatus, end time.Time) *domain.Listing {
	t.Helper()
	l := &domain.Listing{
		ID:        uuid.New(),
		ItemRef:   "item",
		SellerID:  uuid.New(),
		Currency:  "USD",
		StartAt:   now.Add(-time.Hour),
		EndAt:     end,
		Status:    status,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateListing(context.Background(), l))
	return l
}

func newBid(amount string) *domain.Bid {
	return &domain.Bid{
		ID:       uuid.New(),
		BidderID: uuid.New(),
		Amount:   decimal.RequireFromString(amount),
		Currency: "USD",
		Status:   domain.BidActive,
	}
}

func TestInListingTx_CommitsTogether(t *testing.T) {
	s := memory.NewStore(time.Second, memory.WithClock(clock.NewManual(now)))
	ctx := context.Background()
	l := seed(t, s, domain.ListingActive, now.Add(time.Hour))

	first := newBid("1")
	require.NoError(t, s.InListingTx(ctx, l.ID, func(tx repository.ListingTx) error {
		if err := tx.InsertBid(ctx, first); err != nil {
			return err
		}
		_, err := tx.BumpVersion(ctx)
		return err
	}))

	second := newBid("2")
	require.NoError(t, s.InListingTx(ctx, l.ID, func(tx repository.ListingTx) error {
		if err := tx.UpdateBidStatus(ctx, first.ID, domain.BidActive, domain.BidSuperseded); err != nil {
			return err
		}
		return tx.InsertBid(ctx, second)
	}))

	highest, err := s.HighestActiveBid(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, second.ID, highest.ID)

	stored, err := s.GetBid(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BidSuperseded, stored.Status)

	got, err := s.GetListing(ctx, l.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, got.Version)
}

func TestInListingTx_RollsBackOnError(t *testing.T) {
	s := memory.NewStore(time.Second)
	ctx := context.Background()
	l := seed(t, s, domain.ListingActive, now.Add(time.Hour))
	boom := errors.New("boom")

	err := s.InListingTx(ctx, l.ID, func(tx repository.ListingTx) error {
		require.NoError(t, tx.InsertBid(ctx, newBid("5")))
		require.NoError(t, tx.SetListingStatus(ctx, domain.ListingEnded, now))
		return boom
	})
	require.ErrorIs(t, err, boom)

	bids, err := s.ListBids(ctx, l.ID, 0, 0)
	require.NoError(t, err)
	require.Empty(t, bids)
	got, err := s.GetListing(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ListingActive, got.Status)
}

func TestInListingTx_LockTimeoutIsConflict(t *testing.T) {
	s := memory.NewStore(20 * time.Millisecond)
	ctx := context.Background()
	l := seed(t, s, domain.ListingActive, now.Add(time.Hour))

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.InListingTx(ctx, l.ID, func(repository.ListingTx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := s.InListingTx(ctx, l.ID, func(repository.ListingTx) error { return nil })
	require.ErrorIs(t, err, domain.ErrStorageConflict)
	close(release)
}

func TestInListingTx_UnknownListing(t *testing.T) {
	s := memory.NewStore(time.Second)
	err := s.InListingTx(context.Background(), uuid.New(), func(repository.ListingTx) error { return nil })
	require.ErrorIs(t, err, domain.ErrListingNotFound)
}

func TestInsertOrder_OnlyOnce(t *testing.T) {
	s := memory.NewStore(time.Second)
	ctx := context.Background()
	l := seed(t, s, domain.ListingEnded, now.Add(-time.Minute))
	b := newBid("3")
	b.ListingID = l.ID
	order := domain.NewOrder(l, b, now)

	require.NoError(t, s.InListingTx(ctx, l.ID, func(tx repository.ListingTx) error {
		return tx.InsertOrder(ctx, order)
	}))
	err := s.InListingTx(ctx, l.ID, func(tx repository.ListingTx) error {
		return tx.InsertOrder(ctx, domain.NewOrder(l, b, now))
	})
	require.ErrorIs(t, err, domain.ErrStorageConflict)

	got, err := s.GetOrderByListing(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, order.ID, got.ID)
}

func TestHighestActiveBid_TieGoesToEarlier(t *testing.T) {
	s := memory.NewStore(time.Second, memory.WithClock(clock.NewManual(now)))
	ctx := context.Background()
	l := seed(t, s, domain.ListingActive, now.Add(time.Hour))
	early, late := newBid("4"), newBid("4")

	require.NoError(t, s.InListingTx(ctx, l.ID, func(tx repository.ListingTx) error {
		if err := tx.InsertBid(ctx, early); err != nil {
			return err
		}
		return tx.InsertBid(ctx, late)
	}))

	highest, err := s.HighestActiveBid(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, early.ID, highest.ID)
	require.True(t, late.CreatedAt.After(early.CreatedAt))
}

func TestSweepQueries(t *testing.T) {
	s := memory.NewStore(time.Second)
	ctx := context.Background()

	due := seed(t, s, domain.ListingScheduled, now.Add(time.Hour))
	expired := seed(t, s, domain.ListingActive, now.Add(-time.Minute))
	seed(t, s, domain.ListingActive, now.Add(time.Hour))
	seed(t, s, domain.ListingSettled, now.Add(-time.Hour))

	got, err := s.ListDueForActivation(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, due.ID, got[0].ID)

	got, err = s.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, expired.ID, got[0].ID)

	page, total, err := s.ListListings(ctx, repository.ListingFilter{Status: domain.ListingActive, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, page, 1)
}

func TestUserStore_Uniqueness(t *testing.T) {
	users := memory.NewUserStore()
	ctx := context.Background()
	u := &domain.User{ID: uuid.New(), Email: "a@example.com", Username: "alice"}
	require.NoError(t, users.Create(ctx, u))

	require.ErrorIs(t, users.Create(ctx, &domain.User{ID: uuid.New(), Email: "A@example.com", Username: "x"}), domain.ErrEmailTaken)
	require.ErrorIs(t, users.Create(ctx, &domain.User{ID: uuid.New(), Email: "b@example.com", Username: "ALICE"}), domain.ErrUsernameTaken)

	got, err := users.GetByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)

	_, err = users.GetByID(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrUserNotFound)
}
