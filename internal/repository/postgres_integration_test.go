//go:build integration

package repository

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/evetabi/auction/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// Run with: TEST_DATABASE_DSN=postgres://... go test -tags integration ./internal/repository/

// openTestDB connects to TEST_DATABASE_DSN inside a fresh schema carrying the
// migrations, dropped when the test ends.
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}

	admin, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { admin.Close() })

	schema := "auction_it_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	_, err = admin.Exec(`CREATE SCHEMA ` + schema)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = admin.Exec(`DROP SCHEMA ` + schema + ` CASCADE`) })

	sep := " "
	if strings.Contains(dsn, "://") {
		sep = "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
	}
	db, err := sqlx.Connect("postgres", dsn+sep+"search_path="+schema)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	migration, err := os.ReadFile("../../migrations/001_init.sql")
	require.NoError(t, err)
	_, err = db.Exec(string(migration))
	require.NoError(t, err)
	return db
}

var itNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestListing(t *testing.T, s *PostgresStore, seller uuid.UUID, status domain.ListingStatus, endIn time.Duration) *domain.Listing {
	t.Helper()
	reserve := decimal.RequireFromString("2")
	l := &domain.Listing{
		ID:           uuid.New(),
		ItemRef:      "lot-" + uuid.NewString()[:6],
		SellerID:     seller,
		Currency:     "USD",
		ReservePrice: &reserve,
		StartAt:      itNow,
		EndAt:        itNow.Add(endIn),
		Status:       status,
		Version:      1,
		CreatedAt:    itNow,
		UpdatedAt:    itNow,
	}
	require.NoError(t, s.CreateListing(context.Background(), l))
	return l
}

func newTestBid(l *domain.Listing, amount string) *domain.Bid {
	return &domain.Bid{
		ID:        uuid.New(),
		ListingID: l.ID,
		BidderID:  uuid.New(),
		Amount:    decimal.RequireFromString(amount),
		Currency:  l.Currency,
		Status:    domain.BidActive,
	}
}

func TestPostgresStore_BidLedger(t *testing.T) {
	s := NewPostgresStore(openTestDB(t), time.Second)
	ctx := context.Background()
	l := newTestListing(t, s, uuid.New(), domain.ListingActive, time.Hour)

	first := newTestBid(l, "2")
	require.NoError(t, s.InListingTx(ctx, l.ID, func(tx ListingTx) error {
		if err := tx.InsertBid(ctx, first); err != nil {
			return err
		}
		_, err := tx.BumpVersion(ctx)
		return err
	}))

	second := newTestBid(l, "3.5")
	require.NoError(t, s.InListingTx(ctx, l.ID, func(tx ListingTx) error {
		highest, err := tx.HighestActiveBid(ctx)
		if err != nil {
			return err
		}
		require.Equal(t, first.ID, highest.ID)
		if err := tx.UpdateBidStatus(ctx, highest.ID, domain.BidActive, domain.BidSuperseded); err != nil {
			return err
		}
		if err := tx.InsertBid(ctx, second); err != nil {
			return err
		}
		v, err := tx.BumpVersion(ctx)
		if err != nil {
			return err
		}
		require.EqualValues(t, 3, v)
		return nil
	}))

	highest, err := s.HighestActiveBid(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, second.ID, highest.ID)
	require.True(t, highest.Amount.Equal(decimal.RequireFromString("3.5")))

	all, err := s.ListBids(ctx, l.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, second.ID, all[0].ID, "newest first")
	require.Equal(t, domain.BidSuperseded, all[1].Status)

	one, err := s.ListBids(ctx, l.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	require.Equal(t, first.ID, one[0].ID)

	// A stale transition is refused rather than overwriting the newer status.
	err = s.InListingTx(ctx, l.ID, func(tx ListingTx) error {
		return tx.UpdateBidStatus(ctx, first.ID, domain.BidActive, domain.BidRetracted)
	})
	require.ErrorIs(t, err, domain.ErrBidNotActive)
}

func TestPostgresStore_SecondActiveBidRejected(t *testing.T) {
	s := NewPostgresStore(openTestDB(t), time.Second)
	ctx := context.Background()
	l := newTestListing(t, s, uuid.New(), domain.ListingActive, time.Hour)

	err := s.InListingTx(ctx, l.ID, func(tx ListingTx) error {
		if err := tx.InsertBid(ctx, newTestBid(l, "2")); err != nil {
			return err
		}
		return tx.InsertBid(ctx, newTestBid(l, "3"))
	})
	require.Error(t, err)

	bids, err := s.ListBids(ctx, l.ID, 0, 0)
	require.NoError(t, err)
	require.Empty(t, bids, "a failed unit of work leaves nothing behind")
}

func TestPostgresStore_RollbackOnError(t *testing.T) {
	s := NewPostgresStore(openTestDB(t), time.Second)
	ctx := context.Background()
	l := newTestListing(t, s, uuid.New(), domain.ListingActive, time.Hour)
	boom := errors.New("boom")

	err := s.InListingTx(ctx, l.ID, func(tx ListingTx) error {
		if err := tx.InsertBid(ctx, newTestBid(l, "2")); err != nil {
			return err
		}
		if _, err := tx.BumpVersion(ctx); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetListing(ctx, l.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.Version)
	highest, err := s.HighestActiveBid(ctx, l.ID)
	require.NoError(t, err)
	require.Nil(t, highest)
}

func TestPostgresStore_SetStatusStampsSettledAt(t *testing.T) {
	s := NewPostgresStore(openTestDB(t), time.Second)
	ctx := context.Background()
	l := newTestListing(t, s, uuid.New(), domain.ListingActive, time.Hour)

	endedAt := itNow.Add(time.Hour)
	require.NoError(t, s.InListingTx(ctx, l.ID, func(tx ListingTx) error {
		return tx.SetListingStatus(ctx, domain.ListingEnded, endedAt)
	}))
	got, err := s.GetListing(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ListingEnded, got.Status)
	require.Nil(t, got.SettledAt)
	require.True(t, got.UpdatedAt.Equal(endedAt))

	settledAt := endedAt.Add(time.Minute)
	require.NoError(t, s.InListingTx(ctx, l.ID, func(tx ListingTx) error {
		if err := tx.SetListingStatus(ctx, domain.ListingSettled, settledAt); err != nil {
			return err
		}
		require.NotNil(t, tx.Listing().SettledAt)
		return nil
	}))
	got, err = s.GetListing(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ListingSettled, got.Status)
	require.NotNil(t, got.SettledAt)
	require.True(t, got.SettledAt.Equal(settledAt))
}

func TestPostgresStore_OrderOncePerListing(t *testing.T) {
	s := NewPostgresStore(openTestDB(t), time.Second)
	ctx := context.Background()
	l := newTestListing(t, s, uuid.New(), domain.ListingActive, time.Hour)
	winner := newTestBid(l, "4")

	require.NoError(t, s.InListingTx(ctx, l.ID, func(tx ListingTx) error {
		if err := tx.InsertBid(ctx, winner); err != nil {
			return err
		}
		return tx.InsertOrder(ctx, domain.NewOrder(l, winner, itNow))
	}))

	err := s.InListingTx(ctx, l.ID, func(tx ListingTx) error {
		return tx.InsertOrder(ctx, domain.NewOrder(l, winner, itNow))
	})
	require.ErrorIs(t, err, domain.ErrStorageConflict)

	order, err := s.GetOrderByListing(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, winner.ID, order.BidID)
	require.True(t, order.Amount.Equal(decimal.RequireFromString("4")))

	_, err = s.GetOrderByListing(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestPostgresStore_ListListingsFilters(t *testing.T) {
	s := NewPostgresStore(openTestDB(t), time.Second)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	newTestListing(t, s, alice, domain.ListingActive, time.Hour)
	newTestListing(t, s, alice, domain.ListingScheduled, 2*time.Hour)
	newTestListing(t, s, bob, domain.ListingActive, 3*time.Hour)

	all, total, err := s.ListListings(ctx, ListingFilter{})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, all, 3, "zero limit returns every match")

	mine, total, err := s.ListListings(ctx, ListingFilter{SellerID: alice})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, mine, 2)

	active, total, err := s.ListListings(ctx, ListingFilter{Status: domain.ListingActive, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, active, 1)
	require.Equal(t, alice, active[0].SellerID, "ordered by end time")

	both, total, err := s.ListListings(ctx, ListingFilter{Status: domain.ListingActive, SellerID: bob})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, bob, both[0].SellerID)
}

func TestPostgresStore_SweepQueries(t *testing.T) {
	s := NewPostgresStore(openTestDB(t), time.Second)
	ctx := context.Background()
	due := newTestListing(t, s, uuid.New(), domain.ListingScheduled, time.Hour)
	expired := newTestListing(t, s, uuid.New(), domain.ListingActive, time.Minute)

	got, err := s.ListDueForActivation(ctx, itNow, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, due.ID, got[0].ID)

	got, err = s.ListExpired(ctx, itNow.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, expired.ID, got[0].ID)
}

func TestPostgresStore_LockTimeoutIsConflict(t *testing.T) {
	s := NewPostgresStore(openTestDB(t), 100*time.Millisecond)
	ctx := context.Background()
	l := newTestListing(t, s, uuid.New(), domain.ListingActive, time.Hour)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.InListingTx(ctx, l.ID, func(tx ListingTx) error {
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	err := s.InListingTx(ctx, l.ID, func(tx ListingTx) error { return nil })
	require.ErrorIs(t, err, domain.ErrStorageConflict)

	close(release)
	require.NoError(t, <-done)

	err = s.InListingTx(ctx, uuid.New(), func(tx ListingTx) error { return nil })
	require.ErrorIs(t, err, domain.ErrListingNotFound)
}
