package service_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evetabi/auction/internal/clock"
	"github.com/evetabi/auction/internal/config"
	"github.com/evetabi/auction/internal/domain"
	"github.com/evetabi/auction/internal/repository"
	"github.com/evetabi/auction/internal/repository/memory"
	"github.com/evetabi/auction/internal/service"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func testCfg() *config.Config {
	return &config.Config{
		JWT: config.JWTConfig{
			AccessSecret:  "test-access-secret-abcdefghijklmnop",
			RefreshSecret: "test-refresh-secret-abcdefghijklmnop",
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    24 * time.Hour,
		},
		Auction: config.AuctionConfig{
			StoreDriver:     config.StoreDriverMemory,
			ConflictRetries: 3,
			RetryBackoff:    time.Millisecond,
			LockTimeout:     time.Second,
			SweepBatch:      100,
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ── Recording publisher ───────────────────────────────────────────────────────

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(_ context.Context, _ uuid.UUID, e domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) ofType(typ domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

// ── Conflict-injecting store ──────────────────────────────────────────────────

// flakyStore fails the first `failures` units of work with ErrStorageConflict.
type flakyStore struct {
	*memory.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) InListingTx(ctx context.Context, id uuid.UUID, fn func(tx repository.ListingTx) error) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return fmt.Errorf("%w: injected", domain.ErrStorageConflict)
	}
	return f.Store.InListingTx(ctx, id, fn)
}

// ── Engine fixture ────────────────────────────────────────────────────────────

type engine struct {
	store      repository.Store
	mem        *memory.Store
	clk        *clock.Manual
	cfg        *config.Config
	listings   *service.ListingService
	bids       *service.BidService
	settlement *service.SettlementService
	events     *recorder
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	clk := clock.NewManual(t0)
	mem := memory.NewStore(time.Second, memory.WithClock(clk))
	return newEngineOn(t, mem, mem, clk, testCfg())
}

func newEngineOn(t *testing.T, store repository.Store, mem *memory.Store, clk *clock.Manual, cfg *config.Config) *engine {
	t.Helper()
	log := discardLogger()
	e := &engine{
		store:      store,
		mem:        mem,
		clk:        clk,
		cfg:        cfg,
		listings:   service.NewListingService(store, clk, cfg, log),
		bids:       service.NewBidService(store, clk, cfg, log),
		settlement: service.NewSettlementService(store, clk, cfg, log),
		events:     &recorder{},
	}
	e.listings.SetPublisher(e.events)
	e.bids.SetPublisher(e.events)
	e.settlement.SetPublisher(e.events)
	return e
}

// open creates an active listing ending in an hour. reserve "" means none.
func (e *engine) open(t *testing.T, reserve string) *domain.Listing {
	t.Helper()
	req := domain.CreateListingRequest{
		SellerID: uuid.New(),
		ItemRef:  "item-" + uuid.NewString()[:8],
		Currency: "USD",
		StartAt:  e.clk.Now(),
		EndAt:    e.clk.Now().Add(time.Hour),
	}
	if reserve != "" {
		r := decimal.RequireFromString(reserve)
		req.ReservePrice = &r
	}
	l, err := e.listings.CreateListing(context.Background(), req)
	require.NoError(t, err)
	return l
}

func (e *engine) bid(l *domain.Listing, bidder uuid.UUID, amount string) (*domain.Bid, error) {
	return e.bids.PlaceBid(context.Background(), domain.PlaceBidRequest{
		ListingID: l.ID,
		BidderID:  bidder,
		Amount:    decimal.RequireFromString(amount),
	})
}

// expire moves the clock past the listing's end time.
func (e *engine) expire(l *domain.Listing) {
	e.clk.Set(l.EndAt.Add(time.Second))
}

func (e *engine) allBids(t *testing.T, l *domain.Listing) []*domain.Bid {
	t.Helper()
	bids, err := e.store.ListBids(context.Background(), l.ID, 0, 0)
	require.NoError(t, err)
	sort.Slice(bids, func(i, j int) bool { return bids[i].CreatedAt.Before(bids[j].CreatedAt) })
	return bids
}

func countStatus(bids []*domain.Bid, s domain.BidStatus) int {
	n := 0
	for _, b := range bids {
		if b.Status == s {
			n++
		}
	}
	return n
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
