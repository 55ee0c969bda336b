// Package notifier fans committed listing events out to live subscribers and
// forwards every event to a durable sink for delivery beyond this process.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/evetabi/auction/internal/domain"
	"github.com/google/uuid"
)

// ErrClosed is returned by Subscribe and Publish after Close.
var ErrClosed = errors.New("notifier closed")

// Sink receives every published event before in-process fan-out. The outbox
// implements it.
type Sink interface {
	Append(e domain.Event) error
}

// ──────────────────────────────────────────────────────────────────────────────
// Notifier
// ──────────────────────────────────────────────────────────────────────────────

// Notifier is a per-listing publish/subscribe hub. Delivery to a subscriber
// never blocks the publisher: when a subscriber's buffer is full the event is
// dropped for that subscriber and it reconciles from the next one.
type Notifier struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]map[*Subscription]struct{}
	closed bool

	buffer int
	sink   Sink
	log    *slog.Logger
}

// New creates a Notifier whose subscribers buffer up to buffer events.
func New(buffer int, log *slog.Logger) *Notifier {
	if buffer <= 0 {
		buffer = 1
	}
	return &Notifier{
		subs:   make(map[uuid.UUID]map[*Subscription]struct{}),
		buffer: buffer,
		log:    log.With("component", "notifier"),
	}
}

// SetSink injects the durable sink post-construction.
func (n *Notifier) SetSink(s Sink) { n.sink = s }

// Publish appends e to the sink and delivers it to every subscriber of
// listingID. After a terminal event (settled or canceled) the listing's
// subscriptions are closed. A sink failure is returned after local delivery
// has still happened.
func (n *Notifier) Publish(_ context.Context, listingID uuid.UUID, e domain.Event) error {
	var sinkErr error
	if n.sink != nil {
		if err := n.sink.Append(e); err != nil {
			sinkErr = fmt.Errorf("notifier.Publish: sink: %w", err)
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}

	for sub := range n.subs[listingID] {
		if !sub.deliver(e) {
			n.log.Warn("subscriber too slow, event dropped",
				"listing_id", listingID, "type", e.Type, "seq", e.Seq, "dropped", sub.Dropped())
		}
	}
	if e.IsTerminal() {
		for sub := range n.subs[listingID] {
			sub.closeLocked()
		}
		delete(n.subs, listingID)
	}
	return sinkErr
}

// Subscribe registers a subscriber for listingID. The subscription ends when
// the listing is settled or canceled, when Close is called on it, or when ctx
// is done.
func (n *Notifier) Subscribe(ctx context.Context, listingID uuid.UUID) (*Subscription, error) {
	sub := &Subscription{
		listingID: listingID,
		ch:        make(chan domain.Event, n.buffer),
		done:      make(chan struct{}),
		n:         n,
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	if n.subs[listingID] == nil {
		n.subs[listingID] = make(map[*Subscription]struct{})
	}
	n.subs[listingID][sub] = struct{}{}
	n.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Subscribers returns the number of live subscriptions on listingID.
func (n *Notifier) Subscribers(listingID uuid.UUID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[listingID])
}

// Close ends every subscription. Later Publish and Subscribe calls fail with
// ErrClosed.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, subs := range n.subs {
		for sub := range subs {
			sub.closeLocked()
		}
		delete(n.subs, id)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Subscription
// ──────────────────────────────────────────────────────────────────────────────

// Subscription is one live observer of a listing.
type Subscription struct {
	listingID uuid.UUID
	ch        chan domain.Event
	done      chan struct{}
	closed    bool // guarded by n.mu
	dropped   atomic.Int64
	n         *Notifier
}

// Events returns the event stream. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan domain.Event { return s.ch }

// ListingID returns the listing this subscription observes.
func (s *Subscription) ListingID() uuid.UUID { return s.listingID }

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	if subs := s.n.subs[s.listingID]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.n.subs, s.listingID)
		}
	}
	s.closeLocked()
}

// deliver sends e without blocking. Caller holds n.mu.
func (s *Subscription) deliver(e domain.Event) bool {
	if s.closed {
		return false
	}
	select {
	case s.ch <- e:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// closeLocked closes the channels once. Caller holds n.mu.
func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
}
