package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/evetabi/auction/internal/config"
	"github.com/evetabi/auction/internal/domain"
	"github.com/google/uuid"
)

// ──────────────────────────────────────────────────────────────────────────────
// Interfaces injected into the engine services to avoid import cycles
// ──────────────────────────────────────────────────────────────────────────────

// Publisher is the minimal interface the engine needs from the change
// notifier. Implemented by notifier.Notifier.
type Publisher interface {
	Publish(ctx context.Context, listingID uuid.UUID, e domain.Event) error
}

// publishTimeout bounds a post-commit publish so a stuck sink cannot hold the
// caller's request open.
const publishTimeout = 5 * time.Second

// engine carries what every engine service shares: conflict retries and
// post-commit publishing.
type engine struct {
	cfg       *config.Config
	log       *slog.Logger
	publisher Publisher // injected after the notifier is built
}

// withRetry runs fn, retrying ErrStorageConflict up to ConflictRetries times
// with linear backoff. Any other error, or success, returns immediately.
func (e *engine) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if !domain.IsRetryable(err) || attempt >= e.cfg.Auction.ConflictRetries {
			return err
		}

		wait := e.cfg.Auction.RetryBackoff * time.Duration(attempt+1)
		e.log.Debug("storage conflict, retrying",
			"op", op, "attempt", attempt+1, "wait", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// publish hands committed events to the notifier. The state change has
// already happened, so failures are logged and never returned.
func (e *engine) publish(ctx context.Context, events ...domain.Event) {
	if e.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	for _, ev := range events {
		if err := e.publisher.Publish(ctx, ev.ListingID, ev); err != nil {
			e.log.Error("publish event failed",
				"type", ev.Type, "listing_id", ev.ListingID, "seq", ev.Seq, "error", err)
		}
	}
}

// errSkip aborts a unit of work that found nothing to do. It never leaves the
// package.
var errSkip = errors.New("nothing to do")
