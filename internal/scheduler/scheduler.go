// Package scheduler runs the background sweeps of the listing lifecycle:
//  1. activationLoop persists scheduled→active once start times pass.
//  2. settlementLoop settles listings whose end time has passed.
//
// Both transitions also happen lazily on the request path; the sweeps make
// sure listings nobody touches still move forward.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Activator is implemented by service.ListingService.
type Activator interface {
	ActivateDue(ctx context.Context) (int, error)
}

// Settler is implemented by service.SettlementService.
type Settler interface {
	SettleExpired(ctx context.Context) (int, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Scheduler
// ──────────────────────────────────────────────────────────────────────────────

// Scheduler runs the lifecycle sweeps. Call Start(ctx) once from main();
// cancel the context to shut it down gracefully.
type Scheduler struct {
	activator Activator
	settler   Settler
	interval  time.Duration
	logger    *slog.Logger
}

// NewScheduler creates a Scheduler that sweeps every interval.
func NewScheduler(activator Activator, settler Settler, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		activator: activator,
		settler:   settler,
		interval:  interval,
		logger:    logger.With("component", "scheduler"),
	}
}

// Start launches the background goroutines. It returns immediately; all
// loops run until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx, "activationLoop", s.activate)
	go s.loop(ctx, "settlementLoop", s.settle)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// loop calls sweep every interval until ctx is done. A panicking sweep is
// logged and the loop carries on at the next tick.
func (s *Scheduler) loop(ctx context.Context, name string, sweep func(context.Context)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(name + ": shutting down")
			return
		case <-ticker.C:
			s.runOnce(ctx, name, sweep)
		}
	}
}

// runOnce is the inner body of loop, extracted so that the defer/recover
// catches a panic without ending the loop.
func (s *Scheduler) runOnce(ctx context.Context, name string, sweep func(context.Context)) {
	defer s.recoverAndLog(name)
	sweep(ctx)
}

func (s *Scheduler) activate(ctx context.Context) {
	n, err := s.activator.ActivateDue(ctx)
	if err != nil {
		s.logger.Error("activationLoop: ActivateDue", "err", err)
		return
	}
	if n > 0 {
		s.logger.Info("listings activated", "count", n)
	}
}

func (s *Scheduler) settle(ctx context.Context) {
	n, err := s.settler.SettleExpired(ctx)
	if err != nil {
		s.logger.Error("settlementLoop: SettleExpired", "err", err)
		return
	}
	if n > 0 {
		s.logger.Info("listings settled", "count", n)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Panic recovery
// ──────────────────────────────────────────────────────────────────────────────

// recoverAndLog is deferred around each sweep to catch unexpected panics and
// log them.
func (s *Scheduler) recoverAndLog(loop string) {
	if r := recover(); r != nil {
		s.logger.Error("PANIC recovered in scheduler loop",
			"loop", loop, "panic", r)
	}
}
