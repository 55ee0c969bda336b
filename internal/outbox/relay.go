package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

//go:generate mockgen -destination=mock_producer.go -package=outbox github.com/evetabi/auction/internal/outbox Producer

// Producer delivers one keyed message to the event stream. KafkaProducer
// implements it.
type Producer interface {
	Send(ctx context.Context, key, value []byte) error
	Close() error
}

// RelayConfig tunes a Relay.
type RelayConfig struct {
	Interval   time.Duration // default 250ms
	Batch      int           // records per pass, default 100
	MaxRetries int           // attempts before a record is parked, 0 = never park
}

// Relay moves pending outbox records to a Producer. A record is deleted only
// after the producer acknowledged it, so every event is delivered at least
// once.
type Relay struct {
	outbox   *Outbox
	producer Producer
	cfg      RelayConfig
	log      *slog.Logger
}

// NewRelay creates a Relay.
func NewRelay(ob *Outbox, p Producer, cfg RelayConfig, log *slog.Logger) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Relay{
		outbox:   ob,
		producer: p,
		cfg:      cfg,
		log:      log.With("component", "outbox_relay"),
	}
}

// Run flushes the outbox every Interval until ctx is cancelled, then makes
// one last pass with a short deadline.
func (r *Relay) Run(ctx context.Context) {
	r.log.Info("relay started", "interval", r.cfg.Interval, "batch", r.cfg.Batch)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if _, err := r.Flush(drainCtx); err != nil {
				r.log.Warn("final flush incomplete", "error", err)
			}
			cancel()
			r.log.Info("relay stopped")
			return
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil {
				r.log.Error("relay flush failed", "error", err)
			}
		}
	}
}

// Flush makes one pass over up to Batch pending records and returns how many
// were acknowledged. Producer failures are counted against the record and do
// not stop the pass; storage failures do. After a failed send the rest of that
// key's records wait for the next pass, so a listing's events reach the
// producer in Seq order.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	var pending []Record
	err := r.outbox.ScanPending(r.cfg.Batch, func(rec Record) error {
		pending = append(pending, rec)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("relay.Flush: scan: %w", err)
	}

	acked := 0
	held := make(map[string]struct{})
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return acked, err
		}
		if _, ok := held[string(rec.Key)]; ok {
			continue
		}
		if err := r.outbox.MarkSent(rec); err != nil {
			return acked, fmt.Errorf("relay.Flush: mark sent: %w", err)
		}

		if err := r.producer.Send(ctx, rec.Key, rec.Payload); err != nil {
			held[string(rec.Key)] = struct{}{}
			state, markErr := r.outbox.MarkFailed(rec, r.cfg.MaxRetries)
			if markErr != nil {
				return acked, fmt.Errorf("relay.Flush: mark failed: %w", markErr)
			}
			if state == StateFailed {
				r.log.Error("outbox record parked after repeated failures",
					"seq", rec.Seq, "retries", rec.Retries+1, "error", err)
			} else {
				r.log.Warn("send failed, will retry", "seq", rec.Seq, "retries", rec.Retries+1, "error", err)
			}
			continue
		}

		if err := r.outbox.MarkAcked(rec.Seq); err != nil {
			return acked, fmt.Errorf("relay.Flush: %w", err)
		}
		acked++
	}
	return acked, nil
}
