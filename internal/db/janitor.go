package db

import (
	"context"
	"log/slog"
	"time"
)

// EventPurger is the slice of SubscriptionRepo the janitor needs.
type EventPurger interface {
	PurgeAppliedBefore(ctx context.Context, before time.Time) (int64, error)
}

// Janitor periodically removes idempotency records older than the retention
// window. Without it the webhook_events table grows without bound.
type Janitor struct {
	purger    EventPurger
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewJanitor creates a Janitor with the given retention and sweep interval.
func NewJanitor(purger EventPurger, retention, interval time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{purger: purger, retention: retention, interval: interval, logger: logger}
}

// Run sweeps once immediately and then on every interval tick until the
// context is cancelled. A failed sweep is logged and retried next tick;
// purge failures never take the process down.
func (j *Janitor) Run(ctx context.Context) error {
	j.sweep(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.retention)
	purged, err := j.purger.PurgeAppliedBefore(ctx, cutoff)
	if err != nil {
		j.logger.ErrorContext(ctx, "webhook event purge failed", "error", err)
		return
	}
	if purged > 0 {
		j.logger.InfoContext(ctx, "purged expired webhook events",
			"purged", purged,
			"cutoff", cutoff,
		)
	}
}
