package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// StartRefresher launches a goroutine that periodically refreshes accounts
// whose tokens fall inside the expiry window, so channel workers rarely hit a
// blocking refresh on the hot path.
//
// interval: how often to wake up and check (default 5m).
// window: refresh when remaining lifetime <= window (default 15m).
func (m *Manager) StartRefresher(ctx context.Context, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			ids, err := m.store.ListExpiringWithin(ctx, window)
			if err != nil {
				slog.Warn("list expiring accounts", slog.Any("err", err))
				continue
			}
			for _, id := range ids {
				if ctx.Err() != nil {
					return
				}
				if _, err := m.refreshAccount(ctx, id); err != nil {
					slog.Warn("proactive refresh failed", slog.String("account", id), slog.Any("err", err))
				}
			}
		}
	}()
}
