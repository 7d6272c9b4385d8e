package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// StartRefresher launches a goroutine that periodically refreshes the manager's
// stored credential when its remaining lifetime falls within window, so a long idle
// stretch never leaves the listener holding an expired token. Only silent refreshes
// happen here; an unrecoverable credential waits for the next GetValidCredential.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, m *Manager, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	clk := m.clock
	// Randomize initial delay so the broadcaster and bot managers do not wake together.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-clk.After(initialJitter):
		}
		for {
			// Per-iteration jitter (±20% of interval).
			jitterRange := int64(interval/5) + 1
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-clk.After(nextSleep):
			}
			ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
			refreshed, err := m.RefreshIfExpiring(ctx2, window)
			cancel()
			if err != nil {
				m.log.Warn("background token refresh failed", slog.Any("err", err))
				continue
			}
			if refreshed {
				m.log.Debug("background token refresh done")
			}
		}
	}()
}
