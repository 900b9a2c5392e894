package matching

import (
	"context"
	"time"
)

// StartJanitor evicts queue entries older than the configured max age on
// every sweep interval. Entries normally leave the queue on pairing, cancel
// or disconnect; the janitor catches the ones that leaked. It blocks until
// ctx is done.
func StartJanitor(ctx context.Context, m *Matcher) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			if removed := m.Sweep(m.cfg.QueueMaxAge); len(removed) > 0 {
				m.logger.Info("janitor evicted stale entries", "count", len(removed), "user_ids", removed)
			}
		}
	}
}
