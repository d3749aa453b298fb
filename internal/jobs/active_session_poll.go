package jobs

import (
	"context"
	"log"
	"time"

	"rollcall/internal/config"
	"rollcall/internal/notify"
	"rollcall/internal/session"
)

// StartActiveSessionPoller re-reads the active session on an interval
// and refreshes the shared cache. Push notifications are an
// optimization; this poll is the correctness backstop, so it runs
// whether or not any push arrived.
func StartActiveSessionPoller(ctx context.Context, cfg config.Config, manager *session.Manager, notifier *notify.Notifier) {
	if !cfg.PollEnabled {
		return
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				active, err := manager.Active(tickCtx)
				if err != nil {
					cancel()
					log.Printf("active session poll error: %v", err)
					continue
				}
				if err := notifier.CacheActive(tickCtx, active); err != nil {
					log.Printf("active session cache refresh error: %v", err)
				}
				cancel()
			}
		}
	}()
}
