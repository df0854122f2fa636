package usecase

import (
	"context"
	"time"

	"voicestream/internal/domain"
)

const healthLostMessage = "Connection to the speech service was lost."

// monitorHealth polls transport liveness and fails the session after too
// many consecutive misses.
func (c *SessionController) monitorHealth(ctx context.Context, active *activeSession) {
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if active.transport.IsConnected() {
			misses = 0
			continue
		}
		misses++
		c.logger.Warn("health check failed", "sid", active.id, "misses", misses)
		if misses >= c.cfg.HealthMaxFailures {
			c.fail(active, domain.ErrorCodeHealth, healthLostMessage, nil)
			return
		}
	}
}
