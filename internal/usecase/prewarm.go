package usecase

import (
	"context"
	"fmt"
	"sync"
)

// prewarmer runs warm-up once. Concurrent callers share the in-flight
// attempt; a failed attempt may be retried.
type prewarmer struct {
	mu      sync.Mutex
	done    bool
	pending *prewarmCall
}

type prewarmCall struct {
	done chan struct{}
	err  error
}

// Prewarm opens and closes a throwaway connection and checks the audio
// processor so the first Start does less work.
func (c *SessionController) Prewarm(ctx context.Context) error {
	c.warm.mu.Lock()
	if c.warm.done {
		c.warm.mu.Unlock()
		return nil
	}
	if call := c.warm.pending; call != nil {
		c.warm.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &prewarmCall{done: make(chan struct{})}
	c.warm.pending = call
	c.warm.mu.Unlock()

	call.err = c.prewarm(ctx)

	c.warm.mu.Lock()
	c.warm.pending = nil
	c.warm.done = call.err == nil
	c.warm.mu.Unlock()
	close(call.done)
	return call.err
}

func (c *SessionController) prewarm(ctx context.Context) error {
	if c.deps.Transports == nil {
		return fmt.Errorf("prewarm: no transport configured")
	}
	transport, err := c.deps.Transports.NewTransport(c.cfg.Mode, "prewarm-"+c.deps.NewSessionID())
	if err != nil {
		return fmt.Errorf("prewarm: %w", err)
	}
	if err := transport.Connect(ctx); err != nil {
		_ = transport.Close(context.WithoutCancel(ctx))
		return fmt.Errorf("prewarm connect: %w", err)
	}
	if err := transport.Close(ctx); err != nil {
		c.logger.Warn("prewarm close failed", "error", err)
	}
	c.logger.Info("transport prewarmed")

	if c.deps.Processor != nil {
		if err := c.deps.Processor.Available(); err != nil {
			c.logger.Warn("audio processor unavailable, sessions will use chunked capture", "error", err)
		}
	}
	return nil
}
