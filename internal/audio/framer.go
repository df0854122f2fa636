package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"voicestream/internal/domain"
	"voicestream/internal/ports"
)

const pumpDrainTimeout = 2 * time.Second

// pcmSource re-splits a capture byte stream into fixed frames. Frames are
// delivered in capture order on the pump goroutine.
type pcmSource struct {
	session    ports.AudioSession
	frameBytes int
	readSize   int
	release    func()
	logger     *slog.Logger

	started  atomic.Bool
	stopping atomic.Bool
	done     chan struct{}

	stopOnce sync.Once
	stopErr  error
}

func newPCMSource(session ports.AudioSession, frameBytes int, readSize int, release func(), logger *slog.Logger) *pcmSource {
	if readSize <= 0 {
		readSize = frameBytes
	}
	return &pcmSource{
		session:    session,
		frameBytes: frameBytes,
		readSize:   readSize,
		release:    release,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

func (s *pcmSource) Start(ctx context.Context, onFrame func(domain.Frame)) error {
	if onFrame == nil {
		return errors.New("frame callback is required")
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("frame source already started")
	}
	if s.stopping.Load() {
		close(s.done)
		return errors.New("frame source is stopped")
	}
	go s.pump(ctx, onFrame)
	return nil
}

func (s *pcmSource) pump(ctx context.Context, onFrame func(domain.Frame)) {
	defer close(s.done)

	buf := make([]byte, s.readSize)
	pending := make([]byte, 0, s.frameBytes+s.readSize)
	for {
		n, err := s.session.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for len(pending) >= s.frameBytes {
				if s.stopping.Load() || ctx.Err() != nil {
					return
				}
				onFrame(domain.FrameFromBytes(pending[:s.frameBytes]))
				pending = append(pending[:0], pending[s.frameBytes:]...)
			}
		}
		if err != nil {
			if !s.stopping.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.logger.Warn("capture read failed", "error", err)
			}
			return
		}
		if s.stopping.Load() || ctx.Err() != nil {
			return
		}
	}
}

// Stop ends capture, waits for the pump to drain and releases any held
// processor handle. It is safe to call more than once.
func (s *pcmSource) Stop() error {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		s.stopErr = s.session.Stop()
		if s.started.Load() {
			select {
			case <-s.done:
			case <-time.After(pumpDrainTimeout):
				s.logger.Warn("frame pump did not drain before timeout")
			}
		}
		if s.release != nil {
			s.release()
		}
	})
	return s.stopErr
}

func (s *pcmSource) Close() error {
	return s.Stop()
}

func frameBytesFor(cfg ports.AudioConfig) int {
	return domain.FrameSamples(cfg.SampleRate, cfg.ChunkMs) * 2 * cfg.Channels
}
