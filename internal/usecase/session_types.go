package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"voicestream/internal/ports"
)

type activeSession struct {
	id        string
	cancel    context.CancelFunc
	transport ports.Transport
	source    ports.FrameSource

	muted      atomic.Bool
	stopping   atomic.Bool
	frameCount atomic.Uint64

	silence    *silenceDetector
	finals     chan struct{}
	sendWarn   rate.Sometimes
	torndown   chan struct{}

	stopSourceOnce sync.Once
	closeOnce      sync.Once
	teardownOnce   sync.Once
}

func newActiveSession(id string, cancel context.CancelFunc, transport ports.Transport) *activeSession {
	return &activeSession{
		id:         id,
		cancel:     cancel,
		transport:  transport,
		finals:     make(chan struct{}, 1),
		sendWarn:   rate.Sometimes{Interval: 2 * time.Second},
		torndown:   make(chan struct{}),
	}
}

// stopSource stops the frame source at most once. Later calls return nil.
func (s *activeSession) stopSource() error {
	var err error
	s.stopSourceOnce.Do(func() {
		if s.source != nil {
			err = s.source.Stop()
		}
	})
	return err
}

func (s *activeSession) closeTransport(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.transport != nil {
			err = s.transport.Close(ctx)
		}
	})
	return err
}

// signalFinal records that a final transcript arrived.
func (s *activeSession) signalFinal() {
	select {
	case s.finals <- struct{}{}:
	default:
	}
}

func (s *activeSession) drainFinal() {
	select {
	case <-s.finals:
	default:
	}
}
