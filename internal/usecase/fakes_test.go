package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"voicestream/internal/domain"
	"voicestream/internal/ports"
	"voicestream/internal/protocol"
)

type fakeTransport struct {
	events     chan domain.TransportEvent
	connectErr error
	closeErr   error
	block      chan struct{}
	// onFinalize runs when a Finalize message is sent.
	onFinalize func(*fakeTransport)

	connected atomic.Bool

	mu       sync.Mutex
	connects int
	closes   int
	frames   [][]byte
	messages []any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan domain.TransportEvent, 64)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected.Store(true)
	return nil
}

func (f *fakeTransport) SendFrame(frame []byte) error {
	if !f.connected.Load() {
		return errors.New("audio not open")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), frame...))
	return nil
}

func (f *fakeTransport) Send(_ domain.Channel, v any) error {
	f.mu.Lock()
	f.messages = append(f.messages, v)
	hook := f.onFinalize
	f.mu.Unlock()
	if typed, ok := v.(protocol.Typed); ok && typed.Type == protocol.TypeFinalize && hook != nil {
		hook(f)
	}
	return nil
}

func (f *fakeTransport) Events() <-chan domain.TransportEvent {
	return f.events
}

func (f *fakeTransport) IsConnected() bool {
	return f.connected.Load()
}

func (f *fakeTransport) Close(context.Context) error {
	f.connected.Store(false)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return f.closeErr
}

func (f *fakeTransport) push(ev domain.TransportEvent) {
	f.events <- ev
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) sentMessages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.messages...)
}

type fakeTransportFactory struct {
	transport *fakeTransport
	err       error

	mu     sync.Mutex
	sids   []string
	modes  []domain.Mode
	builds int
}

func (f *fakeTransportFactory) NewTransport(mode domain.Mode, sid string) (ports.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	f.modes = append(f.modes, mode)
	f.sids = append(f.sids, sid)
	if f.err != nil {
		return nil, f.err
	}
	return f.transport, nil
}

func (f *fakeTransportFactory) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

type fakeFrameSource struct {
	startErr error
	stopErr  error

	mu      sync.Mutex
	onFrame func(domain.Frame)
	stops   int
	closes  int
}

func (s *fakeFrameSource) Start(_ context.Context, onFrame func(domain.Frame)) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFrame = onFrame
	return nil
}

func (s *fakeFrameSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return s.stopErr
}

func (s *fakeFrameSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeFrameSource) emit(frame domain.Frame) {
	s.mu.Lock()
	onFrame := s.onFrame
	s.mu.Unlock()
	if onFrame != nil {
		onFrame(frame)
	}
}

func (s *fakeFrameSource) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onFrame != nil
}

func (s *fakeFrameSource) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func (s *fakeFrameSource) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeSourceFactory struct {
	source *fakeFrameSource
	err    error

	mu    sync.Mutex
	calls int
	cfg   ports.AudioConfig
}

func (f *fakeSourceFactory) NewFrameSource(_ context.Context, cfg ports.AudioConfig) (ports.FrameSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cfg = cfg
	if f.err != nil {
		return nil, f.err
	}
	return f.source, nil
}

func (f *fakeSourceFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePermission struct {
	state      domain.PermissionState
	stateErr   error
	requestErr error

	mu       sync.Mutex
	requests int
}

func (p *fakePermission) State(context.Context) (domain.PermissionState, error) {
	return p.state, p.stateErr
}

func (p *fakePermission) Request(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	return p.requestErr
}

func (p *fakePermission) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

type fakePlayback struct {
	playing atomic.Bool
}

func (p *fakePlayback) Playing() bool { return p.playing.Load() }

type sessionErrorEvent struct {
	code   domain.ErrorCode
	detail string
}

type fakeEventSink struct {
	mu          sync.Mutex
	states      []domain.SessionState
	transcripts []domain.Transcript
	errors      []sessionErrorEvent
	vad         []bool
}

func (s *fakeEventSink) SessionStateChanged(state domain.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
}

func (s *fakeEventSink) Transcript(t domain.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, t)
}

func (s *fakeEventSink) VADStatus(speaking bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vad = append(s.vad, speaking)
}

func (s *fakeEventSink) SessionError(code domain.ErrorCode, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, sessionErrorEvent{code: code, detail: detail})
}

func (s *fakeEventSink) snapshotStates() []domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SessionState(nil), s.states...)
}

func (s *fakeEventSink) snapshotErrors() []sessionErrorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sessionErrorEvent(nil), s.errors...)
}

func (s *fakeEventSink) snapshotTranscripts() []domain.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Transcript(nil), s.transcripts...)
}

func (s *fakeEventSink) snapshotVAD() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.vad...)
}

type harness struct {
	transport *fakeTransport
	factory   *fakeTransportFactory
	source    *fakeFrameSource
	frames    *fakeSourceFactory
	fallback  *fakeSourceFactory
	perm      *fakePermission
	playback  *fakePlayback
	events    *fakeEventSink
}

func newHarness() *harness {
	transport := newFakeTransport()
	source := &fakeFrameSource{}
	return &harness{
		transport: transport,
		factory:   &fakeTransportFactory{transport: transport},
		source:    source,
		frames:    &fakeSourceFactory{source: source},
		fallback:  &fakeSourceFactory{source: &fakeFrameSource{}},
		perm:      &fakePermission{state: domain.PermissionGranted},
		playback:  &fakePlayback{},
		events:    &fakeEventSink{},
	}
}

func (h *harness) controller(cfg Config) *SessionController {
	if cfg.FinalTranscriptWait == 0 {
		cfg.FinalTranscriptWait = 20 * time.Millisecond
	}
	return NewSessionController(Dependencies{
		Transports:   h.factory,
		Frames:       h.frames,
		Fallback:     h.fallback,
		Permission:   h.perm,
		Playback:     h.playback,
		Events:       h.events,
		NewSessionID: func() string { return "sid-1" },
	}, cfg)
}

func filledFrame(v int16) domain.Frame {
	frame := make(domain.Frame, 480)
	for i := range frame {
		frame[i] = v
	}
	return frame
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout")
}
