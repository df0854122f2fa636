package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"voicestream/internal/domain"
	"voicestream/internal/ports"
)

const (
	permissionBlockedMessage = "Microphone access is blocked. Allow microphone access for this application and try again."
	permissionDeniedMessage  = "Microphone access was denied."
	connectFailedMessage     = "Could not connect to the speech service."
	audioFailedMessage       = "Could not start the microphone."
)

var ErrStartCancelled = errors.New("session start cancelled")

// SessionError is a start or runtime failure with a message fit for display.
type SessionError struct {
	Code    domain.ErrorCode
	Message string
	Err     error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Config controls session behavior for one interaction mode.
type Config struct {
	Mode  domain.Mode
	Audio ports.AudioConfig

	MeterEveryNFrames   int
	SilenceThreshold    float64
	SilenceWindow       time.Duration
	HealthInterval      time.Duration
	HealthMaxFailures   int
	TrailingSilence     time.Duration
	FinalTranscriptWait time.Duration
	CloseTimeout        time.Duration
	ActivationSound     bool
}

func (c Config) withDefaults() Config {
	if !c.Mode.Valid() {
		c.Mode = domain.ModePush
	}
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = 16000
	}
	if c.Audio.Channels <= 0 {
		c.Audio.Channels = 1
	}
	if c.Audio.ChunkMs <= 0 {
		c.Audio.ChunkMs = 30
	}
	c.Audio.Constraints = ports.AudioConstraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
	if c.MeterEveryNFrames <= 0 {
		c.MeterEveryNFrames = 4
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 0.01
	}
	if c.SilenceWindow <= 0 {
		c.SilenceWindow = 1500 * time.Millisecond
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 2 * time.Second
	}
	if c.HealthMaxFailures <= 0 {
		c.HealthMaxFailures = 5
	}
	if c.TrailingSilence < 0 {
		c.TrailingSilence = 0
	} else if c.TrailingSilence == 0 {
		c.TrailingSilence = time.Second
	}
	if c.FinalTranscriptWait <= 0 {
		c.FinalTranscriptWait = 1500 * time.Millisecond
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 3 * time.Second
	}
	return c
}

// Dependencies are the collaborators a SessionController drives.
// Frames is the preferred source; Fallback is used when it cannot start.
type Dependencies struct {
	Transports   ports.TransportFactory
	Frames       ports.FrameSourceFactory
	Fallback     ports.FrameSourceFactory
	Processor    ports.AudioProcessor
	Permission   ports.MicrophonePermission
	Playback     ports.PlaybackState
	Chime        ports.Chime
	Events       ports.EventSink
	NewSessionID func() string
}

// SessionController runs one streaming session at a time in push or walkie
// mode.
type SessionController struct {
	deps    Dependencies
	cfg     Config
	logger  *slog.Logger
	history *transcriptHistory
	warm    prewarmer

	mu       sync.Mutex
	state    domain.SessionState
	starting *startAttempt
	current  *activeSession
}

type startAttempt struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSessionController(deps Dependencies, cfg Config) *SessionController {
	cfg = cfg.withDefaults()
	if deps.NewSessionID == nil {
		deps.NewSessionID = uuid.NewString
	}
	if deps.Events == nil {
		deps.Events = nopSink{}
	}
	return &SessionController{
		deps:    deps,
		cfg:     cfg,
		logger:  slog.Default().With("component", "session", "mode", string(cfg.Mode)),
		history: newTranscriptHistory(historyLimit),
		state:   domain.SessionState{Status: domain.SessionStatusIdle},
	}
}

// Start opens a streaming session. It returns domain.ErrBusy without side
// effects while another session is starting or running.
func (c *SessionController) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.starting != nil || c.current != nil {
		status := c.state.Status
		c.mu.Unlock()
		c.logger.Warn("start ignored, session already in progress", "status", status)
		return domain.ErrBusy
	}
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pending := &startAttempt{cancel: cancel, done: make(chan struct{})}
	c.starting = pending
	c.state = domain.SessionState{Status: domain.SessionStatusConnecting}
	state := c.state
	c.mu.Unlock()
	defer close(pending.done)

	c.deps.Events.SessionStateChanged(state)

	detach := context.AfterFunc(ctx, cancel)
	active, err := c.open(sessionCtx, cancel)
	detach()

	c.mu.Lock()
	c.starting = nil
	cancelled := sessionCtx.Err() != nil
	if err == nil && !cancelled {
		c.current = active
		c.state = domain.SessionState{IsStreaming: true, Status: domain.SessionStatusActive}
		state = c.state
		c.mu.Unlock()

		go c.consumeEvents(sessionCtx, active)
		if c.cfg.Mode == domain.ModeWalkie {
			go c.monitorHealth(sessionCtx, active)
		}
		c.logger.Info("session started", "sid", active.id)
		c.deps.Events.SessionStateChanged(state)
		return nil
	}

	if cancelled {
		c.state = domain.SessionState{Status: domain.SessionStatusIdle}
	} else {
		c.state = domain.SessionState{Status: domain.SessionStatusError, ErrorMessage: displayMessage(err)}
	}
	state = c.state
	c.mu.Unlock()

	if active != nil {
		c.teardown(context.Background(), active, state)
	} else {
		cancel()
	}

	if cancelled {
		c.logger.Info("session start cancelled")
		c.deps.Events.SessionStateChanged(state)
		return ErrStartCancelled
	}

	code := domain.ErrorCodeStartup
	var sessionErr *SessionError
	if errors.As(err, &sessionErr) {
		code = sessionErr.Code
	}
	c.logger.Error("session start failed", "code", code, "error", err)
	c.deps.Events.SessionError(code, err.Error())
	c.deps.Events.SessionStateChanged(state)
	return err
}

// open acquires everything a session needs. The returned session is non-nil
// whenever a transport was created so the caller can roll it back.
func (c *SessionController) open(ctx context.Context, cancel context.CancelFunc) (*activeSession, error) {
	if c.cfg.ActivationSound && c.deps.Chime != nil {
		go c.playChime(ctx)
	}

	if err := c.ensurePermission(ctx); err != nil {
		return nil, err
	}

	if c.deps.Transports == nil {
		return nil, &SessionError{Code: domain.ErrorCodeConnect, Message: connectFailedMessage, Err: errors.New("no transport configured")}
	}
	sid := c.deps.NewSessionID()
	transport, err := c.deps.Transports.NewTransport(c.cfg.Mode, sid)
	if err != nil {
		return nil, &SessionError{Code: domain.ErrorCodeConnect, Message: connectFailedMessage, Err: err}
	}
	active := newActiveSession(sid, cancel, transport)

	if err := transport.Connect(ctx); err != nil {
		return active, &SessionError{Code: domain.ErrorCodeConnect, Message: connectFailedMessage, Err: err}
	}

	if c.cfg.Mode == domain.ModeWalkie {
		active.silence = newSilenceDetector(c.cfg.SilenceThreshold, c.cfg.SilenceWindow, func() {
			c.autoStop(active)
		})
	}

	source, err := c.startFrameSource(ctx, active)
	if err != nil {
		return active, &SessionError{Code: domain.ErrorCodeAudio, Message: audioFailedMessage, Err: err}
	}
	active.source = source
	return active, nil
}

func (c *SessionController) ensurePermission(ctx context.Context) error {
	permission := c.deps.Permission
	if permission == nil {
		return nil
	}

	state, err := permission.State(ctx)
	if err != nil {
		c.logger.Warn("microphone permission state unavailable", "error", err)
		state = domain.PermissionUnavailable
	}
	switch state {
	case domain.PermissionGranted:
		return nil
	case domain.PermissionDenied:
		return &SessionError{Code: domain.ErrorCodePermission, Message: permissionBlockedMessage, Err: domain.ErrPermissionDenied}
	}

	if err := permission.Request(ctx); err != nil {
		return &SessionError{Code: domain.ErrorCodePermission, Message: permissionDeniedMessage, Err: err}
	}
	return nil
}

func (c *SessionController) startFrameSource(ctx context.Context, active *activeSession) (ports.FrameSource, error) {
	onFrame := c.frameHandler(active)

	var preferredErr error
	if c.deps.Frames != nil {
		source, err := c.deps.Frames.NewFrameSource(ctx, c.cfg.Audio)
		if err == nil {
			if err = source.Start(ctx, onFrame); err == nil {
				return source, nil
			}
			_ = source.Close()
		}
		preferredErr = err
		c.logger.Warn("preferred audio source unavailable, falling back to chunked capture", "sid", active.id, "error", err)
	}

	if c.deps.Fallback == nil {
		if preferredErr != nil {
			return nil, preferredErr
		}
		return nil, errors.New("no audio source configured")
	}
	source, err := c.deps.Fallback.NewFrameSource(ctx, c.cfg.Audio)
	if err != nil {
		return nil, err
	}
	if err := source.Start(ctx, onFrame); err != nil {
		_ = source.Close()
		return nil, err
	}
	return source, nil
}

func (c *SessionController) frameHandler(active *activeSession) func(domain.Frame) {
	every := uint64(c.cfg.MeterEveryNFrames)
	return func(frame domain.Frame) {
		if active.frameCount.Add(1)%every == 0 {
			level := frame.Level()
			c.publishLevel(active, level)
			if active.silence != nil {
				active.silence.Observe(level)
			}
		}

		if active.stopping.Load() || active.muted.Load() || c.playing() {
			return
		}
		if err := active.transport.SendFrame(frame.Bytes()); err != nil {
			active.sendWarn.Do(func() {
				c.logger.Warn("failed to send audio frame", "sid", active.id, "error", err)
			})
		}
	}
}

func (c *SessionController) playing() bool {
	return c.deps.Playback != nil && c.deps.Playback.Playing()
}

func (c *SessionController) playChime(ctx context.Context) {
	if err := c.deps.Chime.Play(ctx); err != nil && ctx.Err() == nil {
		c.logger.Debug("activation sound failed", "error", err)
	}
}

// Stop ends the session. In push mode the pending utterance is flushed
// first. Stop never fails; teardown errors are logged.
func (c *SessionController) Stop(ctx context.Context) error {
	c.mu.Lock()
	if pending := c.starting; pending != nil {
		c.mu.Unlock()
		pending.cancel()
		select {
		case <-pending.done:
		case <-ctx.Done():
		}
		return nil
	}
	active := c.current
	if active == nil {
		c.state.IsStreaming = false
		c.state.Level = 0
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.stopActive(ctx, active)
	return nil
}

func (c *SessionController) stopActive(ctx context.Context, active *activeSession) {
	if !active.stopping.CompareAndSwap(false, true) {
		select {
		case <-active.torndown:
		case <-ctx.Done():
		}
		return
	}
	if active.silence != nil {
		active.silence.Stop()
	}

	if c.cfg.Mode == domain.ModePush && active.transport.IsConnected() {
		if err := active.stopSource(); err != nil {
			c.logger.Warn("failed to stop audio source", "sid", active.id, "error", err)
		}
		c.finishUtterance(ctx, active)
	}

	c.teardown(ctx, active, domain.SessionState{Status: domain.SessionStatusIdle})
	c.logger.Info("session stopped", "sid", active.id)
}

func (c *SessionController) autoStop(active *activeSession) {
	if !c.isCurrent(active) {
		return
	}
	c.logger.Info("silence detected, stopping session", "sid", active.id)
	c.stopActive(context.Background(), active)
}

// fail moves a running session into the error state.
func (c *SessionController) fail(active *activeSession, code domain.ErrorCode, message string, cause error) {
	if !active.stopping.CompareAndSwap(false, true) {
		return
	}
	detail := message
	if cause != nil {
		detail = cause.Error()
	}
	c.logger.Error("session failed", "sid", active.id, "code", code, "error", detail)
	c.deps.Events.SessionError(code, detail)
	c.teardown(context.Background(), active, domain.SessionState{Status: domain.SessionStatusError, ErrorMessage: message})
}

// teardown releases the session exactly once and publishes next if the
// session was still current.
func (c *SessionController) teardown(ctx context.Context, active *activeSession, next domain.SessionState) {
	active.teardownOnce.Do(func() {
		defer close(active.torndown)
		if active.silence != nil {
			active.silence.Stop()
		}
		if err := active.stopSource(); err != nil {
			c.logger.Warn("failed to stop audio source", "sid", active.id, "error", err)
		}

		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CloseTimeout)
		if err := active.closeTransport(closeCtx); err != nil {
			c.logger.Warn("failed to close transport", "sid", active.id, "error", err)
		}
		cancel()
		active.cancel()

		c.mu.Lock()
		published := c.current == active
		if published {
			c.current = nil
			c.state = next
		}
		c.mu.Unlock()
		if published {
			c.deps.Events.SessionStateChanged(next)
		}
	})
}

// Reset clears the error state. It does nothing in any other state.
func (c *SessionController) Reset() {
	c.mu.Lock()
	if c.state.Status != domain.SessionStatusError {
		c.mu.Unlock()
		return
	}
	c.state = domain.SessionState{Status: domain.SessionStatusIdle}
	state := c.state
	c.mu.Unlock()
	c.deps.Events.SessionStateChanged(state)
}

func (c *SessionController) State() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcripts returns the most recent final transcripts, oldest first.
func (c *SessionController) Transcripts() []domain.Transcript {
	return c.history.Snapshot()
}

func (c *SessionController) Mode() domain.Mode {
	return c.cfg.Mode
}

func (c *SessionController) isCurrent(active *activeSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == active
}

func (c *SessionController) publishLevel(active *activeSession, level float64) {
	c.updateState(active, func(s *domain.SessionState) { s.Level = level })
}

func (c *SessionController) updateState(active *activeSession, mutate func(*domain.SessionState)) {
	c.mu.Lock()
	if c.current != active {
		c.mu.Unlock()
		return
	}
	mutate(&c.state)
	state := c.state
	c.mu.Unlock()
	c.deps.Events.SessionStateChanged(state)
}

func displayMessage(err error) string {
	var sessionErr *SessionError
	if errors.As(err, &sessionErr) && sessionErr.Message != "" {
		return sessionErr.Message
	}
	return "Could not start the voice session."
}

type nopSink struct{}

func (nopSink) SessionStateChanged(domain.SessionState) {}
func (nopSink) Transcript(domain.Transcript)            {}
func (nopSink) VADStatus(bool)                          {}
func (nopSink) SessionError(domain.ErrorCode, string)   {}
