package dualsocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voicestream/internal/backoff"
	"voicestream/internal/domain"
	"voicestream/internal/protocol"
	"voicestream/internal/transport/wsdial"
)

var (
	ErrAudioNotOpen       = errors.New("audio socket is not open or not connected; call Connect first")
	ErrCtrlNotOpen        = errors.New("control socket is not open")
	ErrReconnectExhausted = errors.New("control channel reconnect attempts exhausted")
	ErrClosed             = errors.New("transport closed")
	ErrHandshakeTimeout   = errors.New("socket handshake timed out")
)

// Config controls the dual-socket transport.
type Config struct {
	BaseURL           string
	Mode              domain.Mode
	SessionID         string
	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	CloseTimeout      time.Duration
	Reconnect         backoff.Policy
	Header            http.Header
	Dialer            *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if !c.Mode.Valid() {
		c.Mode = domain.ModeWalkie
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 5 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 2 * time.Second
	}
	if c.Reconnect.Initial <= 0 {
		c.Reconnect = backoff.Policy{Initial: 500 * time.Millisecond, Max: 8 * time.Second, MaxAttempts: 5}
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.HandshakeTimeout,
		}
	}
	return c
}

// Client holds an audio socket and a control socket for one session and
// presents them as one transport. Connectedness is defined by the audio
// socket alone.
type Client struct {
	cfg      Config
	audioURL string
	ctrlURL  string
	logger   *slog.Logger
	events   chan domain.TransportEvent

	mu           sync.Mutex
	audio        *socket
	ctrl         *socket
	pending      *attempt
	abortConnect context.CancelFunc
	closing      bool
	runCancel    context.CancelFunc
	backoff      *backoff.Backoff

	bg sync.WaitGroup
}

func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	audioURL, err := protocol.EndpointURL(cfg.BaseURL, protocol.AudioPath(cfg.Mode))
	if err != nil {
		return nil, err
	}
	ctrlURL, err := protocol.EndpointURL(cfg.BaseURL, protocol.CtrlPath(cfg.Mode))
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:      cfg,
		audioURL: audioURL,
		ctrlURL:  ctrlURL,
		logger:   slog.Default().With("component", "dualsocket", "sid", cfg.SessionID, "mode", string(cfg.Mode)),
		events:   make(chan domain.TransportEvent, 256),
		backoff:  backoff.New(cfg.Reconnect),
	}, nil
}

func (c *Client) Events() <-chan domain.TransportEvent {
	return c.events
}

// IsConnected reports whether the audio socket is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	audio := c.audio
	c.mu.Unlock()
	return audio != nil && audio.open.Load()
}

// Connect opens both sockets and returns once each has completed its
// handshake. Concurrent callers share the same attempt.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.audio != nil && c.audio.open.Load() {
		c.mu.Unlock()
		return nil
	}
	if p := c.pending; p != nil {
		c.mu.Unlock()
		return p.wait(ctx)
	}
	stale := c.audio != nil || c.ctrl != nil
	c.mu.Unlock()

	// A previous connection lost its audio socket; release what is left of it.
	if stale {
		_ = c.Close(ctx)
	}

	c.mu.Lock()
	if p := c.pending; p != nil {
		c.mu.Unlock()
		return p.wait(ctx)
	}
	p := newAttempt()
	attemptCtx, cancel := context.WithCancel(ctx)
	c.pending = p
	c.abortConnect = cancel
	c.mu.Unlock()

	err := c.connect(attemptCtx)
	cancel()

	c.mu.Lock()
	c.pending = nil
	c.abortConnect = nil
	c.mu.Unlock()

	p.finish(err)
	return err
}

func (c *Client) connect(ctx context.Context) error {
	type dialResult struct {
		sock *socket
		err  error
	}

	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()

	results := make(chan dialResult, 2)
	for _, channel := range []domain.Channel{domain.ChannelAudio, domain.ChannelCtrl} {
		go func(channel domain.Channel) {
			sock, err := c.dial(dialCtx, channel)
			results <- dialResult{sock: sock, err: err}
		}(channel)
	}

	var (
		sockets  = map[domain.Channel]*socket{}
		firstErr error
	)
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
				cancelDial()
			}
			continue
		}
		sockets[r.sock.channel] = r.sock
	}

	fail := func(err error) error {
		code, text := websocket.CloseNormalClosure, "connect aborted"
		if errors.Is(err, ErrHandshakeTimeout) {
			code, text = websocket.CloseProtocolError, "handshake timeout"
		}
		for _, s := range sockets {
			s.abort(code, text)
		}
		c.logger.Warn("connect failed", "error", err)
		return err
	}

	if firstErr != nil {
		return fail(firstErr)
	}
	if ctx.Err() != nil {
		return fail(fmt.Errorf("%w: %v", ErrClosed, ctx.Err()))
	}

	c.mu.Lock()
	if c.closing || ctx.Err() != nil {
		c.mu.Unlock()
		return fail(ErrClosed)
	}
	for _, s := range sockets {
		if s.closed() {
			c.mu.Unlock()
			return fail(fmt.Errorf("%s socket closed during connection setup", s.channel))
		}
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	c.audio = sockets[domain.ChannelAudio]
	c.ctrl = sockets[domain.ChannelCtrl]
	c.closing = false
	c.runCancel = runCancel
	c.backoff.Reset()
	c.bg.Add(1)
	c.mu.Unlock()

	c.emit(domain.Opened(domain.ChannelAudio))
	c.emit(domain.Opened(domain.ChannelCtrl))

	go c.keepAlive(runCtx)

	c.logger.Info("connected")
	return nil
}

// dial opens one socket and writes the handshake. Both steps are bounded by
// the handshake timeout.
func (c *Client) dial(ctx context.Context, channel domain.Channel) (*socket, error) {
	target := c.audioURL
	if channel == domain.ChannelCtrl {
		target = c.ctrlURL
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := wsdial.Dial(handshakeCtx, c.cfg.Dialer, target, c.cfg.Header)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %s socket connect cancelled", ErrClosed, channel)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: %s socket after %s", ErrHandshakeTimeout, channel, c.cfg.HandshakeTimeout)
		}
		return nil, fmt.Errorf("failed to open %s socket: %w", channel, err)
	}

	s := newSocket(channel, conn)
	if deadline, ok := handshakeCtx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := s.writeJSON(protocol.Handshake{SID: c.cfg.SessionID}); err != nil {
		s.abort(websocket.CloseProtocolError, "handshake timeout")
		return nil, fmt.Errorf("%w: %s handshake write: %v", ErrHandshakeTimeout, channel, err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	go c.readLoop(s)
	return s, nil
}

func (c *Client) readLoop(s *socket) {
	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.markClosed()
			c.handleSocketClosed(s, err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.emit(domain.MessageEvent(s.channel, domain.Message{Binary: payload}))
		case websocket.TextMessage:
			msg := protocol.Decode(payload)
			c.logger.Debug("message received", "channel", s.channel, "type", msg.Type)
			c.emit(domain.MessageEvent(s.channel, msg))
		}
	}
}

func (c *Client) handleSocketClosed(s *socket, err error) {
	c.mu.Lock()
	current := c.audio == s || c.ctrl == s
	closing := c.closing
	c.mu.Unlock()

	if !current {
		return
	}

	code := closeCode(err)
	c.emit(domain.Closed(s.channel, code))
	if closing {
		return
	}

	if !isCleanClose(err) {
		c.emit(domain.ErrorEvent(s.channel, err))
	}
	c.logger.Warn("socket closed", "channel", s.channel, "code", code)

	if s.channel == domain.ChannelCtrl {
		c.startReconnect()
	}
}

func (c *Client) startReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.runCancel == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	previous := c.runCancel
	c.runCancel = func() {
		cancel()
		previous()
	}
	c.bg.Add(1)
	go c.reconnectCtrl(ctx)
}

// reconnectCtrl re-establishes the control socket with bounded backoff. It
// gives up as soon as the audio socket is gone.
func (c *Client) reconnectCtrl(ctx context.Context) {
	defer c.bg.Done()

	for {
		c.mu.Lock()
		delay, ok := c.backoff.Next()
		attempt := c.backoff.Attempts()
		c.mu.Unlock()

		if !ok {
			c.logger.Error("control reconnect gave up", "attempts", attempt)
			c.emit(domain.ErrorEvent(domain.ChannelCtrl, ErrReconnectExhausted))
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !c.IsConnected() {
			c.logger.Info("skipping control reconnect, audio socket is down")
			return
		}

		c.logger.Info("reconnecting control socket", "attempt", attempt, "delay", delay)
		s, err := c.dial(ctx, domain.ChannelCtrl)
		if err != nil {
			c.logger.Warn("control reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		if c.closing || ctx.Err() != nil {
			c.mu.Unlock()
			s.abort(websocket.CloseNormalClosure, "client closing")
			return
		}
		if s.closed() {
			c.mu.Unlock()
			continue
		}
		c.ctrl = s
		c.backoff.Reset()
		c.mu.Unlock()

		c.emit(domain.Opened(domain.ChannelCtrl))
		return
	}
}

func (c *Client) keepAlive(ctx context.Context) {
	defer c.bg.Done()

	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			ctrl := c.ctrl
			c.mu.Unlock()
			if ctrl == nil || !ctrl.open.Load() {
				continue
			}
			if err := ctrl.writeJSON(protocol.KeepAlive()); err != nil {
				c.logger.Warn("keep-alive failed", "error", err)
			}
		}
	}
}

// SendFrame writes one binary frame on the audio socket. Calling it while
// the audio socket is not open is a caller bug and returns ErrAudioNotOpen.
func (c *Client) SendFrame(frame []byte) error {
	c.mu.Lock()
	audio := c.audio
	c.mu.Unlock()
	if audio == nil || !audio.open.Load() {
		return ErrAudioNotOpen
	}
	if err := audio.writeBinary(frame); err != nil {
		return fmt.Errorf("failed to send audio frame: %w", err)
	}
	return nil
}

// Send writes v as JSON on the given channel.
func (c *Client) Send(channel domain.Channel, v any) error {
	c.mu.Lock()
	s := c.audio
	notOpen := ErrAudioNotOpen
	if channel == domain.ChannelCtrl {
		s = c.ctrl
		notOpen = ErrCtrlNotOpen
	}
	c.mu.Unlock()

	if s == nil || !s.open.Load() {
		return notOpen
	}
	if err := s.writeJSON(v); err != nil {
		return fmt.Errorf("failed to send %s message: %w", channel, err)
	}
	return nil
}

// Close shuts both sockets down and stops all timers. It returns once both
// read loops have finished, and leaves the client ready to Connect again.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	if c.abortConnect != nil {
		c.abortConnect()
	}
	audio, ctrl := c.audio, c.ctrl
	runCancel := c.runCancel
	c.runCancel = nil
	c.mu.Unlock()

	if runCancel != nil {
		runCancel()
	}
	c.bg.Wait()

	var wg sync.WaitGroup
	for _, s := range []*socket{audio, ctrl} {
		if s == nil {
			continue
		}
		wg.Add(1)
		go func(s *socket) {
			defer wg.Done()
			s.shutdown(c.cfg.CloseTimeout, ctx.Done())
		}(s)
	}
	wg.Wait()

	c.mu.Lock()
	c.audio = nil
	c.ctrl = nil
	c.closing = false
	c.backoff.Reset()
	c.mu.Unlock()

	if audio != nil || ctrl != nil {
		c.logger.Info("closed")
	}
	return nil
}

func (c *Client) emit(event domain.TransportEvent) {
	select {
	case c.events <- event:
	default:
		c.logger.Warn("dropping transport event, consumer is behind", "kind", event.Kind, "channel", event.Channel)
	}
}

type attempt struct {
	done chan struct{}
	err  error
}

func newAttempt() *attempt {
	return &attempt{done: make(chan struct{})}
}

func (a *attempt) finish(err error) {
	a.err = err
	close(a.done)
}

func (a *attempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
