package asrsocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"voicestream/internal/backoff"
	"voicestream/internal/domain"
	"voicestream/internal/protocol"
	"voicestream/internal/transport/wsdial"
)

var (
	ErrDisconnected       = errors.New("asr socket disconnected")
	ErrConnectTimeout     = errors.New("asr socket connect timed out")
	ErrReconnectExhausted = errors.New("asr socket reconnect attempts exhausted")
)

// Config controls the single-socket ASR transport.
type Config struct {
	BaseURL        string
	Mode           domain.Mode
	ConnectTimeout time.Duration
	Reconnect      backoff.Policy
	Header         http.Header
	Dialer         *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if !c.Mode.Valid() {
		c.Mode = domain.ModePush
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.Reconnect.Initial <= 0 {
		c.Reconnect = backoff.Policy{Initial: 200 * time.Millisecond, Max: 30 * time.Second, MaxAttempts: 10}
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	}
	return c
}

// Client multiplexes audio frames and JSON messages over one socket.
// Sending on a closed socket is tolerated: frames are dropped with a
// throttled warning.
type Client struct {
	cfg    Config
	url    string
	logger *slog.Logger
	events chan domain.TransportEvent
	warn   rate.Sometimes

	mu           sync.Mutex
	conn         *websocket.Conn
	readDone     chan struct{}
	pending      *attempt
	abortConnect context.CancelFunc
	intentional  bool
	reconnect    context.CancelFunc
	reconnectGen int
	backoff      *backoff.Backoff

	writeMu sync.Mutex
}

func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	endpoint, err := protocol.EndpointURL(cfg.BaseURL, protocol.AudioPath(cfg.Mode))
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:     cfg,
		url:     endpoint,
		logger:  slog.Default().With("component", "asrsocket", "mode", string(cfg.Mode)),
		events:  make(chan domain.TransportEvent, 256),
		warn:    rate.Sometimes{Interval: 2 * time.Second},
		backoff: backoff.New(cfg.Reconnect),
	}, nil
}

func (c *Client) Events() <-chan domain.TransportEvent {
	return c.events
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect opens the socket. Concurrent callers receive the same in-flight
// attempt; a connected client returns nil immediately.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.intentional = false
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if p := c.pending; p != nil {
		c.mu.Unlock()
		return p.wait(ctx)
	}
	p := newAttempt()
	attemptCtx, cancel := context.WithCancel(ctx)
	c.pending = p
	c.abortConnect = cancel
	c.mu.Unlock()

	err := c.open(attemptCtx)
	cancel()

	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
		c.abortConnect = nil
	}
	c.mu.Unlock()

	p.finish(err)
	return err
}

func (c *Client) open(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := wsdial.Dial(dialCtx, c.cfg.Dialer, c.url, c.cfg.Header)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			err = fmt.Errorf("%w after %s", ErrConnectTimeout, c.cfg.ConnectTimeout)
		case ctx.Err() != nil:
			err = ErrDisconnected
		default:
			err = fmt.Errorf("failed to connect to ASR websocket: %w", err)
		}
		c.logger.Warn("connect failed", "error", err)
		return err
	}

	c.mu.Lock()
	if c.intentional || ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrDisconnected
	}
	done := make(chan struct{})
	c.conn = conn
	c.readDone = done
	c.backoff.Reset()
	c.reconnect = nil
	c.mu.Unlock()

	c.emit(domain.Opened(domain.ChannelAudio))
	go c.readLoop(conn, done)
	c.logger.Info("connected", "url", c.url)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(conn, err)
			return
		}
		if messageType != websocket.TextMessage {
			c.emit(domain.MessageEvent(domain.ChannelAudio, domain.Message{Binary: payload}))
			continue
		}

		msg, ok := protocol.DecodeASR(payload)
		if !ok {
			continue
		}
		if msg.Type == protocol.TypeError {
			c.logger.Warn("service error", "message", msg.Message)
		}
		c.emit(domain.MessageEvent(domain.ChannelAudio, msg))
	}
}

func (c *Client) handleClosed(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	intentional := c.intentional
	c.mu.Unlock()
	_ = conn.Close()

	code, clean := closeStatus(err)
	if intentional {
		c.emit(domain.Closed(domain.ChannelAudio, code))
		return
	}

	c.logger.Warn("socket closed", "code", code, "clean", clean)
	if clean || c.cfg.Mode != domain.ModeWalkie {
		c.emit(domain.Closed(domain.ChannelAudio, code))
		return
	}

	c.emit(domain.ErrorEvent(domain.ChannelAudio, err))
	c.scheduleReconnect()
}

// closeStatus extracts the close code. A dropped connection surfaces as a
// CloseError with 1006 and is not clean.
func closeStatus(err error) (int, bool) {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return websocket.CloseAbnormalClosure, false
	}
	return closeErr.Code, closeErr.Code != websocket.CloseAbnormalClosure
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.intentional || c.reconnect != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.reconnect = cancel
	c.reconnectGen++
	go c.reconnectLoop(ctx, cancel, c.reconnectGen)
}

func (c *Client) reconnectLoop(ctx context.Context, cancel context.CancelFunc, gen int) {
	defer func() {
		cancel()
		c.mu.Lock()
		if c.reconnectGen == gen {
			c.reconnect = nil
		}
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		delay, ok := c.backoff.Next()
		attempt := c.backoff.Attempts()
		c.mu.Unlock()
		if !ok {
			c.logger.Error("reconnect gave up", "attempts", attempt)
			c.emit(domain.ErrorEvent(domain.ChannelAudio, ErrReconnectExhausted))
			c.emit(domain.Closed(domain.ChannelAudio, websocket.CloseAbnormalClosure))
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
		if err := c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		return
	}
}

// SendFrame writes a binary frame. It never fails: when the socket is not
// open the frame is dropped and a throttled warning is logged.
func (c *Client) SendFrame(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.warn.Do(func() {
			c.logger.Warn("dropping audio, socket is not open")
		})
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.logger.Warn("failed to send audio", "error", err)
	}
	return nil
}

// Send writes v as JSON. Only the audio channel exists on this transport.
func (c *Client) Send(_ domain.Channel, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("asr socket is not open")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Close disconnects intentionally: it suppresses reconnects, fails a pending
// Connect, closes with 1000 and resets the backoff.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.intentional = true
	if c.reconnect != nil {
		c.reconnect()
		c.reconnect = nil
	}
	if c.abortConnect != nil {
		c.abortConnect()
	}
	conn := c.conn
	done := c.readDone
	c.backoff.Reset()
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Client disconnect"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}
	_ = conn.Close()
	<-done

	c.logger.Info("disconnected")
	return nil
}

func (c *Client) emit(event domain.TransportEvent) {
	select {
	case c.events <- event:
	default:
		c.logger.Warn("dropping transport event, consumer is behind", "kind", event.Kind)
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
