package dualsocket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"voicestream/internal/domain"
)

const closeWriteWait = time.Second

// socket is one of the two connections. Writes are serialized; reads
// happen on a single goroutine owned by the client.
type socket struct {
	channel domain.Channel
	conn    *websocket.Conn

	writeMu sync.Mutex
	open    atomic.Bool

	doneOnce sync.Once
	done     chan struct{}
}

func newSocket(channel domain.Channel, conn *websocket.Conn) *socket {
	s := &socket{channel: channel, conn: conn, done: make(chan struct{})}
	s.open.Store(true)
	return s
}

func (s *socket) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *socket) writeBinary(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (s *socket) markClosed() {
	s.open.Store(false)
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *socket) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// abort closes the connection with the given code without waiting for the peer.
func (s *socket) abort(code int, text string) {
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(closeWriteWait))
	_ = s.conn.Close()
}

// shutdown sends a normal close frame and waits for the read loop to see the
// peer's reply, forcing the connection closed after wait.
func (s *socket) shutdown(wait time.Duration, cancel <-chan struct{}) {
	if s.open.Load() {
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"), time.Now().Add(closeWriteWait))
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
	case <-cancel:
	}

	_ = s.conn.Close()
	<-s.done
}

func closeCode(err error) int {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return websocket.CloseAbnormalClosure
}

func isCleanClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
