// Package mockserver is a local stand-in for the speech services. It speaks
// the dual-socket and single-socket ASR contracts and the TTS endpoints.
package mockserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"voicestream/internal/domain"
	"voicestream/internal/protocol"
)

var ErrUnknownSession = errors.New("unknown session")

const bytesPerSecond = 16000 * 2

// Config tunes the simulated recognizer.
type Config struct {
	// InterimEvery is the number of audio bytes between interim transcripts.
	InterimEvery int
	// UtteranceBytes is the audio length after which walkie sessions
	// finalize on their own.
	UtteranceBytes int
	// Transcribe builds the final text for an utterance.
	Transcribe func(audioBytes int) string
}

func (c Config) withDefaults() Config {
	if c.InterimEvery <= 0 {
		c.InterimEvery = bytesPerSecond
	}
	if c.UtteranceBytes <= 0 {
		c.UtteranceBytes = 3 * bytesPerSecond
	}
	if c.Transcribe == nil {
		c.Transcribe = func(n int) string {
			return fmt.Sprintf("heard %.2f seconds of audio", float64(n)/bytesPerSecond)
		}
	}
	return c
}

type Server struct {
	cfg      Config
	router   chi.Router
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	singles  int
	stopped  []string
}

func New(cfg Config) *Server {
	s := &Server{
		cfg: cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  65536,
			WriteBufferSize: 65536,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:   slog.Default().With("component", "mockserver"),
		sessions: make(map[string]*session),
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v2/ws/{channel}", s.handleSocket)
	r.Post("/v1/tts", s.handleSynthesize)
	r.Post("/v1/tts/stop", s.handleStop)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Sessions lists the ids of sessions with at least one open socket.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// KeepAlives reports how many keep-alives a session's control socket sent.
func (s *Server) KeepAlives(sid string) int {
	sess := s.session(sid)
	if sess == nil {
		return 0
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.keepAlives
}

// AudioBytes reports how many bytes of audio a session has received.
func (s *Server) AudioBytes(sid string) int {
	sess := s.session(sid)
	if sess == nil {
		return 0
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.audioBytes
}

// StoppedRequests lists TTS request ids that were cancelled.
func (s *Server) StoppedRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stopped...)
}

// Command sends mute or unmute to a session. It uses the control socket
// when one is open and an envelope on the audio socket otherwise.
func (s *Server) Command(sid string, cmd string, ms int) error {
	sess := s.session(sid)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sid)
	}
	if ctrl := sess.ctrlConn(); ctrl != nil {
		return ctrl.writeJSON(protocol.Command{Cmd: cmd, Ms: ms})
	}
	if audio := sess.audioConn(); audio != nil {
		return audio.writeJSON(protocol.ControlEnvelope{
			Type: protocol.TypeControl,
			Data: domain.ControlPayload{Cmd: cmd, Ms: ms},
		})
	}
	return fmt.Errorf("%w: %s has no open socket", ErrUnknownSession, sid)
}

// Fail sends a service error on a session's audio socket.
func (s *Server) Fail(sid string, message string) error {
	sess := s.session(sid)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sid)
	}
	audio := sess.audioConn()
	if audio == nil {
		return fmt.Errorf("%w: %s has no audio socket", ErrUnknownSession, sid)
	}
	if sess.dual {
		return audio.writeJSON(protocol.ServiceError{Type: protocol.TypeError, Message: message})
	}
	return audio.writeJSON(protocol.ASRResult{Error: message})
}

// Drop closes a session's control socket without a close frame.
func (s *Server) Drop(sid string) {
	sess := s.session(sid)
	if sess == nil {
		return
	}
	if ctrl := sess.ctrlConn(); ctrl != nil {
		_ = ctrl.conn.Close()
	}
}

func (s *Server) session(sid string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sid]
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	name, isCtrl := strings.CutSuffix(channel, "-ctrl")
	mode := domain.Mode(name)
	if !mode.Valid() {
		http.NotFound(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	c := &wsConn{conn: conn}
	defer conn.Close()

	if isCtrl {
		s.serveCtrl(c)
		return
	}
	s.serveAudio(c, mode)
}

// serveCtrl reads the handshake, then counts keep-alives until the socket
// closes.
func (s *Server) serveCtrl(c *wsConn) {
	sid, ok := readHandshake(c.conn)
	if !ok {
		return
	}
	sess := s.attach(sid, true)
	sess.setCtrl(c)
	defer s.detach(sid, c)
	s.logger.Debug("control socket opened", "sid", sid)

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if protocol.Decode(payload).Type == protocol.TypeKeepAlive {
			sess.mu.Lock()
			sess.keepAlives++
			sess.mu.Unlock()
		}
	}
}

// serveAudio recognizes dual-socket clients by their sid handshake. Any
// other first message marks a single-socket client.
func (s *Server) serveAudio(c *wsConn, mode domain.Mode) {
	messageType, payload, err := c.conn.ReadMessage()
	if err != nil {
		return
	}

	var sess *session
	var sid string
	if handshake, ok := parseHandshake(messageType, payload); ok {
		sid = handshake
		sess = s.attach(sid, true)
		payload = nil
	} else {
		s.mu.Lock()
		s.singles++
		sid = fmt.Sprintf("single-%d", s.singles)
		s.mu.Unlock()
		sess = s.attach(sid, false)
	}
	sess.setAudio(c)
	defer s.detach(sid, c)
	s.logger.Debug("audio socket opened", "sid", sid, "mode", mode, "dual", sess.dual)

	rec := &recognizer{cfg: s.cfg, mode: mode, dual: sess.dual, out: c}
	if payload != nil {
		sess.countAudio(messageType, payload)
		if err := rec.handle(messageType, payload); err != nil {
			return
		}
	}
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		sess.countAudio(messageType, payload)
		if err := rec.handle(messageType, payload); err != nil {
			s.logger.Warn("write failed", "sid", sid, "error", err)
			return
		}
	}
}

func (s *Server) attach(sid string, dual bool) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sid]
	if !ok {
		sess = &session{dual: dual}
		s.sessions[sid] = sess
	}
	return sess
}

func (s *Server) detach(sid string, c *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sid]
	if !ok {
		return
	}
	if sess.remove(c) {
		delete(s.sessions, sid)
	}
}

func readHandshake(conn *websocket.Conn) (string, bool) {
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		return "", false
	}
	return parseHandshake(messageType, payload)
}

func parseHandshake(messageType int, payload []byte) (string, bool) {
	if messageType != websocket.TextMessage {
		return "", false
	}
	var handshake protocol.Handshake
	if err := json.Unmarshal(payload, &handshake); err != nil || handshake.SID == "" {
		return "", false
	}
	return handshake.SID, true
}
