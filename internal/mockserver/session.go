package mockserver

import (
	"sync"

	"github.com/gorilla/websocket"

	"voicestream/internal/domain"
	"voicestream/internal/protocol"
)

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

type session struct {
	dual bool

	mu         sync.Mutex
	audio      *wsConn
	ctrl       *wsConn
	keepAlives int
	audioBytes int
}

func (s *session) countAudio(messageType int, payload []byte) {
	if messageType != websocket.BinaryMessage {
		return
	}
	s.mu.Lock()
	s.audioBytes += len(payload)
	s.mu.Unlock()
}

func (s *session) setAudio(c *wsConn) {
	s.mu.Lock()
	s.audio = c
	s.mu.Unlock()
}

func (s *session) setCtrl(c *wsConn) {
	s.mu.Lock()
	s.ctrl = c
	s.mu.Unlock()
}

func (s *session) audioConn() *wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *session) ctrlConn() *wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl
}

// remove forgets c and reports whether the session has no sockets left.
func (s *session) remove(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio == c {
		s.audio = nil
	}
	if s.ctrl == c {
		s.ctrl = nil
	}
	return s.audio == nil && s.ctrl == nil
}

// recognizer turns received audio into transcripts. Dual-socket clients get
// typed messages, single-socket clients get the bare {text, final} shape.
type recognizer struct {
	cfg  Config
	mode domain.Mode
	dual bool
	out  *wsConn

	utterance    int
	sinceInterim int
	speaking     bool
}

func (r *recognizer) handle(messageType int, payload []byte) error {
	if messageType == websocket.BinaryMessage {
		return r.audio(len(payload))
	}
	if protocol.Decode(payload).Type == protocol.TypeFinalize {
		return r.finalize()
	}
	return nil
}

func (r *recognizer) audio(n int) error {
	if n == 0 {
		return nil
	}
	if !r.speaking && r.dual {
		r.speaking = true
		if err := r.out.writeJSON(vadStatus{Type: protocol.TypeVADStatus, Speaking: true}); err != nil {
			return err
		}
	}
	r.utterance += n
	r.sinceInterim += n
	if r.sinceInterim >= r.cfg.InterimEvery {
		r.sinceInterim = 0
		if err := r.transcript(r.cfg.Transcribe(r.utterance), false); err != nil {
			return err
		}
	}
	if r.mode == domain.ModeWalkie && r.utterance >= r.cfg.UtteranceBytes {
		return r.finalize()
	}
	return nil
}

// finalize emits the final transcript for the buffered utterance. An empty
// utterance still produces a final so push clients stop waiting.
func (r *recognizer) finalize() error {
	text := ""
	if r.utterance > 0 {
		text = r.cfg.Transcribe(r.utterance)
	}
	r.utterance = 0
	r.sinceInterim = 0
	if r.speaking {
		r.speaking = false
		if err := r.out.writeJSON(vadStatus{Type: protocol.TypeVADStatus, Speaking: false}); err != nil {
			return err
		}
	}
	return r.transcript(text, true)
}

func (r *recognizer) transcript(text string, final bool) error {
	if r.dual {
		return r.out.writeJSON(protocol.Transcription{Type: protocol.TypeTranscription, Text: text, Final: final})
	}
	return r.out.writeJSON(protocol.ASRResult{Text: text, Final: final})
}

type vadStatus struct {
	Type     string `json:"type"`
	Speaking bool   `json:"speaking"`
}
