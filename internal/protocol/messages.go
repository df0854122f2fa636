package protocol

import (
	"encoding/json"
	"strings"

	"voicestream/internal/domain"
)

const (
	TypeTranscription = "transcription"
	TypeError         = "error"
	TypeControl       = "control"
	TypeVADStatus     = "vad_status"
	TypeKeepAlive     = "KeepAlive"
	TypeFinalize      = "Finalize"
	TypeRawString     = "raw_string_message"

	CmdMute   = "mute"
	CmdUnmute = "unmute"
)

// Handshake is the first message written on every socket.
type Handshake struct {
	SID string `json:"sid"`
}

// Typed is a bare `{"type": ...}` message.
type Typed struct {
	Type string `json:"type"`
}

// Command is a control-channel command.
type Command struct {
	Cmd string `json:"cmd"`
	Ms  int    `json:"ms,omitempty"`
}

// ControlEnvelope carries a command over the audio channel.
type ControlEnvelope struct {
	Type string                `json:"type"`
	Data domain.ControlPayload `json:"data"`
}

// Transcription is the transcript shape sent by the dual-socket service.
type Transcription struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// ServiceError is the error shape sent by the dual-socket service.
type ServiceError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// ASRResult is the single-socket transcript/error shape.
type ASRResult struct {
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`
	Error string `json:"error,omitempty"`
}

func KeepAlive() Typed { return Typed{Type: TypeKeepAlive} }

func Finalize() Typed { return Typed{Type: TypeFinalize} }

// Decode turns a text frame into a Message. Text that is not a JSON object
// is wrapped as a raw string message.
func Decode(payload []byte) domain.Message {
	var msg domain.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return domain.Message{Type: TypeRawString, Content: string(payload)}
	}
	return msg
}

// DecodeASR normalizes a single-socket payload. ok is false for interim
// transcripts, which are not surfaced.
func DecodeASR(payload []byte) (domain.Message, bool) {
	var raw struct {
		ASRResult
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return domain.Message{Type: TypeRawString, Content: string(payload)}, true
	}
	if strings.TrimSpace(raw.Error) != "" {
		return domain.Message{Type: TypeError, Message: raw.Error}, true
	}
	if raw.Type == "" || raw.Type == TypeTranscription {
		if !raw.Final {
			return domain.Message{}, false
		}
		return domain.Message{Type: TypeTranscription, Text: raw.Text, Final: true}, true
	}
	return Decode(payload), true
}

// ControlCommand extracts a mute/unmute command from a control-channel
// message or an audio-channel control envelope.
func ControlCommand(msg domain.Message) (string, bool) {
	cmd := msg.Cmd
	if cmd == "" && msg.Type == TypeControl && msg.Data != nil {
		cmd = msg.Data.Cmd
	}
	switch cmd {
	case CmdMute, CmdUnmute:
		return cmd, true
	default:
		return "", false
	}
}
