package domain

import (
	"encoding/binary"
	"math"

	"github.com/samber/lo"
)

// Mode selects the interaction style of a session.
type Mode string

const (
	ModePush   Mode = "push"
	ModeWalkie Mode = "walkie"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModePush || m == ModeWalkie
}

// Channel identifies which socket a transport event came from.
type Channel string

const (
	ChannelAudio Channel = "audio"
	ChannelCtrl  Channel = "ctrl"
)

// SessionStatus models the streaming lifecycle.
type SessionStatus string

const (
	SessionStatusIdle       SessionStatus = "idle"
	SessionStatusConnecting SessionStatus = "connecting"
	SessionStatusActive     SessionStatus = "active"
	SessionStatusError      SessionStatus = "error"
)

// SessionState is the observable record published to clients.
type SessionState struct {
	IsStreaming  bool          `json:"isStreaming"`
	Level        float64       `json:"level"`
	Status       SessionStatus `json:"status"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Muted        bool          `json:"muted"`
}

// ErrorCode identifies coded session errors.
type ErrorCode string

const (
	ErrorCodeStartup    ErrorCode = "startup"
	ErrorCodePermission ErrorCode = "permission"
	ErrorCodeConnect    ErrorCode = "connect"
	ErrorCodeAudio      ErrorCode = "audio"
	ErrorCodeTransport  ErrorCode = "transport"
	ErrorCodeRemote     ErrorCode = "remote"
	ErrorCodeHealth     ErrorCode = "health"
	ErrorCodeTeardown   ErrorCode = "teardown"
)

// PermissionState mirrors the microphone permission states a host can report.
type PermissionState string

const (
	PermissionGranted     PermissionState = "granted"
	PermissionDenied      PermissionState = "denied"
	PermissionPrompt      PermissionState = "prompt"
	PermissionUnavailable PermissionState = "unavailable"
)

// Frame is one fixed-duration block of mono 16-bit PCM samples.
type Frame []int16

// FrameSamples returns the sample count of a frame of chunkMs at sampleRate.
func FrameSamples(sampleRate int, chunkMs int) int {
	return sampleRate * chunkMs / 1000
}

// Bytes encodes the frame as little-endian PCM.
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f)*2)
	for i, s := range f {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// FrameFromBytes decodes little-endian PCM. A trailing odd byte is dropped.
func FrameFromBytes(b []byte) Frame {
	out := make(Frame, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// Level returns the RMS of the frame normalized to [0, 1].
func (f Frame) Level() float64 {
	if len(f) == 0 {
		return 0
	}
	var sum float64
	for _, s := range f {
		v := float64(s) / 32768
		sum += v * v
	}
	return lo.Clamp(math.Sqrt(sum/float64(len(f))), 0, 1)
}

// Transcript is one recognized utterance.
type Transcript struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}
