package ports

import (
	"context"
	"io"

	"voicestream/internal/domain"
)

// AudioConstraints biases capture towards speech without feedback.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	ChunkMs     int
	InputFormat string
	InputDevice string
	Constraints AudioConstraints
}

// AudioSession is a live capture session producing raw PCM bytes.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// FrameSource delivers fixed-duration frames to onFrame until stopped.
type FrameSource interface {
	Start(ctx context.Context, onFrame func(domain.Frame)) error
	Stop() error
	Close() error
}

// FrameSourceFactory opens frame sources.
type FrameSourceFactory interface {
	NewFrameSource(ctx context.Context, cfg AudioConfig) (FrameSource, error)
}

// AudioProcessor reports whether the speech-processing chain can be loaded.
type AudioProcessor interface {
	Available() error
}

// Transport is a connected streaming link to the speech service.
type Transport interface {
	Connect(ctx context.Context) error
	SendFrame(frame []byte) error
	Send(channel domain.Channel, v any) error
	Events() <-chan domain.TransportEvent
	IsConnected() bool
	Close(ctx context.Context) error
}

// TransportFactory builds one transport per session.
type TransportFactory interface {
	NewTransport(mode domain.Mode, sessionID string) (Transport, error)
}

// MicrophonePermission reports and requests microphone access.
type MicrophonePermission interface {
	State(ctx context.Context) (domain.PermissionState, error)
	Request(ctx context.Context) error
}

// PlaybackState reports whether text-to-speech audio is currently playing.
type PlaybackState interface {
	Playing() bool
}

// Chime plays the activation sound.
type Chime interface {
	Play(ctx context.Context) error
}

// EventSink receives session updates.
type EventSink interface {
	SessionStateChanged(state domain.SessionState)
	Transcript(transcript domain.Transcript)
	VADStatus(speaking bool)
	SessionError(code domain.ErrorCode, detail string)
}
