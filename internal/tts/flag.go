package tts

import "sync/atomic"

// PlaybackFlag records whether synthesized speech is audible. The session
// state machine reads it to avoid uploading its own playback.
type PlaybackFlag struct {
	playing atomic.Bool
}

func (f *PlaybackFlag) Set(playing bool) {
	f.playing.Store(playing)
}

func (f *PlaybackFlag) Playing() bool {
	return f.playing.Load()
}
