package usecase

import (
	"strings"

	"voicestream/internal/domain"
	"voicestream/internal/protocol"
)

// gate is the per-session transmission state derived from transport events.
type gate struct {
	AudioOpen bool
	CtrlOpen  bool
	Muted     bool
}

type reactionKind int

const (
	reactNone reactionKind = iota
	reactMute
	reactTranscript
	reactVAD
	reactRemoteError
	reactChannelError
	reactAudioLost
)

type reaction struct {
	Kind       reactionKind
	Transcript domain.Transcript
	Speaking   bool
	Detail     string
}

// reduceEvent folds one transport event into the gate and says what the
// session should do about it. It has no side effects.
func reduceEvent(g gate, ev domain.TransportEvent) (gate, reaction) {
	switch ev.Kind {
	case domain.EventOpened:
		switch ev.Channel {
		case domain.ChannelAudio:
			g.AudioOpen = true
		case domain.ChannelCtrl:
			g.CtrlOpen = true
		}
		return g, reaction{}

	case domain.EventClosed:
		if ev.Channel == domain.ChannelCtrl {
			g.CtrlOpen = false
			return g, reaction{}
		}
		g.AudioOpen = false
		return g, reaction{Kind: reactAudioLost, Detail: "Connection to the speech service closed."}

	case domain.EventError:
		detail := "transport error"
		if ev.Cause != nil {
			detail = ev.Cause.Error()
		}
		return g, reaction{Kind: reactChannelError, Detail: detail}

	case domain.EventMessage:
		return reduceMessage(g, ev.Payload)
	}
	return g, reaction{}
}

func reduceMessage(g gate, msg domain.Message) (gate, reaction) {
	if msg.Binary != nil {
		return g, reaction{}
	}
	if cmd, ok := protocol.ControlCommand(msg); ok {
		g.Muted = cmd == protocol.CmdMute
		return g, reaction{Kind: reactMute}
	}

	switch msg.Type {
	case protocol.TypeTranscription:
		text := strings.TrimSpace(msg.Text)
		// An empty final still ends the wait for the utterance's result.
		if text == "" && !msg.Final {
			return g, reaction{}
		}
		return g, reaction{Kind: reactTranscript, Transcript: domain.Transcript{Text: text, Final: msg.Final}}
	case protocol.TypeError:
		detail := strings.TrimSpace(msg.Message)
		if detail == "" {
			detail = "speech service reported an error"
		}
		return g, reaction{Kind: reactRemoteError, Detail: detail}
	case protocol.TypeVADStatus:
		return g, reaction{Kind: reactVAD, Speaking: msg.Speaking}
	}
	return g, reaction{}
}
