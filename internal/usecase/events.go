package usecase

import (
	"context"

	"voicestream/internal/domain"
)

// consumeEvents drains the session's transport events until the session
// context ends.
func (c *SessionController) consumeEvents(ctx context.Context, active *activeSession) {
	events := active.transport.Events()
	var g gate
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var r reaction
			g, r = reduceEvent(g, ev)
			c.react(active, g, r, ev)
		}
	}
}

func (c *SessionController) react(active *activeSession, g gate, r reaction, ev domain.TransportEvent) {
	switch r.Kind {
	case reactMute:
		if active.muted.Swap(g.Muted) != g.Muted {
			c.logger.Info("mute changed", "sid", active.id, "muted", g.Muted, "channel", ev.Channel)
		}
		c.updateState(active, func(s *domain.SessionState) { s.Muted = g.Muted })
	case reactTranscript:
		if r.Transcript.Text != "" {
			if r.Transcript.Final {
				c.history.Add(r.Transcript)
			}
			c.deps.Events.Transcript(r.Transcript)
		}
		// History first, so Stop returns with the final already recorded.
		if r.Transcript.Final {
			active.signalFinal()
		}
	case reactVAD:
		c.deps.Events.VADStatus(r.Speaking)
	case reactRemoteError:
		c.logger.Warn("speech service error", "sid", active.id, "message", r.Detail)
		c.deps.Events.SessionError(domain.ErrorCodeRemote, r.Detail)
	case reactChannelError:
		c.logger.Warn("transport error", "sid", active.id, "channel", ev.Channel, "error", r.Detail)
	case reactAudioLost:
		if active.stopping.Load() {
			return
		}
		c.fail(active, domain.ErrorCodeTransport, r.Detail, nil)
	}
}
