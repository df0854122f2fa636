package usecase

import (
	"context"
	"time"

	"voicestream/internal/domain"
	"voicestream/internal/protocol"
)

// finishUtterance flushes a push-to-talk utterance: trailing silence, an
// explicit Finalize, then a short wait for the final transcript.
func (c *SessionController) finishUtterance(ctx context.Context, active *activeSession) {
	samples := domain.FrameSamples(c.cfg.Audio.SampleRate, c.cfg.Audio.ChunkMs)
	silence := make(domain.Frame, samples).Bytes()
	frames := int(c.cfg.TrailingSilence / (time.Duration(c.cfg.Audio.ChunkMs) * time.Millisecond))

	active.drainFinal()
	for i := 0; i < frames; i++ {
		if err := active.transport.SendFrame(silence); err != nil {
			c.logger.Warn("failed to send trailing silence", "sid", active.id, "error", err)
			return
		}
	}
	if err := active.transport.Send(domain.ChannelAudio, protocol.Finalize()); err != nil {
		c.logger.Warn("failed to send finalize", "sid", active.id, "error", err)
		return
	}

	timer := time.NewTimer(c.cfg.FinalTranscriptWait)
	defer timer.Stop()
	select {
	case <-active.finals:
	case <-timer.C:
		c.logger.Info("no final transcript before teardown", "sid", active.id)
	case <-ctx.Done():
	}
}
