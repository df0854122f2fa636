package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"voicestream/internal/domain"
	"voicestream/internal/protocol"
)

func TestSessionControllerPushStartStop(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.transport.onFinalize = func(f *fakeTransport) {
		f.push(domain.MessageEvent(domain.ChannelAudio, domain.Message{Type: protocol.TypeTranscription, Text: "hello world", Final: true}))
	}
	controller := h.controller(Config{Mode: domain.ModePush, FinalTranscriptWait: time.Second})

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	state := controller.State()
	if !state.IsStreaming || state.Status != domain.SessionStatusActive {
		t.Fatalf("unexpected state after start: %+v", state)
	}

	h.source.emit(filledFrame(100))
	h.source.emit(filledFrame(100))
	if got := h.transport.frameCount(); got != 2 {
		t.Fatalf("expected 2 frames sent, got %d", got)
	}

	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	state = controller.State()
	if state.IsStreaming || state.Level != 0 || state.Status != domain.SessionStatusIdle {
		t.Fatalf("unexpected state after stop: %+v", state)
	}
	// 1s of trailing silence at 30ms per frame.
	if got := h.transport.frameCount(); got != 2+33 {
		t.Fatalf("expected trailing silence frames, got %d frames", got)
	}
	msgs := h.transport.sentMessages()
	if len(msgs) != 1 || msgs[0] != protocol.Finalize() {
		t.Fatalf("expected a single Finalize message, got %#v", msgs)
	}
	history := controller.Transcripts()
	if len(history) != 1 || history[0].Text != "hello world" {
		t.Fatalf("expected final transcript in history, got %+v", history)
	}
	if h.source.stopCount() != 1 || h.transport.closeCount() != 1 {
		t.Fatalf("expected one source stop and one transport close, got %d/%d", h.source.stopCount(), h.transport.closeCount())
	}

	states := h.events.snapshotStates()
	if states[0].Status != domain.SessionStatusConnecting || states[len(states)-1].Status != domain.SessionStatusIdle {
		t.Fatalf("unexpected state sequence: %+v", states)
	}
}

func TestSessionControllerEmptyFinalEndsStopWait(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.transport.onFinalize = func(f *fakeTransport) {
		f.push(domain.MessageEvent(domain.ChannelAudio, domain.Message{Type: protocol.TypeTranscription, Text: "", Final: true}))
	}
	controller := h.controller(Config{Mode: domain.ModePush, TrailingSilence: -1, FinalTranscriptWait: 5 * time.Second})

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	started := time.Now()
	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("stop waited %s for a final that already arrived", elapsed)
	}
	if got := controller.Transcripts(); len(got) != 0 {
		t.Fatalf("empty final must not enter history, got %+v", got)
	}
	if got := h.events.snapshotTranscripts(); len(got) != 0 {
		t.Fatalf("empty final must not reach the sink, got %+v", got)
	}
}

func TestSessionControllerRejectsOverlappingStart(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.transport.block = make(chan struct{})
	controller := h.controller(Config{Mode: domain.ModeWalkie})

	firstErr := make(chan error, 1)
	go func() { firstErr <- controller.Start(context.Background()) }()
	waitFor(t, func() bool { return h.transport.connectCount() == 1 })

	if err := controller.Start(context.Background()); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected ErrBusy while connecting, got %v", err)
	}
	close(h.transport.block)
	if err := <-firstErr; err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if err := controller.Start(context.Background()); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected ErrBusy while active, got %v", err)
	}

	if h.factory.buildCount() != 1 || h.transport.connectCount() != 1 {
		t.Fatalf("expected one transport built and connected, got %d/%d", h.factory.buildCount(), h.transport.connectCount())
	}
	_ = controller.Stop(context.Background())
}

func TestSessionControllerStopTearsDownOnceDespiteErrors(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.source.stopErr = errors.New("recorder stuck")
	h.transport.closeErr = errors.New("close failed")
	controller := h.controller(Config{Mode: domain.ModeWalkie})

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	h.source.emit(filledFrame(16384))
	h.source.emit(filledFrame(16384))
	h.source.emit(filledFrame(16384))
	h.source.emit(filledFrame(16384))

	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop should not fail, got %v", err)
	}
	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("second stop should not fail, got %v", err)
	}

	state := controller.State()
	if state.IsStreaming || state.Level != 0 || state.Status != domain.SessionStatusIdle {
		t.Fatalf("unexpected state after stop: %+v", state)
	}
	if h.source.stopCount() != 1 || h.transport.closeCount() != 1 {
		t.Fatalf("expected exactly one source stop and transport close, got %d/%d", h.source.stopCount(), h.transport.closeCount())
	}
}

func TestSessionControllerMuteGating(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		channel domain.Channel
		mute    domain.Message
		unmute  domain.Message
	}{
		{
			name:    "control channel",
			channel: domain.ChannelCtrl,
			mute:    domain.Message{Cmd: protocol.CmdMute, Ms: 500},
			unmute:  domain.Message{Cmd: protocol.CmdUnmute},
		},
		{
			name:    "audio channel envelope",
			channel: domain.ChannelAudio,
			mute:    domain.Message{Type: protocol.TypeControl, Data: &domain.ControlPayload{Cmd: protocol.CmdMute}},
			unmute:  domain.Message{Type: protocol.TypeControl, Data: &domain.ControlPayload{Cmd: protocol.CmdUnmute}},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness()
			controller := h.controller(Config{Mode: domain.ModeWalkie})
			if err := controller.Start(context.Background()); err != nil {
				t.Fatalf("start failed: %v", err)
			}
			defer controller.Stop(context.Background())

			h.source.emit(filledFrame(0))
			h.transport.push(domain.MessageEvent(tt.channel, tt.mute))
			waitFor(t, func() bool { return controller.State().Muted })

			h.source.emit(filledFrame(0))
			h.source.emit(filledFrame(0))
			if got := h.transport.frameCount(); got != 1 {
				t.Fatalf("expected frames held back while muted, got %d sent", got)
			}

			h.transport.push(domain.MessageEvent(domain.ChannelAudio, domain.Message{Type: protocol.TypeTranscription, Text: "done", Final: true}))
			waitFor(t, func() bool { return len(h.events.snapshotTranscripts()) == 1 })
			if !controller.State().Muted {
				t.Fatalf("final transcript must not clear mute")
			}
			h.source.emit(filledFrame(0))
			if got := h.transport.frameCount(); got != 1 {
				t.Fatalf("expected no frames after transcript while muted, got %d", got)
			}

			h.transport.push(domain.MessageEvent(tt.channel, tt.unmute))
			waitFor(t, func() bool { return !controller.State().Muted })
			h.source.emit(filledFrame(0))
			if got := h.transport.frameCount(); got != 2 {
				t.Fatalf("expected transmission to resume after unmute, got %d", got)
			}
		})
	}
}

func TestSessionControllerStaysActiveThroughManyExchanges(t *testing.T) {
	t.Parallel()

	h := newHarness()
	controller := h.controller(Config{Mode: domain.ModeWalkie})
	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer controller.Stop(context.Background())

	const rounds = 12
	for i := 0; i < rounds; i++ {
		h.transport.push(domain.MessageEvent(domain.ChannelAudio, domain.Message{Type: protocol.TypeTranscription, Text: "partial", Final: false}))
		h.transport.push(domain.MessageEvent(domain.ChannelCtrl, domain.Message{Cmd: protocol.CmdMute}))
		h.transport.push(domain.MessageEvent(domain.ChannelAudio, domain.Message{Type: protocol.TypeTranscription, Text: "final", Final: true}))
		h.transport.push(domain.MessageEvent(domain.ChannelCtrl, domain.Message{Cmd: protocol.CmdUnmute}))
		h.source.emit(filledFrame(200))
	}
	waitFor(t, func() bool { return len(h.events.snapshotTranscripts()) == rounds*2 })

	state := controller.State()
	if state.Status != domain.SessionStatusActive || !state.IsStreaming {
		t.Fatalf("expected session to stay active, got %+v", state)
	}
	if h.transport.closeCount() != 0 {
		t.Fatalf("transport closed during exchanges")
	}
	if got := len(controller.Transcripts()); got != historyLimit {
		t.Fatalf("expected history capped at %d, got %d", historyLimit, got)
	}
}

func TestSessionControllerSkipsFramesDuringPlayback(t *testing.T) {
	t.Parallel()

	h := newHarness()
	controller := h.controller(Config{Mode: domain.ModeWalkie})
	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer controller.Stop(context.Background())

	h.playback.playing.Store(true)
	h.source.emit(filledFrame(0))
	if got := h.transport.frameCount(); got != 0 {
		t.Fatalf("expected no frames while speech is playing, got %d", got)
	}
	h.playback.playing.Store(false)
	h.source.emit(filledFrame(0))
	if got := h.transport.frameCount(); got != 1 {
		t.Fatalf("expected frame after playback ended, got %d", got)
	}
}

func TestSessionControllerLevelEveryFourthFrame(t *testing.T) {
	t.Parallel()

	h := newHarness()
	controller := h.controller(Config{Mode: domain.ModeWalkie})
	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer controller.Stop(context.Background())

	for i := 0; i < 3; i++ {
		h.source.emit(filledFrame(16384))
		if level := controller.State().Level; level != 0 {
			t.Fatalf("level recomputed on frame %d: %v", i+1, level)
		}
	}
	h.source.emit(filledFrame(16384))
	if level := controller.State().Level; level != 0.5 {
		t.Fatalf("expected level 0.5 on fourth frame, got %v", level)
	}

	for i := 0; i < 4; i++ {
		h.source.emit(filledFrame(0))
	}
	if level := controller.State().Level; level != 0 {
		t.Fatalf("expected silence to meter 0, got %v", level)
	}
}

func TestSessionControllerPermission(t *testing.T) {
	t.Parallel()

	t.Run("denied fails fast", func(t *testing.T) {
		t.Parallel()
		h := newHarness()
		h.perm.state = domain.PermissionDenied
		controller := h.controller(Config{})

		err := controller.Start(context.Background())
		if !errors.Is(err, domain.ErrPermissionDenied) {
			t.Fatalf("expected permission error, got %v", err)
		}
		state := controller.State()
		if state.Status != domain.SessionStatusError || state.ErrorMessage != permissionBlockedMessage || state.IsStreaming {
			t.Fatalf("unexpected state: %+v", state)
		}
		if h.factory.buildCount() != 0 || h.perm.requestCount() != 0 {
			t.Fatalf("expected no transport and no prompt, got %d/%d", h.factory.buildCount(), h.perm.requestCount())
		}
		errs := h.events.snapshotErrors()
		if len(errs) != 1 || errs[0].code != domain.ErrorCodePermission {
			t.Fatalf("unexpected session errors: %+v", errs)
		}
	})

	t.Run("prompt requests access", func(t *testing.T) {
		t.Parallel()
		h := newHarness()
		h.perm.state = domain.PermissionPrompt
		controller := h.controller(Config{})

		if err := controller.Start(context.Background()); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		defer controller.Stop(context.Background())
		if h.perm.requestCount() != 1 {
			t.Fatalf("expected one permission request, got %d", h.perm.requestCount())
		}
	})

	t.Run("unavailable request failure", func(t *testing.T) {
		t.Parallel()
		h := newHarness()
		h.perm.state = domain.PermissionUnavailable
		h.perm.requestErr = domain.ErrPermissionDenied
		controller := h.controller(Config{})

		if err := controller.Start(context.Background()); !errors.Is(err, domain.ErrPermissionDenied) {
			t.Fatalf("expected permission error, got %v", err)
		}
		if state := controller.State(); state.ErrorMessage != permissionDeniedMessage {
			t.Fatalf("unexpected error message: %q", state.ErrorMessage)
		}
	})
}

func TestSessionControllerConnectFailureRollsBack(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.transport.connectErr = errors.New("handshake timeout")
	controller := h.controller(Config{})

	err := controller.Start(context.Background())
	var sessionErr *SessionError
	if !errors.As(err, &sessionErr) || sessionErr.Code != domain.ErrorCodeConnect {
		t.Fatalf("expected connect session error, got %v", err)
	}
	state := controller.State()
	if state.Status != domain.SessionStatusError || state.ErrorMessage != connectFailedMessage {
		t.Fatalf("unexpected state: %+v", state)
	}
	if h.transport.closeCount() != 1 {
		t.Fatalf("expected transport closed once during rollback, got %d", h.transport.closeCount())
	}
	if h.frames.callCount() != 0 {
		t.Fatalf("audio source should not open after connect failure")
	}

	controller.Reset()
	if controller.State().Status != domain.SessionStatusIdle {
		t.Fatalf("expected reset to return to idle")
	}
}

func TestSessionControllerFallsBackToChunkedSource(t *testing.T) {
	t.Parallel()

	t.Run("preferred unavailable", func(t *testing.T) {
		t.Parallel()
		h := newHarness()
		h.frames.err = errors.New("processor unavailable")
		controller := h.controller(Config{Mode: domain.ModeWalkie})

		if err := controller.Start(context.Background()); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		defer controller.Stop(context.Background())
		if !h.fallback.source.started() {
			t.Fatalf("expected fallback source to start")
		}
		h.fallback.source.emit(filledFrame(0))
		if h.transport.frameCount() != 1 {
			t.Fatalf("expected fallback frames routed to transport")
		}
	})

	t.Run("preferred fails to start", func(t *testing.T) {
		t.Parallel()
		h := newHarness()
		h.source.startErr = errors.New("device busy")
		controller := h.controller(Config{Mode: domain.ModeWalkie})

		if err := controller.Start(context.Background()); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		defer controller.Stop(context.Background())
		if h.source.closeCount() != 1 {
			t.Fatalf("expected preferred source closed, got %d", h.source.closeCount())
		}
		if !h.fallback.source.started() {
			t.Fatalf("expected fallback source to start")
		}
	})

	t.Run("both fail", func(t *testing.T) {
		t.Parallel()
		h := newHarness()
		h.frames.err = errors.New("processor unavailable")
		h.fallback.err = errors.New("no capture device")
		controller := h.controller(Config{})

		err := controller.Start(context.Background())
		var sessionErr *SessionError
		if !errors.As(err, &sessionErr) || sessionErr.Code != domain.ErrorCodeAudio {
			t.Fatalf("expected audio session error, got %v", err)
		}
		if h.transport.closeCount() != 1 {
			t.Fatalf("expected transport rolled back once, got %d", h.transport.closeCount())
		}
	})
}

func TestSessionControllerAudioLossIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness()
	controller := h.controller(Config{Mode: domain.ModeWalkie})
	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	h.transport.push(domain.Closed(domain.ChannelCtrl, 1006))
	h.transport.push(domain.ErrorEvent(domain.ChannelCtrl, errors.New("ctrl dropped")))
	h.transport.push(domain.Closed(domain.ChannelAudio, 1006))
	waitFor(t, func() bool { return controller.State().Status == domain.SessionStatusError })

	state := controller.State()
	if state.IsStreaming || state.ErrorMessage == "" {
		t.Fatalf("unexpected state: %+v", state)
	}
	if h.source.stopCount() != 1 || h.transport.closeCount() != 1 {
		t.Fatalf("expected teardown once, got %d/%d", h.source.stopCount(), h.transport.closeCount())
	}

	controller.Reset()
	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("restart after reset failed: %v", err)
	}
	_ = controller.Stop(context.Background())
}

func TestSessionControllerRemoteErrorKeepsSession(t *testing.T) {
	t.Parallel()

	h := newHarness()
	controller := h.controller(Config{Mode: domain.ModeWalkie})
	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer controller.Stop(context.Background())

	h.transport.push(domain.MessageEvent(domain.ChannelAudio, domain.Message{Type: protocol.TypeError, Message: "quota exceeded", Code: 429}))
	h.transport.push(domain.MessageEvent(domain.ChannelAudio, domain.Message{Type: protocol.TypeVADStatus, Speaking: true}))
	waitFor(t, func() bool { return len(h.events.snapshotVAD()) == 1 })

	errs := h.events.snapshotErrors()
	if len(errs) != 1 || errs[0].code != domain.ErrorCodeRemote || errs[0].detail != "quota exceeded" {
		t.Fatalf("unexpected session errors: %+v", errs)
	}
	if controller.State().Status != domain.SessionStatusActive {
		t.Fatalf("remote error must not end the session")
	}
	if vad := h.events.snapshotVAD(); !vad[0] {
		t.Fatalf("expected speaking=true, got %v", vad)
	}
}

func TestSessionControllerHealthMonitorFails(t *testing.T) {
	t.Parallel()

	h := newHarness()
	controller := h.controller(Config{Mode: domain.ModeWalkie, HealthInterval: 10 * time.Millisecond, HealthMaxFailures: 3})
	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	h.transport.connected.Store(false)
	waitFor(t, func() bool { return controller.State().Status == domain.SessionStatusError })

	if msg := controller.State().ErrorMessage; msg != healthLostMessage {
		t.Fatalf("unexpected error message: %q", msg)
	}
	errs := h.events.snapshotErrors()
	if len(errs) != 1 || errs[0].code != domain.ErrorCodeHealth {
		t.Fatalf("unexpected session errors: %+v", errs)
	}
}

func TestSessionControllerSilenceAutoStop(t *testing.T) {
	t.Parallel()

	h := newHarness()
	controller := h.controller(Config{Mode: domain.ModeWalkie, SilenceWindow: 60 * time.Millisecond})
	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	for i := 0; i < 8; i++ {
		h.source.emit(filledFrame(0))
	}
	time.Sleep(150 * time.Millisecond)
	if controller.State().Status != domain.SessionStatusActive {
		t.Fatalf("silence before speech must not stop the session")
	}

	for i := 0; i < 4; i++ {
		h.source.emit(filledFrame(16384))
	}
	waitFor(t, func() bool { return controller.State().Status == domain.SessionStatusIdle })
	if h.transport.closeCount() != 1 {
		t.Fatalf("expected transport closed once, got %d", h.transport.closeCount())
	}
}

func TestSessionControllerStopDuringStart(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.transport.block = make(chan struct{})
	controller := h.controller(Config{Mode: domain.ModePush})

	startErr := make(chan error, 1)
	go func() { startErr <- controller.Start(context.Background()) }()
	waitFor(t, func() bool { return h.transport.connectCount() == 1 })

	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := <-startErr; !errors.Is(err, ErrStartCancelled) {
		t.Fatalf("expected ErrStartCancelled, got %v", err)
	}
	if state := controller.State(); state.Status != domain.SessionStatusIdle {
		t.Fatalf("expected idle after cancelled start, got %+v", state)
	}
	if h.transport.closeCount() != 1 {
		t.Fatalf("expected abandoned transport closed, got %d", h.transport.closeCount())
	}
	if errs := h.events.snapshotErrors(); len(errs) != 0 {
		t.Fatalf("cancelled start must not report errors: %+v", errs)
	}
}

func TestSessionControllerPrewarmRunsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.transport.block = make(chan struct{})
	controller := h.controller(Config{Mode: domain.ModeWalkie})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- controller.Prewarm(context.Background())
		}()
	}
	waitFor(t, func() bool { return h.transport.connectCount() == 1 })
	close(h.transport.block)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("prewarm failed: %v", err)
		}
	}

	if err := controller.Prewarm(context.Background()); err != nil {
		t.Fatalf("repeat prewarm failed: %v", err)
	}
	if h.factory.buildCount() != 1 || h.transport.closeCount() != 1 {
		t.Fatalf("expected a single prewarm connection, got %d builds / %d closes", h.factory.buildCount(), h.transport.closeCount())
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{Mode: "radio"}.withDefaults()
	if cfg.Mode != domain.ModePush || cfg.MeterEveryNFrames != 4 || cfg.SilenceThreshold != 0.01 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.Channels != 1 || cfg.Audio.ChunkMs != 30 {
		t.Fatalf("unexpected audio defaults: %+v", cfg.Audio)
	}
	if !cfg.Audio.Constraints.EchoCancellation || !cfg.Audio.Constraints.NoiseSuppression || !cfg.Audio.Constraints.AutoGainControl {
		t.Fatalf("expected speech constraints enabled: %+v", cfg.Audio.Constraints)
	}
	if cfg.HealthInterval != 2*time.Second || cfg.HealthMaxFailures != 5 || cfg.TrailingSilence != time.Second {
		t.Fatalf("unexpected timing defaults: %+v", cfg)
	}
}
