package bootstrap

import (
	"fmt"

	"voicestream/internal/audio"
	"voicestream/internal/config"
	"voicestream/internal/domain"
	"voicestream/internal/ports"
	"voicestream/internal/transport/asrsocket"
	"voicestream/internal/transport/dualsocket"
	"voicestream/internal/tts"
	"voicestream/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.SessionController
	Config     config.Config
	Processor  *audio.Processor
	Playback   *tts.PlaybackFlag
	// Speaker is nil when no TTS service is configured.
	Speaker *tts.Speaker
}

// Build wires all backend dependencies for cfg.
func Build(cfg config.Config, eventSink ports.EventSink) (Services, error) {
	transports, err := transportFactory(cfg.Transport)
	if err != nil {
		return Services{}, err
	}

	audioCfg := ports.AudioConfig{
		SampleRate:  cfg.Audio.SampleRate,
		Channels:    cfg.Audio.Channels,
		ChunkMs:     cfg.Audio.ChunkMs,
		InputFormat: cfg.Audio.InputFormat,
		InputDevice: cfg.Audio.InputDevice,
	}
	capture := audio.NewFFMPEGCapture(cfg.Audio.FFMPEGCommand)
	processor := audio.NewProcessor(capture, cfg.Audio.ModelPath)
	playback := &tts.PlaybackFlag{}

	var speaker *tts.Speaker
	if cfg.TTS.URL != "" {
		client, err := tts.NewClient(tts.Config{BaseURL: cfg.TTS.URL, Voice: cfg.TTS.Voice, Speed: cfg.TTS.Speed})
		if err != nil {
			return Services{}, err
		}
		speaker = tts.NewSpeaker(client, tts.NewPlayer(cfg.Audio.FFPlayCommand, playback))
	}

	deps := usecase.Dependencies{
		Transports: transports,
		Frames:     audio.NewProcessedSourceFactory(processor),
		Fallback:   audio.NewChunkedSourceFactory(capture, 0),
		Processor:  processor,
		Permission: audio.NewDevicePermission(capture, audioCfg),
		Playback:   playback,
		Events:     eventSink,
	}
	if cfg.Audio.ActivationSound {
		deps.Chime = audio.NewChime(cfg.Audio.FFPlayCommand, cfg.Audio.ActivationFile)
	}

	controller := usecase.NewSessionController(deps, sessionConfig(cfg, audioCfg))
	return Services{
		Controller: controller,
		Config:     cfg,
		Processor:  processor,
		Playback:   playback,
		Speaker:    speaker,
	}, nil
}

func transportFactory(cfg config.TransportConfig) (ports.TransportFactory, error) {
	switch cfg.Kind {
	case config.TransportSingle:
		return asrsocket.Factory{Template: asrsocket.Config{
			BaseURL:        cfg.BaseURL,
			ConnectTimeout: config.Millis(cfg.ConnectTimeoutMs),
		}}, nil
	case config.TransportDual, "":
		return dualsocket.Factory{Template: dualsocket.Config{
			BaseURL:           cfg.BaseURL,
			HandshakeTimeout:  config.Millis(cfg.HandshakeTimeoutMs),
			KeepAliveInterval: config.Millis(cfg.KeepAliveMs),
		}}, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}

func sessionConfig(cfg config.Config, audioCfg ports.AudioConfig) usecase.Config {
	trailing := config.Millis(cfg.Session.TrailingSilenceMs)
	if cfg.Session.TrailingSilenceMs == 0 {
		// Zero in the controller means "default"; zero here means none.
		trailing = -1
	}
	return usecase.Config{
		Mode:                domain.Mode(cfg.Session.Mode),
		Audio:               audioCfg,
		SilenceThreshold:    cfg.Session.SilenceThreshold,
		SilenceWindow:       config.Millis(cfg.Session.SilenceWindowMs),
		HealthInterval:      config.Millis(cfg.Session.HealthIntervalMs),
		HealthMaxFailures:   cfg.Session.HealthMaxFailures,
		TrailingSilence:     trailing,
		FinalTranscriptWait: config.Millis(cfg.Session.FinalTranscriptWaitMs),
		ActivationSound:     cfg.Audio.ActivationSound,
	}
}
