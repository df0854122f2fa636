package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

const (
	TransportDual   = "dual"
	TransportSingle = "single"
)

// Config stores runtime configuration. Values come from defaults, then an
// optional YAML file, then the environment.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Transport TransportConfig `yaml:"transport"`
	Audio     AudioConfig     `yaml:"audio"`
	Session   SessionConfig   `yaml:"session"`
	TTS       TTSConfig       `yaml:"tts"`
	HTTP      HTTPConfig      `yaml:"http"`
}

type TransportConfig struct {
	BaseURL            string `yaml:"base_url"`
	Kind               string `yaml:"kind"`
	HandshakeTimeoutMs int    `yaml:"handshake_timeout_ms"`
	KeepAliveMs        int    `yaml:"keep_alive_ms"`
	ConnectTimeoutMs   int    `yaml:"connect_timeout_ms"`
}

type AudioConfig struct {
	FFMPEGCommand   string `yaml:"ffmpeg_command"`
	FFPlayCommand   string `yaml:"ffplay_command"`
	InputFormat     string `yaml:"input_format"`
	InputDevice     string `yaml:"input_device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkMs         int    `yaml:"chunk_ms"`
	ModelPath       string `yaml:"model_path"`
	ActivationSound bool   `yaml:"activation_sound"`
	ActivationFile  string `yaml:"activation_file"`
}

type SessionConfig struct {
	Mode                  string  `yaml:"mode"`
	SilenceThreshold      float64 `yaml:"silence_threshold"`
	SilenceWindowMs       int     `yaml:"silence_window_ms"`
	HealthIntervalMs      int     `yaml:"health_interval_ms"`
	HealthMaxFailures     int     `yaml:"health_max_failures"`
	TrailingSilenceMs     int     `yaml:"trailing_silence_ms"`
	FinalTranscriptWaitMs int     `yaml:"final_transcript_wait_ms"`
}

type TTSConfig struct {
	URL   string  `yaml:"url"`
	Voice string  `yaml:"voice"`
	Speed float64 `yaml:"speed"`
}

type HTTPConfig struct {
	Addr     string `yaml:"addr"`
	MockAddr string `yaml:"mock_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Transport: TransportConfig{
			BaseURL:            "ws://localhost:8080",
			Kind:               TransportDual,
			HandshakeTimeoutMs: 5000,
			KeepAliveMs:        5000,
			ConnectTimeoutMs:   10000,
		},
		Audio: AudioConfig{
			FFMPEGCommand:   "ffmpeg",
			FFPlayCommand:   "ffplay",
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
			ChunkMs:         30,
			ActivationSound: true,
		},
		Session: SessionConfig{
			Mode:                  "walkie",
			SilenceThreshold:      0.01,
			SilenceWindowMs:       1500,
			HealthIntervalMs:      2000,
			HealthMaxFailures:     5,
			TrailingSilenceMs:     1000,
			FinalTranscriptWaitMs: 1500,
		},
		TTS: TTSConfig{
			Voice: "shimmer",
			Speed: 1.0,
		},
		HTTP: HTTPConfig{
			Addr:     "127.0.0.1:7070",
			MockAddr: "127.0.0.1:8080",
		},
	}
}

// Load resolves configuration. An empty path falls back to
// VOICESTREAM_CONFIG and then ~/.config/voicestream/config.yaml, both of
// which are optional; an explicit path must exist.
func Load(path string) (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Default()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = strings.TrimSpace(os.Getenv("VOICESTREAM_CONFIG"))
		explicit = path != ""
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, errors.New("could not determine home directory")
		}
		path = filepath.Join(home, ".config", "voicestream", "config.yaml")
	}
	if err := loadFile(path, &cfg, explicit); err != nil {
		return Config{}, err
	}

	applyEnv(&cfg)
	sanitize(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = envOrDefault("VOICESTREAM_LOG_LEVEL", cfg.LogLevel)

	cfg.Transport.BaseURL = firstNonEmpty(os.Getenv("VOICESTREAM_WS_BASE_URL"), os.Getenv("WS_BASE_URL"), cfg.Transport.BaseURL)
	cfg.Transport.Kind = envOrDefault("VOICESTREAM_TRANSPORT", cfg.Transport.Kind)
	cfg.Transport.HandshakeTimeoutMs = envOrDefaultInt("VOICESTREAM_HANDSHAKE_TIMEOUT_MS", cfg.Transport.HandshakeTimeoutMs)
	cfg.Transport.KeepAliveMs = envOrDefaultInt("VOICESTREAM_KEEP_ALIVE_MS", cfg.Transport.KeepAliveMs)
	cfg.Transport.ConnectTimeoutMs = envOrDefaultInt("VOICESTREAM_CONNECT_TIMEOUT_MS", cfg.Transport.ConnectTimeoutMs)

	cfg.Audio.FFMPEGCommand = envOrDefault("VOICESTREAM_FFMPEG_COMMAND", cfg.Audio.FFMPEGCommand)
	cfg.Audio.FFPlayCommand = envOrDefault("VOICESTREAM_FFPLAY_COMMAND", cfg.Audio.FFPlayCommand)
	cfg.Audio.InputFormat = envOrDefault("VOICESTREAM_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = firstNonEmpty(os.Getenv("VOICESTREAM_AUDIO_INPUT_DEVICE"), os.Getenv("PULSE_SOURCE"), cfg.Audio.InputDevice)
	cfg.Audio.SampleRate = envOrDefaultInt("VOICESTREAM_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.Channels = envOrDefaultInt("VOICESTREAM_CHANNELS", cfg.Audio.Channels)
	cfg.Audio.ChunkMs = envOrDefaultInt("VOICESTREAM_CHUNK_MS", cfg.Audio.ChunkMs)
	cfg.Audio.ModelPath = envOrDefault("VOICESTREAM_AUDIO_MODEL_PATH", cfg.Audio.ModelPath)
	cfg.Audio.ActivationSound = envOrDefaultBool("VOICESTREAM_ACTIVATION_SOUND", cfg.Audio.ActivationSound)
	cfg.Audio.ActivationFile = envOrDefault("VOICESTREAM_ACTIVATION_FILE", cfg.Audio.ActivationFile)

	cfg.Session.Mode = envOrDefault("VOICESTREAM_MODE", cfg.Session.Mode)
	cfg.Session.SilenceThreshold = envOrDefaultFloat("VOICESTREAM_SILENCE_THRESHOLD", cfg.Session.SilenceThreshold)
	cfg.Session.SilenceWindowMs = envOrDefaultInt("VOICESTREAM_SILENCE_WINDOW_MS", cfg.Session.SilenceWindowMs)
	cfg.Session.HealthIntervalMs = envOrDefaultInt("VOICESTREAM_HEALTH_INTERVAL_MS", cfg.Session.HealthIntervalMs)
	cfg.Session.HealthMaxFailures = envOrDefaultInt("VOICESTREAM_HEALTH_MAX_FAILURES", cfg.Session.HealthMaxFailures)
	cfg.Session.TrailingSilenceMs = firstNonNegativeInt("VOICESTREAM_TRAILING_SILENCE_MS", cfg.Session.TrailingSilenceMs)
	cfg.Session.FinalTranscriptWaitMs = envOrDefaultInt("VOICESTREAM_FINAL_TRANSCRIPT_WAIT_MS", cfg.Session.FinalTranscriptWaitMs)

	cfg.TTS.URL = firstNonEmpty(os.Getenv("VOICESTREAM_TTS_URL"), os.Getenv("TTS_URL"), cfg.TTS.URL)
	cfg.TTS.Voice = envOrDefault("VOICESTREAM_TTS_VOICE", cfg.TTS.Voice)
	cfg.TTS.Speed = envOrDefaultFloat("VOICESTREAM_TTS_SPEED", cfg.TTS.Speed)

	cfg.HTTP.Addr = envOrDefault("VOICESTREAM_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.MockAddr = envOrDefault("VOICESTREAM_MOCK_ADDR", cfg.HTTP.MockAddr)
}

func sanitize(cfg *Config) {
	def := Default()

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.Transport.Kind = strings.ToLower(cfg.Transport.Kind)
	if cfg.Transport.Kind != TransportDual && cfg.Transport.Kind != TransportSingle {
		cfg.Transport.Kind = TransportDual
	}
	cfg.Session.Mode = strings.ToLower(cfg.Session.Mode)
	if cfg.Session.Mode != "push" && cfg.Session.Mode != "walkie" {
		cfg.Session.Mode = def.Session.Mode
	}

	positive := []struct {
		value    *int
		fallback int
	}{
		{&cfg.Transport.HandshakeTimeoutMs, def.Transport.HandshakeTimeoutMs},
		{&cfg.Transport.KeepAliveMs, def.Transport.KeepAliveMs},
		{&cfg.Transport.ConnectTimeoutMs, def.Transport.ConnectTimeoutMs},
		{&cfg.Audio.SampleRate, def.Audio.SampleRate},
		{&cfg.Audio.Channels, def.Audio.Channels},
		{&cfg.Audio.ChunkMs, def.Audio.ChunkMs},
		{&cfg.Session.SilenceWindowMs, def.Session.SilenceWindowMs},
		{&cfg.Session.HealthIntervalMs, def.Session.HealthIntervalMs},
		{&cfg.Session.HealthMaxFailures, def.Session.HealthMaxFailures},
		{&cfg.Session.FinalTranscriptWaitMs, def.Session.FinalTranscriptWaitMs},
	}
	for _, p := range positive {
		if *p.value <= 0 {
			*p.value = p.fallback
		}
	}
	if cfg.Session.TrailingSilenceMs < 0 {
		cfg.Session.TrailingSilenceMs = def.Session.TrailingSilenceMs
	}
	if cfg.Session.SilenceThreshold <= 0 || cfg.Session.SilenceThreshold >= 1 {
		cfg.Session.SilenceThreshold = def.Session.SilenceThreshold
	}
	if cfg.TTS.Speed <= 0 {
		cfg.TTS.Speed = def.TTS.Speed
	}
}

func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// firstNonNegativeInt accepts zero, unlike envOrDefaultInt callers that
// later replace non-positive values.
func firstNonNegativeInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
