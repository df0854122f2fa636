// Command voicestream streams microphone audio to a speech service and
// prints what it hears.
//
// Usage:
//
//	voicestream [flags] <command> [args]
//
// Commands:
//
//	run         - Capture one session in the terminal
//	serve       - Expose session control over HTTP
//	prewarm     - Open and close a throwaway connection
//	say         - Speak text through the TTS service
//	serve-mock  - Run a local ASR/TTS stand-in
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"voicestream/internal/config"
	"voicestream/internal/domain"
)

var (
	cfgFile  string
	logLevel string
	mode     string
)

var rootCmd = &cobra.Command{
	Use:   "voicestream",
	Short: "Real-time voice streaming client",
	Long: `voicestream captures microphone audio, streams it to a speech
recognition service over websockets and reports transcripts.

Configuration is read from ~/.config/voicestream/config.yaml, a .env file
and VOICESTREAM_* environment variables. Flags override all of them.

Examples:
  # Push-to-talk against a local mock service
  voicestream serve-mock &
  voicestream run --mode push

  # Control sessions over HTTP
  voicestream serve
  curl -X POST localhost:7070/v1/session/start`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.config/voicestream/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&mode, "mode", "", "session mode: push or walkie")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(prewarmCmd)
	rootCmd.AddCommand(sayCmd)
	rootCmd.AddCommand(serveMockCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig resolves configuration and applies flag overrides, then
// installs the default logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if err := applyFlags(&cfg, logLevel, mode); err != nil {
		return config.Config{}, err
	}
	slog.SetDefault(newLogger(cfg.LogLevel))
	return cfg, nil
}

func applyFlags(cfg *config.Config, level string, sessionMode string) error {
	if level = strings.TrimSpace(level); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}
	if sessionMode = strings.ToLower(strings.TrimSpace(sessionMode)); sessionMode != "" {
		if !domain.Mode(sessionMode).Valid() {
			return fmt.Errorf("invalid mode %q, expected push or walkie", sessionMode)
		}
		cfg.Session.Mode = sessionMode
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
