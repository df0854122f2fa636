package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"voicestream/internal/domain"
	"voicestream/internal/httpapi"
	"voicestream/internal/mockserver"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Capture one session in the terminal",
	Long: `Start a session and print final transcripts to stdout.

In push mode the session stops when Enter is pressed. In walkie mode it
stops after trailing silence, on Ctrl-C, or when the session fails.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		app, err := bootApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		return runSession(ctx, app, cmd.InOrStdin())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose session control over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		app, err := bootApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		services := app.services

		go func() {
			if err := services.Controller.Prewarm(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("prewarm failed", "error", err)
			}
		}()

		handlers := httpapi.Handlers{Controller: services.Controller}
		if services.Speaker != nil {
			handlers.Speaker = services.Speaker
		}
		slog.Info("serving session API", "addr", services.Config.HTTP.Addr, "mode", services.Controller.Mode())
		err = httpapi.Serve(ctx, httpapi.New(handlers), services.Config.HTTP.Addr)

		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if stopErr := services.Controller.Stop(stopCtx); stopErr != nil {
			slog.Warn("stop on shutdown failed", "error", stopErr)
		}
		return err
	},
}

var prewarmCmd = &cobra.Command{
	Use:   "prewarm",
	Short: "Open and close a throwaway connection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		app, err := bootApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if err := app.services.Controller.Prewarm(ctx); err != nil {
			return err
		}
		if err := app.services.Processor.Available(); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "connection ok, audio processing unavailable: %v\n", err)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "connection ok, audio processing available")
		return nil
	},
}

var sayCmd = &cobra.Command{
	Use:   "say <text>",
	Short: "Speak text through the TTS service",
	Long: `Synthesize text and play it. Sessions started while speech is
playing do not stream audio until playback ends.

Example:
  voicestream say "hello there"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		app, err := bootApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if app.services.Speaker == nil {
			return errors.New("tts URL is not configured, set VOICESTREAM_TTS_URL")
		}
		return app.services.Speaker.Say(ctx, strings.Join(args, " "))
	},
}

var serveMockCmd = &cobra.Command{
	Use:   "serve-mock",
	Short: "Run a local ASR/TTS stand-in",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		srv := &http.Server{
			Addr:              cfg.HTTP.MockAddr,
			Handler:           mockserver.New(mockserver.Config{}).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		slog.Info("serving mock speech services", "addr", cfg.HTTP.MockAddr)
		return serveUntil(ctx, srv)
	},
}

func bootApp(out io.Writer) (*App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	app := NewApp(out)
	if err := app.startup(cfg); err != nil {
		return nil, err
	}
	return app, nil
}

func runSession(ctx context.Context, app *App, in io.Reader) error {
	if err := app.requireReady(); err != nil {
		return err
	}
	controller := app.services.Controller
	if err := controller.Start(ctx); err != nil {
		return err
	}

	enter := make(chan struct{})
	if controller.Mode() == domain.ModePush {
		fmt.Fprintln(os.Stderr, "Recording. Press Enter to stop.")
		go func() {
			_, _ = bufio.NewReader(in).ReadString('\n')
			close(enter)
		}()
	}

	var ended domain.SessionState
	select {
	case <-ctx.Done():
	case <-enter:
	case ended = <-app.Ended():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := controller.Stop(stopCtx); err != nil {
		return err
	}
	if ended.Status == domain.SessionStatusError {
		return errors.New(ended.ErrorMessage)
	}
	return nil
}

func serveUntil(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
