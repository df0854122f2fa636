package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"voicestream/internal/ports"
)

const (
	startupProbe = 250 * time.Millisecond
	stopGrace    = 1200 * time.Millisecond
)

// FFMPEGCapture streams s16le microphone PCM from an ffmpeg child process.
type FFMPEGCapture struct {
	command string
	filters []string
}

func NewFFMPEGCapture(command string) *FFMPEGCapture {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFMPEGCapture{command: command}
}

// WithFilters returns a capture that runs the given audio filter chain.
func (c *FFMPEGCapture) WithFilters(filters ...string) *FFMPEGCapture {
	return &FFMPEGCapture{command: c.command, filters: append([]string(nil), filters...)}
}

func (c *FFMPEGCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	cmd := exec.CommandContext(ctx, c.command, c.args(normalizeAudioConfig(cfg))...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.command, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// A misconfigured device makes ffmpeg exit almost immediately.
	select {
	case err := <-waitErr:
		detail := trimOutput(stderr.String())
		if err != nil {
			return nil, fmt.Errorf("capture exited before it started: %w: %s", err, detail)
		}
		return nil, fmt.Errorf("capture exited before it started: %s", detail)
	case <-time.After(startupProbe):
	}

	return &captureSession{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

func (c *FFMPEGCapture) args(cfg ports.AudioConfig) []string {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
	}
	if len(c.filters) > 0 {
		args = append(args, "-af", strings.Join(c.filters, ","))
	}
	return append(args,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	)
}

func normalizeAudioConfig(cfg ports.AudioConfig) ports.AudioConfig {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.ChunkMs <= 0 {
		cfg.ChunkMs = 30
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	return cfg
}

type captureSession struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *captureSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *captureSession) Close() error {
	return s.Stop()
}

// Stop interrupts the capture process and kills it if it does not exit
// within the grace period.
func (s *captureSession) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		var (
			err error
			ok  bool
		)
		select {
		case err, ok = <-s.waitErr:
		case <-time.After(stopGrace):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok = <-s.waitErr
		}
		if ok {
			s.stopErr = ignoreExitStatus(err)
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && s.stopErr == nil {
			s.stopErr = closeErr
		}
		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, trimOutput(s.stderr.String()))
		}
	})
	return s.stopErr
}

// ignoreExitStatus drops the non-zero exit status ffmpeg reports when it is
// interrupted.
func ignoreExitStatus(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimOutput(s string) string {
	return strings.TrimSpace(s)
}
