package main

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"voicestream/internal/bootstrap"
	"voicestream/internal/config"
	"voicestream/internal/domain"
)

// App is the terminal front end. It receives session events and prints
// final transcripts to out.
type App struct {
	out    io.Writer
	logger *slog.Logger

	services bootstrap.Services
	bootErr  error

	mu         sync.Mutex
	lastStatus domain.SessionStatus
	muted      bool
	wasActive  bool
	ended      chan domain.SessionState
}

func NewApp(out io.Writer) *App {
	return &App{
		out:        out,
		logger:     slog.Default().With("component", "app"),
		lastStatus: domain.SessionStatusIdle,
		ended:      make(chan domain.SessionState, 1),
	}
}

func (a *App) startup(cfg config.Config) error {
	services, err := bootstrap.Build(cfg, a)
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return err
	}
	a.services = services
	return nil
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.services.Controller == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// Ended delivers the state a session settled in after it was active.
func (a *App) Ended() <-chan domain.SessionState {
	return a.ended
}

// SessionStateChanged logs status and mute transitions. Level-only updates
// are ignored.
func (a *App) SessionStateChanged(state domain.SessionState) {
	a.mu.Lock()
	statusChanged := state.Status != a.lastStatus
	muteChanged := state.Muted != a.muted
	a.lastStatus = state.Status
	a.muted = state.Muted
	if state.Status == domain.SessionStatusActive {
		a.wasActive = true
	}
	ended := a.wasActive && (state.Status == domain.SessionStatusIdle || state.Status == domain.SessionStatusError)
	if ended {
		a.wasActive = false
	}
	a.mu.Unlock()

	if statusChanged {
		a.logger.Info(statusMessage(state.Status), "status", state.Status)
	}
	if muteChanged {
		a.logger.Info(muteMessage(state.Muted))
	}
	if ended {
		select {
		case a.ended <- state:
		default:
		}
	}
}

func (a *App) Transcript(transcript domain.Transcript) {
	if !transcript.Final || transcript.Text == "" {
		return
	}
	fmt.Fprintln(a.out, transcript.Text)
}

func (a *App) VADStatus(speaking bool) {
	a.logger.Debug("voice activity", "speaking", speaking)
}

func (a *App) SessionError(code domain.ErrorCode, detail string) {
	a.logger.Error(errorMessage(code, detail), "code", code, "detail", detail)
}

func statusMessage(status domain.SessionStatus) string {
	switch status {
	case domain.SessionStatusIdle:
		return "Mic cold"
	case domain.SessionStatusConnecting:
		return "Connecting"
	case domain.SessionStatusActive:
		return "Listening"
	case domain.SessionStatusError:
		return "Session failed"
	default:
		return ""
	}
}

func muteMessage(muted bool) string {
	if muted {
		return "Muted by server"
	}
	return "Unmuted by server"
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodePermission:
		return "Microphone permission issue"
	case domain.ErrorCodeConnect:
		return "Connection failed"
	case domain.ErrorCodeAudio:
		return "Audio capture issue"
	case domain.ErrorCodeTransport:
		return "Connection issue"
	case domain.ErrorCodeRemote:
		return "Speech service error"
	case domain.ErrorCodeHealth:
		return "Connection lost"
	case domain.ErrorCodeTeardown:
		return "Audio stop issue"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}
