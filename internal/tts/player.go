package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Player pipes synthesized audio through ffplay and keeps the playback flag
// raised for exactly as long as the process runs.
type Player struct {
	command string
	flag    *PlaybackFlag
	logger  *slog.Logger
}

func NewPlayer(command string, flag *PlaybackFlag) *Player {
	if command == "" {
		command = "ffplay"
	}
	return &Player{
		command: command,
		flag:    flag,
		logger:  slog.Default().With("component", "tts"),
	}
}

func (p *Player) Play(ctx context.Context, audio []byte) error {
	if len(audio) == 0 {
		return errors.New("no audio to play")
	}

	cmd := exec.CommandContext(ctx, p.command, "-nodisp", "-autoexit", "-loglevel", "quiet", "-i", "-")
	cmd.Stdin = bytes.NewReader(audio)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = 500 * time.Millisecond

	p.flag.Set(true)
	defer p.flag.Set(false)
	p.logger.Debug("playback started", "bytes", len(audio))

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("playback failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Speaker synthesizes text and plays it.
type Speaker struct {
	client *Client
	player *Player
	logger *slog.Logger
}

func NewSpeaker(client *Client, player *Player) *Speaker {
	return &Speaker{client: client, player: player, logger: slog.Default().With("component", "tts")}
}

// Say blocks until playback ends. Cancelling ctx stops playback and tells
// the service to drop the request.
func (s *Speaker) Say(ctx context.Context, text string) error {
	speech, err := s.client.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	s.logger.Info("playing speech", "request_id", speech.RequestID, "bytes", len(speech.Audio))

	err = s.player.Play(ctx, speech.Audio)
	if ctx.Err() != nil {
		if stopErr := s.client.Stop(context.WithoutCancel(ctx), speech.RequestID); stopErr != nil {
			s.logger.Warn("failed to stop tts request", "request_id", speech.RequestID, "error", stopErr)
		}
	}
	return err
}
