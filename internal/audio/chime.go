package audio

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const chimeTone = "sine=frequency=880:duration=0.3"

// Chime plays a short activation tone, or a sound file when one is set.
type Chime struct {
	command string
	sound   string
}

func NewChime(command string, sound string) *Chime {
	if command == "" {
		command = "ffplay"
	}
	return &Chime{command: command, sound: strings.TrimSpace(sound)}
}

func (c *Chime) Play(ctx context.Context) error {
	args := []string{"-nodisp", "-autoexit", "-loglevel", "quiet"}
	if c.sound != "" {
		args = append(args, c.sound)
	} else {
		args = append(args, "-f", "lavfi", "-i", chimeTone)
	}
	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to play activation sound: %w: %s", err, trimOutput(string(out)))
	}
	return nil
}
