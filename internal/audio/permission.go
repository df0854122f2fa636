package audio

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"voicestream/internal/domain"
	"voicestream/internal/ports"
)

const probeDuration = 100 * time.Millisecond

// DevicePermission derives the microphone permission state from the capture
// backend. ALSA exposes device nodes that can be checked directly; other
// backends can only be probed.
type DevicePermission struct {
	capture   ports.AudioCapture
	cfg       ports.AudioConfig
	deviceDir string
}

func NewDevicePermission(capture ports.AudioCapture, cfg ports.AudioConfig) *DevicePermission {
	return &DevicePermission{capture: capture, cfg: cfg, deviceDir: "/dev/snd"}
}

func (p *DevicePermission) State(_ context.Context) (domain.PermissionState, error) {
	if p.cfg.InputFormat != "alsa" {
		return domain.PermissionPrompt, nil
	}
	dir, err := os.Open(p.deviceDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return domain.PermissionUnavailable, nil
	case errors.Is(err, fs.ErrPermission):
		return domain.PermissionDenied, nil
	case err != nil:
		return domain.PermissionUnavailable, fmt.Errorf("failed to inspect %s: %w", p.deviceDir, err)
	}
	_ = dir.Close()
	return domain.PermissionGranted, nil
}

// Request opens the microphone briefly. Failure means access is denied.
func (p *DevicePermission) Request(ctx context.Context) error {
	if p.capture == nil {
		return fmt.Errorf("%w: no capture backend", domain.ErrPermissionDenied)
	}
	session, err := p.capture.Start(ctx, p.cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	}
	timer := time.NewTimer(probeDuration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := session.Stop(); err != nil {
		return fmt.Errorf("failed to stop permission probe: %w", err)
	}
	return nil
}
