package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"voicestream/internal/ports"
)

var ErrProcessorUnavailable = errors.New("audio processor is unavailable")

// Processor owns the speech-processing filter chain. Only one handle can be
// held at a time; callers acquire, capture, then release.
type Processor struct {
	capture   *FFMPEGCapture
	modelPath string
	slot      chan struct{}
}

func NewProcessor(capture *FFMPEGCapture, modelPath string) *Processor {
	return &Processor{
		capture:   capture,
		modelPath: strings.TrimSpace(modelPath),
		slot:      make(chan struct{}, 1),
	}
}

// Available reports whether the denoising model asset can be loaded.
func (p *Processor) Available() error {
	if p == nil || p.capture == nil {
		return ErrProcessorUnavailable
	}
	if p.modelPath == "" {
		return fmt.Errorf("%w: no model path configured", ErrProcessorUnavailable)
	}
	info, err := os.Stat(p.modelPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrProcessorUnavailable, p.modelPath)
	}
	return nil
}

// Acquire blocks until the processor is free or ctx ends.
func (p *Processor) Acquire(ctx context.Context) (*Handle, error) {
	if err := p.Available(); err != nil {
		return nil, err
	}
	select {
	case p.slot <- struct{}{}:
		return &Handle{processor: p}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handle is an exclusive claim on the Processor.
type Handle struct {
	processor *Processor
	once      sync.Once
}

func (h *Handle) Capture(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	p := h.processor
	return p.capture.WithFilters(filterChain(cfg.Constraints, p.modelPath)...).Start(ctx, cfg)
}

func (h *Handle) Release() {
	h.once.Do(func() {
		<-h.processor.slot
	})
}

// filterChain maps capture constraints onto ffmpeg filters. Echo
// cancellation has no ffmpeg counterpart.
func filterChain(c ports.AudioConstraints, modelPath string) []string {
	var filters []string
	if c.NoiseSuppression {
		filters = append(filters, "afftdn")
		if modelPath != "" {
			filters = append(filters, "arnndn=m="+escapeFilterValue(modelPath))
		}
	}
	if c.AutoGainControl {
		filters = append(filters, "dynaudnorm")
	}
	return filters
}

func escapeFilterValue(v string) string {
	return strings.NewReplacer(`\`, `\\`, `:`, `\:`, `,`, `\,`, `'`, `\'`).Replace(v)
}

// ProcessedSourceFactory opens frame sources through the Processor.
type ProcessedSourceFactory struct {
	processor *Processor
	logger    *slog.Logger
}

func NewProcessedSourceFactory(processor *Processor) *ProcessedSourceFactory {
	return &ProcessedSourceFactory{
		processor: processor,
		logger:    slog.Default().With("component", "audio", "source", "processed"),
	}
}

func (f *ProcessedSourceFactory) NewFrameSource(ctx context.Context, cfg ports.AudioConfig) (ports.FrameSource, error) {
	cfg = normalizeAudioConfig(cfg)
	handle, err := f.processor.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	session, err := handle.Capture(ctx, cfg)
	if err != nil {
		handle.Release()
		return nil, fmt.Errorf("failed to start processed capture: %w", err)
	}
	frameBytes := frameBytesFor(cfg)
	return newPCMSource(session, frameBytes, frameBytes, handle.Release, f.logger), nil
}

// ChunkedSourceFactory reads unfiltered capture in coarse chunks and
// re-splits them into frames.
type ChunkedSourceFactory struct {
	capture   ports.AudioCapture
	chunkSize int
	logger    *slog.Logger
}

const defaultChunkBytes = 4096

func NewChunkedSourceFactory(capture ports.AudioCapture, chunkSize int) *ChunkedSourceFactory {
	if chunkSize <= 0 {
		chunkSize = defaultChunkBytes
	}
	return &ChunkedSourceFactory{
		capture:   capture,
		chunkSize: chunkSize,
		logger:    slog.Default().With("component", "audio", "source", "chunked"),
	}
}

func (f *ChunkedSourceFactory) NewFrameSource(ctx context.Context, cfg ports.AudioConfig) (ports.FrameSource, error) {
	cfg = normalizeAudioConfig(cfg)
	session, err := f.capture.Start(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start chunked capture: %w", err)
	}
	return newPCMSource(session, frameBytesFor(cfg), f.chunkSize, nil, f.logger), nil
}
