package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultVoice = "shimmer"
	maxErrorBody = 4 << 10
)

// Config points the client at a TTS service.
type Config struct {
	BaseURL    string
	Voice      string
	Speed      float64
	HTTPClient *http.Client
}

// Client requests synthesized speech over HTTP.
type Client struct {
	baseURL string
	voice   string
	speed   float64
	http    *http.Client
}

// Speech is one synthesized utterance.
type Speech struct {
	RequestID   string
	ContentType string
	Audio       []byte
}

type synthesizeRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

type stopRequest struct {
	RequestID string `json:"request_id"`
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("tts base URL is required")
	}
	voice := strings.TrimSpace(cfg.Voice)
	if voice == "" {
		voice = defaultVoice
	}
	speed := cfg.Speed
	if speed <= 0 {
		speed = 1.0
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: base, voice: voice, speed: speed, http: httpClient}, nil
}

func (c *Client) Synthesize(ctx context.Context, text string) (Speech, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Speech{}, errors.New("text is required")
	}

	requestID := uuid.NewString()
	resp, err := c.post(ctx, "/v1/tts", requestID, synthesizeRequest{Text: text, Voice: c.voice, Speed: c.speed})
	if err != nil {
		return Speech{}, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return Speech{}, fmt.Errorf("failed to read tts audio: %w", err)
	}
	if len(audio) == 0 {
		return Speech{}, errors.New("tts service returned no audio")
	}
	return Speech{
		RequestID:   requestID,
		ContentType: resp.Header.Get("Content-Type"),
		Audio:       audio,
	}, nil
}

// Stop asks the service to abandon an in-flight synthesis.
func (c *Client) Stop(ctx context.Context, requestID string) error {
	resp, err := c.post(ctx, "/v1/tts/stop", requestID, stopRequest{RequestID: requestID})
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) post(ctx context.Context, path string, requestID string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("tts service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return resp, nil
}
