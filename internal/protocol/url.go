package protocol

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"voicestream/internal/domain"
)

// AudioPath is the audio socket path for a mode.
func AudioPath(mode domain.Mode) string {
	return "/v2/ws/" + string(mode)
}

// CtrlPath is the control socket path for a mode.
func CtrlPath(mode domain.Mode) string {
	return "/v2/ws/" + string(mode) + "-ctrl"
}

// EndpointURL resolves path against a base that may be a bare host, an
// http(s) URL or a ws(s) URL. Bare hosts use ws:// for loopback and wss://
// otherwise.
func EndpointURL(base string, path string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", fmt.Errorf("websocket base URL is not configured")
	}

	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "wss://"), strings.HasPrefix(base, "ws://"):
	default:
		scheme := "wss://"
		if isLoopback(base) {
			scheme = "ws://"
		}
		base = scheme + base
	}
	base = strings.TrimRight(base, "/")

	endpoint, err := url.Parse(base + path)
	if err != nil {
		return "", fmt.Errorf("invalid websocket base URL: %w", err)
	}
	if endpoint.Host == "" {
		return "", fmt.Errorf("invalid websocket base URL: missing host in %q", base)
	}
	return endpoint.String(), nil
}

func isLoopback(hostport string) bool {
	host := hostport
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host == "localhost" || host == "127.0.0.1"
}
