package dualsocket

import (
	"voicestream/internal/domain"
	"voicestream/internal/ports"
)

// Factory builds one Client per session from a shared template.
type Factory struct {
	Template Config
}

func (f Factory) NewTransport(mode domain.Mode, sessionID string) (ports.Transport, error) {
	cfg := f.Template
	cfg.Mode = mode
	cfg.SessionID = sessionID
	client, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}
