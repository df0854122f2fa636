package asrsocket

import (
	"voicestream/internal/domain"
	"voicestream/internal/ports"
)

// Factory builds one Client per session. The single socket carries no
// session handshake, so the session id is only used for logging.
type Factory struct {
	Template Config
}

func (f Factory) NewTransport(mode domain.Mode, sessionID string) (ports.Transport, error) {
	cfg := f.Template
	cfg.Mode = mode
	client, err := New(cfg)
	if err != nil {
		return nil, err
	}
	client.logger = client.logger.With("sid", sessionID)
	return client, nil
}
