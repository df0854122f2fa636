package usecase

import (
	"strings"
	"sync"

	"voicestream/internal/domain"
)

const historyLimit = 10

// transcriptHistory keeps the most recent final transcripts, oldest first.
type transcriptHistory struct {
	mu    sync.Mutex
	items []domain.Transcript
	limit int
}

func newTranscriptHistory(limit int) *transcriptHistory {
	if limit <= 0 {
		limit = historyLimit
	}
	return &transcriptHistory{limit: limit}
}

func (h *transcriptHistory) Add(t domain.Transcript) bool {
	text := strings.TrimSpace(t.Text)
	if text == "" || !t.Final {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, domain.Transcript{Text: text, Final: true})
	if over := len(h.items) - h.limit; over > 0 {
		h.items = append(h.items[:0], h.items[over:]...)
	}
	return true
}

func (h *transcriptHistory) Snapshot() []domain.Transcript {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Transcript(nil), h.items...)
}
