package mockserver

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"strings"
)

const (
	toneRate   = 16000
	toneHz     = 440
	msPerWord  = 120
	maxToneMs  = 10000
	toneVolume = 0.2
	maxTTSBody = 64 << 10
)

type synthesizeRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

type stopRequest struct {
	RequestID string `json:"request_id"`
}

// handleSynthesize answers with a WAV tone whose length follows the word
// count and speed of the request.
func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTTSBody)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	words := len(strings.Fields(req.Text))
	if words == 0 {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 1
	}
	ms := min(int(float64(words*msPerWord)/speed), maxToneMs)

	s.logger.Debug("synthesize", "request_id", r.Header.Get("X-Request-ID"), "voice", req.Voice, "words", words)
	if id := r.Header.Get("X-Request-ID"); id != "" {
		w.Header().Set("X-Request-ID", id)
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(toneWAV(ms))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTTSBody)).Decode(&req); err != nil || req.RequestID == "" {
		http.Error(w, "request_id is required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.stopped = append(s.stopped, req.RequestID)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// toneWAV renders a mono 16-bit sine tone as a RIFF/WAVE file.
func toneWAV(ms int) []byte {
	samples := toneRate * ms / 1000
	dataLen := samples * 2

	header := wavHeader{
		Riff:          [4]byte{'R', 'I', 'F', 'F'},
		Size:          uint32(36 + dataLen),
		Wave:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		Format:        1,
		Channels:      1,
		SampleRate:    toneRate,
		ByteRate:      toneRate * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(dataLen),
	}

	var buf bytes.Buffer
	buf.Grow(44 + dataLen)
	_ = binary.Write(&buf, binary.LittleEndian, header)

	pcm := make([]int16, samples)
	for i := range pcm {
		v := math.Sin(2 * math.Pi * toneHz * float64(i) / toneRate)
		pcm[i] = int16(v * toneVolume * math.MaxInt16)
	}
	_ = binary.Write(&buf, binary.LittleEndian, pcm)
	return buf.Bytes()
}

type wavHeader struct {
	Riff          [4]byte
	Size          uint32
	Wave          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	Format        uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}
