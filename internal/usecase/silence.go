package usecase

import (
	"sync/atomic"
	"time"

	"github.com/bep/debounce"
)

// silenceDetector fires once after the level has stayed under threshold for
// the whole window. It only arms once speech has been heard.
type silenceDetector struct {
	threshold float64
	debounced func(func())
	onSilence func()
	heard     atomic.Bool
	done      atomic.Bool
}

func newSilenceDetector(threshold float64, window time.Duration, onSilence func()) *silenceDetector {
	return &silenceDetector{
		threshold: threshold,
		debounced: debounce.New(window),
		onSilence: onSilence,
	}
}

func (d *silenceDetector) Observe(level float64) {
	if d.done.Load() || level < d.threshold {
		return
	}
	d.heard.Store(true)
	d.debounced(d.fire)
}

func (d *silenceDetector) Heard() bool {
	return d.heard.Load()
}

func (d *silenceDetector) Stop() {
	d.done.Store(true)
}

func (d *silenceDetector) fire() {
	if d.done.CompareAndSwap(false, true) {
		d.onSilence()
	}
}
