package audio

import (
	"math"
	"sync"
	"time"
)

const (
	// Sensitivity 0 maps to -20 dB (loud speech required), 1 to -50 dB
	// (whisper triggers).
	bargeInMinThresholdDB = -50.0
	bargeInMaxThresholdDB = -20.0

	// DefaultBargeInSustain is how long voice energy must stay above the
	// threshold before a barge-in fires.
	DefaultBargeInSustain = 300 * time.Millisecond
)

// BargeInDetector fires when the user speaks over active playback. Voice
// energy must exceed the sensitivity-derived threshold for a sustained
// duration; brief spikes (coughs, taps) do not trigger. Safe for concurrent
// use.
type BargeInDetector struct {
	mu          sync.Mutex
	thresholdDB float64
	sustain     time.Duration
	activeSince time.Time
	fired       bool
	now         func() time.Time
}

// NewBargeInDetector creates a detector at the given sensitivity in [0,1].
func NewBargeInDetector(sensitivity float64, sustain time.Duration, now func() time.Time) *BargeInDetector {
	if sustain <= 0 {
		sustain = DefaultBargeInSustain
	}
	if now == nil {
		now = time.Now
	}
	d := &BargeInDetector{sustain: sustain, now: now}
	d.SetSensitivity(sensitivity)
	return d
}

// SetSensitivity maps a [0,1] sensitivity to the energy threshold. Values
// outside the range are clamped.
func (d *BargeInDetector) SetSensitivity(sensitivity float64) {
	sensitivity = math.Min(math.Max(sensitivity, 0), 1)
	d.mu.Lock()
	d.thresholdDB = bargeInMaxThresholdDB + sensitivity*(bargeInMinThresholdDB-bargeInMaxThresholdDB)
	d.mu.Unlock()
}

// ThresholdDB returns the current energy threshold.
func (d *BargeInDetector) ThresholdDB() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.thresholdDB
}

// Observe feeds one captured chunk. It returns true exactly once per
// sustained voice burst while playback is active; the caller stops playback
// and switches to listening.
func (d *BargeInDetector) Observe(pcm []byte, playbackActive bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !playbackActive {
		d.activeSince = time.Time{}
		d.fired = false
		return false
	}

	if RMSLevelDB(pcm) < d.thresholdDB {
		d.activeSince = time.Time{}
		d.fired = false
		return false
	}

	now := d.now()
	if d.activeSince.IsZero() {
		d.activeSince = now
	}
	if d.fired || now.Sub(d.activeSince) < d.sustain {
		return false
	}
	d.fired = true
	return true
}

// Reset clears any in-progress voice activity tracking.
func (d *BargeInDetector) Reset() {
	d.mu.Lock()
	d.activeSince = time.Time{}
	d.fired = false
	d.mu.Unlock()
}
