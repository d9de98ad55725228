// Package audio implements the capture/playback engine for the live coaching
// stream: fixed-cadence microphone chunking, per-chunk quality metrics,
// silence suppression, and barge-in detection over active playback.
package audio

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/posecoach/livecoach-go/pkg/core"
	"github.com/posecoach/livecoach-go/pkg/live/protocol"
)

const (
	// BargeInChunkInterval is the capture cadence in low-latency mode.
	BargeInChunkInterval = 100 * time.Millisecond
	// StandardChunkInterval is the capture cadence otherwise.
	StandardChunkInterval = 1000 * time.Millisecond

	// captureFrame is the device read granularity. Small reads keep cadence
	// switches responsive without re-opening the device.
	captureFrame = 20 * time.Millisecond
)

// CaptureDevice is a source of S16LE mono PCM at the configured sample rate.
// Implementations own the native handle; Close must release it even after a
// failed Start, and must unblock any in-flight Read. The engine closes the
// device at the end of every utterance and calls Start again for the next
// one, so nothing accumulates in a device pipe while the mic is off.
type CaptureDevice interface {
	Start() error
	io.Reader
	Close() error
}

// Chunk is one immutable captured audio slice. It is produced by the capture
// loop and consumed exactly once by the codec.
type Chunk struct {
	Samples    []byte
	CapturedAt time.Time
	SampleRate int
}

// Config holds the engine's tunables.
type Config struct {
	SampleRate           int
	SilenceSuppression   bool
	SilenceThresholdDB   float64
	QualityWarnThreshold float64
	QualityWindow        int
	BargeInSensitivity   float64
	BargeInSustain       time.Duration
}

// DefaultConfig returns the engine defaults for the fixed wire contract.
func DefaultConfig() Config {
	return Config{
		SampleRate:           protocol.AudioInputSampleRate,
		SilenceSuppression:   true,
		SilenceThresholdDB:   DefaultSilenceThresholdDB,
		QualityWarnThreshold: 0.3,
		QualityWindow:        50,
		BargeInSensitivity:   0.5,
		BargeInSustain:       DefaultBargeInSustain,
	}
}

// Engine owns the capture and playback devices. No other component touches
// the device handles directly.
type Engine struct {
	cfg     Config
	capture CaptureDevice
	player  *Player
	logger  *slog.Logger

	quality *QualityMonitor
	bargeIn *BargeInDetector

	chunks   chan Chunk
	bargeEvs chan time.Time
	warnings chan QualityInfo

	suppressSilence atomic.Bool
	bargeInMode     atomic.Bool

	mu        sync.Mutex
	recording bool
	cancel    context.CancelFunc
	recDone   chan struct{}

	destroyOnce sync.Once
	destroyed   atomic.Bool
}

// NewEngine creates an engine over the given devices.
func NewEngine(capture CaptureDevice, playback PlaybackDevice, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = protocol.AudioInputSampleRate
	}
	if cfg.SilenceThresholdDB == 0 {
		cfg.SilenceThresholdDB = DefaultSilenceThresholdDB
	}
	e := &Engine{
		cfg:      cfg,
		capture:  capture,
		player:   NewPlayer(playback, logger),
		logger:   logger,
		quality:  NewQualityMonitor(cfg.QualityWindow, cfg.QualityWarnThreshold),
		bargeIn:  NewBargeInDetector(cfg.BargeInSensitivity, cfg.BargeInSustain, nil),
		chunks:   make(chan Chunk, 32),
		bargeEvs: make(chan time.Time, 4),
		warnings: make(chan QualityInfo, 8),
	}
	e.suppressSilence.Store(cfg.SilenceSuppression)
	return e
}

// Chunks yields captured audio ready for the codec, in capture order.
func (e *Engine) Chunks() <-chan Chunk { return e.chunks }

// BargeIn yields one timestamp per detected barge-in.
func (e *Engine) BargeIn() <-chan time.Time { return e.bargeEvs }

// QualityWarnings yields metrics for chunks that crossed below the warning
// threshold.
func (e *Engine) QualityWarnings() <-chan QualityInfo { return e.warnings }

// QualitySnapshot returns the rolling-window average metrics.
func (e *Engine) QualitySnapshot() QualityInfo { return e.quality.Average() }

// SetBargeInMode switches between the 100 ms low-latency cadence and the
// 1000 ms standard cadence. Takes effect at the next chunk boundary.
func (e *Engine) SetBargeInMode(enabled bool) {
	e.bargeInMode.Store(enabled)
}

// SetSilenceSuppression toggles dropping of silence-only chunks.
func (e *Engine) SetSilenceSuppression(enabled bool) {
	e.suppressSilence.Store(enabled)
}

// SetVoiceSensitivity adjusts the barge-in energy threshold, [0,1].
func (e *Engine) SetVoiceSensitivity(sensitivity float64) {
	e.bargeIn.SetSensitivity(sensitivity)
}

func (e *Engine) chunkInterval() time.Duration {
	if e.bargeInMode.Load() {
		return BargeInChunkInterval
	}
	return StandardChunkInterval
}

// StartRecording opens the capture device and starts the capture loop. On
// device failure the handle is released and a classified error is returned;
// no goroutine is left behind.
func (e *Engine) StartRecording() error {
	if e.destroyed.Load() {
		return core.NewAudioDeviceError("engine destroyed", nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recording {
		return nil
	}

	if err := e.capture.Start(); err != nil {
		_ = e.capture.Close()
		return core.NewAudioDeviceError("start capture device", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.recDone = make(chan struct{})
	e.recording = true

	go e.captureLoop(ctx, e.recDone)
	return nil
}

// StopRecording halts the capture loop, waits for it to exit, and releases
// the capture device so no stale audio buffers between utterances. Safe to
// call repeatedly.
func (e *Engine) StopRecording() {
	e.mu.Lock()
	if !e.recording {
		e.mu.Unlock()
		return
	}
	e.recording = false
	cancel := e.cancel
	done := e.recDone
	e.cancel = nil
	e.recDone = nil
	e.mu.Unlock()

	// Cancel before closing: the close unblocks any in-flight device read,
	// and the loop must see a cancelled context, not a device failure.
	cancel()
	if err := e.capture.Close(); err != nil {
		e.logger.Warn("close capture device", "error", err)
	}
	<-done
}

// Recording reports whether the capture loop is running.
func (e *Engine) Recording() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recording
}

func (e *Engine) captureLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	bytesPerSecond := e.cfg.SampleRate * 2 // 16-bit mono
	frameBytes := bytesPerSecond * int(captureFrame.Milliseconds()) / 1000
	frame := make([]byte, frameBytes)
	var pending []byte
	chunkStart := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := io.ReadFull(e.capture, frame)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Warn("capture read failed", "error", err)
			}
			return
		}
		if len(pending) == 0 {
			chunkStart = time.Now()
		}
		pending = append(pending, frame[:n]...)

		targetBytes := bytesPerSecond * int(e.chunkInterval().Milliseconds()) / 1000
		if len(pending) < targetBytes {
			continue
		}

		chunk := Chunk{
			Samples:    append([]byte(nil), pending[:targetBytes]...),
			CapturedAt: chunkStart,
			SampleRate: e.cfg.SampleRate,
		}
		pending = pending[targetBytes:]

		e.processChunk(ctx, chunk)
	}
}

func (e *Engine) processChunk(ctx context.Context, chunk Chunk) {
	info := AnalyzeChunk(chunk.Samples)
	if e.quality.Observe(info) {
		e.logger.Warn("audio quality below threshold",
			"score", info.QualityScore,
			"snr_db", info.SignalToNoiseRatio,
			"clipping", info.ClippingPercentage)
		select {
		case e.warnings <- info:
		default:
		}
	}

	if e.bargeIn.Observe(chunk.Samples, e.player.Playing()) {
		select {
		case e.bargeEvs <- chunk.CapturedAt:
		default:
		}
	}

	if e.suppressSilence.Load() && IsSilence(chunk.Samples, e.cfg.SilenceThresholdDB) {
		return
	}

	select {
	case e.chunks <- chunk:
	case <-ctx.Done():
	}
}

// QueueAudioForPlayback enqueues synthesized PCM for the speaker.
func (e *Engine) QueueAudioForPlayback(pcm []byte) {
	e.player.Queue(pcm)
}

// StartPlayback starts draining queued audio to the playback device.
func (e *Engine) StartPlayback() error {
	if e.destroyed.Load() {
		return core.NewAudioDeviceError("engine destroyed", nil)
	}
	return e.player.Start()
}

// StopPlayback halts playback and discards queued audio.
func (e *Engine) StopPlayback() {
	e.player.Stop()
	e.bargeIn.Reset()
}

// PlaybackActive reports whether synthesized speech is currently playing.
func (e *Engine) PlaybackActive() bool {
	return e.player.Playing()
}

// Destroy stops all activity and releases both device handles. Idempotent:
// repeated calls, or calls while recording/playing, are safe.
func (e *Engine) Destroy() {
	e.destroyOnce.Do(func() {
		e.destroyed.Store(true)
		e.StopRecording()
		// StopRecording already closed the device when a loop was running;
		// this covers an engine that never recorded.
		if err := e.capture.Close(); err != nil {
			e.logger.Warn("close capture device", "error", err)
		}
		if err := e.player.Close(); err != nil {
			e.logger.Warn("close playback device", "error", err)
		}
		close(e.chunks)
		close(e.bargeEvs)
		close(e.warnings)
	})
}
