package audio

import (
	"context"
	"log/slog"
	"sync"

	"github.com/posecoach/livecoach-go/pkg/core"
)

// PlaybackDevice is a sink for synthesized 24 kHz PCM. Implementations own
// the native handle; Close must release it even after a failed Start.
type PlaybackDevice interface {
	Start() error
	Write(pcm []byte) error
	Close() error
}

// Player queues received PCM and feeds it to the playback device from a
// single goroutine, preserving arrival order.
type Player struct {
	device PlaybackDevice
	logger *slog.Logger

	mu      sync.Mutex
	queue   chan []byte
	cancel  context.CancelFunc
	done    chan struct{}
	playing bool
}

// NewPlayer creates a player over the given device.
func NewPlayer(device PlaybackDevice, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{device: device, logger: logger}
}

// Start begins draining the queue into the device. Starting an already
// playing player is a no-op. A device failure releases the handle and
// returns a classified error.
func (p *Player) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.playing {
		return nil
	}
	if err := p.device.Start(); err != nil {
		_ = p.device.Close()
		return core.NewAudioDeviceError("start playback device", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.queue = make(chan []byte, 64)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.playing = true

	go p.drain(ctx, p.queue, p.done)
	return nil
}

func (p *Player) drain(ctx context.Context, queue <-chan []byte, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-queue:
			if !ok {
				return
			}
			if err := p.device.Write(pcm); err != nil {
				p.logger.Warn("playback write failed", "error", err)
				return
			}
		}
	}
}

// Queue enqueues one PCM buffer for playback. Buffers queued while the
// player is stopped are dropped.
func (p *Player) Queue(pcm []byte) {
	p.mu.Lock()
	queue := p.queue
	playing := p.playing
	p.mu.Unlock()

	if !playing || queue == nil {
		return
	}
	select {
	case queue <- pcm:
	default:
		p.logger.Warn("playback queue full, dropping chunk", "bytes", len(pcm))
	}
}

// Stop halts playback, discards queued audio, and waits for the drain
// goroutine to exit. Safe to call repeatedly.
func (p *Player) Stop() {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}
	p.playing = false
	cancel := p.cancel
	done := p.done
	p.queue = nil
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	cancel()
	<-done
}

// Playing reports whether the player is actively draining.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Close stops playback and releases the device handle. Idempotent.
func (p *Player) Close() error {
	p.Stop()
	return p.device.Close()
}
