package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/posecoach/livecoach-go/pkg/core"
)

// wsConn is the subset of *websocket.Conn the session uses. Narrowed so
// tests can substitute a scripted connection.
type wsConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// outboundWriter owns all post-setup writes to the connection. Frames are
// drained from a single FIFO queue, so ordering is the enqueue order; the
// rate limiter can only delay the head of the queue, never reorder it.
type outboundWriter struct {
	conn         wsConn
	limiter      *RateLimiter
	pingInterval time.Duration
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan []byte
	done   chan struct{}
}

func newOutboundWriter(conn wsConn, limiter *RateLimiter, pingInterval, writeTimeout time.Duration) *outboundWriter {
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &outboundWriter{
		conn:         conn,
		limiter:      limiter,
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		queue:        make(chan []byte, 256),
		done:         make(chan struct{}),
	}
}

// Enqueue appends one frame to the outbound queue. When the queue is full
// the call blocks (the send is deferred, not dropped) until the writer
// drains or shuts down. After Stop every enqueue must fail: the queue still
// has capacity, and a frame accepted into it would never be written.
func (w *outboundWriter) Enqueue(frame []byte) error {
	select {
	case <-w.ctx.Done():
		return core.NewConnectionError("connection closed")
	default:
	}
	select {
	case w.queue <- frame:
		return nil
	case <-w.ctx.Done():
		return core.NewConnectionError("connection closed")
	}
}

// Run drains the queue until Stop is called or a write fails. On shutdown it
// sends a normal close frame; the connection itself is closed by the owner.
func (w *outboundWriter) Run() error {
	defer close(w.done)

	pingTicker := time.NewTicker(w.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			deadline := time.Now().Add(w.writeTimeout)
			_ = w.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return nil
		case <-pingTicker.C:
			deadline := time.Now().Add(w.writeTimeout)
			if err := w.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame := <-w.queue:
			if err := w.writeFrame(frame); err != nil {
				return err
			}
		}
	}
}

func (w *outboundWriter) writeFrame(frame []byte) error {
	for {
		delay := w.limiter.Reserve()
		if delay <= 0 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-w.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}

	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}

// Stop cancels the writer and waits for Run to exit. Safe to call repeatedly.
func (w *outboundWriter) Stop() {
	w.cancel()
	<-w.done
}
