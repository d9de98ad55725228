package session

import (
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type inboundFrame struct {
	data []byte
	err  error
}

// fakeConn is a scripted wsConn: tests push server frames (or read errors)
// into inbound and inspect everything the client wrote.
type fakeConn struct {
	inbound chan inboundFrame

	mu       sync.Mutex
	frames   [][]byte
	controls []int
	writeErr error
	closed   int

	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan inboundFrame, 16)}
}

func (c *fakeConn) serve(data []byte) { c.inbound <- inboundFrame{data: data} }
func (c *fakeConn) fail(err error)    { c.inbound <- inboundFrame{err: err} }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	f, ok := <-c.inbound
	if !ok {
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "connection reset"}
	}
	if f.err != nil {
		return 0, nil, f.err
	}
	return websocket.TextMessage, f.data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, messageType)
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.inbound) })
	return nil
}

func (c *fakeConn) writtenFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *fakeConn) sentControl(messageType int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, mt := range c.controls {
		if mt == messageType {
			return true
		}
	}
	return false
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
