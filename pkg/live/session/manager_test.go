package session

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/posecoach/livecoach-go/pkg/core"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(dial dialFunc, playback Playback) *Manager {
	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	cfg.PingInterval = time.Minute

	m := NewManager(cfg, playback, discardLogger())
	m.dial = dial
	m.jitter = func() time.Duration { return 0 }
	return m
}

// dialSequence returns scripted connections (or errors) in order and counts
// dial attempts.
func dialSequence(items ...any) (dialFunc, *atomic.Int32) {
	var calls atomic.Int32
	var mu sync.Mutex
	idx := 0
	return func(ctx context.Context, endpoint string) (wsConn, error) {
		calls.Add(1)
		mu.Lock()
		defer mu.Unlock()
		if idx >= len(items) {
			return nil, core.NewConnectionError("no scripted connection left")
		}
		item := items[idx]
		idx++
		switch v := item.(type) {
		case *fakeConn:
			return v, nil
		case error:
			return nil, v
		default:
			return nil, core.NewConnectionError("bad script item")
		}
	}, &calls
}

func connWithHandshake() *fakeConn {
	conn := newFakeConn()
	conn.serve([]byte(`{"setupComplete":{}}`))
	return conn
}

type fakePlaybackSink struct {
	mu     sync.Mutex
	queued [][]byte
	stops  int
}

func (f *fakePlaybackSink) StartPlayback() error { return nil }

func (f *fakePlaybackSink) QueueAudioForPlayback(pcm []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, append([]byte(nil), pcm...))
}

func (f *fakePlaybackSink) StopPlayback() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakePlaybackSink) queuedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queued)
}

func (f *fakePlaybackSink) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func waitForEvent(t *testing.T, ch <-chan Event, eventType string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", eventType)
			}
			if ev.EventType() == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func drainEvents(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestConnectSendsSetupFirst(t *testing.T) {
	conn := connWithHandshake()
	var gotEndpoint string
	var calls atomic.Int32
	m := newTestManager(func(ctx context.Context, endpoint string) (wsConn, error) {
		calls.Add(1)
		gotEndpoint = endpoint
		return conn, nil
	}, nil)
	defer m.Destroy()

	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected }, "connected state")

	if !strings.Contains(gotEndpoint, "key=test-key") {
		t.Fatalf("endpoint %q missing api key parameter", gotEndpoint)
	}
	frames := conn.writtenFrames()
	if len(frames) != 1 {
		t.Fatalf("expected exactly the setup frame, got %d frames", len(frames))
	}
	if !strings.Contains(string(frames[0]), `"setup"`) || !strings.Contains(string(frames[0]), m.cfg.Spec.Model) {
		t.Fatalf("first frame is not the setup envelope: %s", frames[0])
	}
	if m.SessionID() == "" {
		t.Fatalf("connected session must carry an id")
	}
	if !m.IsHealthy() {
		t.Fatalf("connected session with zero retries must be healthy")
	}
}

func TestSendAudioChunk(t *testing.T) {
	conn := connWithHandshake()
	dial, _ := dialSequence(conn)
	m := newTestManager(dial, nil)
	defer m.Destroy()

	if err := m.SendAudioChunk([]byte{1, 2}); err == nil {
		t.Fatalf("sending before connect must fail")
	}

	_ = m.Connect()
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected }, "connected state")

	if err := m.SendAudioChunk([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(conn.writtenFrames()) == 2 }, "audio frame written")

	frame := string(conn.writtenFrames()[1])
	if !strings.Contains(frame, `"realtimeInput"`) || !strings.Contains(frame, `"mediaChunks"`) {
		t.Fatalf("second frame is not a realtimeInput envelope: %s", frame)
	}
	if got := m.SessionMetrics().ChunksSent; got != 1 {
		t.Fatalf("chunks sent = %d, want 1", got)
	}
}

func TestAbnormalCloseReconnects(t *testing.T) {
	conn1 := connWithHandshake()
	conn2 := connWithHandshake()
	dial, calls := dialSequence(conn1, conn2)
	m := newTestManager(dial, nil)
	defer m.Destroy()

	events, unsub := m.Subscribe(64)
	defer unsub()

	_ = m.Connect()
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected }, "first connection")
	firstID := m.SessionID()

	conn1.fail(&websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "connection reset"})
	waitFor(t, 2*time.Second, func() bool {
		return calls.Load() == 2 && m.State() == StateConnected
	}, "reconnected after abnormal close")

	if m.SessionID() == firstID {
		t.Fatalf("reconnect must assign a fresh session id")
	}

	var states []ConnectionState
	for _, ev := range drainEvents(events) {
		if sc, ok := ev.(StateChangedEvent); ok {
			states = append(states, sc.To)
		}
	}
	want := []ConnectionState{StateConnecting, StateConnected, StateDisconnected, StateReconnecting, StateConnecting, StateConnected}
	if len(states) != len(want) {
		t.Fatalf("state sequence %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("state sequence %v, want %v", states, want)
		}
	}
}

func TestReconnectBudgetExhaustion(t *testing.T) {
	var calls atomic.Int32
	m := newTestManager(func(ctx context.Context, endpoint string) (wsConn, error) {
		calls.Add(1)
		return nil, core.NewConnectionError("connection refused")
	}, nil)
	defer m.Destroy()
	m.cfg.MaxReconnectAttempts = 3

	_ = m.Connect()
	// Initial attempt plus three scheduled retries.
	waitFor(t, 2*time.Second, func() bool {
		return calls.Load() == 4 && m.State() == StateError
	}, "terminal error after exhausted budget")

	time.Sleep(30 * time.Millisecond)
	if calls.Load() != 4 {
		t.Fatalf("dial attempts = %d after exhaustion, want 4", calls.Load())
	}
	if m.IsHealthy() {
		t.Fatalf("exhausted manager must not report healthy")
	}
	if err := m.LastError(); err == nil || err.Type != core.ErrConnection {
		t.Fatalf("last error = %v, want connection error", err)
	}
}

func TestAuthenticationFailureDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	m := newTestManager(func(ctx context.Context, endpoint string) (wsConn, error) {
		calls.Add(1)
		return nil, core.NewAuthenticationError("invalid api key")
	}, nil)
	defer m.Destroy()

	_ = m.Connect()
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateError }, "error state")

	time.Sleep(30 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("fatal auth error must not be retried, got %d dials", calls.Load())
	}
	if err := m.LastError(); err == nil || err.Type != core.ErrAuthentication {
		t.Fatalf("last error = %v, want authentication error", err)
	}
}

func TestConnectIsNoOpWhileActive(t *testing.T) {
	dial, calls := dialSequence(connWithHandshake())
	m := newTestManager(dial, nil)
	defer m.Destroy()

	_ = m.Connect()
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected }, "connected state")

	if err := m.Connect(); err != nil {
		t.Fatalf("repeat connect: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("repeat connect dialed again (%d attempts)", calls.Load())
	}
}

func TestConfigValidationBlocksConnect(t *testing.T) {
	dial, calls := dialSequence(connWithHandshake())
	m := newTestManager(dial, nil)
	defer m.Destroy()
	m.cfg.Spec.InputSampleRate = 44100

	err := m.Connect()
	if err == nil {
		t.Fatalf("invalid spec must fail before dialing")
	}
	if core.AsError(err).Type != core.ErrConfigValidation {
		t.Fatalf("error type = %s, want config validation", core.AsError(err).Type)
	}
	if calls.Load() != 0 {
		t.Fatalf("validation failure must not dial (%d attempts)", calls.Load())
	}
}

func TestDisconnectEmitsFinalMetricsOnce(t *testing.T) {
	conn := connWithHandshake()
	dial, _ := dialSequence(conn)
	m := newTestManager(dial, nil)
	defer m.Destroy()

	events, unsub := m.Subscribe(64)
	defer unsub()

	_ = m.Connect()
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected }, "connected state")
	sid := m.SessionID()

	if err := m.SendAudioChunk([]byte{1, 2}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(conn.writtenFrames()) == 2 }, "audio frame written")

	m.Disconnect()
	m.Disconnect() // idempotent

	var ended []SessionEndedEvent
	for _, ev := range drainEvents(events) {
		if e, ok := ev.(SessionEndedEvent); ok {
			ended = append(ended, e)
		}
	}
	if len(ended) != 1 {
		t.Fatalf("session ended events = %d, want exactly 1", len(ended))
	}
	if ended[0].Metrics.SessionID != sid || ended[0].Metrics.ChunksSent != 1 {
		t.Fatalf("unexpected final metrics: %+v", ended[0].Metrics)
	}
	if m.State() != StateDisconnected || m.SessionID() != "" {
		t.Fatalf("disconnect must clear session state")
	}
}

func TestForceReconnectResetsBudget(t *testing.T) {
	conn1 := connWithHandshake()
	conn2 := connWithHandshake()
	dial, calls := dialSequence(conn1, conn2)
	m := newTestManager(dial, nil)
	defer m.Destroy()

	_ = m.Connect()
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected }, "first connection")
	firstID := m.SessionID()

	if err := m.ForceReconnect(); err != nil {
		t.Fatalf("force reconnect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return calls.Load() == 2 && m.State() == StateConnected
	}, "second connection")

	if m.SessionID() == firstID || m.SessionID() == "" {
		t.Fatalf("force reconnect must start a fresh session")
	}
}

func TestServerContentDrivesPlayback(t *testing.T) {
	conn := connWithHandshake()
	dial, _ := dialSequence(conn)
	sink := &fakePlaybackSink{}
	m := newTestManager(dial, sink)
	defer m.Destroy()

	events, unsub := m.Subscribe(64)
	defer unsub()

	_ = m.Connect()
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected }, "connected state")

	// "AQID" is base64 for 0x01 0x02 0x03.
	conn.serve([]byte(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AQID"}}]}}}`))
	waitFor(t, 2*time.Second, func() bool { return sink.queuedCount() == 1 }, "audio queued for playback")

	conn.serve([]byte(`{"serverContent":{"interrupted":true}}`))
	waitFor(t, 2*time.Second, func() bool { return sink.stopCount() == 1 }, "playback stopped on interruption")
	waitForEvent(t, events, "turn.interrupted")

	conn.serve([]byte(`{"serverContent":{"modelTurn":{"parts":[{"text":"keep your elbows in"}]},"turnComplete":true}}`))
	if ev := waitForEvent(t, events, "text").(TextEvent); ev.Text != "keep your elbows in" {
		t.Fatalf("text event = %q", ev.Text)
	}
	waitForEvent(t, events, "turn.complete")
}

func TestTranscriptEvents(t *testing.T) {
	conn := connWithHandshake()
	dial, _ := dialSequence(conn)
	m := newTestManager(dial, nil)
	defer m.Destroy()

	events, unsub := m.Subscribe(64)
	defer unsub()

	_ = m.Connect()
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected }, "connected state")

	conn.serve([]byte(`{"serverContent":{"inputTranscription":{"text":"how is my squat","finished":true}}}`))
	ev := waitForEvent(t, events, "transcript").(TranscriptEvent)
	if ev.Source != "user" || ev.Text != "how is my squat" || !ev.Final {
		t.Fatalf("unexpected transcript event: %+v", ev)
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	conn := connWithHandshake()
	dial, _ := dialSequence(conn)
	m := newTestManager(dial, nil)
	defer m.Destroy()

	events, unsub := m.Subscribe(64)
	defer unsub()

	_ = m.Connect()
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected }, "connected state")

	conn.serve([]byte(`{"toolCall":{"functionCalls":[{"id":"call-1","name":"logRep","args":{"count":5}}]}}`))
	ev := waitForEvent(t, events, "tool.call").(ToolCallEvent)
	if len(ev.Calls) != 1 || ev.Calls[0].Name != "logRep" {
		t.Fatalf("unexpected tool call event: %+v", ev)
	}

	err := m.SendToolResponse([]*genai.FunctionResponse{{
		ID:       "call-1",
		Name:     "logRep",
		Response: map[string]any{"ok": true},
	}})
	if err != nil {
		t.Fatalf("send tool response: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(conn.writtenFrames()) == 2 }, "tool response written")
	if frame := string(conn.writtenFrames()[1]); !strings.Contains(frame, `"toolResponse"`) {
		t.Fatalf("second frame is not a toolResponse envelope: %s", frame)
	}
}

func TestGoAwayTriggersProactiveReconnect(t *testing.T) {
	conn1 := connWithHandshake()
	conn2 := connWithHandshake()
	dial, calls := dialSequence(conn1, conn2)
	m := newTestManager(dial, nil)
	defer m.Destroy()

	events, unsub := m.Subscribe(64)
	defer unsub()

	_ = m.Connect()
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected }, "first connection")

	conn1.serve([]byte(`{"goAway":{"reason":"server maintenance"}}`))
	waitForEvent(t, events, "go_away")
	waitFor(t, 2*time.Second, func() bool {
		return calls.Load() == 2 && m.State() == StateConnected
	}, "reconnected after go away")
}

func TestParseErrorKeepsSessionAlive(t *testing.T) {
	conn := connWithHandshake()
	dial, _ := dialSequence(conn)
	m := newTestManager(dial, nil)
	defer m.Destroy()

	events, unsub := m.Subscribe(64)
	defer unsub()

	_ = m.Connect()
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected }, "connected state")

	conn.serve([]byte(`{"somethingNew":{}}`))
	ev := waitForEvent(t, events, "error").(ErrorEvent)
	if ev.Err.Type != core.ErrProtocol {
		t.Fatalf("parse failure classified as %s, want protocol error", ev.Err.Type)
	}
	if m.State() != StateConnected {
		t.Fatalf("parse error must not drop the connection")
	}

	// The pump keeps decoding after the bad frame.
	conn.serve([]byte(`{"toolCall":{"functionCalls":[{"id":"c","name":"n"}]}}`))
	waitForEvent(t, events, "tool.call")

	_, parseErrs, rate := m.codec.Stats()
	if parseErrs != 1 {
		t.Fatalf("parse errors = %d, want 1", parseErrs)
	}
	if rate >= 1.0 {
		t.Fatalf("success rate should reflect the parse error, got %v", rate)
	}
}

func TestSessionDurationWatchdog(t *testing.T) {
	conn := connWithHandshake()
	dial, _ := dialSequence(conn)
	m := newTestManager(dial, nil)
	defer m.Destroy()
	m.cfg.MaxSessionDuration = 80 * time.Millisecond
	m.cfg.NearTimeoutWarning = 40 * time.Millisecond

	events, unsub := m.Subscribe(64)
	defer unsub()

	_ = m.Connect()
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected }, "connected state")

	warn := waitForEvent(t, events, "session.near_timeout").(SessionNearTimeoutEvent)
	if warn.Remaining != 40*time.Millisecond {
		t.Fatalf("near-timeout remaining = %v, want 40ms", warn.Remaining)
	}

	ended := waitForEvent(t, events, "session.ended").(SessionEndedEvent)
	if ended.Reason != "session duration limit" {
		t.Fatalf("session ended reason = %q", ended.Reason)
	}
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateDisconnected }, "disconnected after limit")
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	conn := connWithHandshake()
	dial, calls := dialSequence(conn, connWithHandshake())
	m := newTestManager(dial, nil)
	defer m.Destroy()
	m.cfg.BackoffBase = 20 * time.Millisecond
	m.cfg.BackoffMax = 20 * time.Millisecond

	_ = m.Connect()
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected }, "connected state")

	conn.fail(&websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "connection reset"})
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateReconnecting }, "reconnect armed")

	// The timer callback can already be in flight when the user disconnects;
	// its stale generation must not dial from the torn-down manager.
	m.mu.Lock()
	gen := m.connGen
	m.mu.Unlock()
	m.Disconnect()
	if err := m.startConnect(gen); err != nil {
		t.Fatalf("stale start: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("reconnect survived disconnect (%d dials)", calls.Load())
	}
	if m.State() != StateDisconnected {
		t.Fatalf("state = %v after disconnect, want disconnected", m.State())
	}
}

func TestSessionMetricsResetAcrossReconnect(t *testing.T) {
	conn1 := connWithHandshake()
	conn2 := connWithHandshake()
	dial, calls := dialSequence(conn1, conn2)
	m := newTestManager(dial, nil)
	defer m.Destroy()

	events, unsub := m.Subscribe(64)
	defer unsub()

	_ = m.Connect()
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected }, "first connection")

	// One decode failure charged to the first session only.
	conn1.serve([]byte(`{"somethingNew":{}}`))
	waitForEvent(t, events, "error")

	conn1.fail(&websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "connection reset"})
	waitFor(t, 2*time.Second, func() bool {
		return calls.Load() == 2 && m.State() == StateConnected
	}, "reconnected after abnormal close")

	m.Disconnect()

	var ended []SessionEndedEvent
	for _, ev := range drainEvents(events) {
		if e, ok := ev.(SessionEndedEvent); ok {
			ended = append(ended, e)
		}
	}
	if len(ended) != 2 {
		t.Fatalf("session ended events = %d, want 2", len(ended))
	}
	if ended[0].Metrics.ParseErrors != 1 {
		t.Fatalf("first session parse errors = %d, want 1", ended[0].Metrics.ParseErrors)
	}
	if ended[1].Metrics.ParseErrors != 0 {
		t.Fatalf("second session inherited %d parse errors from the first", ended[1].Metrics.ParseErrors)
	}
	if rate := ended[1].Metrics.CodecSuccessRate; rate != 1.0 {
		t.Fatalf("second session codec success rate = %v, want 1.0", rate)
	}
}
