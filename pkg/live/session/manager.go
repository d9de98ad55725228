// Package session owns the live connection: the state machine, the setup
// handshake, reconnection with backoff, the outbound writer with its rate
// policy, the session duration watchdog, and event fan-out to subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/posecoach/livecoach-go/pkg/config"
	"github.com/posecoach/livecoach-go/pkg/core"
	"github.com/posecoach/livecoach-go/pkg/live/protocol"
)

// Playback is the slice of the audio engine the manager drives when
// synthesized speech arrives. Implemented by *audio.Engine.
type Playback interface {
	StartPlayback() error
	QueueAudioForPlayback(pcm []byte)
	StopPlayback()
}

// Config holds the manager tunables. Zero fields take the defaults below.
type Config struct {
	Spec   config.SessionSpec
	APIKey string

	SystemInstruction string
	VoiceName         string
	Tools             []*genai.Tool

	ConnectTimeout       time.Duration // default 30s
	MaxReconnectAttempts int           // default 5
	BackoffBase          time.Duration // default 1s
	BackoffMax           time.Duration // default 30s
	MaxSessionDuration   time.Duration // default 10m
	NearTimeoutWarning   time.Duration // default 1m before the limit
	RateLimit            int           // outbound messages per window, default 50
	RateWindow           time.Duration // default 1s
	PingInterval         time.Duration // default 20s
	WriteTimeout         time.Duration // default 5s
}

// DefaultConfig returns a manager config for the fixed wire contract.
func DefaultConfig() Config {
	return Config{
		Spec:                 config.DefaultSessionSpec(),
		ConnectTimeout:       30 * time.Second,
		MaxReconnectAttempts: 5,
		BackoffBase:          time.Second,
		BackoffMax:           30 * time.Second,
		MaxSessionDuration:   10 * time.Minute,
		NearTimeoutWarning:   time.Minute,
		RateLimit:            50,
		RateWindow:           time.Second,
		PingInterval:         20 * time.Second,
		WriteTimeout:         5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.MaxSessionDuration <= 0 {
		c.MaxSessionDuration = d.MaxSessionDuration
	}
	if c.NearTimeoutWarning <= 0 {
		c.NearTimeoutWarning = d.NearTimeoutWarning
	}
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
}

// Metrics is the per-session summary emitted on disconnect.
type Metrics struct {
	SessionID         string        `json:"session_id"`
	Duration          time.Duration `json:"duration"`
	ChunksSent        uint64        `json:"chunks_sent"`
	MessagesProcessed uint64        `json:"messages_processed"`
	ParseErrors       uint64        `json:"parse_errors"`
	CodecSuccessRate  float64       `json:"codec_success_rate"`
}

type dialFunc func(ctx context.Context, endpoint string) (wsConn, error)

// genAny matches any connection generation in closeCurrent.
const genAny = ^uint64(0)

// Manager owns the connection lifecycle. ConnectionState, the retry counter,
// and the session id are mutated only here; everyone else reads snapshots or
// subscribes to events.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	codec    *protocol.Codec
	events   *Broadcaster
	playback Playback

	dial   dialFunc
	now    func() time.Time
	jitter func() time.Duration

	chunksSent atomic.Uint64

	mu             sync.Mutex
	state          ConnectionState
	sessionID      string
	startedAt      time.Time
	retryCount     int
	lastErr        *core.Error
	baseProcessed  uint64
	baseParseErrs  uint64
	connGen        uint64
	conn           wsConn
	connCancel     context.CancelFunc
	writer         *outboundWriter
	watchdog       *watchdog
	reconnectTimer *time.Timer
	closed         bool

	destroyOnce sync.Once
}

// NewManager creates a manager over the given config. playback may be nil
// when the caller routes audio through events only.
func NewManager(cfg Config, playback Playback, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		codec:    protocol.NewCodec(),
		events:   NewBroadcaster(),
		playback: playback,
		dial:     dialWebSocket,
		now:      time.Now,
		jitter:   func() time.Duration { return randomJitter(time.Second) },
		state:    StateDisconnected,
	}
}

// Subscribe registers an event subscriber. See Broadcaster.Subscribe.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.events.Subscribe(buffer)
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the current session id, empty when no session is live.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// LastError returns the most recent classified connection error.
func (m *Manager) LastError() *core.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// IsHealthy reports whether the session is connected with retry budget left.
func (m *Manager) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.retryCount < m.cfg.MaxReconnectAttempts
}

// SessionMetrics returns a live snapshot of the session counters.
func (m *Manager) SessionMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metricsLocked()
}

func (m *Manager) metricsLocked() Metrics {
	// The codec counters are cumulative across reconnects; subtract the
	// baseline taken when this session was established.
	processed, parseErrs, _ := m.codec.Stats()
	processed -= m.baseProcessed
	parseErrs -= m.baseParseErrs
	rate := 1.0
	if processed > 0 {
		rate = float64(processed-parseErrs) / float64(processed)
	}
	var duration time.Duration
	if !m.startedAt.IsZero() {
		duration = m.now().Sub(m.startedAt)
	}
	return Metrics{
		SessionID:         m.sessionID,
		Duration:          duration,
		ChunksSent:        m.chunksSent.Load(),
		MessagesProcessed: processed,
		ParseErrors:       parseErrs,
		CodecSuccessRate:  rate,
	}
}

// Connect validates the session spec and starts the first connection attempt.
// Validation failures are fatal and reported before any dial happens.
func (m *Manager) Connect() error {
	if result := config.Validate(m.cfg.Spec); !result.OK() {
		err := core.AsError(result.Err())
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		return err
	}
	return m.initializeConnection()
}

// initializeConnection transitions to Connecting and dials in the background.
// A no-op while already Connecting or Connected.
func (m *Manager) initializeConnection() error {
	return m.startConnect(genAny)
}

// startConnect is initializeConnection guarded by a connection generation:
// when expectGen no longer matches, a teardown (Disconnect, ForceReconnect,
// goAway) won the race and the dial is abandoned. The check and the state
// transition happen under one lock, so a reconnect timer firing concurrently
// with Disconnect cannot dial from a torn-down manager.
func (m *Manager) startConnect(expectGen uint64) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return core.NewConnectionError("manager destroyed")
	}
	if expectGen != genAny && expectGen != m.connGen {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.lastErr = nil
	m.setStateLocked(StateConnecting)
	m.connGen++
	gen := m.connGen
	ctx, cancel := context.WithCancel(context.Background())
	m.connCancel = cancel
	m.mu.Unlock()

	go m.establish(ctx, gen)
	return nil
}

// establish dials, sends setup, and waits for setupComplete, all within the
// connect timeout.
func (m *Manager) establish(ctx context.Context, gen uint64) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, err := m.dial(dialCtx, m.endpointURL())
	if err != nil {
		m.onConnectionFailed(gen, classifyConnectError(err, dialCtx))
		return
	}

	frame, err := protocol.EncodeSetup(m.setupEnvelope())
	if err != nil {
		_ = conn.Close()
		m.onConnectionFailed(gen, core.NewProtocolError(fmt.Sprintf("encode setup: %v", err), "setup_encode"))
		return
	}

	deadline, _ := dialCtx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		_ = conn.Close()
		m.onConnectionFailed(gen, core.NewConnectionError(fmt.Sprintf("send setup: %v", err)))
		return
	}

	_ = conn.SetReadDeadline(deadline)
	_, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		m.onConnectionFailed(gen, classifyConnectError(err, dialCtx))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	msg, err := m.codec.Decode(payload)
	if err != nil {
		_ = conn.Close()
		m.onConnectionFailed(gen, core.NewProtocolError(fmt.Sprintf("decode handshake: %v", err), "handshake"))
		return
	}
	if _, ok := msg.(protocol.SetupComplete); !ok {
		_ = conn.Close()
		m.onConnectionFailed(gen, core.NewProtocolError("first server message is not setupComplete", "handshake"))
		return
	}

	m.onConnectionEstablished(gen, conn)
}

// onConnectionEstablished installs the connection, resets the retry budget,
// and starts the writer, reader, and watchdog for a fresh session id.
func (m *Manager) onConnectionEstablished(gen uint64, conn wsConn) {
	m.mu.Lock()
	if m.closed || gen != m.connGen {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.setStateLocked(StateConnected)
	m.retryCount = 0
	m.sessionID = uuid.NewString()
	m.startedAt = m.now()
	m.chunksSent.Store(0)
	m.baseProcessed, m.baseParseErrs, _ = m.codec.Stats()

	limiter := NewRateLimiter(m.cfg.RateLimit, m.cfg.RateWindow, m.now)
	w := newOutboundWriter(conn, limiter, m.cfg.PingInterval, m.cfg.WriteTimeout)
	m.writer = w
	m.watchdog = startWatchdog(m.cfg.MaxSessionDuration, m.cfg.NearTimeoutWarning,
		func(remaining time.Duration) { m.onNearTimeout(gen, remaining) },
		func() { m.onSessionExpired(gen) })
	sid := m.sessionID
	m.mu.Unlock()

	m.logger.Info("session established", "session_id", sid)
	m.events.Publish(SessionStartedEvent{SessionID: sid})

	go func() {
		if err := w.Run(); err != nil {
			m.logger.Warn("outbound writer failed", "error", err)
			m.onConnectionClosed(gen, websocket.CloseAbnormalClosure, err.Error())
		}
	}()
	go m.readLoop(gen, conn)
}

// onConnectionFailed records the classified error and, for retryable
// failures, hands control to scheduleReconnect.
func (m *Manager) onConnectionFailed(gen uint64, cerr *core.Error) {
	m.mu.Lock()
	if m.closed || gen != m.connGen {
		m.mu.Unlock()
		return
	}
	m.lastErr = cerr
	m.setStateLocked(StateError)
	m.mu.Unlock()

	m.logger.Warn("connection attempt failed", "type", cerr.Type, "error", cerr.Message)
	m.events.Publish(ErrorEvent{Err: cerr})
	if cerr.IsRetryable() {
		m.scheduleReconnect(gen)
	}
}

// onConnectionClosed tears the session down; an abnormal close code (anything
// but normal closure) triggers reconnection.
func (m *Manager) onConnectionClosed(gen uint64, code int, reason string) {
	if !m.closeCurrent(gen, fmt.Sprintf("connection closed (code %d)", code)) {
		return
	}
	m.mu.Lock()
	m.setStateLocked(StateDisconnected)
	cur := m.connGen
	m.mu.Unlock()

	m.logger.Warn("connection closed", "code", code, "reason", reason)
	if code != websocket.CloseNormalClosure {
		m.scheduleReconnect(cur)
	}
}

// scheduleReconnect backs off and retries, or transitions to terminal Error
// when the budget is spent. gen must be the generation the caller observed
// closing; a mismatch means a newer teardown already superseded this retry.
// Returns whether a retry was scheduled.
func (m *Manager) scheduleReconnect(gen uint64) bool {
	m.mu.Lock()
	if m.closed || (gen != genAny && gen != m.connGen) {
		m.mu.Unlock()
		return false
	}
	if m.retryCount >= m.cfg.MaxReconnectAttempts {
		m.lastErr = core.NewConnectionError("reconnect budget exhausted")
		cerr := m.lastErr
		m.setStateLocked(StateError)
		m.mu.Unlock()

		m.logger.Error("reconnect budget exhausted", "attempts", m.cfg.MaxReconnectAttempts)
		m.events.Publish(ErrorEvent{Err: cerr})
		return false
	}
	m.retryCount++
	attempt := m.retryCount
	m.setStateLocked(StateReconnecting)
	timerGen := m.connGen
	delay := backoffDelay(m.cfg.BackoffBase, m.cfg.BackoffMax, attempt, m.jitter())
	m.reconnectTimer = time.AfterFunc(delay, func() {
		_ = m.startConnect(timerGen)
	})
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
	return true
}

// ForceReconnect drops the current connection, resets the retry budget, and
// dials again immediately.
func (m *Manager) ForceReconnect() error {
	m.closeCurrent(genAny, "force reconnect")
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return core.NewConnectionError("manager destroyed")
	}
	m.retryCount = 0
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	return m.initializeConnection()
}

// Disconnect ends the session cleanly: cancels every timer and in-flight
// wait, closes the connection, and emits the final session metrics. Safe to
// call repeatedly.
func (m *Manager) Disconnect() {
	m.closeCurrent(genAny, "client disconnect")
	m.mu.Lock()
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
}

// Destroy disconnects and closes the event stream. The manager is unusable
// afterwards.
func (m *Manager) Destroy() {
	m.destroyOnce.Do(func() {
		m.Disconnect()
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.events.Close()
	})
}

// closeCurrent tears down the connection belonging to generation gen (or
// whichever is current, for genAny): stops the writer and watchdog, cancels
// reconnect and connect waits, closes the socket, and emits the session-ended
// metrics if a session was live. Returns false when gen is stale.
func (m *Manager) closeCurrent(gen uint64, reason string) bool {
	m.mu.Lock()
	if gen != genAny && gen != m.connGen {
		m.mu.Unlock()
		return false
	}
	m.connGen++
	w, wd, conn := m.writer, m.watchdog, m.conn
	m.writer, m.watchdog, m.conn = nil, nil, nil
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	var ended *SessionEndedEvent
	if m.sessionID != "" {
		metrics := m.metricsLocked()
		ended = &SessionEndedEvent{Reason: reason, Metrics: metrics}
		m.sessionID = ""
		m.startedAt = time.Time{}
	}
	m.mu.Unlock()

	wd.Stop()
	if w != nil {
		w.Stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if ended != nil {
		m.logger.Info("session ended",
			"session_id", ended.Metrics.SessionID,
			"reason", reason,
			"duration", ended.Metrics.Duration,
			"chunks_sent", ended.Metrics.ChunksSent,
			"codec_success_rate", ended.Metrics.CodecSuccessRate)
		m.events.Publish(*ended)
	}
	return true
}

// setStateLocked transitions the state and publishes the change. Caller
// holds mu; Broadcaster.Publish never blocks, so this cannot deadlock.
func (m *Manager) setStateLocked(to ConnectionState) {
	if m.state == to {
		return
	}
	from := m.state
	m.state = to
	m.events.Publish(StateChangedEvent{From: from, To: to})
}

// SendAudioChunk queues one captured PCM chunk for upload.
func (m *Manager) SendAudioChunk(pcm []byte) error {
	frame, err := protocol.EncodeAudioChunk(pcm)
	if err != nil {
		return err
	}
	if err := m.enqueue(frame); err != nil {
		return err
	}
	m.chunksSent.Add(1)
	return nil
}

// SendAudioStreamEnd marks the end of the current user utterance.
func (m *Manager) SendAudioStreamEnd() error {
	frame, err := protocol.EncodeAudioStreamEnd()
	if err != nil {
		return err
	}
	return m.enqueue(frame)
}

// SendToolResponse answers previously received tool calls.
func (m *Manager) SendToolResponse(responses []*genai.FunctionResponse) error {
	frame, err := protocol.EncodeToolResponse(responses)
	if err != nil {
		return err
	}
	return m.enqueue(frame)
}

func (m *Manager) enqueue(frame []byte) error {
	m.mu.Lock()
	w := m.writer
	st := m.state
	m.mu.Unlock()
	if w == nil || st != StateConnected {
		return core.NewConnectionError("not connected")
	}
	return w.Enqueue(frame)
}

// readLoop is the single inbound pump for one connection generation.
func (m *Manager) readLoop(gen uint64, conn wsConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
				reason = ce.Text
			}
			m.onConnectionClosed(gen, code, reason)
			return
		}

		msg, derr := m.codec.Decode(data)
		if derr != nil {
			// Recoverable: log, surface, keep the session alive.
			m.logger.Warn("unparseable server message", "error", derr)
			m.events.Publish(ErrorEvent{Err: core.NewProtocolError(derr.Error(), "parse")})
			continue
		}
		if !m.handleMessage(gen, msg) {
			return
		}
	}
}

// handleMessage dispatches one decoded envelope. Returns false when the read
// loop should stop because the connection was replaced.
func (m *Manager) handleMessage(gen uint64, msg protocol.ServerMessage) bool {
	switch v := msg.(type) {
	case protocol.SetupComplete:
		// Duplicate after the handshake; nothing to do.

	case protocol.ServerContent:
		if v.InputTranscription != nil && v.InputTranscription.Text != "" {
			m.events.Publish(TranscriptEvent{Source: "user", Text: v.InputTranscription.Text, Final: v.InputTranscription.Finished})
		}
		if v.OutputTranscription != nil && v.OutputTranscription.Text != "" {
			m.events.Publish(TranscriptEvent{Source: "model", Text: v.OutputTranscription.Text, Final: v.OutputTranscription.Finished})
		}
		if text := v.Text(); text != "" {
			m.events.Publish(TextEvent{Text: text})
		}
		if pcm := v.AudioData(); len(pcm) > 0 && m.playback != nil {
			if err := m.playback.StartPlayback(); err != nil {
				m.logger.Warn("start playback", "error", err)
			} else {
				m.playback.QueueAudioForPlayback(pcm)
			}
		}
		if v.Interrupted {
			if m.playback != nil {
				m.playback.StopPlayback()
			}
			m.events.Publish(InterruptedEvent{})
		}
		if v.TurnComplete {
			m.events.Publish(TurnCompleteEvent{})
		}

	case protocol.ToolCall:
		m.events.Publish(ToolCallEvent{Calls: v.FunctionCalls})

	case protocol.ToolCallCancellation:
		m.events.Publish(ToolCallCancellationEvent{IDs: v.IDs})

	case protocol.GoAway:
		// Server-announced drain: reconnect before it force-closes.
		m.logger.Warn("server go away", "time_left", v.TimeLeft, "reason", v.Reason)
		m.events.Publish(GoAwayEvent{TimeLeft: v.TimeLeft, Reason: v.Reason})
		if m.closeCurrent(gen, "server go away") {
			m.mu.Lock()
			m.setStateLocked(StateDisconnected)
			cur := m.connGen
			m.mu.Unlock()
			m.scheduleReconnect(cur)
		}
		return false
	}
	return true
}

func (m *Manager) onNearTimeout(gen uint64, remaining time.Duration) {
	m.mu.Lock()
	stale := m.closed || gen != m.connGen
	m.mu.Unlock()
	if stale {
		return
	}
	m.logger.Warn("session duration limit approaching", "remaining", remaining)
	m.events.Publish(SessionNearTimeoutEvent{Remaining: remaining})
}

func (m *Manager) onSessionExpired(gen uint64) {
	m.logger.Warn("session duration limit reached", "limit", m.cfg.MaxSessionDuration)
	if m.closeCurrent(gen, "session duration limit") {
		m.mu.Lock()
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
	}
}

func (m *Manager) endpointURL() string {
	u, err := url.Parse(m.cfg.Spec.Endpoint)
	if err != nil {
		return m.cfg.Spec.Endpoint
	}
	q := u.Query()
	if m.cfg.APIKey != "" {
		q.Set("key", m.cfg.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// setupEnvelope builds the mandatory first outbound frame. Server VAD is
// disabled: turn boundaries come from the client's push-to-talk stream end.
func (m *Manager) setupEnvelope() protocol.Setup {
	s := protocol.Setup{
		Model: m.cfg.Spec.Model,
		GenerationConfig: &protocol.GenerationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		RealtimeInputConfig: &protocol.RealtimeInputConfig{
			AutomaticActivityDetection: &protocol.AutomaticActivityDetection{Disabled: true},
		},
		Tools: m.cfg.Tools,
	}
	if m.cfg.VoiceName != "" {
		s.GenerationConfig.SpeechConfig = &protocol.SpeechConfig{
			VoiceConfig: &protocol.VoiceConfig{
				PrebuiltVoiceConfig: &protocol.PrebuiltVoiceConfig{VoiceName: m.cfg.VoiceName},
			},
		}
	}
	if m.cfg.SystemInstruction != "" {
		s.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: m.cfg.SystemInstruction}},
		}
	}
	return s
}

// dialWebSocket is the production dialer. Auth rejections are fatal; every
// other dial failure is retryable.
func dialWebSocket(ctx context.Context, endpoint string) (wsConn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, core.NewAuthenticationError(fmt.Sprintf("websocket dial rejected (status %d)", resp.StatusCode))
		}
		if ctx.Err() != nil {
			return nil, core.NewTimeoutError("connection attempt timed out")
		}
		return nil, core.NewConnectionError(fmt.Sprintf("websocket dial failed: %v", err))
	}
	return conn, nil
}

// classifyConnectError maps a handshake failure to the error taxonomy,
// preferring an existing classification and falling back to timeout versus
// generic connection failure.
func classifyConnectError(err error, ctx context.Context) *core.Error {
	var cerr *core.Error
	if errors.As(err, &cerr) {
		return cerr
	}
	if ctx.Err() != nil {
		return core.NewTimeoutError("connection attempt timed out")
	}
	return core.NewConnectionError(err.Error())
}
