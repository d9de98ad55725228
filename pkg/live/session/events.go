package session

import (
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/posecoach/livecoach-go/pkg/core"
)

// Event is the interface for all session events.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// StateChangedEvent is emitted on every connection state transition.
type StateChangedEvent struct {
	From ConnectionState `json:"from"`
	To   ConnectionState `json:"to"`
}

func (e StateChangedEvent) EventType() string { return "state.changed" }

// SessionStartedEvent is emitted when the setup handshake completes.
type SessionStartedEvent struct {
	SessionID string `json:"session_id"`
}

func (e SessionStartedEvent) EventType() string { return "session.started" }

// SessionEndedEvent is emitted once per session on disconnect, carrying the
// final metrics.
type SessionEndedEvent struct {
	Reason  string  `json:"reason,omitempty"`
	Metrics Metrics `json:"metrics"`
}

func (e SessionEndedEvent) EventType() string { return "session.ended" }

// SessionNearTimeoutEvent warns that the session duration limit is close.
type SessionNearTimeoutEvent struct {
	Remaining time.Duration `json:"remaining"`
}

func (e SessionNearTimeoutEvent) EventType() string { return "session.near_timeout" }

// TranscriptEvent carries a speech-to-text fragment. Source is "user" for
// input transcription and "model" for output transcription.
type TranscriptEvent struct {
	Source string `json:"source"`
	Text   string `json:"text"`
	Final  bool   `json:"final,omitempty"`
}

func (e TranscriptEvent) EventType() string { return "transcript" }

// TextEvent carries text parts of a model turn (coaching suggestions).
type TextEvent struct {
	Text string `json:"text"`
}

func (e TextEvent) EventType() string { return "text" }

// TurnCompleteEvent marks the end of a model turn.
type TurnCompleteEvent struct{}

func (e TurnCompleteEvent) EventType() string { return "turn.complete" }

// InterruptedEvent reports that the server cut the current model turn short,
// usually because the user spoke over it.
type InterruptedEvent struct{}

func (e InterruptedEvent) EventType() string { return "turn.interrupted" }

// ToolCallEvent requests client-side tool execution.
type ToolCallEvent struct {
	Calls []*genai.FunctionCall `json:"calls"`
}

func (e ToolCallEvent) EventType() string { return "tool.call" }

// ToolCallCancellationEvent withdraws previously issued tool calls.
type ToolCallCancellationEvent struct {
	IDs []string `json:"ids"`
}

func (e ToolCallCancellationEvent) EventType() string { return "tool.cancel" }

// GoAwayEvent reports a server-announced drain; the manager reconnects
// proactively after emitting it.
type GoAwayEvent struct {
	TimeLeft string `json:"time_left,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (e GoAwayEvent) EventType() string { return "go_away" }

// ErrorEvent surfaces a classified error without ending the event stream.
type ErrorEvent struct {
	Err *core.Error `json:"error"`
}

func (e ErrorEvent) EventType() string { return "error" }

// Broadcaster fans events out to independent subscribers. Publish never
// blocks: a subscriber that stops draining its channel loses events rather
// than stalling the session.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber with the given buffer size and returns
// its channel plus an unsubscribe func. The channel is closed on unsubscribe
// or when the broadcaster closes.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers the event to every subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes every subscriber channel. Further Publish calls are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
