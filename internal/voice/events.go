package voice

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a transition outcome.
type EventType string

const (
	EventAccepted     EventType = "accepted"
	EventPlaying      EventType = "playing"
	EventPaused       EventType = "paused"
	EventResumed      EventType = "resumed"
	EventStopped      EventType = "stopped"
	EventDisconnected EventType = "disconnected"
	EventFinished     EventType = "finished"
	EventFailed       EventType = "failed"
)

// Event is published for every accepted command and every transition
// outcome, so asynchronous failures are observable without polling.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Op        string    `json:"op"`
	GuildID   string    `json:"guild_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	State     string    `json:"state,omitempty"`
	Query     string    `json:"query,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Events fans events out to subscribers. Slow subscribers lose events
// rather than stall the runtime.
type Events struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]chan Event
}

// NewEvents returns an empty event feed.
func NewEvents() *Events {
	return &Events{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a subscriber with a buffer of size buf. The returned
// cancel func unregisters it and closes the channel.
func (e *Events) Subscribe(buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)

	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = ch
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			close(ch)
		})
	}
}

// Publish stamps ev and delivers it to every subscriber without blocking.
func (e *Events) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
