package session

import (
	"log/slog"
	"sync"
	"time"
)

// Event types published on the bus.
const (
	EventStarted   = "started"
	EventMessage   = "message"
	EventReminder  = "reminder"
	EventResolved  = "resolved"
	EventCancelled = "cancelled"
	EventQuestion  = "question"
	EventAnswer    = "answer"
	EventCompleted = "completed"
)

// Event is one observable session happening. Feeds the SSE stream.
type Event struct {
	Time      time.Time      `json:"time"`
	Channel   string         `json:"channel"`
	Activity  string         `json:"activity"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Detail    map[string]any `json:"detail,omitempty"`
}

const subscriberBuffer = 64

type subscriber struct {
	channel string // empty matches all channels
	ch      chan Event
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full loses the event.
type Bus struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers for events on one channel, or all channels when empty.
// The returned func unsubscribes and closes the event channel.
func (b *Bus) Subscribe(channel string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	sub := &subscriber{channel: channel, ch: make(chan Event, subscriberBuffer)}
	b.subs[id] = sub
	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
}

// Publish delivers ev to matching subscribers. A zero Time is stamped now.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.channel != "" && sub.channel != ev.Channel {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("event bus subscriber full, dropping event",
				slog.String("channel", ev.Channel),
				slog.String("type", ev.Type))
		}
	}
}
