package events

import (
	"sync"
	"time"
)

// SessionEvent is published after every successful session transition.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Phase     string    `json:"phase"`
	Round     int       `json:"round"`
	Questions int       `json:"questions"`
	Answered  int       `json:"answered"`
	At        time.Time `json:"at"`
}

// Bus provides in-process pub/sub of session state changes for the SSE
// endpoint and tests. Slow subscribers drop events rather than block a
// session transition.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan SessionEvent]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan SessionEvent]struct{})}
}

func (b *Bus) Subscribe() chan SessionEvent {
	ch := make(chan SessionEvent, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	return ch
}

func (b *Bus) Unsubscribe(ch chan SessionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, ch)
}

func (b *Bus) Publish(ev SessionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
