// Package stream is the in-process event bus carrying saga progress messages
// to subscribers (SSE clients, logs).
package stream

import (
	"context"
	"sync"
	"time"

	"agripulse.org/internal/ids"
)

// Severity classifies a progress message.
type Severity string

const (
	Info    Severity = "info"
	Success Severity = "success"
	Warning Severity = "warning"
	Error   Severity = "error"
)

// Event is one user-facing progress message.
type Event struct {
	ID        string    `json:"id"`
	Saga      string    `json:"saga"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Link      string    `json:"link,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const defaultHistory = 64

// Bus fan-outs events to all active subscribers. Delivery is best effort.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	recent []Event
	head   int
	full   bool
}

// New initialises an empty bus keeping the last history events for late
// subscribers. history <= 0 uses a default.
func New(history int) *Bus {
	if history <= 0 {
		history = defaultHistory
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		recent: make([]Event, history),
	}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish records the event and fan-outs it to all subscribers. It never blocks.
func (b *Bus) Publish(saga, message string, severity Severity, link string) Event {
	evt := Event{
		ID:        ids.New(ids.PrefixEvent),
		Saga:      saga,
		Message:   message,
		Severity:  severity,
		Link:      link,
		Timestamp: time.Now().UTC(),
	}
	if b == nil {
		return evt
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recent[b.head] = evt
	b.head = (b.head + 1) % len(b.recent)
	if b.head == 0 {
		b.full = true
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
	return evt
}

// Recent returns up to n of the most recent events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	size := b.head
	if b.full {
		size = len(b.recent)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Event, 0, n)
	for i := size - n; i < size; i++ {
		idx := i
		if b.full {
			idx = (b.head + i) % len(b.recent)
		}
		out = append(out, b.recent[idx])
	}
	return out
}
