// Package bus provides non-blocking distribution of orchestration events
// to multiple subscribers (MQTT emitter, websocket clients, tests).
//
// Publish never blocks: when a subscriber's channel is full the event is
// dropped for that subscriber and counted. Latency beats completeness for
// dashboard events the same way it does for frames.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visiona/argus/internal/types"
)

// DefaultBuffer is the subscriber channel buffer used by Subscribe.
const DefaultBuffer = 64

// Bus fan-outs events to registered subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan types.Event
	closed bool

	published uint64
	dropped   map[string]uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[string]chan types.Event),
		dropped: make(map[string]uint64),
	}
}

// Subscribe registers a subscriber and returns its receive channel and an
// unsubscribe function. The channel is closed on unsubscribe or bus close.
func (b *Bus) Subscribe(id string) (<-chan types.Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, fmt.Errorf("bus is closed")
	}
	if _, exists := b.subs[id]; exists {
		return nil, nil, fmt.Errorf("subscriber %q already registered", id)
	}

	ch := make(chan types.Event, DefaultBuffer)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe, nil
}

// Publish stamps the event with a timestamp and trace id if missing and
// delivers it to every subscriber without blocking.
func (b *Bus) Publish(ev types.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.TraceID == "" {
		ev.TraceID = uuid.New().String()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.published++

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped[id]++
		}
	}
}

// Stats contains bus counters.
type Stats struct {
	Published   uint64
	Subscribers int
	Dropped     map[string]uint64
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := make(map[string]uint64, len(b.dropped))
	for id, n := range b.dropped {
		dropped[id] = n
	}
	return Stats{
		Published:   b.published,
		Subscribers: len(b.subs),
		Dropped:     dropped,
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
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
