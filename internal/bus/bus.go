// internal/bus/bus.go
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/user/attache/internal/types"
)

// Bus fans session events out to subscribers. Events carry a per-session
// sequence number assigned at publish time, so every subscriber observes
// the same order. Subscriber channels are bounded; a full channel drops the
// oldest buffered event with a warning rather than ever blocking the
// publisher.
type Bus struct {
	mu   sync.Mutex
	seq  map[types.SessionID]int64
	subs map[types.SessionID][]*Subscriber
}

// Subscriber receives events for one session.
type Subscriber struct {
	C  chan *types.Event
	id int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		seq:  make(map[types.SessionID]int64),
		subs: make(map[types.SessionID][]*Subscriber),
	}
}

// Publish appends an event to the session's stream. Payload may be nil.
func (b *Bus) Publish(sessionID types.SessionID, eventType types.EventType, payload any) *types.Event {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Warn("event payload marshal failed", "type", eventType, "error", err)
		} else {
			raw = data
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq[sessionID]++
	event := &types.Event{
		SessionID: sessionID,
		Seq:       b.seq[sessionID],
		Type:      eventType,
		At:        time.Now(),
		Payload:   raw,
	}

	for _, sub := range b.subs[sessionID] {
		select {
		case sub.C <- event:
		default:
			// Slow subscriber: shed the oldest event to make room.
			select {
			case dropped := <-sub.C:
				slog.Warn("event subscriber lagging, dropped event",
					"session_id", sessionID, "seq", dropped.Seq, "type", dropped.Type)
			default:
			}
			select {
			case sub.C <- event:
			default:
			}
		}
	}

	return event
}

// Subscribe registers a bounded subscriber for the session's event stream.
func (b *Bus) Subscribe(sessionID types.SessionID, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		C:  make(chan *types.Event, buffer),
		id: len(b.subs[sessionID]) + 1,
	}
	b.subs[sessionID] = append(b.subs[sessionID], sub)
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(sessionID types.SessionID, sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sessionID]
	for i, existing := range subs {
		if existing == sub {
			b.subs[sessionID] = append(subs[:i], subs[i+1:]...)
			close(sub.C)
			return
		}
	}
}
