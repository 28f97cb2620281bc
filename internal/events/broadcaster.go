// Package events fans out cache, tree and mutation changes to subscribers
// such as the web front's event stream.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fruitsalade/docbox/internal/metrics"
)

const (
	EventInvalidated = "cache.invalidated"
	EventCached      = "cache.updated"
	EventTreeUpdated = "tree.updated"
	EventApplied     = "mutation.applied"
	EventConfirmed   = "mutation.confirmed"
	EventRolledBack  = "mutation.rolled_back"
	EventProgress    = "upload.progress"
	EventLogin       = "session.login"
	EventLogout      = "session.logout"
)

// Event is a client-side change notification.
type Event struct {
	Type      string `json:"type"`
	Kind      string `json:"kind,omitempty"`
	ID        int64  `json:"id,omitempty"`
	Relation  string `json:"relation,omitempty"`
	Operation string `json:"operation,omitempty"`
	Message   string `json:"message,omitempty"`
	Loaded    int64  `json:"loaded,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(Event)
}

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
