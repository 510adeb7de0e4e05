package dispatch

import (
	"sync"
	"time"

	"github.com/OysteinAmundsen/home-sub001/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event types published on the broker.
const (
	EventState         = "state"
	EventRequest       = "request"
	EventSettled       = "settled"
	EventCancel        = "cancel"
	EventProtocolError = "protocol_error"
)

// Event is one observation about a session.
type Event struct {
	Type      string             `json:"type"`
	SessionID string             `json:"session_id"`
	State     model.SessionState `json:"state,omitempty"`
	RequestID *uint64            `json:"request_id,omitempty"`
	Detail    string             `json:"detail,omitempty"`
	Time      time.Time          `json:"time"`
}

// EventBroker fans session events out to subscribers. It is safe for
// concurrent use.
//
// A topic exists from Open until Close. Subscribing to a topic that is not
// open returns a closed channel, so late subscribers never block.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan Event
	nextID int
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{topics: make(map[string]*eventTopic)}
}

// Open makes sessionID publishable. Opening an open topic is a no-op.
func (b *EventBroker) Open(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[sessionID]; !ok {
		b.topics[sessionID] = &eventTopic{subs: make(map[int]chan Event)}
	}
}

// Subscribe returns a channel of events for sessionID and an unsubscribe
// function. If the topic is not open, the channel is closed.
func (b *EventBroker) Subscribe(sessionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	t, ok := b.topics[sessionID]
	if !ok {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends ev to all subscribers of ev.SessionID. Events are dropped
// for subscribers whose buffers are full.
func (b *EventBroker) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.SessionID]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close signals that no more events will be published for sessionID and
// forgets the topic.
func (b *EventBroker) Close(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if !ok {
		return
	}
	for _, ch := range t.subs {
		close(ch)
	}
	delete(b.topics, sessionID)
}

func (b *EventBroker) openTopics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
