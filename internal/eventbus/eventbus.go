// Package eventbus implements C10: a finite enumerated topic set,
// per-subscriber bounded delivery queues, and a bounded history ring
// backing a cold GET. Grounded on the teacher's worker-pool shape
// (internal/notification/worker.go): a fixed set of goroutine-free,
// channel-based consumers rather than a generic pub/sub library, since
// nothing in the retrieved corpus carries one.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
)

// Topic is one of the finite, enumerated kinds of §4.10.
type Topic string

const (
	TopicDeviceRegistered    Topic = "DEVICE_REGISTERED"
	TopicDeviceAuthenticated Topic = "DEVICE_AUTHENTICATED"
	TopicDataSubmitted       Topic = "DATA_SUBMITTED"
	TopicBatchCreated        Topic = "BATCH_CREATED"
	TopicBatchAnchorProgress Topic = "BATCH_ANCHOR_PROGRESS"
	TopicDeviceStatusChange  Topic = "DEVICE_STATUS_CHANGE"
	TopicProposalCreated     Topic = "PROPOSAL_CREATED"
	TopicProposalApproved    Topic = "PROPOSAL_APPROVED"
	TopicProposalRejected    Topic = "PROPOSAL_REJECTED"
	TopicProposalExecuted    Topic = "PROPOSAL_EXECUTED"
	TopicProposalExpired     Topic = "PROPOSAL_EXPIRED"
)

// DefaultMaxSubQueue and DefaultHistorySize are the §6 configuration
// defaults (MAX_SUB_QUEUE, EVENT_HISTORY).
const (
	DefaultMaxSubQueue = 256
	DefaultHistorySize = 100
)

// Event is one published occurrence, durable via store.AppendEvent.
type Event struct {
	EventID int64 `json:"event_id"`
	Topic   Topic `json:"topic"`
	Payload any   `json:"payload"`
	At      int64 `json:"at"`
}

// Subscriber is one durable session keyed by client_id, per §4.10.
type Subscriber struct {
	ClientID string
	Queue    chan Event

	mu     sync.Mutex
	topics map[Topic]bool
	closed bool
}

func (s *Subscriber) wants(topic Topic) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.topics) == 0 {
		return true // no explicit subscription set ⇒ receive everything
	}
	return s.topics[topic]
}

// SetTopics replaces this subscriber's topic filter.
func (s *Subscriber) SetTopics(topics []Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = make(map[Topic]bool, len(topics))
	for _, t := range topics {
		s.topics[t] = true
	}
}

// Bus is the in-process coordination point for C6/C7/C8/C9 publishers and
// the façade's WS/SSE-style consumers.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]*Subscriber
	ring        []Event
	ringCap     int
	maxQueue    int
	nextEventID int64

	onDisconnect func(clientID string)
	onPublish    func(Event)
}

func NewBus(maxQueue, historySize int) *Bus {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxSubQueue
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		ringCap:     historySize,
		maxQueue:    maxQueue,
	}
}

// OnDisconnect registers a callback invoked (outside the bus lock) whenever
// a slow subscriber is dropped, so the façade can close its transport.
func (b *Bus) OnDisconnect(fn func(clientID string)) {
	b.onDisconnect = fn
}

// OnPublish registers a callback invoked (outside the bus lock) with
// every published event, so a caller can durably record it via
// store.AppendEvent without coupling this package to internal/store.
func (b *Bus) OnPublish(fn func(Event)) {
	b.onPublish = fn
}

// Subscribe opens or replaces a durable session for clientID.
func (b *Bus) Subscribe(clientID string, topics []Topic) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscriber{ClientID: clientID, Queue: make(chan Event, b.maxQueue)}
	sub.SetTopics(topics)
	b.subscribers[clientID] = sub
	return sub
}

// Unsubscribe closes and removes a session.
func (b *Bus) Unsubscribe(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[clientID]; ok {
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
		close(sub.Queue)
		delete(b.subscribers, clientID)
	}
}

// Publish is non-blocking for the caller: it appends to the bounded
// history ring and fans out to every interested subscriber's queue
// without waiting on delivery. A subscriber whose queue is already full
// is disconnected rather than allowed to backpressure the publisher, per
// §4.10/§5 ("publisher writes are non-blocking").
func (b *Bus) Publish(topic Topic, payload any) Event {
	b.mu.Lock()
	b.nextEventID++
	evt := Event{EventID: b.nextEventID, Topic: topic, Payload: payload, At: time.Now().Unix()}
	b.ring = append(b.ring, evt)
	if len(b.ring) > b.ringCap {
		b.ring = b.ring[len(b.ring)-b.ringCap:]
	}

	var toDisconnect []string
	for id, sub := range b.subscribers {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.Queue <- evt:
		default:
			toDisconnect = append(toDisconnect, id)
		}
	}
	onPublish := b.onPublish
	b.mu.Unlock()

	for _, id := range toDisconnect {
		b.Unsubscribe(id)
		if b.onDisconnect != nil {
			b.onDisconnect(id)
		}
	}
	if onPublish != nil {
		onPublish(evt)
	}
	return evt
}

// RecentEvents returns up to limit most-recently-published events from the
// in-memory ring, newest first — the hot path behind GET recent_events.
// For history across restarts, callers fall back to the durable store's
// RecentEvents (see wiring in cmd/anchornode).
func (b *Bus) RecentEvents(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.ring)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = b.ring[len(b.ring)-1-i]
	}
	return out
}

// MarshalPayload is a small helper for publishers that already have a
// JSON-ready struct and want the durable store's text column populated
// identically to what subscribers see.
func MarshalPayload(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", apierr.Wrap(apierr.CodeInternal, "failed to encode event payload", err)
	}
	return string(b), nil
}
