package hub

import (
	"sync"

	"go.uber.org/zap"
)

// Event is one published frame. Type is "market_update" or
// "position_closed"; Payload is whatever the producer wants delivered.
type Event struct {
	Type    string      `json:"type"`
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
}

// subscriberQueue bounds how many undelivered events a slow subscriber
// may hold before the hub starts dropping its oldest.
const subscriberQueue = 16

// Subscription is one subscriber's handle on a topic. Events arrive on C
// until Unsubscribe; delivery is best-effort, at-most-once.
type Subscription struct {
	C     chan Event
	topic string

	mu     sync.Mutex
	closed bool
}

// Topic returns the topic this handle is attached to.
func (s *Subscription) Topic() string {
	return s.topic
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.C)
}

// Hub is the subscription topology. Topics are symbols and per-user
// channels; producers never block on subscribers.
type Hub struct {
	logger *zap.Logger

	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		topics: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscriber on the topic.
func (h *Hub) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		C:     make(chan Event, subscriberQueue),
		topic: topic,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches the handle and closes its channel. Safe to call
// more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.detach(sub)
	sub.close()
}

func (h *Hub) detach(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, sub.topic)
		}
	}
}

// SubscriberCount reports how many handles are attached to the topic.
// The tick broadcaster uses it to decide whether a symbol loop should
// keep running.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Publish delivers the event to every subscriber of the topic. If a
// subscriber's queue is full the oldest pending event is dropped in its
// favor; every event is superseded by the next tick, so durability buys
// nothing here.
func (h *Hub) Publish(topic string, event Event) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.topics[topic]))
	for sub := range h.topics[topic] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			// Lazily GC handles whose receive end is gone.
			h.detach(sub)
			continue
		}
		select {
		case sub.C <- event:
		default:
			select {
			case <-sub.C:
			default:
			}
			select {
			case sub.C <- event:
			default:
				h.logger.Debug("Dropped event for slow subscriber", zap.String("topic", topic))
			}
		}
		sub.mu.Unlock()
	}
}

// Close tears down every subscription. Used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*Subscription, 0)
	for _, subs := range h.topics {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	h.topics = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}
