// Package relay fans session events out to live subscribers.
//
// Delivery is at-most-once: a subscriber whose buffer is full misses the event.
// The session event log is the durable history.
package relay

import (
	"sync"
	"sync/atomic"
	"time"

	EventBus "github.com/asaskevich/EventBus"
	"go.uber.org/zap"
)

// TopicEvents is the bus topic every relayed event travels on.
const TopicEvents = "whatsapp:relay"

// AllSessions subscribes to every session.
const AllSessions = "*"

const DefaultBuffer = 16

// Relay multiplexes events from many sessions to many subscribers.
type Relay struct {
	bus     EventBus.Bus
	buffer  int
	handler func(Event)

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New attaches a relay to the bus. buffer is the per-subscriber channel size.
func New(bus EventBus.Bus, buffer int) *Relay {
	if buffer < 0 {
		buffer = DefaultBuffer
	}
	r := &Relay{
		bus:    bus,
		buffer: buffer,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
	r.handler = r.deliver
	if err := bus.Subscribe(TopicEvents, r.handler); err != nil {
		zap.L().Error("relay: subscribe to bus failed", zap.Error(err))
	}
	return r
}

// Publish sends ev to the current subscribers of its session. It never blocks.
func (r *Relay) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	r.bus.Publish(TopicEvents, ev)
}

func (r *Relay) deliver(ev Event) {
	r.published.Add(1)
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.fanout(r.subs[ev.SessionID], ev)
	if ev.SessionID != AllSessions {
		r.fanout(r.subs[AllSessions], ev)
	}
}

func (r *Relay) fanout(set map[*Subscription]struct{}, ev Event) {
	for sub := range set {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			r.dropped.Add(1)
			zap.L().Debug("relay: subscriber unavailable, event dropped",
				zap.String("session_id", ev.SessionID),
				zap.String("event", string(ev.Kind)))
		}
	}
}

// Subscribe joins the stream of one session, or of all sessions with AllSessions.
// Only events published after the call are received.
func (r *Relay) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		relay:     r,
		sessionID: sessionID,
		ch:        make(chan Event, r.buffer),
	}
	r.mu.Lock()
	set, ok := r.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		r.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	r.mu.Unlock()
	return sub
}

func (r *Relay) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[sub.sessionID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(r.subs, sub.sessionID)
	}
	close(sub.ch)
}

// Subscribers returns the number of live subscriptions for a session.
func (r *Relay) Subscribers(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[sessionID])
}

// Stats returns totals of published and dropped deliveries.
func (r *Relay) Stats() (published, dropped uint64) {
	return r.published.Load(), r.dropped.Load()
}

// Close detaches the relay from the bus and ends every subscription.
func (r *Relay) Close() {
	_ = r.bus.Unsubscribe(TopicEvents, r.handler)
	r.mu.Lock()
	for id, set := range r.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(r.subs, id)
	}
	r.mu.Unlock()
}

// Subscription is one subscriber's view of a session stream.
type Subscription struct {
	relay     *Relay
	sessionID string
	ch        chan Event
	once      sync.Once
	dropped   atomic.Uint64
}

// C yields events until the subscription is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Dropped counts events this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.once.Do(func() { s.relay.remove(s) })
}
