package dispatch

import (
	"context"
	"sync"

	"github.com/talkincode/wabridge/internal/domain"
	"golang.org/x/time/rate"
)

// queue is the FIFO of one session. A single worker drains it.
type queue struct {
	sessionID string
	limiter   *rate.Limiter

	mu         sync.Mutex
	items      []*domain.OutboundMessage
	terminated bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newQueue(parent context.Context, sessionID string, limiter *rate.Limiter) *queue {
	ctx, cancel := context.WithCancel(parent)
	return &queue{
		sessionID: sessionID,
		limiter:   limiter,
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) head() *domain.OutboundMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// pop removes m if it is still the head.
func (q *queue) pop(m *domain.OutboundMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 && q.items[0] == m {
		q.items[0] = nil
		q.items = q.items[1:]
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// takeAll empties the queue and marks it terminated.
func (q *queue) takeAll() []*domain.OutboundMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.terminated = true
	items := q.items
	q.items = nil
	return items
}
