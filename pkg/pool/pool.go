// Package pool implements the fixed-size worker slot pool that bounds
// concurrent backend invocations.
package pool

import (
	"context"
	"sync"

	"github.com/abdhe/llm-chat-dispatch/pkg/backend"
	"github.com/abdhe/llm-chat-dispatch/pkg/resilience"
)

// Slot is one unit of backend execution capacity. Each slot owns its own
// adapter instance; at most one request holds a slot at a time, so the
// adapter is never re-entered concurrently. Slots bound to the same
// endpoint share that endpoint's circuit breaker.
type Slot struct {
	ID      int
	Backend backend.Backend
	Breaker *resilience.CircuitBreaker
}

// Pool hands out slots to requests, blocking callers when every slot is
// busy. Waiters are served strictly in arrival order. A single mutex
// guards both the idle list and the waiter queue so lease/release stay
// atomic.
type Pool struct {
	mu      sync.Mutex
	idle    []*Slot
	waiters []chan *Slot
	size    int
}

// New creates a pool owning the given slots.
func New(slots []*Slot) *Pool {
	idle := make([]*Slot, len(slots))
	copy(idle, slots)
	return &Pool{idle: idle, size: len(slots)}
}

// Size returns the total slot count.
func (p *Pool) Size() int { return p.size }

// Idle returns the number of currently idle slots.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Lease acquires an idle slot, blocking FIFO behind earlier waiters when
// none is free. The returned slot must be handed back with Release, even
// when the work it carried failed.
func (p *Pool) Lease(ctx context.Context) (*Slot, error) {
	p.mu.Lock()
	if len(p.idle) > 0 {
		s := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()
		return s, nil
	}

	w := make(chan *Slot, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case s := <-w:
		return s, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, q := range p.waiters {
			if q == w {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				p.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		p.mu.Unlock()
		// Lost the race: a slot was already handed to this waiter.
		// Put it back so it isn't leaked.
		select {
		case s := <-w:
			p.Release(s)
		default:
		}
		return nil, ctx.Err()
	}
}

// Release returns a slot to the pool, handing it directly to the
// longest-waiting leaser if any.
func (p *Pool) Release(s *Slot) {
	p.mu.Lock()
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		// Buffered send under the lock so a cancelling waiter that no
		// longer finds itself queued is guaranteed to see the slot.
		w <- s
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, s)
	p.mu.Unlock()
}
