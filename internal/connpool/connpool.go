// Package connpool caps concurrent upstream calls behind a fixed number
// of slots. Overflow requests queue in FIFO order with a per-request
// timeout, and a draining pool rejects new work so executions can be
// torn down without stranding waiters.
package connpool

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrPoolDraining is returned for acquisitions attempted after
	// Drain has been called.
	ErrPoolDraining = errors.New("connection pool is draining")

	// ErrQueueTimeout is returned when a queued request waited longer
	// than the configured queue timeout without receiving a slot.
	ErrQueueTimeout = errors.New("timed out waiting for a connection slot")
)

const (
	DefaultMaxConnections = 10
	DefaultQueueTimeout   = 5 * time.Second
)

// waiter is one queued acquisition. err is set under the pool lock
// before ready is closed; nil err means the slot was granted.
type waiter struct {
	ready chan struct{}
	err   error
	done  bool
}

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	Active   int  `json:"active"`
	Waiting  int  `json:"waiting"`
	Max      int  `json:"max"`
	Draining bool `json:"draining"`
}

// Pool admits at most max concurrent holders. Releasing a slot while
// requests are queued hands the slot to the head of the queue directly,
// so active never exceeds max and the queue drains in arrival order.
type Pool struct {
	mu           sync.Mutex
	active       int
	max          int
	waiters      *list.List
	draining     bool
	idle         chan struct{}
	queueTimeout time.Duration
	logger       *zap.Logger
}

// New creates a pool with the given slot count and queue timeout.
// Non-positive values fall back to the defaults.
func New(max int, queueTimeout time.Duration, logger *zap.Logger) *Pool {
	if max <= 0 {
		max = DefaultMaxConnections
	}
	if queueTimeout <= 0 {
		queueTimeout = DefaultQueueTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		max:          max,
		waiters:      list.New(),
		queueTimeout: queueTimeout,
		logger:       logger,
	}
}

// Acquire obtains a slot, queueing if the pool is full. It fails with
// ErrPoolDraining when the pool is draining, ErrQueueTimeout when the
// queue timeout elapses, or the context error when ctx is done first.
func (p *Pool) Acquire(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return ErrPoolDraining
	}
	if p.active < p.max {
		p.active++
		p.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	timer := time.NewTimer(p.queueTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return w.err
	case <-timer.C:
		return p.abandon(elem, w, ErrQueueTimeout)
	case <-ctx.Done():
		return p.abandon(elem, w, ctx.Err())
	}
}

// abandon removes a still-queued waiter. If the waiter was signalled
// before the lock was taken, the signal wins and its outcome is
// returned instead, so a granted slot is never dropped.
func (p *Pool) abandon(elem *list.Element, w *waiter, cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w.done {
		return w.err
	}
	w.done = true
	p.waiters.Remove(elem)
	return cause
}

// Release returns a slot to the pool. With waiters queued, the slot is
// transferred to the head waiter without touching the active count.
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if elem := p.waiters.Front(); elem != nil {
		w := p.waiters.Remove(elem).(*waiter)
		w.done = true
		close(w.ready)
		return
	}

	if p.active == 0 {
		p.logger.Warn("Release called on idle pool")
		return
	}
	p.active--
	if p.active == 0 && p.idle != nil {
		close(p.idle)
		p.idle = nil
	}
}

// Execute runs fn while holding a slot. The slot is released on every
// exit path, including a panic inside fn.
func (p *Pool) Execute(ctx context.Context, fn func() error) error {
	if err := p.Acquire(ctx); err != nil {
		return err
	}
	defer p.Release()
	return fn()
}

// Drain stops admitting work, rejects all queued waiters, and waits up
// to timeout for active holders to finish. It returns the number of
// holders still active when it gave up waiting; 0 means a clean drain.
func (p *Pool) Drain(timeout time.Duration) int {
	p.mu.Lock()
	p.draining = true
	for elem := p.waiters.Front(); elem != nil; elem = elem.Next() {
		w := elem.Value.(*waiter)
		w.err = ErrPoolDraining
		w.done = true
		close(w.ready)
	}
	p.waiters.Init()

	if p.active == 0 {
		p.mu.Unlock()
		return 0
	}
	if p.idle == nil {
		p.idle = make(chan struct{})
	}
	idle := p.idle
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-idle:
		return 0
	case <-timer.C:
		p.mu.Lock()
		remaining := p.active
		p.mu.Unlock()
		p.logger.Warn("Pool drain timed out", zap.Int("active", remaining))
		return remaining
	}
}

// Clear resets the pool to idle: queued waiters are rejected, counters
// are zeroed, and draining is lifted. Intended for teardown once the
// holders' work has been abandoned.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for elem := p.waiters.Front(); elem != nil; elem = elem.Next() {
		w := elem.Value.(*waiter)
		w.err = ErrPoolDraining
		w.done = true
		close(w.ready)
	}
	p.waiters.Init()
	p.active = 0
	p.draining = false
	if p.idle != nil {
		close(p.idle)
		p.idle = nil
	}
}

// GetStats returns a snapshot of the pool's counters.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:   p.active,
		Waiting:  p.waiters.Len(),
		Max:      p.max,
		Draining: p.draining,
	}
}

// IsAtCapacity reports whether every slot is in use.
func (p *Pool) IsAtCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active >= p.max
}

// IsDraining reports whether Drain has been called.
func (p *Pool) IsDraining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}
