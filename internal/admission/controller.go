package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrQueueFull is returned when the waiter queue is at capacity.
var ErrQueueFull = errors.New("admission queue full")

// ErrShuttingDown is returned once draining has begun.
var ErrShuttingDown = errors.New("shutting down")

// Controller is a counting semaphore with a bounded waiter queue. It is safe
// for concurrent use.
type Controller struct {
	permits  chan struct{}
	drain    chan struct{}
	released chan struct{}
	drainOne sync.Once

	mu      sync.Mutex
	waiting int

	maxConcurrent int
	maxQueue      int
}

// NewController creates a controller granting at most maxConcurrent permits
// with at most maxQueue callers waiting for one.
func NewController(maxConcurrent, maxQueue int) *Controller {
	return &Controller{
		permits:       make(chan struct{}, maxConcurrent),
		drain:         make(chan struct{}),
		released:      make(chan struct{}, 1),
		maxConcurrent: maxConcurrent,
		maxQueue:      maxQueue,
	}
}

// Acquire grants a Slot or rejects the caller. The queue-full check happens
// before the caller ever waits, so a rejected caller never occupies a queue
// position. Blocking ends when a permit frees, ctx is done, or draining
// begins; queued waiters receive ErrShuttingDown rather than hanging.
func (c *Controller) Acquire(ctx context.Context) (*Slot, error) {
	select {
	case <-c.drain:
		return nil, ErrShuttingDown
	default:
	}

	c.mu.Lock()
	if c.waiting >= c.maxQueue {
		c.mu.Unlock()
		return nil, ErrQueueFull
	}
	c.waiting++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.waiting--
		c.mu.Unlock()
	}()

	select {
	case c.permits <- struct{}{}:
		// The select picks randomly among ready cases, so a freed permit can
		// win over an already-closed drain channel. Re-check and hand the
		// permit straight back rather than admitting work during drain.
		select {
		case <-c.drain:
			<-c.permits
			c.notifyRelease()
			return nil, ErrShuttingDown
		default:
		}
		return &Slot{c: c}, nil
	case <-c.drain:
		return nil, ErrShuttingDown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BeginDrain rejects all future Acquire calls and fails every queued waiter
// with ErrShuttingDown. Held slots are unaffected. Safe to call more than once.
func (c *Controller) BeginDrain() {
	c.drainOne.Do(func() { close(c.drain) })
}

// AwaitIdle blocks until every held slot has been released, or ctx ends.
// Call it after BeginDrain: held-slot count is read from the permit channel
// itself, so a slot is visible here from the instant Acquire grants it, and
// no new slots outlive drain.
func (c *Controller) AwaitIdle(ctx context.Context) error {
	for {
		if len(c.permits) == 0 {
			return nil
		}
		select {
		case <-c.released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// notifyRelease nudges AwaitIdle without blocking. The buffer of one is
// enough: AwaitIdle re-checks the permit count on every wakeup.
func (c *Controller) notifyRelease() {
	select {
	case c.released <- struct{}{}:
	default:
	}
}

// Draining reports whether BeginDrain has been called.
func (c *Controller) Draining() bool {
	select {
	case <-c.drain:
		return true
	default:
		return false
	}
}

// InFlight returns the number of currently held slots.
func (c *Controller) InFlight() int {
	return len(c.permits)
}

// Waiting returns the number of callers currently queued for a permit.
func (c *Controller) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

// Capacity returns the configured concurrency and queue limits.
func (c *Controller) Capacity() (maxConcurrent, maxQueue int) {
	return c.maxConcurrent, c.maxQueue
}

// Slot is one granted execution right. It must be released exactly once on
// every exit path.
type Slot struct {
	c        *Controller
	released atomic.Bool
}

// Release returns the permit, unblocking one queued waiter if any. Releasing
// twice is a programming error and panics rather than letting the permit
// count drift past the configured limit.
func (s *Slot) Release() {
	if !s.released.CompareAndSwap(false, true) {
		panic("admission: slot released twice")
	}
	<-s.c.permits
	s.c.notifyRelease()
}
