package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity bounds a Channel when no capacity is given.
const DefaultCapacity = 1024

var (
	// ErrChannelClosed is returned by Push after done was queued and by Pop
	// after done was delivered or the channel was discarded.
	ErrChannelClosed = errors.New("event channel closed")

	// ErrPopTimeout is returned by Pop when no event arrived within the
	// requested window. It is not a failure; callers emit a keepalive.
	ErrPopTimeout = errors.New("no event within timeout")

	// ErrKeepaliveNotQueued rejects keepalive events on Push.
	ErrKeepaliveNotQueued = errors.New("keepalive events are not queued")
)

// Channel is a bounded FIFO of events between one producer and one consumer.
//
// Push never blocks. When the channel is full, the oldest non-terminal events
// are dropped and replaced by a single log notice delivered in their place.
// Terminal events (success, error, done) are never dropped.
//
// Sequence numbers are fixed under the channel lock on the accepted
// ordering: the consumer sees 1, 2, 3, ... with no gaps even after drops.
type Channel struct {
	mu       sync.Mutex
	queue    []Event
	capacity int

	delivered     uint64
	pendingDrops  int
	totalDrops    int
	doneQueued    bool
	doneDelivered bool
	closed        bool

	lastActivity time.Time
	now          func() time.Time

	notify chan struct{}
}

// NewChannel creates a Channel holding at most capacity queued events.
func NewChannel(capacity int) *Channel {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Channel{
		queue:        make([]Event, 0, min(capacity, 64)),
		capacity:     capacity,
		now:          time.Now,
		lastActivity: time.Now(),
		notify:       make(chan struct{}, 1),
	}
}

// Push enqueues ev without blocking.
func (c *Channel) Push(ev Event) error {
	if ev.Kind == KindKeepalive {
		return ErrKeepaliveNotQueued
	}

	c.mu.Lock()
	if c.closed || c.doneQueued {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if !ev.Kind.IsTerminal() && len(c.queue) >= c.capacity {
		c.dropOldestLocked()
	}
	ev.Sequence = 0
	c.queue = append(c.queue, ev)
	if ev.Kind == KindDone {
		c.doneQueued = true
	}
	c.lastActivity = c.now()
	c.mu.Unlock()

	c.signal()
	return nil
}

// dropOldestLocked removes the oldest non-terminal event. Terminal events
// only ever trail the queue, so the dropped event is always at or near the
// head and the drop notice takes its place in the order.
func (c *Channel) dropOldestLocked() {
	for i, ev := range c.queue {
		if ev.Kind.IsTerminal() {
			continue
		}
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		c.pendingDrops++
		c.totalDrops++
		return
	}
}

// Pop blocks until an event is available, the timeout elapses, ctx is done,
// or the channel is closed.
func (c *Channel) Pop(ctx context.Context, timeout time.Duration) (Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return Event{}, ErrChannelClosed
		}
		if ev, ok := c.nextLocked(); ok {
			c.mu.Unlock()
			return ev, nil
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-timer.C:
			return Event{}, ErrPopTimeout
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

func (c *Channel) nextLocked() (Event, bool) {
	var ev Event
	switch {
	case c.pendingDrops > 0:
		ev = Log(fmt.Sprintf("[%d earlier log lines dropped: stream consumer fell behind]", c.pendingDrops))
		c.pendingDrops = 0
	case len(c.queue) > 0:
		ev = c.queue[0]
		c.queue[0] = Event{}
		c.queue = c.queue[1:]
	default:
		return Event{}, false
	}

	c.delivered++
	ev.Sequence = c.delivered
	if ev.Kind == KindDone {
		c.doneDelivered = true
		c.closed = true
		c.queue = nil
	}
	c.lastActivity = c.now()
	return ev, true
}

// Discard drops every queued event and closes the channel. Any blocked Pop
// returns ErrChannelClosed. Safe to call more than once.
func (c *Channel) Discard() {
	c.mu.Lock()
	c.closed = true
	c.queue = nil
	c.pendingDrops = 0
	c.mu.Unlock()
	c.signal()
}

func (c *Channel) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued events, counting a pending drop notice.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queue)
	if c.pendingDrops > 0 {
		n++
	}
	return n
}

// Dropped returns the total number of events dropped by overflow.
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalDrops
}

// Closed reports whether done was delivered or the channel was discarded.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Drained reports whether the done event has been delivered.
func (c *Channel) Drained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doneDelivered
}

// LastActivity returns the time of the most recent push or pop.
func (c *Channel) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}
