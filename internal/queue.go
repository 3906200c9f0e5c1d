package internal

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/aleybovich/carrot-lite/brokererror"
)

// errStopped is returned by dequeue when the caller's stop signal fires.
var errStopped = errors.New("dequeue stopped")

// bindingRef is the back-reference a queue keeps for each binding pointing at it.
type bindingRef struct {
	Exchange   string
	RoutingKey string
}

// waiter is a consumer parked in dequeue. A served waiter has exactly one
// message buffered in ch.
type waiter struct {
	ch     chan *message
	served bool
}

type queue struct {
	Name    string
	Durable bool

	mu        sync.Mutex
	messages  []*message
	waiters   []*waiter // FIFO registration order
	Bindings  map[bindingRef]struct{}
	consumers map[string]*Consumer
	deleted   bool
	deletedCh chan struct{}
}

func newQueue(name string, durable bool) *queue {
	return &queue{
		Name:      name,
		Durable:   durable,
		Bindings:  make(map[bindingRef]struct{}),
		consumers: make(map[string]*Consumer),
		deletedCh: make(chan struct{}),
	}
}

// handOff gives m to the longest-waiting consumer. Caller holds q.mu.
func (q *queue) handOff(m *message) bool {
	if len(q.waiters) == 0 {
		return false
	}
	w := q.waiters[0]
	q.waiters = q.waiters[1:]
	w.served = true
	w.ch <- m
	return true
}

// enqueue appends m to the tail. It never blocks. It returns false if the queue was deleted.
func (q *queue) enqueue(m *message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deleted {
		return false
	}
	if !q.handOff(m) {
		q.messages = append(q.messages, m)
	}
	return true
}

// requeue puts m back at the head. It returns false if the queue was deleted.
func (q *queue) requeue(m *message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deleted {
		return false
	}
	if !q.handOff(m) {
		q.messages = append([]*message{m}, q.messages...)
	}
	return true
}

// get pops the head without blocking. remaining is the depth after the pop.
func (q *queue) get() (m *message, remaining int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return nil, 0, false
	}
	m = q.messages[0]
	q.messages[0] = nil
	q.messages = q.messages[1:]
	return m, len(q.messages), true
}

// dequeue blocks until a message is available, ctx is done, stop is closed or
// the queue is deleted. A deadline maps to ErrTimeout, stop to errStopped and
// deletion to NotFound.
func (q *queue) dequeue(ctx context.Context, stop <-chan struct{}) (*message, error) {
	q.mu.Lock()
	if q.deleted {
		q.mu.Unlock()
		return nil, brokererror.New(brokererror.NotFound, "queue '%s' was deleted", q.Name)
	}
	if len(q.messages) > 0 {
		m := q.messages[0]
		q.messages[0] = nil
		q.messages = q.messages[1:]
		q.mu.Unlock()
		return m, nil
	}
	w := &waiter{ch: make(chan *message, 1)}
	q.waiters = append(q.waiters, w)
	deletedCh := q.deletedCh
	q.mu.Unlock()

	var err error
	select {
	case m := <-w.ch:
		return m, nil
	case <-ctx.Done():
		err = ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = brokererror.ErrTimeout
		}
	case <-stop:
		err = errStopped
	case <-deletedCh:
		err = brokererror.New(brokererror.NotFound, "queue '%s' was deleted", q.Name)
	}

	q.mu.Lock()
	if !w.served {
		q.waiters = slices.DeleteFunc(q.waiters, func(other *waiter) bool { return other == w })
		q.mu.Unlock()
		return nil, err
	}
	q.mu.Unlock()

	// A message was handed over while we were waking up; put it back first in line.
	q.requeue(<-w.ch)
	return nil, err
}

// purge drops every ready message and returns them.
func (q *queue) purge() []*message {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := q.messages
	q.messages = nil
	return dropped
}

// markDeleted wakes every waiter with NotFound and returns the dropped
// messages and the consumers that were registered.
func (q *queue) markDeleted() ([]*message, []*Consumer) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deleted {
		return nil, nil
	}
	q.deleted = true
	close(q.deletedCh)

	dropped := q.messages
	q.messages = nil
	q.waiters = nil

	consumers := make([]*Consumer, 0, len(q.consumers))
	for _, c := range q.consumers {
		consumers = append(consumers, c)
	}
	q.consumers = make(map[string]*Consumer)
	return dropped, consumers
}

func (q *queue) isDeleted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deleted
}

func (q *queue) addConsumer(c *Consumer) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deleted {
		return false
	}
	q.consumers[c.tag] = c
	return true
}

func (q *queue) removeConsumer(tag string) {
	q.mu.Lock()
	delete(q.consumers, tag)
	q.mu.Unlock()
}

func (q *queue) info() QueueInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueInfo{
		Name:      q.Name,
		Durable:   q.Durable,
		Messages:  len(q.messages),
		Consumers: len(q.consumers),
	}
}

// QueueInfo is a point-in-time view of a queue.
type QueueInfo struct {
	Name      string `json:"name"`
	Durable   bool   `json:"durable"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}
