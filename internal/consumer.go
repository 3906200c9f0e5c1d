package internal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aleybovich/carrot-lite/brokererror"
)

func errConsumerCancelled(tag string) error {
	return brokererror.New(brokererror.NotFound, "consumer '%s' was cancelled", tag)
}

// Consumer receives messages from one queue on one channel. Use either
// Dequeue/DequeueTimeout or the Deliveries stream.
type Consumer struct {
	tag   string
	queue *queue
	ch    *Channel
	mode  AckMode

	stop     chan struct{}
	stopOnce sync.Once
	reason   error // set before stop is closed

	pumpOnce   sync.Once
	deliveries chan Delivery
}

func newConsumer(tag string, q *queue, ch *Channel, mode AckMode) *Consumer {
	return &Consumer{
		tag:   tag,
		queue: q,
		ch:    ch,
		mode:  mode,
		stop:  make(chan struct{}),
	}
}

// Tag returns the consumer tag.
func (c *Consumer) Tag() string { return c.tag }

// Queue returns the name of the consumed queue.
func (c *Consumer) Queue() string { return c.queue.Name }

// Mode returns the acknowledgement mode.
func (c *Consumer) Mode() AckMode { return c.mode }

func (c *Consumer) stopWith(reason error) {
	c.stopOnce.Do(func() {
		c.reason = reason
		close(c.stop)
	})
}

func (c *Consumer) stopped() error {
	select {
	case <-c.stop:
		return c.reason
	default:
		return nil
	}
}

// Dequeue blocks until a message arrives. It fails with ChannelClosed when
// the channel closes, NotFound when the queue is deleted or the consumer is
// cancelled, and ErrTimeout when ctx's deadline passes.
func (c *Consumer) Dequeue(ctx context.Context) (Delivery, error) {
	if err := c.ch.begin(); err != nil {
		return Delivery{}, err
	}
	defer c.ch.end()

	if err := c.stopped(); err != nil {
		return Delivery{}, err
	}

	m, err := c.queue.dequeue(ctx, c.stop)
	if err != nil {
		if errors.Is(err, errStopped) {
			return Delivery{}, c.reason
		}
		return Delivery{}, err
	}

	d := c.ch.track(c.queue, m, c.tag, c.mode)
	if c.mode == AckAuto {
		c.ch.broker.forget(c.queue, m)
	}
	return d, nil
}

// DequeueTimeout is Dequeue bounded by d.
func (c *Consumer) DequeueTimeout(d time.Duration) (Delivery, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.Dequeue(ctx)
}

// Deliveries starts a goroutine that pushes messages into the returned
// channel until the consumer stops. The channel is closed afterwards.
// A message the goroutine could not hand over goes back to the queue head.
func (c *Consumer) Deliveries() <-chan Delivery {
	c.pumpOnce.Do(func() {
		c.deliveries = make(chan Delivery)
		go c.pump()
	})
	return c.deliveries
}

func (c *Consumer) pump() {
	defer close(c.deliveries)

	for {
		if err := c.ch.begin(); err != nil {
			return
		}
		ok := c.pumpOne()
		c.ch.end()
		if !ok {
			return
		}
	}
}

// pumpOne runs inside begin/end so Close cannot requeue the message while it
// is being handed over.
func (c *Consumer) pumpOne() bool {
	m, err := c.queue.dequeue(context.Background(), c.stop)
	if err != nil {
		if !errors.Is(err, errStopped) {
			c.ch.broker.Debug("Consumer '%s' stopped: %v", c.tag, err)
		}
		return false
	}

	d := c.ch.track(c.queue, m, c.tag, c.mode)
	select {
	case c.deliveries <- d:
		if c.mode == AckAuto {
			c.ch.broker.forget(c.queue, m)
		}
		return true
	case <-c.stop:
		if c.mode == AckManual {
			c.ch.untrack(d.DeliveryTag)
		}
		if !c.queue.requeue(m) {
			c.ch.broker.forget(c.queue, m)
		}
		return false
	}
}

// Cancel unregisters the consumer. Blocked Dequeue calls return NotFound and
// the Deliveries stream ends. Unacked deliveries stay on the channel.
func (c *Consumer) Cancel() error {
	if err := c.ch.begin(); err != nil {
		return err
	}
	defer c.ch.end()

	c.stopWith(errConsumerCancelled(c.tag))
	c.queue.removeConsumer(c.tag)
	c.ch.removeConsumer(c.tag)
	c.ch.broker.Info("Consumer '%s' cancelled on queue '%s'", c.tag, c.queue.Name)
	return nil
}
