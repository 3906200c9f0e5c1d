package internal

import (
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/aleybovich/carrot-lite/brokererror"
)

type channelState int

const (
	channelOpen channelState = iota
	channelClosing
	channelClosed
)

// unackedDelivery remembers where a manually acknowledged delivery came from.
type unackedDelivery struct {
	queue *queue
	msg   *message
}

// Channel is a session on a connection. It publishes, consumes and tracks
// deliveries awaiting acknowledgement. A Channel may be used from several
// goroutines.
type Channel struct {
	id     uint16
	conn   *Connection
	broker *Broker

	mu          sync.Mutex
	state       channelState
	deliveryTag uint64
	unacked     map[uint64]*unackedDelivery
	consumers   map[string]*Consumer
	done        chan struct{}

	// inflight counts operations that started while the channel was open.
	// Close waits for them before requeueing unacked messages.
	inflight sync.WaitGroup
}

func newChannel(id uint16, conn *Connection) *Channel {
	return &Channel{
		id:        id,
		conn:      conn,
		broker:    conn.broker,
		unacked:   make(map[uint64]*unackedDelivery),
		consumers: make(map[string]*Consumer),
		done:      make(chan struct{}),
	}
}

// ID returns the channel number on its connection.
func (ch *Channel) ID() uint16 { return ch.id }

// Done is closed when the channel starts closing.
func (ch *Channel) Done() <-chan struct{} { return ch.done }

func (ch *Channel) closedErr() error {
	return brokererror.New(brokererror.ChannelClosed, "channel %d is closed", ch.id)
}

// begin registers an in-flight operation. It fails once Close has started.
func (ch *Channel) begin() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state != channelOpen {
		return ch.closedErr()
	}
	ch.inflight.Add(1)
	return nil
}

func (ch *Channel) end() { ch.inflight.Done() }

// Publish routes a message through exchange. The default exchange "" delivers
// to the queue named by routingKey.
func (ch *Channel) Publish(exchange, routingKey string, p Publishing) error {
	if err := ch.begin(); err != nil {
		return err
	}
	defer ch.end()

	return ch.broker.publish(exchange, routingKey, p)
}

// Get takes the head of queue without blocking. ok is false when the queue is empty.
func (ch *Channel) Get(queueName string, mode AckMode) (d Delivery, ok bool, err error) {
	if err := ch.begin(); err != nil {
		return Delivery{}, false, err
	}
	defer ch.end()

	if err := validAckMode(mode); err != nil {
		return Delivery{}, false, err
	}
	q, err := ch.broker.lookupQueue(queueName)
	if err != nil {
		return Delivery{}, false, err
	}

	m, remaining, ok := q.get()
	if !ok {
		return Delivery{}, false, nil
	}
	d = ch.track(q, m, "", mode)
	d.MessageCount = remaining
	if mode == AckAuto {
		ch.broker.forget(q, m)
	}
	return d, true, nil
}

// Consume registers a consumer on queue. An empty tag is replaced by a
// generated one.
func (ch *Channel) Consume(queueName, consumerTag string, mode AckMode) (*Consumer, error) {
	if err := ch.begin(); err != nil {
		return nil, err
	}
	defer ch.end()

	if err := validAckMode(mode); err != nil {
		return nil, err
	}
	q, err := ch.broker.lookupQueue(queueName)
	if err != nil {
		return nil, err
	}
	if consumerTag == "" {
		consumerTag = "ctag-" + uuid.NewString()
	}

	c := newConsumer(consumerTag, q, ch, mode)

	ch.mu.Lock()
	if ch.state != channelOpen {
		ch.mu.Unlock()
		return nil, ch.closedErr()
	}
	if _, exists := ch.consumers[consumerTag]; exists {
		ch.mu.Unlock()
		return nil, brokererror.New(brokererror.NotAllowed, "consumer tag '%s' already in use on channel %d", consumerTag, ch.id)
	}
	ch.consumers[consumerTag] = c
	ch.mu.Unlock()

	if !q.addConsumer(c) {
		ch.removeConsumer(consumerTag)
		return nil, brokererror.New(brokererror.NotFound, "queue '%s' was deleted", queueName)
	}

	ch.broker.Info("Consumer '%s' started on queue '%s' (channel %d, ack: %s)", consumerTag, queueName, ch.id, mode)
	return c, nil
}

func (ch *Channel) removeConsumer(tag string) {
	ch.mu.Lock()
	delete(ch.consumers, tag)
	ch.mu.Unlock()
}

// track assigns the next delivery tag and, for manual acks, records m as unacked.
func (ch *Channel) track(q *queue, m *message, consumerTag string, mode AckMode) Delivery {
	ch.mu.Lock()
	ch.deliveryTag++
	tag := ch.deliveryTag
	if mode == AckManual {
		ch.unacked[tag] = &unackedDelivery{queue: q, msg: m}
	}
	ch.mu.Unlock()

	return newDelivery(m, tag, consumerTag, q.Name)
}

// untrack removes a single unacked delivery.
func (ch *Channel) untrack(tag uint64) (*unackedDelivery, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	u, ok := ch.unacked[tag]
	if ok {
		delete(ch.unacked, tag)
	}
	return u, ok
}

// settle removes the deliveries selected by tag and multiple and returns
// their tags in ascending order. multiple with tag 0 selects everything.
func (ch *Channel) settle(tag uint64, multiple bool) ([]uint64, map[uint64]*unackedDelivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if !(multiple && tag == 0) {
		if _, ok := ch.unacked[tag]; !ok {
			return nil, nil, brokererror.New(brokererror.NotFound, "unknown delivery tag %d", tag)
		}
	}

	settled := make(map[uint64]*unackedDelivery)
	if multiple {
		for t, u := range ch.unacked {
			if tag == 0 || t <= tag {
				settled[t] = u
			}
		}
	} else {
		settled[tag] = ch.unacked[tag]
	}

	tags := make([]uint64, 0, len(settled))
	for t := range settled {
		delete(ch.unacked, t)
		tags = append(tags, t)
	}
	slices.Sort(tags)
	return tags, settled, nil
}

// Ack acknowledges the delivery. With multiple, every unacked delivery up to
// and including tag is acknowledged.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	if err := ch.begin(); err != nil {
		return err
	}
	defer ch.end()

	tags, settled, err := ch.settle(tag, multiple)
	if err != nil {
		return err
	}
	for _, t := range tags {
		u := settled[t]
		ch.broker.forget(u.queue, u.msg)
	}
	ch.broker.Debug("Acked %d deliveries on channel %d", len(tags), ch.id)
	return nil
}

// Nack rejects one or more deliveries. With requeue they go back to the head
// of their queue marked redelivered, in their original order.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	if err := ch.begin(); err != nil {
		return err
	}
	defer ch.end()

	tags, settled, err := ch.settle(tag, multiple)
	if err != nil {
		return err
	}
	if !requeue {
		for _, t := range tags {
			u := settled[t]
			ch.broker.forget(u.queue, u.msg)
		}
		return nil
	}
	ch.requeueAll(tags, settled)
	return nil
}

// Reject is Nack for a single delivery.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// requeueAll puts deliveries back highest tag first so that the lowest tag
// ends up at the head.
func (ch *Channel) requeueAll(tags []uint64, settled map[uint64]*unackedDelivery) {
	for i := len(tags) - 1; i >= 0; i-- {
		u := settled[tags[i]]
		u.msg.Redelivered = true
		if !u.queue.requeue(u.msg) {
			ch.broker.forget(u.queue, u.msg)
		}
	}
}

// Close stops every consumer, wakes blocked consumers with ChannelClosed,
// waits for in-flight operations and requeues all unacked deliveries.
// Any call after Close fails with ChannelClosed.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.state != channelOpen {
		ch.mu.Unlock()
		return ch.closedErr()
	}
	ch.state = channelClosing
	close(ch.done)
	consumers := make([]*Consumer, 0, len(ch.consumers))
	for _, c := range ch.consumers {
		consumers = append(consumers, c)
	}
	ch.mu.Unlock()

	reason := ch.closedErr()
	for _, c := range consumers {
		c.stopWith(reason)
	}

	ch.inflight.Wait()

	for _, c := range consumers {
		c.queue.removeConsumer(c.tag)
	}

	ch.mu.Lock()
	unacked := ch.unacked
	ch.unacked = make(map[uint64]*unackedDelivery)
	ch.consumers = make(map[string]*Consumer)
	ch.state = channelClosed
	ch.mu.Unlock()

	tags := make([]uint64, 0, len(unacked))
	for t := range unacked {
		tags = append(tags, t)
	}
	slices.Sort(tags)
	ch.requeueAll(tags, unacked)

	ch.conn.removeChannel(ch.id)
	ch.broker.Info("Channel %d closed (%d unacked messages requeued)", ch.id, len(tags))
	return nil
}

func validAckMode(mode AckMode) error {
	switch mode {
	case AckManual, AckAuto:
		return nil
	}
	return brokererror.New(brokererror.InvalidArgument, "unknown ack mode %d", int(mode))
}

// Registry passthroughs. They fail with ChannelClosed once the channel is closing.

func (ch *Channel) ExchangeDeclare(name, kind string, durable bool) error {
	if err := ch.begin(); err != nil {
		return err
	}
	defer ch.end()
	return ch.broker.DeclareExchange(name, kind, durable)
}

func (ch *Channel) ExchangeDelete(name string) error {
	if err := ch.begin(); err != nil {
		return err
	}
	defer ch.end()
	return ch.broker.DeleteExchange(name)
}

func (ch *Channel) QueueDeclare(name string, durable bool) (QueueInfo, error) {
	if err := ch.begin(); err != nil {
		return QueueInfo{}, err
	}
	defer ch.end()
	return ch.broker.DeclareQueue(name, durable)
}

func (ch *Channel) QueueDelete(name string) (int, error) {
	if err := ch.begin(); err != nil {
		return 0, err
	}
	defer ch.end()
	return ch.broker.DeleteQueue(name)
}

func (ch *Channel) QueueBind(queue, exchange, routingKey string) error {
	if err := ch.begin(); err != nil {
		return err
	}
	defer ch.end()
	return ch.broker.BindQueue(queue, exchange, routingKey)
}

func (ch *Channel) QueueUnbind(queue, exchange, routingKey string) error {
	if err := ch.begin(); err != nil {
		return err
	}
	defer ch.end()
	return ch.broker.UnbindQueue(queue, exchange, routingKey)
}

func (ch *Channel) QueuePurge(name string) (int, error) {
	if err := ch.begin(); err != nil {
		return 0, err
	}
	defer ch.end()
	return ch.broker.PurgeQueue(name)
}

func (ch *Channel) QueueInspect(name string) (QueueInfo, error) {
	if err := ch.begin(); err != nil {
		return QueueInfo{}, err
	}
	defer ch.end()
	return ch.broker.InspectQueue(name)
}
