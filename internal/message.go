package internal

import (
	"fmt"
	"maps"
	"time"

	"github.com/aleybovich/carrot-lite/brokererror"
)

// AckMode is the acknowledgement policy of a Get or a consumer.
type AckMode int

const (
	// AckManual keeps every delivery in the channel's unacked set until it is
	// acknowledged, rejected, or the channel closes and requeues it.
	AckManual AckMode = iota
	// AckAuto treats a message as acknowledged the moment it is delivered.
	AckAuto
)

func (m AckMode) String() string {
	switch m {
	case AckManual:
		return "manual"
	case AckAuto:
		return "auto"
	default:
		return fmt.Sprintf("AckMode(%d)", int(m))
	}
}

// ParseAckMode parses "manual" or "auto". Empty means manual.
func ParseAckMode(s string) (AckMode, error) {
	switch s {
	case "", "manual":
		return AckManual, nil
	case "auto":
		return AckAuto, nil
	default:
		return 0, brokererror.New(brokererror.InvalidArgument, "unknown ack mode '%s'", s)
	}
}

// Publishing is what a publisher hands to Channel.Publish.
type Publishing struct {
	Body        []byte
	Persistent  bool // written to the queue log of durable queues before enqueue
	ContentType string
	Headers     map[string]any
	MessageID   string // generated when empty
}

type message struct {
	ID          string
	Exchange    string
	RoutingKey  string
	ContentType string
	Headers     map[string]any
	Body        []byte
	Persistent  bool
	Redelivered bool
	Timestamp   time.Time

	seq int64 // store sequence number, 0 when the message is not in the log
}

// clone returns a per-queue copy. Body and headers are shared; they are never mutated after publish.
func (m *message) clone() *message {
	c := *m
	c.seq = 0
	return &c
}

func newMessage(id, exchange, routingKey string, p Publishing) *message {
	var headers map[string]any
	if len(p.Headers) > 0 {
		headers = maps.Clone(p.Headers)
	}
	body := make([]byte, len(p.Body))
	copy(body, p.Body)
	return &message{
		ID:          id,
		Exchange:    exchange,
		RoutingKey:  routingKey,
		ContentType: p.ContentType,
		Headers:     headers,
		Body:        body,
		Persistent:  p.Persistent,
		Timestamp:   time.Now(),
	}
}

// Delivery is a message handed to a consumer or returned by Get.
type Delivery struct {
	DeliveryTag uint64
	ConsumerTag string // empty for Get
	Queue       string

	MessageID   string
	Exchange    string
	RoutingKey  string
	ContentType string
	Headers     map[string]any
	Body        []byte
	Persistent  bool
	Redelivered bool
	Timestamp   time.Time

	MessageCount int // ready messages left in the queue, Get only
}

func newDelivery(m *message, tag uint64, consumerTag, queue string) Delivery {
	return Delivery{
		DeliveryTag: tag,
		ConsumerTag: consumerTag,
		Queue:       queue,
		MessageID:   m.ID,
		Exchange:    m.Exchange,
		RoutingKey:  m.RoutingKey,
		ContentType: m.ContentType,
		Headers:     m.Headers,
		Body:        m.Body,
		Persistent:  m.Persistent,
		Redelivered: m.Redelivered,
		Timestamp:   m.Timestamp,
	}
}
