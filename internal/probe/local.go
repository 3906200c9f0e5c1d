package probe

import (
	"context"

	"github.com/aleybovich/carrot-lite/internal"
)

// LocalSession runs the probe against an in-process channel.
type LocalSession struct {
	ch *internal.Channel
}

// NewLocalSession wraps ch. Closing the session closes ch.
func NewLocalSession(ch *internal.Channel) *LocalSession {
	return &LocalSession{ch: ch}
}

func (s *LocalSession) ExchangeDeclare(name, kind string, durable bool) error {
	return s.ch.ExchangeDeclare(name, kind, durable)
}

func (s *LocalSession) QueueDeclare(name string, durable bool) error {
	_, err := s.ch.QueueDeclare(name, durable)
	return err
}

func (s *LocalSession) QueueBind(queue, exchange, routingKey string) error {
	return s.ch.QueueBind(queue, exchange, routingKey)
}

func (s *LocalSession) Publish(exchange, routingKey string, body []byte, persistent bool) error {
	return s.ch.Publish(exchange, routingKey, internal.Publishing{Body: body, Persistent: persistent})
}

func (s *LocalSession) Get(queue string) ([]byte, bool, error) {
	d, ok, err := s.ch.Get(queue, internal.AckAuto)
	if err != nil || !ok {
		return nil, ok, err
	}
	return d.Body, true, nil
}

func (s *LocalSession) ConsumeOne(ctx context.Context, queue string) ([]byte, error) {
	c, err := s.ch.Consume(queue, "", internal.AckAuto)
	if err != nil {
		return nil, err
	}
	defer c.Cancel()

	d, err := c.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	return d.Body, nil
}

func (s *LocalSession) Close() error {
	return s.ch.Close()
}
