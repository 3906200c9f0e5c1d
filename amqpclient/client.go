// Package amqpclient speaks to a real AMQP 0.9.1 broker with the same
// operations and error kinds as the in-process broker, so the probe can run
// against either.
package amqpclient

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/aleybovich/carrot-lite/brokererror"
	"github.com/aleybovich/carrot-lite/logger"
)

// Client holds one AMQP connection and one channel. The channel is reopened
// after the server closes it on a soft error.
type Client struct {
	url    string
	logger logger.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to url, retrying with policy. A nil policy uses the defaults.
func Dial(url string, policy *ReconnectionPolicy, log logger.Logger) (*Client, error) {
	if policy == nil {
		policy = NewDefaultReconnectionPolicy()
	}
	if log == nil {
		log = &logger.NilLogger{}
	}

	c := &Client{url: url, logger: log}
	err := policy.Execute(func() error {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Warn("Dial %s failed: %v", url, err)
			return err
		}
		c.conn = conn
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := c.channel(); err != nil {
		c.conn.Close()
		return nil, err
	}
	log.Info("Connected to %s", url)
	return c, nil
}

func (c *Client) channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil && !c.ch.IsClosed() {
		return c.ch, nil
	}
	if c.conn == nil || c.conn.IsClosed() {
		return nil, brokererror.New(brokererror.ConnectionClosed, "connection to %s is closed", c.url)
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, translateError(err)
	}
	c.ch = ch
	return ch, nil
}

func (c *Client) ExchangeDeclare(name, kind string, durable bool) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	return translateError(ch.ExchangeDeclare(name, kind, durable, false, false, false, nil))
}

func (c *Client) QueueDeclare(name string, durable bool) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	_, err = ch.QueueDeclare(name, durable, false, false, false, nil)
	return translateError(err)
}

func (c *Client) QueueBind(queue, exchange, routingKey string) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	return translateError(ch.QueueBind(queue, routingKey, exchange, false, nil))
}

func (c *Client) Publish(exchange, routingKey string, body []byte, persistent bool) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	mode := amqp.Transient
	if persistent {
		mode = amqp.Persistent
	}
	err = ch.PublishWithContext(context.Background(), exchange, routingKey, false, false, amqp.Publishing{
		DeliveryMode: mode,
		Body:         body,
	})
	return translateError(err)
}

// Get polls queue with auto-ack. ok is false when the queue is empty.
func (c *Client) Get(queue string) ([]byte, bool, error) {
	ch, err := c.channel()
	if err != nil {
		return nil, false, err
	}
	d, ok, err := ch.Get(queue, true)
	if err != nil {
		return nil, false, translateError(err)
	}
	if !ok {
		return nil, false, nil
	}
	return d.Body, true, nil
}

// ConsumeOne starts an auto-ack consumer, waits for one delivery and cancels
// the consumer. A ctx deadline is reported as brokererror.ErrTimeout.
func (c *Client) ConsumeOne(ctx context.Context, queue string) ([]byte, error) {
	ch, err := c.channel()
	if err != nil {
		return nil, err
	}

	const tag = "carrot-probe"
	deliveries, err := ch.Consume(queue, tag, true, false, false, false, nil)
	if err != nil {
		return nil, translateError(err)
	}
	defer ch.Cancel(tag, false)

	select {
	case d, ok := <-deliveries:
		if !ok {
			return nil, brokererror.New(brokererror.ChannelClosed, "delivery stream closed")
		}
		return d.Body, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, brokererror.ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// Close closes the channel and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil && !c.ch.IsClosed() {
		c.ch.Close()
	}
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return translateError(c.conn.Close())
}

// translateError maps AMQP reply codes onto brokererror kinds.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) {
		return err
	}

	var code brokererror.Code
	switch amqpErr.Code {
	case amqp.NotFound:
		code = brokererror.NotFound
	case amqp.PreconditionFailed:
		code = brokererror.ConfigurationConflict
	case amqp.AccessRefused:
		code = brokererror.AccessRefused
	case amqp.ChannelError:
		code = brokererror.ChannelClosed
	case amqp.ConnectionForced:
		code = brokererror.ConnectionClosed
	case amqp.NotAllowed:
		code = brokererror.NotAllowed
	case amqp.ResourceError:
		code = brokererror.ResourceError
	case amqp.NoRoute:
		code = brokererror.Unroutable
	case amqp.CommandInvalid, amqp.SyntaxError:
		code = brokererror.InvalidArgument
	default:
		code = brokererror.InternalError
	}
	return brokererror.New(code, "%s", amqpErr.Reason)
}
