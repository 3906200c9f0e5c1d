package internal

import (
	"sync"

	"github.com/aleybovich/carrot-lite/brokererror"
)

// Connection groups channels. Closing it closes every channel it opened.
type Connection struct {
	broker *Broker

	mu       sync.Mutex
	channels map[uint16]*Channel
	closed   bool
}

func newConnection(b *Broker) *Connection {
	return &Connection{
		broker:   b,
		channels: make(map[uint16]*Channel),
	}
}

// Channel opens a channel with the lowest free id.
func (c *Connection) Channel() (*Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, brokererror.New(brokererror.ConnectionClosed, "connection is closed")
	}

	for id := 1; id <= c.broker.channelMax; id++ {
		if _, used := c.channels[uint16(id)]; used {
			continue
		}
		ch := newChannel(uint16(id), c)
		c.channels[ch.id] = ch
		c.broker.Debug("Opened channel %d", id)
		return ch, nil
	}
	return nil, brokererror.New(brokererror.ResourceError, "channel limit %d reached", c.broker.channelMax)
}

func (c *Connection) removeChannel(id uint16) {
	c.mu.Lock()
	delete(c.channels, id)
	c.mu.Unlock()
}

// Close closes every open channel, requeueing their unacked messages.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return brokererror.New(brokererror.ConnectionClosed, "connection is closed")
	}
	c.closed = true
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}

	c.broker.removeConnection(c)
	c.broker.Debug("Connection closed (%d channels)", len(channels))
	return nil
}
