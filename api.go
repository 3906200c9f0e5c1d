// Package carrotlite provides an embeddable, in-process message broker:
// durable queues, exchange routing, channels over connections, blocking and
// polling consumption, and at-least-once delivery with explicit acknowledgement.
//
// Example:
//
//	b, err := carrotlite.NewBroker(carrotlite.WithBuntDBStorage("carrot.db"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Shutdown(context.Background())
//
//	conn, _ := b.Connect()
//	ch, _ := conn.Channel()
//	ch.QueueDeclare("jobs", true)
//	ch.Publish("", "jobs", carrotlite.Publishing{Body: []byte("hello"), Persistent: true})
package carrotlite

import (
	"context"

	"github.com/aleybovich/carrot-lite/config"
	"github.com/aleybovich/carrot-lite/internal"
	"github.com/aleybovich/carrot-lite/logger"
	"github.com/aleybovich/carrot-lite/storage"
)

type (
	// Connection groups channels; closing it closes every channel it opened.
	Connection = internal.Connection
	// Channel publishes, consumes and acknowledges messages.
	Channel = internal.Channel
	// Consumer receives messages from one queue on one channel.
	Consumer = internal.Consumer
	// Delivery is a message handed to a consumer or returned by Get.
	Delivery = internal.Delivery
	// Publishing is the message a publisher hands to Channel.Publish.
	Publishing = internal.Publishing
	// AckMode selects manual or automatic acknowledgement.
	AckMode = internal.AckMode
	// QueueInfo is a point-in-time view of a queue.
	QueueInfo = internal.QueueInfo
	// ExchangeInfo is a point-in-time view of an exchange.
	ExchangeInfo = internal.ExchangeInfo
)

const (
	AckManual = internal.AckManual
	AckAuto   = internal.AckAuto

	ExchangeDirect = internal.ExchangeDirect
	ExchangeFanout = internal.ExchangeFanout
	ExchangeTopic  = internal.ExchangeTopic
)

// ParseAckMode parses "manual" or "auto". Empty means manual.
func ParseAckMode(s string) (AckMode, error) {
	return internal.ParseAckMode(s)
}

// Broker represents a carrot-lite broker instance.
// It wraps the internal broker to provide a clean public API.
type Broker struct {
	b *internal.Broker
}

// BrokerOption is a function that configures a Broker during initialization.
// Use the provided With* functions to create BrokerOptions.
type BrokerOption func(*brokerOptions)

// brokerOptions holds the configuration that will be passed to the internal broker
type brokerOptions struct {
	internalOpts []internal.BrokerOption
}

func withInternal(opt internal.BrokerOption) BrokerOption {
	return func(opts *brokerOptions) {
		opts.internalOpts = append(opts.internalOpts, opt)
	}
}

// NewBroker creates a broker with the provided options. Persisted state is
// recovered and the configured topology declared before it returns.
func NewBroker(opts ...BrokerOption) (*Broker, error) {
	options := &brokerOptions{}

	// Apply all public options to build internal options
	for _, opt := range opts {
		opt(options)
	}

	b, err := internal.NewBroker(options.internalOpts...)
	if err != nil {
		return nil, err
	}
	return &Broker{b: b}, nil
}

// Connect opens a new connection.
func (b *Broker) Connect() (*Connection, error) { return b.b.Connect() }

// Shutdown closes every connection, requeueing unacked messages, and closes
// the store. The context bounds how long it waits for channels to close.
func (b *Broker) Shutdown(ctx context.Context) error { return b.b.Shutdown(ctx) }

// Logger returns the broker's configured logger instance.
func (b *Broker) Logger() logger.Logger { return b.b.Logger() }

// Compact reclaims storage space left by acknowledged messages.
func (b *Broker) Compact() error { return b.b.Compact() }

// DeclareExchange creates an exchange or confirms an identical one exists.
func (b *Broker) DeclareExchange(name, kind string, durable bool) error {
	return b.b.DeclareExchange(name, kind, durable)
}

// DeleteExchange removes an exchange and its bindings.
func (b *Broker) DeleteExchange(name string) error { return b.b.DeleteExchange(name) }

// DeclareQueue creates a queue or confirms an identical one exists.
func (b *Broker) DeclareQueue(name string, durable bool) (QueueInfo, error) {
	return b.b.DeclareQueue(name, durable)
}

// DeleteQueue removes a queue and returns the number of ready messages dropped.
func (b *Broker) DeleteQueue(name string) (int, error) { return b.b.DeleteQueue(name) }

// PurgeQueue drops the ready messages of a queue.
func (b *Broker) PurgeQueue(name string) (int, error) { return b.b.PurgeQueue(name) }

// BindQueue binds queue to exchange with routingKey.
func (b *Broker) BindQueue(queue, exchange, routingKey string) error {
	return b.b.BindQueue(queue, exchange, routingKey)
}

// UnbindQueue removes a binding.
func (b *Broker) UnbindQueue(queue, exchange, routingKey string) error {
	return b.b.UnbindQueue(queue, exchange, routingKey)
}

// InspectQueue returns the current state of a queue.
func (b *Broker) InspectQueue(name string) (QueueInfo, error) { return b.b.InspectQueue(name) }

// InspectExchange returns the current state of an exchange.
func (b *Broker) InspectExchange(name string) (ExchangeInfo, error) {
	return b.b.InspectExchange(name)
}

// WithLogger sets a custom logger that implements the logger.Logger interface.
// If not used, a default logger that writes to stdout will be used.
func WithLogger(l logger.Logger) BrokerOption {
	return withInternal(internal.WithLoggingConfig(config.LoggingConfig{CustomLogger: l}))
}

// WithLoggingConfig applies a LoggingConfig, e.g. to disable logging entirely.
func WithLoggingConfig(cfg config.LoggingConfig) BrokerOption {
	return withInternal(internal.WithLoggingConfig(cfg))
}

// WithStorage configures the persistence storage provider for the broker
// based on the provided StorageConfig.
func WithStorage(cfg config.StorageConfig) BrokerOption {
	return withInternal(internal.WithStorage(cfg))
}

// WithInMemoryStorage is a convenience option that configures in-memory storage,
// which is volatile and will be lost on broker shutdown.
func WithInMemoryStorage() BrokerOption {
	return withInternal(internal.WithInMemoryStorage())
}

// WithBuntDBStorage is a convenience option that configures persistent storage
// using BuntDB at the specified file path.
func WithBuntDBStorage(path string) BrokerOption {
	return withInternal(internal.WithBuntDBStorage(path))
}

// WithPebbleStorage configures persistent storage using Pebble in dir.
func WithPebbleStorage(dir string, opts storage.PebbleOptions) BrokerOption {
	return withInternal(internal.WithPebbleStorage(dir, opts))
}

// WithNoStorage is a convenience option that explicitly disables persistence.
// This is the default behavior if no storage option is provided.
func WithNoStorage() BrokerOption {
	return withInternal(internal.WithNoStorage())
}

// WithStorageProvider allows for the injection of a custom storage implementation
// that conforms to the storage.StorageProvider interface.
func WithStorageProvider(provider storage.StorageProvider) BrokerOption {
	return withInternal(internal.WithStorageProvider(provider))
}

// WithTopology declares exchanges, queues and bindings at startup. This is
// intended for initial setup; runtime management goes through channels.
func WithTopology(topology config.TopologyConfig) BrokerOption {
	return withInternal(internal.WithTopology(topology))
}

// WithUnroutablePolicy chooses between dropping unroutable messages (default)
// and failing the publish with brokererror.ErrUnroutable.
func WithUnroutablePolicy(policy config.UnroutablePolicy) BrokerOption {
	return withInternal(internal.WithUnroutablePolicy(policy))
}

// WithChannelMax limits the number of open channels per connection.
func WithChannelMax(n int) BrokerOption {
	return withInternal(internal.WithChannelMax(n))
}

// WithCompactionSchedule runs storage compaction on a cron schedule such as
// "@every 10m". It has no effect without persistence.
func WithCompactionSchedule(spec string) BrokerOption {
	return withInternal(internal.WithCompactionSchedule(spec))
}
