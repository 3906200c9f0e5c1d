package internal

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/aleybovich/carrot-lite/brokererror"
	"github.com/aleybovich/carrot-lite/config"
	"github.com/aleybovich/carrot-lite/logger"
	"github.com/aleybovich/carrot-lite/storage"
)

const defaultChannelMax = 2047

// Broker owns every exchange and queue. It is safe for concurrent use.
type Broker struct {
	mu        sync.RWMutex
	exchanges map[string]*exchange
	queues    map[string]*queue

	internalLogger *log.Logger
	customLogger   logger.Logger

	persistenceManager *PersistenceManager

	unroutable     config.UnroutablePolicy
	channelMax     int
	topology       *config.TopologyConfig
	compactionSpec string
	cron           *cron.Cron

	// track open connections
	connections   map[*Connection]struct{}
	connectionsMu sync.Mutex

	closed atomic.Bool
	optErr error // first invalid option
}

// BrokerOption defines functional options for configuring the broker
type BrokerOption func(*Broker)

// WithLogger sets a custom logger that implements the Logger interface
func WithLogger(l logger.Logger) BrokerOption {
	return func(b *Broker) {
		b.customLogger = l
	}
}

// WithLoggingConfig applies a LoggingConfig. DisableLogging wins over CustomLogger.
func WithLoggingConfig(cfg config.LoggingConfig) BrokerOption {
	return func(b *Broker) {
		switch {
		case cfg.DisableLogging:
			b.customLogger = &logger.NilLogger{}
		case cfg.CustomLogger != nil:
			b.customLogger = cfg.CustomLogger
		}
	}
}

// WithStorage configures the storage provider for the broker
func WithStorage(cfg config.StorageConfig) BrokerOption {
	return func(b *Broker) {
		if err := cfg.Validate(); err != nil {
			b.setOptErr(fmt.Errorf("invalid storage config: %w", err))
			return
		}

		var provider storage.StorageProvider

		switch cfg.Type {
		case config.StorageTypeNone:
			b.persistenceManager = nil
			return

		case config.StorageTypeMemory:
			provider = storage.NewBuntDBProvider(":memory:")

		case config.StorageTypeBuntDB:
			path := cfg.BuntDB.Path
			if path == "" {
				path = ":memory:"
			}
			provider = storage.NewBuntDBProvider(path)

		case config.StorageTypePebble:
			mode, err := storage.ParseFsyncMode(cfg.Pebble.Fsync)
			if err != nil {
				b.setOptErr(err)
				return
			}
			provider = storage.NewPebbleProvider(cfg.Pebble.Dir, storage.PebbleOptions{
				Fsync:         mode,
				FsyncInterval: cfg.Pebble.FsyncInterval,
			})
		}

		b.persistenceManager = NewPersistenceManager(provider, b)
	}
}

// Convenience functions for common configurations

// WithInMemoryStorage configures in-memory storage using BuntDB
func WithInMemoryStorage() BrokerOption {
	return WithStorage(config.StorageConfig{Type: config.StorageTypeMemory})
}

// WithBuntDBStorage configures persistent BuntDB storage
func WithBuntDBStorage(path string) BrokerOption {
	return WithStorage(config.StorageConfig{
		Type:   config.StorageTypeBuntDB,
		BuntDB: &config.BuntDBConfig{Path: path},
	})
}

// WithPebbleStorage configures persistent Pebble storage in dir
func WithPebbleStorage(dir string, opts storage.PebbleOptions) BrokerOption {
	return WithStorageProvider(storage.NewPebbleProvider(dir, opts))
}

// WithNoStorage explicitly disables persistence
func WithNoStorage() BrokerOption {
	return WithStorage(config.StorageConfig{Type: config.StorageTypeNone})
}

// WithStorageProvider uses a custom storage provider directly
func WithStorageProvider(provider storage.StorageProvider) BrokerOption {
	return func(b *Broker) {
		if provider != nil {
			b.persistenceManager = NewPersistenceManager(provider, b)
		}
	}
}

// WithTopology declares exchanges, queues and bindings once recovery is done
func WithTopology(topology config.TopologyConfig) BrokerOption {
	return func(b *Broker) {
		b.topology = &topology
	}
}

// WithUnroutablePolicy sets what Publish does with a message that matches no binding
func WithUnroutablePolicy(policy config.UnroutablePolicy) BrokerOption {
	return func(b *Broker) {
		switch policy {
		case config.UnroutableDrop, config.UnroutableReject:
			b.unroutable = policy
		default:
			b.setOptErr(fmt.Errorf("unknown unroutable policy %q", policy))
		}
	}
}

// WithChannelMax limits the number of open channels per connection (1..65535)
func WithChannelMax(n int) BrokerOption {
	return func(b *Broker) {
		if n < 1 || n > 65535 {
			b.setOptErr(fmt.Errorf("channel max %d out of range 1..65535", n))
			return
		}
		b.channelMax = n
	}
}

// WithCompactionSchedule runs storage compaction on a cron schedule,
// e.g. "@every 10m" or "0 3 * * *". Ignored without persistence.
func WithCompactionSchedule(spec string) BrokerOption {
	return func(b *Broker) {
		b.compactionSpec = spec
	}
}

func (b *Broker) setOptErr(err error) {
	if b.optErr == nil {
		b.optErr = err
	}
}

// NewBroker creates a broker with the default exchange, recovers persisted
// state and applies the configured topology.
func NewBroker(opts ...BrokerOption) (*Broker, error) {
	var logPrefix string
	if IsTerminal {
		logPrefix = fmt.Sprintf("%s[CARROT]%s ", colorBlue, colorReset)
	} else {
		logPrefix = "[CARROT] "
	}

	b := &Broker{
		exchanges:      make(map[string]*exchange),
		queues:         make(map[string]*queue),
		internalLogger: log.New(os.Stdout, logPrefix, log.LstdFlags|log.Lmicroseconds),
		unroutable:     config.UnroutableDrop,
		channelMax:     defaultChannelMax,
		connections:    make(map[*Connection]struct{}),
	}

	// The default exchange routes by queue name and always exists
	b.exchanges[""] = newExchange("", ExchangeDirect, true)

	// Apply all provided options
	for _, opt := range opts {
		opt(b)
	}
	if b.optErr != nil {
		return nil, b.optErr
	}

	// If no custom logger is provided, use the broker itself as the logger
	if b.customLogger == nil {
		b.customLogger = b
	}

	if b.persistenceManager != nil {
		if err := b.persistenceManager.Initialize(); err != nil {
			return nil, fmt.Errorf("initializing persistence: %w", err)
		}
		if err := b.recoverPersistedState(); err != nil {
			b.persistenceManager.Close()
			return nil, fmt.Errorf("recovering persisted state: %w", err)
		}
		b.Info("Persistence enabled")
	} else {
		b.Info("Running without persistence")
	}

	if b.topology != nil {
		if err := b.applyTopology(*b.topology); err != nil {
			b.closePersistence()
			return nil, fmt.Errorf("applying topology: %w", err)
		}
	}

	if b.compactionSpec != "" && b.persistenceManager != nil {
		b.cron = cron.New()
		_, err := b.cron.AddFunc(b.compactionSpec, func() {
			if err := b.Compact(); err != nil {
				b.Warn("Scheduled compaction failed: %v", err)
				return
			}
			b.Debug("Scheduled compaction finished")
		})
		if err != nil {
			b.closePersistence()
			return nil, fmt.Errorf("invalid compaction schedule %q: %w", b.compactionSpec, err)
		}
		b.cron.Start()
		b.Info("Storage compaction scheduled: %s", b.compactionSpec)
	}

	b.Info("Broker created with default direct exchange")
	return b, nil
}

func (b *Broker) closePersistence() {
	if b.persistenceManager == nil {
		return
	}
	if err := b.persistenceManager.Close(); err != nil {
		b.Err("Error closing persistence manager: %v", err)
	}
}

func (b *Broker) applyTopology(t config.TopologyConfig) error {
	for _, e := range t.Exchanges {
		kind := e.Type
		if kind == "" {
			kind = ExchangeDirect
		}
		if err := b.DeclareExchange(e.Name, kind, e.Durable); err != nil {
			return fmt.Errorf("exchange '%s': %w", e.Name, err)
		}
	}
	for _, q := range t.Queues {
		if _, err := b.DeclareQueue(q.Name, q.Durable); err != nil {
			return fmt.Errorf("queue '%s': %w", q.Name, err)
		}
	}
	for _, bd := range t.Bindings {
		if err := b.BindQueue(bd.Queue, bd.Exchange, bd.RoutingKey); err != nil {
			return fmt.Errorf("binding %s:%s -> %s: %w", bd.Exchange, bd.RoutingKey, bd.Queue, err)
		}
	}
	return nil
}

func (b *Broker) recoverPersistedState() error {
	b.Info("Starting state recovery from persistence")
	pm := b.persistenceManager

	exchangeRecords, err := pm.LoadAllExchanges()
	if err != nil {
		return err
	}
	for _, rec := range exchangeRecords {
		// Skip default exchange
		if rec.Name == "" {
			continue
		}
		b.exchanges[rec.Name] = RecordToExchange(rec)
		b.Info("Recovered exchange '%s' of type '%s'", rec.Name, rec.Type)
	}

	queueRecords, err := pm.LoadAllQueues()
	if err != nil {
		return err
	}
	for _, rec := range queueRecords {
		b.queues[rec.Name] = RecordToQueue(rec)
		b.Info("Recovered queue '%s'", rec.Name)
	}

	bindingRecords, err := pm.LoadAllBindings()
	if err != nil {
		return err
	}
	for _, rec := range bindingRecords {
		ex, exExists := b.exchanges[rec.Exchange]
		q, qExists := b.queues[rec.Queue]
		if !exExists || !qExists {
			b.Warn("Skipping orphaned binding %s:%s -> %s", rec.Exchange, rec.RoutingKey, rec.Queue)
			continue
		}
		ex.bind(rec.RoutingKey, rec.Queue)
		q.Bindings[bindingRef{Exchange: rec.Exchange, RoutingKey: rec.RoutingKey}] = struct{}{}
	}

	for name, q := range b.queues {
		records, err := pm.LoadQueueMessages(name)
		if err != nil {
			return err
		}
		for _, rec := range records {
			q.messages = append(q.messages, RecordToMessage(rec))
		}
		if len(records) > 0 {
			b.Info("Recovered %d messages for queue '%s'", len(records), name)
		}
	}

	b.Info("State recovery completed")
	return nil
}

// validateName rejects names that would break storage key scans.
func validateName(kind, name string) error {
	if strings.ContainsAny(name, "*?") {
		return brokererror.New(brokererror.InvalidArgument, "%s name '%s' must not contain '*' or '?'", kind, name)
	}
	return nil
}

// DeclareExchange creates the exchange, or succeeds without change when an
// identical exchange exists.
func (b *Broker) DeclareExchange(name, kind string, durable bool) error {
	if name == "" {
		return brokererror.New(brokererror.AccessRefused, "the default exchange cannot be declared")
	}
	if strings.HasPrefix(name, "amq.") {
		return brokererror.New(brokererror.AccessRefused, "exchange name '%s' uses the reserved prefix 'amq.'", name)
	}
	if err := validateName("exchange", name); err != nil {
		return err
	}
	if !validExchangeKind(kind) {
		return brokererror.New(brokererror.InvalidArgument, "unsupported exchange type '%s'", kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.exchanges[name]; ok {
		if existing.Type != kind || existing.Durable != durable {
			return brokererror.New(brokererror.ConfigurationConflict,
				"exchange '%s' already declared as type '%s' (durable: %v)", name, existing.Type, existing.Durable)
		}
		return nil
	}

	ex := newExchange(name, kind, durable)
	if durable && b.persistenceManager != nil {
		if err := b.persistenceManager.SaveExchange(ExchangeToRecord(ex)); err != nil {
			b.Err("Failed to persist exchange '%s': %v", name, err)
			return brokererror.New(brokererror.InternalError, "persisting exchange '%s': %v", name, err)
		}
	}
	b.exchanges[name] = ex

	b.Info("Created exchange '%s' of type '%s' (durable: %v)", name, kind, durable)
	return nil
}

// DeleteExchange removes the exchange and all of its bindings.
func (b *Broker) DeleteExchange(name string) error {
	if name == "" {
		return brokererror.New(brokererror.AccessRefused, "the default exchange cannot be deleted")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[name]
	if !ok {
		return brokererror.New(brokererror.NotFound, "no exchange '%s'", name)
	}

	if ex.Durable && b.persistenceManager != nil {
		if err := b.persistenceManager.DeleteExchange(name); err != nil {
			return brokererror.New(brokererror.InternalError, "deleting exchange '%s': %v", name, err)
		}
	}
	delete(b.exchanges, name)

	ex.mu.RLock()
	refs := make(map[string][]string, len(ex.Bindings))
	for key, queues := range ex.Bindings {
		refs[key] = append([]string(nil), queues...)
	}
	ex.mu.RUnlock()

	for key, queues := range refs {
		for _, qName := range queues {
			if q, ok := b.queues[qName]; ok {
				q.mu.Lock()
				delete(q.Bindings, bindingRef{Exchange: name, RoutingKey: key})
				q.mu.Unlock()
			}
		}
	}

	b.Info("Deleted exchange '%s'", name)
	return nil
}

// DeclareQueue creates the queue, or returns the current state of an
// identical queue.
func (b *Broker) DeclareQueue(name string, durable bool) (QueueInfo, error) {
	if name == "" {
		return QueueInfo{}, brokererror.New(brokererror.InvalidArgument, "queue name is required")
	}
	if err := validateName("queue", name); err != nil {
		return QueueInfo{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.queues[name]; ok {
		if existing.Durable != durable {
			return QueueInfo{}, brokererror.New(brokererror.ConfigurationConflict,
				"queue '%s' already declared with durable: %v", name, existing.Durable)
		}
		return existing.info(), nil
	}

	q := newQueue(name, durable)
	if durable && b.persistenceManager != nil {
		if err := b.persistenceManager.SaveQueue(QueueToRecord(q)); err != nil {
			b.Err("Failed to persist queue '%s': %v", name, err)
			return QueueInfo{}, brokererror.New(brokererror.InternalError, "persisting queue '%s': %v", name, err)
		}
	}
	b.queues[name] = q

	b.Info("Created queue '%s' (durable: %v)", name, durable)
	return q.info(), nil
}

// DeleteQueue removes the queue with its bindings and ready messages,
// cancels its consumers and wakes blocked consumers with NotFound.
// It returns the number of ready messages dropped.
func (b *Broker) DeleteQueue(name string) (int, error) {
	b.mu.Lock()
	q, ok := b.queues[name]
	if !ok {
		b.mu.Unlock()
		return 0, brokererror.New(brokererror.NotFound, "no queue '%s'", name)
	}
	if q.Durable && b.persistenceManager != nil {
		if err := b.persistenceManager.DeleteQueue(name); err != nil {
			b.mu.Unlock()
			return 0, brokererror.New(brokererror.InternalError, "deleting queue '%s': %v", name, err)
		}
	}
	delete(b.queues, name)
	for _, ex := range b.exchanges {
		ex.removeQueue(name)
	}
	b.mu.Unlock()

	dropped, consumers := q.markDeleted()
	if q.Durable && b.persistenceManager != nil {
		// A publish racing with the delete may have logged a message after the
		// queue's records were removed.
		if err := b.persistenceManager.DeleteMessages(name, dropped); err != nil {
			b.Warn("Failed to delete dropped messages of queue '%s': %v", name, err)
		}
	}
	reason := brokererror.New(brokererror.NotFound, "queue '%s' was deleted", name)
	for _, c := range consumers {
		c.stopWith(reason)
		c.ch.removeConsumer(c.tag)
	}

	b.Info("Deleted queue '%s' (%d messages dropped, %d consumers cancelled)", name, len(dropped), len(consumers))
	return len(dropped), nil
}

// PurgeQueue drops every ready message and returns how many were dropped.
// Unacked deliveries are not touched.
func (b *Broker) PurgeQueue(name string) (int, error) {
	q, err := b.lookupQueue(name)
	if err != nil {
		return 0, err
	}

	dropped := q.purge()
	if b.persistenceManager != nil {
		if err := b.persistenceManager.DeleteMessages(name, dropped); err != nil {
			b.Warn("Failed to delete purged messages of queue '%s': %v", name, err)
		}
	}

	b.Info("Purged %d messages from queue '%s'", len(dropped), name)
	return len(dropped), nil
}

// BindQueue routes messages published to exchange with routingKey into queue.
// Binding an existing triple again is a no-op.
func (b *Broker) BindQueue(queueName, exchangeName, routingKey string) error {
	if exchangeName == "" {
		return brokererror.New(brokererror.AccessRefused, "queues cannot be bound to the default exchange")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return brokererror.New(brokererror.NotFound, "no exchange '%s'", exchangeName)
	}
	q, ok := b.queues[queueName]
	if !ok {
		return brokererror.New(brokererror.NotFound, "no queue '%s'", queueName)
	}

	if !ex.bind(routingKey, queueName) {
		return nil
	}

	if ex.Durable && q.Durable && b.persistenceManager != nil {
		err := b.persistenceManager.SaveBinding(&BindingRecord{
			Exchange:   exchangeName,
			Queue:      queueName,
			RoutingKey: routingKey,
		})
		if err != nil {
			ex.unbind(routingKey, queueName)
			return brokererror.New(brokererror.InternalError, "persisting binding: %v", err)
		}
	}

	q.mu.Lock()
	q.Bindings[bindingRef{Exchange: exchangeName, RoutingKey: routingKey}] = struct{}{}
	q.mu.Unlock()

	b.Info("Bound queue '%s' to exchange '%s' with routing key '%s'", queueName, exchangeName, routingKey)
	return nil
}

// UnbindQueue removes a binding. Removing a binding that does not exist is a no-op.
func (b *Broker) UnbindQueue(queueName, exchangeName, routingKey string) error {
	if exchangeName == "" {
		return brokererror.New(brokererror.AccessRefused, "queues cannot be unbound from the default exchange")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return brokererror.New(brokererror.NotFound, "no exchange '%s'", exchangeName)
	}
	q, ok := b.queues[queueName]
	if !ok {
		return brokererror.New(brokererror.NotFound, "no queue '%s'", queueName)
	}

	if !ex.unbind(routingKey, queueName) {
		return nil
	}

	if b.persistenceManager != nil {
		if err := b.persistenceManager.DeleteBinding(exchangeName, queueName, routingKey); err != nil {
			b.Warn("Failed to delete binding record: %v", err)
		}
	}

	q.mu.Lock()
	delete(q.Bindings, bindingRef{Exchange: exchangeName, RoutingKey: routingKey})
	q.mu.Unlock()

	b.Info("Unbound queue '%s' from exchange '%s' with routing key '%s'", queueName, exchangeName, routingKey)
	return nil
}

// InspectQueue returns the current state of a queue.
func (b *Broker) InspectQueue(name string) (QueueInfo, error) {
	q, err := b.lookupQueue(name)
	if err != nil {
		return QueueInfo{}, err
	}
	return q.info(), nil
}

// InspectExchange returns the current state of an exchange.
func (b *Broker) InspectExchange(name string) (ExchangeInfo, error) {
	b.mu.RLock()
	ex, ok := b.exchanges[name]
	b.mu.RUnlock()
	if !ok {
		return ExchangeInfo{}, brokererror.New(brokererror.NotFound, "no exchange '%s'", name)
	}
	return ex.info(), nil
}

func (b *Broker) lookupQueue(name string) (*queue, error) {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if !ok {
		return nil, brokererror.New(brokererror.NotFound, "no queue '%s'", name)
	}
	return q, nil
}

// publish routes p through exchangeName into every matching queue. Persistent
// messages bound for durable queues reach the store before they are enqueued.
func (b *Broker) publish(exchangeName, routingKey string, p Publishing) error {
	b.mu.RLock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		b.mu.RUnlock()
		return brokererror.New(brokererror.NotFound, "no exchange '%s'", exchangeName)
	}

	var targets []*queue
	if exchangeName == "" {
		if q, ok := b.queues[routingKey]; ok {
			targets = append(targets, q)
		}
	} else {
		for _, name := range ex.route(routingKey) {
			if q, ok := b.queues[name]; ok {
				targets = append(targets, q)
			}
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		if b.unroutable == config.UnroutableReject {
			return brokererror.New(brokererror.Unroutable,
				"no route from exchange '%s' with routing key '%s'", exchangeName, routingKey)
		}
		b.Debug("Dropped unroutable message on exchange '%s' with routing key '%s'", exchangeName, routingKey)
		return nil
	}

	id := p.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	base := newMessage(id, exchangeName, routingKey, p)

	// Every copy is logged before any is enqueued, so a store failure
	// delivers nothing.
	msgs := make([]*message, len(targets))
	for i, q := range targets {
		m := base.clone()
		if m.Persistent && q.Durable && b.persistenceManager != nil {
			if err := b.persistenceManager.SaveMessage(q.Name, m); err != nil {
				b.Err("Failed to persist message %s for queue '%s': %v", id, q.Name, err)
				for j := 0; j < i; j++ {
					b.forget(targets[j], msgs[j])
				}
				return brokererror.New(brokererror.InternalError, "persisting message: %v", err)
			}
		}
		msgs[i] = m
	}

	for i, q := range targets {
		if !q.enqueue(msgs[i]) {
			// Queue was deleted after routing
			b.forget(q, msgs[i])
			continue
		}
		b.Debug("Enqueued message %s on queue '%s'", id, q.Name)
	}
	return nil
}

// forget deletes the store record of a message that has left the broker.
func (b *Broker) forget(q *queue, m *message) {
	if m.seq == 0 || b.persistenceManager == nil {
		return
	}
	if err := b.persistenceManager.DeleteMessage(q.Name, m.seq); err != nil {
		b.Warn("Failed to delete message %s from queue '%s' log: %v", m.ID, q.Name, err)
	}
}

// Compact reclaims storage space. No-op without persistence.
func (b *Broker) Compact() error {
	if b.persistenceManager == nil {
		return nil
	}
	return b.persistenceManager.Compact()
}

// Connect opens a new connection to the broker.
func (b *Broker) Connect() (*Connection, error) {
	if b.closed.Load() {
		return nil, brokererror.New(brokererror.ConnectionClosed, "broker is shut down")
	}

	c := newConnection(b)

	b.connectionsMu.Lock()
	b.connections[c] = struct{}{}
	total := len(b.connections)
	b.connectionsMu.Unlock()

	b.Debug("Connection opened. Total: %d", total)
	return c, nil
}

func (b *Broker) removeConnection(c *Connection) {
	b.connectionsMu.Lock()
	delete(b.connections, c)
	b.connectionsMu.Unlock()
}

// Shutdown closes every connection, stops scheduled compaction and closes the
// store. Open channels requeue their unacked messages first.
func (b *Broker) Shutdown(ctx context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	b.Info("Shutting down broker...")

	if b.cron != nil {
		cronCtx := b.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}

	b.connectionsMu.Lock()
	conns := make([]*Connection, 0, len(b.connections))
	for c := range b.connections {
		conns = append(conns, c)
	}
	b.connectionsMu.Unlock()

	b.Info("Closing %d open connections...", len(conns))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, c := range conns {
			c.Close()
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.Warn("Shutdown context canceled before all connections closed: %v", ctx.Err())
		return ctx.Err()
	}

	if b.persistenceManager != nil {
		if err := b.persistenceManager.Close(); err != nil {
			b.Err("Error closing persistence manager: %v", err)
			return err
		}
	}

	b.Info("Broker shutdown complete.")
	return nil
}
