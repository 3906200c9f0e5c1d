package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aleybovich/carrot-lite/brokererror"
	"github.com/aleybovich/carrot-lite/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper to create a test broker with the given storage
func createBrokerWithStorage(t *testing.T, provider storage.StorageProvider) *Broker {
	t.Helper()
	b, err := NewBroker(WithLogger(NewMockLogger(t)), WithStorageProvider(provider))
	require.NoError(t, err)
	return b
}

func restart(t *testing.T, b *Broker, provider storage.StorageProvider) *Broker {
	t.Helper()
	require.NoError(t, b.Shutdown(context.Background()))
	return createBrokerWithStorage(t, provider)
}

// =============================================================================
// TOPOLOGY PERSISTENCE TESTS
// =============================================================================

func TestTopologyPersistence(t *testing.T) {
	store := createTestStorage()
	defer store.StorageProvider.Close()

	b := createBrokerWithStorage(t, store)
	require.NoError(t, b.DeclareExchange("durable-ex", ExchangeTopic, true))
	require.NoError(t, b.DeclareExchange("transient-ex", ExchangeDirect, false))
	_, err := b.DeclareQueue("durable-q", true)
	require.NoError(t, err)
	_, err = b.DeclareQueue("transient-q", false)
	require.NoError(t, err)
	require.NoError(t, b.BindQueue("durable-q", "durable-ex", "a.#"))
	require.NoError(t, b.BindQueue("transient-q", "durable-ex", "b"))

	b = restart(t, b, store)
	defer b.Shutdown(context.Background())

	ex, err := b.InspectExchange("durable-ex")
	require.NoError(t, err)
	assert.Equal(t, ExchangeTopic, ex.Type)
	assert.Equal(t, 1, ex.Bindings, "Only bindings between durable entities survive")

	_, err = b.InspectExchange("transient-ex")
	assert.Error(t, err)
	_, err = b.InspectQueue("transient-q")
	assert.Error(t, err)

	q, err := b.lookupQueue("durable-q")
	require.NoError(t, err)
	assert.Contains(t, q.Bindings, bindingRef{Exchange: "durable-ex", RoutingKey: "a.#"})

	_, err = b.InspectExchange("")
	assert.NoError(t, err, "Default exchange always exists")
}

func TestDeletePersistence(t *testing.T) {
	store := createTestStorage()
	defer store.StorageProvider.Close()

	b := createBrokerWithStorage(t, store)
	require.NoError(t, b.DeclareExchange("ex", ExchangeDirect, true))
	_, err := b.DeclareQueue("q", true)
	require.NoError(t, err)
	require.NoError(t, b.BindQueue("q", "ex", "k"))

	_, ch := openChannel(t, b)
	publishN(t, ch, "ex", "k", 2)

	_, err = b.DeleteQueue("q")
	require.NoError(t, err)
	require.NoError(t, b.DeleteExchange("ex"))

	keys, err := store.Keys("")
	require.NoError(t, err)
	assert.Equal(t, []string{storage.KeySeqCounter}, keys, "Only the sequence counter should be left")

	b = restart(t, b, store)
	defer b.Shutdown(context.Background())
	_, err = b.InspectQueue("q")
	assert.Error(t, err)
}

// =============================================================================
// MESSAGE PERSISTENCE TESTS
// =============================================================================

func TestMessagePersistence(t *testing.T) {
	store := createTestStorage()
	defer store.StorageProvider.Close()

	b := createBrokerWithStorage(t, store)
	_, ch := openChannel(t, b)
	declareBound(t, ch, "ex", "orders")

	publishN(t, ch, "ex", "orders", 3)
	require.NoError(t, ch.Publish("ex", "orders", Publishing{Body: []byte("transient"), Persistent: false}))

	// Ack the first, leave the second unacked
	d, _, err := ch.Get("orders", AckManual)
	require.NoError(t, err)
	require.NoError(t, ch.Ack(d.DeliveryTag, false))
	_, _, err = ch.Get("orders", AckManual)
	require.NoError(t, err)

	msgs, err := b.persistenceManager.LoadQueueMessages("orders")
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "Acked message is deleted, non-persistent message never stored")

	b = restart(t, b, store)
	defer b.Shutdown(context.Background())

	_, ch = openChannel(t, b)
	for _, want := range []string{"msg-1", "msg-2"} {
		d, ok, err := ch.Get("orders", AckAuto)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, string(d.Body), "Recovered log must replay in publish order")
		assert.True(t, d.Redelivered, "Recovered messages are marked redelivered")
		assert.True(t, d.Persistent)
	}
	_, ok, _ := ch.Get("orders", AckAuto)
	assert.False(t, ok)

	msgs, err = b.persistenceManager.LoadQueueMessages("orders")
	require.NoError(t, err)
	assert.Empty(t, msgs, "Auto-ack removes records on delivery")
}

func TestMessagePersistence_RequeueKeepsRecord(t *testing.T) {
	store := createTestStorage()
	defer store.StorageProvider.Close()

	b := createBrokerWithStorage(t, store)
	_, ch := openChannel(t, b)
	declareBound(t, ch, "ex", "requeued")
	publishN(t, ch, "ex", "requeued", 1)

	d, _, err := ch.Get("requeued", AckManual)
	require.NoError(t, err)
	require.NoError(t, ch.Reject(d.DeliveryTag, true))

	msgs, err := b.persistenceManager.LoadQueueMessages("requeued")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	d, _, err = ch.Get("requeued", AckManual)
	require.NoError(t, err)
	require.NoError(t, ch.Reject(d.DeliveryTag, false))

	msgs, err = b.persistenceManager.LoadQueueMessages("requeued")
	require.NoError(t, err)
	assert.Empty(t, msgs, "Discard deletes the record")
	require.NoError(t, b.Shutdown(context.Background()))
}

func TestMessagePersistence_PurgeDeletesRecords(t *testing.T) {
	store := createTestStorage()
	defer store.StorageProvider.Close()

	b := createBrokerWithStorage(t, store)
	defer b.Shutdown(context.Background())
	_, ch := openChannel(t, b)
	declareBound(t, ch, "ex", "purged")
	publishN(t, ch, "ex", "purged", 3)

	n, err := b.PurgeQueue("purged")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	msgs, err := b.persistenceManager.LoadQueueMessages("purged")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// deleteHookStorage runs onDelete once, right after the first DeleteBatch.
type deleteHookStorage struct {
	storage.StorageProvider
	onDelete func()
}

func (d *deleteHookStorage) DeleteBatch(keys []string) error {
	err := d.StorageProvider.DeleteBatch(keys)
	if hook := d.onDelete; hook != nil {
		d.onDelete = nil
		hook()
	}
	return err
}

func TestDeleteQueue_RemovesRecordsLoggedDuringDelete(t *testing.T) {
	store := &deleteHookStorage{StorageProvider: storage.NewBuntDBProvider(":memory:")}
	b := createBrokerWithStorage(t, store)
	defer b.Shutdown(context.Background())

	_, err := b.DeclareQueue("orders", true)
	require.NoError(t, err)
	q, err := b.lookupQueue("orders")
	require.NoError(t, err)

	// A publish that routed to the queue before the delete lands its record
	// after the queue's records are gone but before the queue is marked deleted.
	store.onDelete = func() {
		m := newMessage("late", "", "orders", Publishing{Body: []byte("late"), Persistent: true})
		require.NoError(t, b.persistenceManager.SaveMessage("orders", m))
		require.True(t, q.enqueue(m))
	}

	dropped, err := b.DeleteQueue("orders")
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	msgs, err := b.persistenceManager.LoadQueueMessages("orders")
	require.NoError(t, err)
	assert.Empty(t, msgs, "no record should outlive the deleted queue")
}

// failingBatchStorage fails SetBatch once its budget of successful calls is spent.
type failingBatchStorage struct {
	storage.StorageProvider
	armed  atomic.Bool
	budget atomic.Int32
}

func (f *failingBatchStorage) SetBatch(items map[string][]byte) error {
	if f.armed.Load() && f.budget.Add(-1) < 0 {
		return fmt.Errorf("disk full")
	}
	return f.StorageProvider.SetBatch(items)
}

func TestPublish_StoreFailureDeliversNothing(t *testing.T) {
	store := &failingBatchStorage{StorageProvider: storage.NewBuntDBProvider(":memory:")}
	b := createBrokerWithStorage(t, store)
	defer b.Shutdown(context.Background())

	_, ch := openChannel(t, b)
	require.NoError(t, ch.ExchangeDeclare("broadcast", ExchangeFanout, true))
	for _, name := range []string{"first", "second"} {
		_, err := ch.QueueDeclare(name, true)
		require.NoError(t, err)
		require.NoError(t, ch.QueueBind(name, "broadcast", ""))
	}

	store.budget.Store(1)
	store.armed.Store(true)

	err := ch.Publish("broadcast", "", Publishing{Body: []byte("once"), Persistent: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, brokererror.ErrInternal)

	store.armed.Store(false)
	for _, name := range []string{"first", "second"} {
		info, err := b.InspectQueue(name)
		require.NoError(t, err)
		assert.Equal(t, 0, info.Messages, "queue %s", name)

		msgs, err := b.persistenceManager.LoadQueueMessages(name)
		require.NoError(t, err)
		assert.Empty(t, msgs, "queue %s", name)
	}

	require.NoError(t, ch.Publish("broadcast", "", Publishing{Body: []byte("retry"), Persistent: true}))
	for _, name := range []string{"first", "second"} {
		info, err := b.InspectQueue(name)
		require.NoError(t, err)
		assert.Equal(t, 1, info.Messages, "retry should deliver exactly once to %s", name)
	}
}

func TestMessagePersistence_QueueNamePrefixes(t *testing.T) {
	store := createTestStorage()
	defer store.StorageProvider.Close()

	b := createBrokerWithStorage(t, store)
	defer b.Shutdown(context.Background())
	_, ch := openChannel(t, b)
	for _, name := range []string{"a", "a:b"} {
		_, err := ch.QueueDeclare(name, true)
		require.NoError(t, err)
		require.NoError(t, ch.Publish("", name, Publishing{Body: []byte(name), Persistent: true}))
	}

	msgs, err := b.persistenceManager.LoadQueueMessages("a")
	require.NoError(t, err)
	require.Len(t, msgs, 1, "Log of 'a' must not include the log of 'a:b'")
	assert.Equal(t, "a", string(msgs[0].Body))
}

func TestSequenceCounterRecovery(t *testing.T) {
	store := createTestStorage()
	defer store.StorageProvider.Close()

	b := createBrokerWithStorage(t, store)
	_, ch := openChannel(t, b)
	declareBound(t, ch, "ex", "seq")
	publishN(t, ch, "ex", "seq", 3)

	b = restart(t, b, store)
	defer b.Shutdown(context.Background())
	assert.Equal(t, int64(3), b.persistenceManager.messageSeq)

	_, ch = openChannel(t, b)
	publishN(t, ch, "ex", "seq", 1)

	msgs, err := b.persistenceManager.LoadQueueMessages("seq")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, int64(4), msgs[3].Sequence)
}

func TestMessageRecordFormat(t *testing.T) {
	store := createTestStorage()
	defer store.StorageProvider.Close()

	b := createBrokerWithStorage(t, store)
	defer b.Shutdown(context.Background())
	_, ch := openChannel(t, b)
	declareBound(t, ch, "ex", "fmt")
	require.NoError(t, ch.Publish("ex", "fmt", Publishing{
		Body:        []byte("payload"),
		Persistent:  true,
		ContentType: "text/plain",
		MessageID:   "fixed-id",
	}))

	raw, err := store.Get(MessageKey("fmt", 1))
	require.NoError(t, err)

	var rec MessageRecord
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "fixed-id", rec.ID)
	assert.Equal(t, "ex", rec.Exchange)
	assert.Equal(t, "text/plain", rec.ContentType)
	assert.Equal(t, "message:fmt:00000000000000000001", MessageKey("fmt", 1))
}

func TestPebblePersistence(t *testing.T) {
	dir := t.TempDir()
	open := func() *Broker {
		b, err := NewBroker(
			WithLogger(NewMockLogger(t)),
			WithPebbleStorage(dir, storage.PebbleOptions{Fsync: storage.FsyncModeAlways}),
		)
		require.NoError(t, err)
		return b
	}

	b := open()
	_, ch := openChannel(t, b)
	declareBound(t, ch, "test.exchange", "test.queue")
	for i := 0; i < 5; i++ {
		require.NoError(t, ch.Publish("test.exchange", "test.queue", Publishing{
			Body:       []byte(fmt.Sprintf("pebble-%d", i)),
			Persistent: true,
		}))
	}

	c, err := ch.Consume("test.queue", "", AckManual)
	require.NoError(t, err)
	first, err := c.DequeueTimeout(time.Second)
	require.NoError(t, err)
	require.NoError(t, ch.Ack(first.DeliveryTag, false))
	// Second delivery stays unacked and is requeued by shutdown
	_, err = c.DequeueTimeout(time.Second)
	require.NoError(t, err)

	require.NoError(t, b.Shutdown(context.Background()))

	b = open()
	defer b.Shutdown(context.Background())

	info, err := b.InspectQueue("test.queue")
	require.NoError(t, err)
	assert.Equal(t, 4, info.Messages)

	_, ch = openChannel(t, b)
	d, ok, err := ch.Get("test.queue", AckAuto)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pebble-1", string(d.Body))
}

// countingStorage counts Compact calls.
type countingStorage struct {
	storage.StorageProvider
	compactions atomic.Int32
}

func (c *countingStorage) Compact() error {
	c.compactions.Add(1)
	return c.StorageProvider.Compact()
}

func TestScheduledCompaction(t *testing.T) {
	store := &countingStorage{StorageProvider: storage.NewBuntDBProvider(":memory:")}

	b, err := NewBroker(
		WithLogger(NewMockLogger(t)),
		WithStorageProvider(store),
		WithCompactionSchedule("@every 1s"),
	)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return store.compactions.Load() > 0
	}, 3*time.Second, 50*time.Millisecond, "cron should have run compaction")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))
}

func TestCompact_WithoutPersistence(t *testing.T) {
	b := setupTestBroker(t)
	assert.NoError(t, b.Compact())
}
