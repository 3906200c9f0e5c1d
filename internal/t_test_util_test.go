package internal

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/aleybovich/carrot-lite/storage"
	"github.com/stretchr/testify/require"
)

var testRand = rand.New(rand.NewSource(time.Now().UnixNano())) // For unique names

// Helper to generate unique names for exchanges, queues, etc.
func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), testRand.Intn(10000))
}

// TestStorageWrapper wraps a storage provider and prevents it from being closed,
// so one store can outlive several brokers in a test.
type TestStorageWrapper struct {
	storage.StorageProvider
	initialized bool
}

func (w *TestStorageWrapper) Initialize() error {
	if !w.initialized {
		w.initialized = true
		return w.StorageProvider.Initialize()
	}
	return nil
}

func (w *TestStorageWrapper) Close() error {
	// Don't actually close during tests
	return nil
}

// Helper to create a wrapped in-memory storage
func createTestStorage() *TestStorageWrapper {
	return &TestStorageWrapper{
		StorageProvider: storage.NewBuntDBProvider(":memory:"),
	}
}

// setupTestBroker starts a broker with logging disabled unless opts say
// otherwise and shuts it down with the test.
func setupTestBroker(t *testing.T, opts ...BrokerOption) *Broker {
	t.Helper()
	IsTerminal = true // Force colorized output for broker logs during tests

	b, err := NewBroker(append([]BrokerOption{WithLogger(NewMockLogger(t))}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Shutdown(ctx)
	})
	return b
}

// openChannel connects to b and opens one channel.
func openChannel(t *testing.T, b *Broker) (*Connection, *Channel) {
	t.Helper()
	conn, err := b.Connect()
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	return conn, ch
}

// declareBound declares a durable direct exchange and queue bound with the
// queue's name as routing key.
func declareBound(t *testing.T, ch *Channel, exchangeName, queueName string) {
	t.Helper()
	require.NoError(t, ch.ExchangeDeclare(exchangeName, ExchangeDirect, true))
	_, err := ch.QueueDeclare(queueName, true)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(queueName, exchangeName, queueName))
}

func publishN(t *testing.T, ch *Channel, exchangeName, routingKey string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := ch.Publish(exchangeName, routingKey, Publishing{
			Body:       []byte(fmt.Sprintf("msg-%d", i)),
			Persistent: true,
		})
		require.NoError(t, err)
	}
}
