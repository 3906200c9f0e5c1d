package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aleybovich/carrot-lite/logger"
	"github.com/aleybovich/carrot-lite/storage"
)

// Helper functions to construct storage keys
func ExchangeKey(exchange string) string {
	return storage.KeyPrefixExchange + exchange
}

func QueueKey(queue string) string {
	return storage.KeyPrefixQueue + queue
}

func BindingKey(exchange, queue, routingKey string) string {
	return storage.KeyPrefixBinding + exchange + ":" + queue + ":" + routingKey
}

func messagePrefix(queue string) string {
	return storage.KeyPrefixMessage + queue + ":"
}

// MessageKey zero-pads the sequence so lexical key order is log order.
func MessageKey(queue string, seq int64) string {
	return fmt.Sprintf("%s%020d", messagePrefix(queue), seq)
}

// Storage record types that map to our domain objects

type ExchangeRecord struct {
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Durable   bool      `json:"durable"`
	CreatedAt time.Time `json:"created_at"`
}

type QueueRecord struct {
	Name      string    `json:"name"`
	Durable   bool      `json:"durable"`
	CreatedAt time.Time `json:"created_at"`
}

type BindingRecord struct {
	Exchange   string    `json:"exchange"`
	Queue      string    `json:"queue"`
	RoutingKey string    `json:"routing_key"`
	CreatedAt  time.Time `json:"created_at"`
}

type MessageRecord struct {
	ID          string         `json:"id"`
	Exchange    string         `json:"exchange"`
	RoutingKey  string         `json:"routing_key"`
	ContentType string         `json:"content_type,omitempty"`
	Headers     map[string]any `json:"headers,omitempty"`
	Body        []byte         `json:"body"`
	Timestamp   time.Time      `json:"timestamp"` // When message was first received
	Sequence    int64          `json:"sequence"`
}

// Conversion helpers to map between domain objects and storage records

func ExchangeToRecord(e *exchange) *ExchangeRecord {
	return &ExchangeRecord{
		Name:      e.Name,
		Type:      e.Type,
		Durable:   e.Durable,
		CreatedAt: time.Now(),
	}
}

func RecordToExchange(r *ExchangeRecord) *exchange {
	return newExchange(r.Name, r.Type, r.Durable)
}

func QueueToRecord(q *queue) *QueueRecord {
	return &QueueRecord{
		Name:      q.Name,
		Durable:   q.Durable,
		CreatedAt: time.Now(),
	}
}

func RecordToQueue(r *QueueRecord) *queue {
	return newQueue(r.Name, r.Durable)
}

func MessageToRecord(m *message) *MessageRecord {
	return &MessageRecord{
		ID:          m.ID,
		Exchange:    m.Exchange,
		RoutingKey:  m.RoutingKey,
		ContentType: m.ContentType,
		Headers:     m.Headers,
		Body:        m.Body,
		Timestamp:   m.Timestamp,
	}
}

func RecordToMessage(r *MessageRecord) *message {
	return &message{
		ID:          r.ID,
		Exchange:    r.Exchange,
		RoutingKey:  r.RoutingKey,
		ContentType: r.ContentType,
		Headers:     r.Headers,
		Body:        r.Body,
		Persistent:  true,
		Redelivered: true, // All recovered messages should be marked as redelivered
		Timestamp:   r.Timestamp,
		seq:         r.Sequence,
	}
}

// ------ PersistenceManager ------

// PersistenceManager is a thin coordinator for broker persistence operations.
// It knows how to serialize/deserialize entities and manage storage keys,
// but has no knowledge of the Broker or business logic.
type PersistenceManager struct {
	storage storage.StorageProvider
	logger  logger.Logger

	// seqMu serializes sequence assignment with the batch that writes it, so
	// the stored counter never goes backwards.
	seqMu      sync.Mutex
	messageSeq int64
}

func NewPersistenceManager(storage storage.StorageProvider, logger logger.Logger) *PersistenceManager {
	return &PersistenceManager{
		storage: storage,
		logger:  logger,
	}
}

// Initialize prepares the persistence manager
func (pm *PersistenceManager) Initialize() error {
	if err := pm.storage.Initialize(); err != nil {
		return err
	}

	// Recover the sequence counter
	return pm.recoverSequenceCounter()
}

// Close shuts down the persistence manager
func (pm *PersistenceManager) Close() error {
	return pm.storage.Close()
}

// Compact asks the backend to reclaim space left by acked messages.
func (pm *PersistenceManager) Compact() error {
	return pm.storage.Compact()
}

// recoverSequenceCounter loads the saved sequence counter from storage
func (pm *PersistenceManager) recoverSequenceCounter() error {
	data, err := pm.storage.Get(storage.KeySeqCounter)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			// No saved counter, start from 0
			pm.messageSeq = 0
			return nil
		}
		return fmt.Errorf("loading sequence counter: %w", err)
	}

	seqNo, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("parsing sequence counter: %w", err)
	}

	pm.messageSeq = seqNo
	pm.logger.Info("Recovered message sequence counter: %d", seqNo)
	return nil
}

// --- Exchange Operations ---

func (pm *PersistenceManager) SaveExchange(record *ExchangeRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling exchange record: %w", err)
	}
	return pm.storage.Set(ExchangeKey(record.Name), data)
}

// DeleteExchange removes the exchange and every binding record sourced from it.
func (pm *PersistenceManager) DeleteExchange(exchangeName string) error {
	bindings, err := pm.LoadAllBindings()
	if err != nil {
		return err
	}

	keys := []string{ExchangeKey(exchangeName)}
	for _, b := range bindings {
		if b.Exchange == exchangeName {
			keys = append(keys, BindingKey(b.Exchange, b.Queue, b.RoutingKey))
		}
	}
	return pm.storage.DeleteBatch(keys)
}

func (pm *PersistenceManager) LoadAllExchanges() ([]*ExchangeRecord, error) {
	var exchanges []*ExchangeRecord
	err := pm.storage.Scan(storage.KeyPrefixExchange, func(key string, data []byte) error {
		var record ExchangeRecord
		if err := json.Unmarshal(data, &record); err != nil {
			pm.logger.Warn("Failed to unmarshal exchange record %s: %v", key, err)
			return nil
		}
		exchanges = append(exchanges, &record)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing exchanges: %w", err)
	}
	return exchanges, nil
}

// --- Queue Operations ---

func (pm *PersistenceManager) SaveQueue(record *QueueRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling queue record: %w", err)
	}
	return pm.storage.Set(QueueKey(record.Name), data)
}

// DeleteQueue removes the queue record, its message log and every binding
// record that targets it.
func (pm *PersistenceManager) DeleteQueue(queueName string) error {
	keys := []string{QueueKey(queueName)}

	msgKeys, err := pm.queueMessageKeys(queueName)
	if err != nil {
		return err
	}
	keys = append(keys, msgKeys...)

	bindings, err := pm.LoadAllBindings()
	if err != nil {
		return err
	}
	for _, b := range bindings {
		if b.Queue == queueName {
			keys = append(keys, BindingKey(b.Exchange, b.Queue, b.RoutingKey))
		}
	}
	return pm.storage.DeleteBatch(keys)
}

func (pm *PersistenceManager) LoadAllQueues() ([]*QueueRecord, error) {
	var queues []*QueueRecord
	err := pm.storage.Scan(storage.KeyPrefixQueue, func(key string, data []byte) error {
		var record QueueRecord
		if err := json.Unmarshal(data, &record); err != nil {
			pm.logger.Warn("Failed to unmarshal queue record %s: %v", key, err)
			return nil
		}
		queues = append(queues, &record)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing queues: %w", err)
	}
	return queues, nil
}

// --- Binding Operations ---

func (pm *PersistenceManager) SaveBinding(record *BindingRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling binding record: %w", err)
	}
	return pm.storage.Set(BindingKey(record.Exchange, record.Queue, record.RoutingKey), data)
}

func (pm *PersistenceManager) DeleteBinding(exchangeName, queueName, routingKey string) error {
	return pm.storage.Delete(BindingKey(exchangeName, queueName, routingKey))
}

func (pm *PersistenceManager) LoadAllBindings() ([]*BindingRecord, error) {
	var bindings []*BindingRecord
	err := pm.storage.Scan(storage.KeyPrefixBinding, func(key string, data []byte) error {
		var record BindingRecord
		if err := json.Unmarshal(data, &record); err != nil {
			pm.logger.Warn("Failed to unmarshal binding record %s: %v", key, err)
			return nil
		}
		bindings = append(bindings, &record)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing bindings: %w", err)
	}
	return bindings, nil
}

// --- Message Operations ---

// SaveMessage appends m to the log of queueName and stores the assigned
// sequence number on m.
func (pm *PersistenceManager) SaveMessage(queueName string, m *message) error {
	record := MessageToRecord(m)

	pm.seqMu.Lock()
	defer pm.seqMu.Unlock()

	seq := pm.messageSeq + 1
	record.Sequence = seq

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling message record: %w", err)
	}

	err = pm.storage.SetBatch(map[string][]byte{
		MessageKey(queueName, seq): data,
		storage.KeySeqCounter:      []byte(strconv.FormatInt(seq, 10)),
	})
	if err != nil {
		return fmt.Errorf("saving message %s to queue %s: %w", m.ID, queueName, err)
	}

	pm.messageSeq = seq
	m.seq = seq
	return nil
}

func (pm *PersistenceManager) DeleteMessage(queueName string, seq int64) error {
	err := pm.storage.Delete(MessageKey(queueName, seq))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil
	}
	return err
}

// DeleteMessages removes the log records of msgs that were persisted.
func (pm *PersistenceManager) DeleteMessages(queueName string, msgs []*message) error {
	var keys []string
	for _, m := range msgs {
		if m.seq > 0 {
			keys = append(keys, MessageKey(queueName, m.seq))
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return pm.storage.DeleteBatch(keys)
}

// LoadQueueMessages returns the log of queueName in sequence order.
func (pm *PersistenceManager) LoadQueueMessages(queueName string) ([]*MessageRecord, error) {
	prefix := messagePrefix(queueName)

	var records []*MessageRecord
	err := pm.storage.Scan(prefix, func(key string, data []byte) error {
		// "message:a:" is also a prefix of the log of queue "a:b"
		if strings.Contains(key[len(prefix):], ":") {
			return nil
		}
		var record MessageRecord
		if err := json.Unmarshal(data, &record); err != nil {
			pm.logger.Warn("Failed to unmarshal message record %s: %v", key, err)
			return nil
		}
		records = append(records, &record)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading messages for queue %s: %w", queueName, err)
	}
	return records, nil
}

func (pm *PersistenceManager) queueMessageKeys(queueName string) ([]string, error) {
	prefix := messagePrefix(queueName)
	keys, err := pm.storage.Keys(prefix)
	if err != nil {
		return nil, fmt.Errorf("listing message keys for queue %s: %w", queueName, err)
	}
	out := keys[:0]
	for _, k := range keys {
		if !strings.Contains(k[len(prefix):], ":") {
			out = append(out, k)
		}
	}
	return out, nil
}
