package internal

import (
	"slices"
	"strings"
	"sync"
)

// Exchange kinds
const (
	ExchangeDirect = "direct"
	ExchangeFanout = "fanout"
	ExchangeTopic  = "topic"
)

func validExchangeKind(kind string) bool {
	switch kind {
	case ExchangeDirect, ExchangeFanout, ExchangeTopic:
		return true
	}
	return false
}

type exchange struct {
	Name    string
	Type    string
	Durable bool

	mu       sync.RWMutex
	Bindings map[string][]string // routing key -> queue names in bind order
}

func newExchange(name, kind string, durable bool) *exchange {
	return &exchange{
		Name:     name,
		Type:     kind,
		Durable:  durable,
		Bindings: make(map[string][]string),
	}
}

// bind adds the binding and reports whether it was new.
func (e *exchange) bind(routingKey, queueName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if slices.Contains(e.Bindings[routingKey], queueName) {
		return false
	}
	e.Bindings[routingKey] = append(e.Bindings[routingKey], queueName)
	return true
}

// unbind removes the binding and reports whether it existed.
func (e *exchange) unbind(routingKey, queueName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	queues := e.Bindings[routingKey]
	idx := slices.Index(queues, queueName)
	if idx < 0 {
		return false
	}
	queues = slices.Delete(queues, idx, idx+1)
	if len(queues) == 0 {
		delete(e.Bindings, routingKey)
	} else {
		e.Bindings[routingKey] = queues
	}
	return true
}

// removeQueue drops every binding that targets queueName.
func (e *exchange) removeQueue(queueName string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, queues := range e.Bindings {
		queues = slices.DeleteFunc(queues, func(q string) bool { return q == queueName })
		if len(queues) == 0 {
			delete(e.Bindings, key)
		} else {
			e.Bindings[key] = queues
		}
	}
}

func (e *exchange) bindingCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := 0
	for _, queues := range e.Bindings {
		n += len(queues)
	}
	return n
}

// route returns the names of the queues a message with routingKey goes to.
// Each queue appears at most once.
func (e *exchange) route(routingKey string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	switch e.Type {
	case ExchangeDirect:
		return slices.Clone(e.Bindings[routingKey])

	case ExchangeFanout:
		var out []string
		for _, key := range sortedKeys(e.Bindings) {
			for _, q := range e.Bindings[key] {
				if !slices.Contains(out, q) {
					out = append(out, q)
				}
			}
		}
		return out

	case ExchangeTopic:
		var out []string
		words := strings.Split(routingKey, ".")
		for _, pattern := range sortedKeys(e.Bindings) {
			if !topicMatch(strings.Split(pattern, "."), words) {
				continue
			}
			for _, q := range e.Bindings[pattern] {
				if !slices.Contains(out, q) {
					out = append(out, q)
				}
			}
		}
		return out
	}
	return nil
}

// topicMatch matches dot-separated words: '*' is exactly one word, '#' is zero or more.
func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		if topicMatch(pattern[1:], words) {
			return true
		}
		return len(words) > 0 && topicMatch(pattern, words[1:])
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (e *exchange) info() ExchangeInfo {
	return ExchangeInfo{
		Name:     e.Name,
		Type:     e.Type,
		Durable:  e.Durable,
		Bindings: e.bindingCount(),
	}
}

// ExchangeInfo is a point-in-time view of an exchange.
type ExchangeInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Durable  bool   `json:"durable"`
	Bindings int    `json:"bindings"`
}
