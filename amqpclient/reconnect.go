package amqpclient

import (
	"fmt"
	"math"
	"time"
)

// ReconnectionPolicy defines the settings for exponential reconnection attempts.
type ReconnectionPolicy struct {
	maxRetries   int
	baseInterval time.Duration
	maxInterval  time.Duration

	sleep func(time.Duration)
}

// Default values for the ReconnectionPolicy
const (
	defaultMaxRetries   = 10
	defaultBaseInterval = 1 * time.Second
	defaultMaxInterval  = 10 * time.Second
)

// NewReconnectionPolicy initializes a new ReconnectionPolicy with customizable settings.
// If a value is set to zero, it will default to a predefined value.
func NewReconnectionPolicy(maxRetries int, baseInterval, maxInterval time.Duration) *ReconnectionPolicy {
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	if baseInterval == 0 {
		baseInterval = defaultBaseInterval
	}
	if maxInterval == 0 {
		maxInterval = defaultMaxInterval
	}
	return &ReconnectionPolicy{
		maxRetries:   maxRetries,
		baseInterval: baseInterval,
		maxInterval:  maxInterval,
		sleep:        time.Sleep,
	}
}

// NewDefaultReconnectionPolicy initializes a ReconnectionPolicy with default values.
func NewDefaultReconnectionPolicy() *ReconnectionPolicy {
	return NewReconnectionPolicy(defaultMaxRetries, defaultBaseInterval, defaultMaxInterval)
}

// backoff is the wait after attempt i (0-based), capped at maxInterval.
func (r *ReconnectionPolicy) backoff(i int) time.Duration {
	return time.Duration(math.Min(float64(r.baseInterval)*math.Pow(2, float64(i)), float64(r.maxInterval)))
}

// Execute calls fn until it succeeds or maxRetries attempts have failed.
func (r *ReconnectionPolicy) Execute(fn func() error) error {
	var err error
	for i := 0; i < r.maxRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < r.maxRetries-1 {
			r.sleep(r.backoff(i))
		}
	}
	return fmt.Errorf("failed to connect after %d retries: %w", r.maxRetries, err)
}
