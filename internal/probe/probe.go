// Package probe runs the broker smoke scenarios against any Session: declare
// a durable direct exchange and queue, publish a persistent message, read it
// back with a get, then publish again and read it with a blocking consume.
package probe

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aleybovich/carrot-lite/logger"
)

const (
	ExchangeName = "test.exchange"
	QueueName    = "test.queue"
	Body         = "Hello, World!"
)

// Session is the subset of channel operations the probe needs. Get and
// ConsumeOne acknowledge automatically.
type Session interface {
	ExchangeDeclare(name, kind string, durable bool) error
	QueueDeclare(name string, durable bool) error
	QueueBind(queue, exchange, routingKey string) error
	Publish(exchange, routingKey string, body []byte, persistent bool) error
	Get(queue string) (body []byte, ok bool, err error)
	ConsumeOne(ctx context.Context, queue string) ([]byte, error)
	Close() error
}

// Step is the outcome of one probe step.
type Step struct {
	Name     string
	Duration time.Duration
	Err      error
}

// Report lists every step that ran. A failed step ends the run.
type Report struct {
	Steps []Step
}

// Failed returns the first failed step, if any.
func (r Report) Failed() (Step, bool) {
	for _, s := range r.Steps {
		if s.Err != nil {
			return s, true
		}
	}
	return Step{}, false
}

// Run executes the scenarios in order. consumeTimeout bounds the blocking consume.
func Run(ctx context.Context, s Session, log logger.Logger, consumeTimeout time.Duration) (Report, error) {
	var report Report

	step := func(name string, fn func() error) error {
		start := time.Now()
		err := fn()
		report.Steps = append(report.Steps, Step{Name: name, Duration: time.Since(start), Err: err})
		if err != nil {
			log.Err("probe step %q failed: %v", name, err)
			return fmt.Errorf("%s: %w", name, err)
		}
		log.Info("probe step %q ok (%s)", name, time.Since(start))
		return nil
	}

	publish := func() error {
		return s.Publish(ExchangeName, QueueName, []byte(Body), true)
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"declare", func() error {
			if err := s.ExchangeDeclare(ExchangeName, "direct", true); err != nil {
				return err
			}
			if err := s.QueueDeclare(QueueName, true); err != nil {
				return err
			}
			return s.QueueBind(QueueName, ExchangeName, QueueName)
		}},
		{"publish", publish},
		{"get", func() error {
			body, ok, err := s.Get(QueueName)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("queue %s is empty", QueueName)
			}
			return expectBody(body)
		}},
		{"publish-again", publish},
		{"consume", func() error {
			cctx, cancel := context.WithTimeout(ctx, consumeTimeout)
			defer cancel()
			body, err := s.ConsumeOne(cctx, QueueName)
			if err != nil {
				return err
			}
			return expectBody(body)
		}},
	}

	for _, st := range steps {
		if err := step(st.name, st.fn); err != nil {
			return report, err
		}
	}
	return report, nil
}

func expectBody(body []byte) error {
	if !bytes.Equal(body, []byte(Body)) {
		return fmt.Errorf("unexpected body %q, want %q", body, Body)
	}
	return nil
}
