package stream

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/walletline/walletline/logger"
	"github.com/walletline/walletline/metrics"
)

const pollTimeout = time.Second

// Runner drives one consumer: it polls the channel, hands each message to the
// handler and commits the position only after the handler succeeded. A failed
// message is neither committed nor skipped, so the channel redelivers it.
type Runner struct {
	consumer   Consumer
	handler    Handler
	topics     []string
	logger     logger.Logger
	handledCtr metrics.Counter
	errorCtr   metrics.Counter
}

type opt func(r *Runner)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithCounters allows clients to configure optional counters for handled
// messages and handler errors.
func WithCounters(handled metrics.Counter, errors metrics.Counter) opt {
	return func(r *Runner) {
		if handled != nil {
			r.handledCtr = handled
		}
		if errors != nil {
			r.errorCtr = errors
		}
	}
}

func NewRunner(c Consumer, h Handler, topics []string, options ...opt) *Runner {
	if c == nil || reflect.ValueOf(c).IsNil() {
		panic("consumer is mandatory")
	}
	if h == nil {
		panic("handler is mandatory")
	}
	if len(topics) == 0 {
		panic("at least one topic is mandatory")
	}
	r := &Runner{
		consumer:   c,
		handler:    h,
		topics:     topics,
		logger:     &logger.NopLogger{},
		handledCtr: &metrics.NopCounter{},
		errorCtr:   &metrics.NopCounter{},
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Run consumes until the context is cancelled. It returns the subscription
// error immediately; handler errors are logged and retried through
// redelivery, never fatal.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.consumer.Subscribe(r.topics); err != nil {
		return fmt.Errorf("could not subscribe to %v: %w", r.topics, err)
	}
	defer func() {
		if err := r.consumer.Close(); err != nil {
			r.logger.Warn(fmt.Sprintf("could not close the consumer: %v", err))
		}
	}()
	r.logger.Info(fmt.Sprintf("consuming from %v", r.topics))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		m, err := r.consumer.Poll(pollTimeout)
		if err != nil {
			r.logger.Error("error polling the channel", err)
			continue
		}
		if m == nil {
			continue
		}

		if err := r.handler.Handle(ctx, m); err != nil {
			r.errorCtr.Inc(1)
			r.logger.Error(fmt.Sprintf("error handling message '%s' from topic '%s', it will be redelivered", m.ID, m.Topic), err)
			continue
		}

		if err := r.consumer.Commit(); err != nil {
			r.logger.Error("error committing the consumer position", err)
			continue
		}
		r.handledCtr.Inc(1)
	}
}
