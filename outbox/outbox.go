// Package outbox implements the polling publisher variant of the
// Transactional Outbox pattern: business mutations append their outbound
// events to an outbox table within the same transaction, and a background
// dispatcher publishes them to the message broker afterwards.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/walletline/walletline/logger"
	"github.com/walletline/walletline/metrics"
)

// Outbox is the client entry point of the module: it records events reliably
// and, when enabled, runs the polling publisher dispatcher.
type Outbox struct {
	settings   Settings
	logger     logger.Logger
	emitter    Emitter
	repository Repository
	successCtr metrics.Counter
	errorCtr   metrics.Counter
}

// opt allows optional configuration.
type opt func(o *Outbox)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(o *Outbox) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCounters allows clients to configure optional delivery counters
// for observability.
func WithCounters(success metrics.Counter, error metrics.Counter) opt {
	return func(o *Outbox) {
		if success != nil {
			o.successCtr = success
		}
		if error != nil {
			o.errorCtr = error
		}
	}
}

// New creates an Outbox using the provided settings and options and the
// provided Repository and Emitter implementations.
func New(s Settings, r Repository, e Emitter, options ...opt) *Outbox {
	if e == nil || r == nil {
		panic("you must provide an emitter and a repository")
	}

	validateSettings(&s)

	o := &Outbox{
		settings:   s,
		logger:     &logger.NopLogger{},
		emitter:    e,
		repository: r,
		successCtr: &metrics.NopCounter{},
		errorCtr:   &metrics.NopCounter{}}

	for _, op := range options {
		op(o)
	}

	for _, a := range []any{e, r} {
		if l, ok := a.(logger.Loggable); ok {
			l.SetLogger(o.logger)
		}
	}

	return o
}

// Record appends a pending outbox record within the business transaction
// present in the context. The record is published later by a dispatcher;
// events are never sent to the broker inline.
func (o *Outbox) Record(ctx context.Context, e *Event) error {
	return o.repository.Save(ctx, &Record{
		Event:      *e,
		ID:         uuid.New(),
		Status:     StatusPending,
		MaxRetries: o.settings.MaxRetries,
		CreatedAt:  time.Now(),
	})
}

// Start launches the polling publisher dispatcher if it is enabled in the
// settings. The dispatcher stops when the context is cancelled.
func (o *Outbox) Start(ctx context.Context) {
	if !o.settings.EnableDispatcher {
		return
	}
	o.logger.Debug("the polling publisher dispatcher is enabled")
	d := dispatcher{
		id:         uuid.New(),
		settings:   o.settings,
		logger:     o.logger,
		emitter:    o.emitter,
		repository: o.repository,
		successCtr: o.successCtr,
		errorCtr:   o.errorCtr,
	}
	go d.launchDispatcher(ctx)
}
