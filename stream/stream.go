// Package stream defines the inbound message channel abstraction: a consumer
// that yields messages one at a time and only commits its position after the
// handler succeeded, giving at-least-once delivery. Duplicate deliveries are
// expected and absorbed downstream by the idempotency guard.
package stream

import (
	"context"
	"time"
)

// Message is one inbound channel message. ID carries the producer-side
// idempotency key (the outbox record id) when the producer set one.
type Message struct {
	ID      string
	Topic   string
	Key     string
	Payload []byte
	Headers map[string]string
}

// Handler processes one message. A nil return acknowledges the message; an
// error leaves the position uncommitted so the channel redelivers it.
type Handler interface {
	Handle(ctx context.Context, m *Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, m *Message) error

func (f HandlerFunc) Handle(ctx context.Context, m *Message) error {
	return f(ctx, m)
}

// Consumer is the channel-side of the runner. Implementations must not
// auto-commit: the runner commits explicitly after each handled message.
type Consumer interface {

	// Subscribe joins the consumer group on the topics.
	Subscribe(topics []string) error

	// Poll returns the next message, or (nil, nil) when none arrived within
	// the timeout.
	Poll(timeout time.Duration) (*Message, error)

	// Commit acknowledges every message returned by Poll so far.
	Commit() error

	// Close leaves the group.
	Close() error
}
