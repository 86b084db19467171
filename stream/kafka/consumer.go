// Package kafka provides a stream consumer backed by Apache Kafka.
package kafka

import (
	"errors"
	"reflect"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/walletline/walletline/stream"
)

const idempotencyKeyHeader = "idempotency-key"

// kafkaConsumer is a helper interface to work with kafka.Consumer.
type kafkaConsumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	Commit() ([]kafka.TopicPartition, error)
	Close() error
}

// Consumer adapts a Kafka consumer to the stream.Consumer contract. The
// underlying consumer must be created with auto-commit disabled; the runner
// commits explicitly after each handled message.
type Consumer struct {
	consumer kafkaConsumer
}

var _ stream.Consumer = (*Consumer)(nil)

func New(c kafkaConsumer) *Consumer {
	if c == nil || reflect.ValueOf(c).IsNil() {
		panic("consumer is mandatory")
	}
	return &Consumer{consumer: c}
}

// Subscribe joins the consumer group on the topics.
func (c *Consumer) Subscribe(topics []string) error {
	return c.consumer.SubscribeTopics(topics, nil)
}

// Poll reads the next message. A poll timeout is reported as (nil, nil).
func (c *Consumer) Poll(timeout time.Duration) (*stream.Message, error) {
	km, err := c.consumer.ReadMessage(timeout)
	if err != nil {
		var kerr kafka.Error
		if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
			return nil, nil
		}
		return nil, err
	}

	m := &stream.Message{
		Payload: km.Value,
		Headers: make(map[string]string, len(km.Headers)),
	}
	if km.TopicPartition.Topic != nil {
		m.Topic = *km.TopicPartition.Topic
	}
	if km.Key != nil {
		m.Key = string(km.Key)
	}
	for _, h := range km.Headers {
		m.Headers[h.Key] = string(h.Value)
	}
	m.ID = m.Headers[idempotencyKeyHeader]

	return m, nil
}

// Commit acknowledges the consumed offsets.
func (c *Consumer) Commit() error {
	_, err := c.consumer.Commit()
	if err != nil {
		var kerr kafka.Error
		if errors.As(err, &kerr) && kerr.Code() == kafka.ErrNoOffset {
			return nil
		}
		return err
	}
	return nil
}

// Close leaves the group.
func (c *Consumer) Close() error {
	return c.consumer.Close()
}
