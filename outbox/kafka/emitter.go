// Package kafka provides an outbox emitter backed by a Kafka producer.
package kafka

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/iancoleman/strcase"

	"github.com/walletline/walletline/logger"
	"github.com/walletline/walletline/outbox"
)

// kafkaProducer is a helper interface to work with kafka.Producer.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

type Emitter struct {
	producer kafkaProducer
	logger   logger.Logger
}

var _ outbox.Emitter = (*Emitter)(nil)
var _ logger.Loggable = (*Emitter)(nil)

func New(p kafkaProducer) *Emitter {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}
	return &Emitter{
		producer: p,
	}
}

// SetLogger sets an optional logger.
func (e *Emitter) SetLogger(l logger.Logger) {
	e.logger = l
}

// Emit produces the outbox record to its destination topic. The record id
// travels as an idempotency-key header so consumers can deduplicate
// redeliveries, and the partition key keeps per-saga ordering.
func (e *Emitter) Emit(o *outbox.Record, dc chan *outbox.DeliveryReport) error {
	var internal = make(chan kafka.Event)
	go func() {
		for ev := range internal {
			switch m := ev.(type) {
			case *kafka.Message:
				dc <- &outbox.DeliveryReport{
					Record: o,
					Error:  m.TopicPartition.Error,
					Details: fmt.Sprintf("delivered message to topic %s [%d] at offset %v",
						*m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset),
				}
			default:
				e.logger.Debug(fmt.Sprintf("ignored event: %s", ev))
			}
			// in this case the caller knows that this channel is used only
			// for one Produce call, so it can close it.
			close(internal)
		}
	}()

	topic := topicFor(o)
	err := e.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(partitionKeyFor(o)),
		Value:          o.Payload,
		Headers: []kafka.Header{
			{Key: "idempotency-key", Value: []byte(o.ID.String())},
			{Key: "event-type", Value: []byte(o.EventType)},
			{Key: "created-at", Value: []byte(strconv.FormatInt(o.CreatedAt.UnixMilli(), 10))},
		},
	}, internal)

	return err
}

// topicFor returns the explicit destination topic of the record or builds one
// from the event type (e.g. if EventType="FundsReserved" then the topic name
// is "walletline-funds-reserved").
func topicFor(o *outbox.Record) string {
	if o.Topic != "" {
		return o.Topic
	}
	return fmt.Sprintf("walletline-%s", strcase.ToKebab(o.EventType))
}

// partitionKeyFor returns the explicit partition key of the record, falling
// back to the aggregate id so all events of one aggregate stay ordered.
func partitionKeyFor(o *outbox.Record) string {
	if o.PartitionKey != "" {
		return o.PartitionKey
	}
	return o.AggregateID
}
