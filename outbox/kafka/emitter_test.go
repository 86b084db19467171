package kafka

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/walletline/walletline/logger"
	"github.com/walletline/walletline/outbox"
	"github.com/walletline/walletline/test"
)

func TestNew(t *testing.T) {
	type args struct {
		producer kafkaProducer
	}
	testcases := []struct {
		name      string
		args      args
		wantPanic bool
	}{
		{
			name: "producer is not nil",
			args: args{
				producer: &test.MockedKafkaProducer{},
			},
			wantPanic: false,
		},
		{
			name: "producer is nil",
			args: args{
				producer: nil,
			},
			wantPanic: true,
		},
		{
			name: "producer is not nil but the underlying value is",
			args: args{
				producer: func() kafkaProducer {
					var p *test.MockedKafkaProducer
					return p
				}(),
			},
			wantPanic: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() {
					New(tc.args.producer)
				})
			} else {
				assert.NotPanics(t, func() {
					e := New(tc.args.producer)
					e.SetLogger(&logger.NopLogger{})
				})
			}
		})
	}
}

func testRecord(id uuid.UUID, createdAt time.Time, topic string, partitionKey string) *outbox.Record {
	return &outbox.Record{
		Event: outbox.Event{
			AggregateType: "Transfer",
			AggregateID:   "aggregateID",
			EventType:     "WalletCommand",
			Topic:         topic,
			PartitionKey:  partitionKey,
			Payload:       []byte("payload"),
		},
		ID:        id,
		Status:    outbox.StatusPending,
		CreatedAt: createdAt,
	}
}

func expectedMessage(id uuid.UUID, createdAt time.Time, topic string, key string) *kafka.Message {
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          []byte("payload"),
		Headers: []kafka.Header{
			{Key: "idempotency-key", Value: []byte(id.String())},
			{Key: "event-type", Value: []byte("WalletCommand")},
			{Key: "created-at", Value: []byte(strconv.FormatInt(createdAt.UnixMilli(), 10))},
		},
	}
}

func TestEmit(t *testing.T) {
	var testMsgId uuid.UUID = uuid.New()
	var testCreatedAt time.Time = time.Now()
	snitch := make(chan *kafka.Message, 1)
	type fields struct {
		producer kafkaProducer
		logger   logger.Logger
	}
	type args struct {
		o *outbox.Record
	}
	testcases := []struct {
		name       string
		fields     fields
		args       args
		wantMsg    *kafka.Message
		wantReport bool
		wantErr    bool
	}{
		{
			name: "valid input and report different than kafka.Message",
			fields: fields{
				producer: &test.MockedKafkaProducer{
					Snitch:             snitch,
					MockedReportToSend: &test.MockedKafkaEvent{},
					RetVal:             nil,
				},
				logger: &logger.NopLogger{},
			},
			args: args{
				o: testRecord(testMsgId, testCreatedAt, "commands", "pk"),
			},
			wantMsg:    expectedMessage(testMsgId, testCreatedAt, "commands", "pk"),
			wantReport: false,
			wantErr:    false,
		},
		{
			name: "valid input and a kafka.Message report",
			fields: fields{
				producer: &test.MockedKafkaProducer{
					Snitch: snitch,
					MockedReportToSend: func() *kafka.Message {
						var topic string = "commands"
						return &kafka.Message{
							TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
						}
					}(),
					RetVal: nil,
				},
				logger: &logger.NopLogger{},
			},
			args: args{
				o: testRecord(testMsgId, testCreatedAt, "commands", "pk"),
			},
			wantMsg:    expectedMessage(testMsgId, testCreatedAt, "commands", "pk"),
			wantReport: true,
			wantErr:    false,
		},
		{
			name: "valid input, report different than kafka.Message and error return",
			fields: fields{
				producer: &test.MockedKafkaProducer{
					Snitch:             snitch,
					MockedReportToSend: &test.MockedKafkaEvent{},
					RetVal:             errors.New("error"),
				},
				logger: &logger.NopLogger{},
			},
			args: args{
				o: testRecord(testMsgId, testCreatedAt, "commands", "pk"),
			},
			wantMsg:    expectedMessage(testMsgId, testCreatedAt, "commands", "pk"),
			wantReport: false,
			wantErr:    true,
		},
		{
			name: "missing topic falls back to the event type",
			fields: fields{
				producer: &test.MockedKafkaProducer{
					Snitch:             snitch,
					MockedReportToSend: &test.MockedKafkaEvent{},
					RetVal:             nil,
				},
				logger: &logger.NopLogger{},
			},
			args: args{
				o: testRecord(testMsgId, testCreatedAt, "", "pk"),
			},
			wantMsg:    expectedMessage(testMsgId, testCreatedAt, "walletline-wallet-command", "pk"),
			wantReport: false,
			wantErr:    false,
		},
		{
			name: "missing partition key falls back to the aggregate id",
			fields: fields{
				producer: &test.MockedKafkaProducer{
					Snitch:             snitch,
					MockedReportToSend: &test.MockedKafkaEvent{},
					RetVal:             nil,
				},
				logger: &logger.NopLogger{},
			},
			args: args{
				o: testRecord(testMsgId, testCreatedAt, "commands", ""),
			},
			wantMsg:    expectedMessage(testMsgId, testCreatedAt, "commands", "aggregateID"),
			wantReport: false,
			wantErr:    false,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			e := &Emitter{
				producer: tc.fields.producer,
				logger:   tc.fields.logger,
			}

			dc := make(chan *outbox.DeliveryReport, 1)
			err := e.Emit(tc.args.o, dc)
			msg := <-snitch

			assert.Equal(t, tc.wantMsg, msg)
			var report *outbox.DeliveryReport
			select {
			case <-time.After(time.Second):
			case report = <-dc:
			}
			assert.Equal(t, tc.wantReport, report != nil)
			test.AssertError(t, err, tc.wantErr)
		})
	}
}
