package test

import (
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	tally "github.com/uber-go/tally/v4"
)

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, internal chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	// send a predefined delivery report to the delivery channel.
	internal <- p.MockedReportToSend

	return p.RetVal
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// TestCounter is a plain in-memory counter for asserting on metric
// increments.
type TestCounter struct {
	Ctr int64
}

func (c *TestCounter) Inc(delta int64) {
	c.Ctr += delta
}

// SpyLogger records every message it receives, for asserting on log output.
type SpyLogger struct {
	mu       sync.Mutex
	Infos    []string
	Debugs   []string
	Warnings []string
	Errors   []string
}

func (l *SpyLogger) Info(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Infos = append(l.Infos, msg)
}

func (l *SpyLogger) Debug(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Debugs = append(l.Debugs, msg)
}

func (l *SpyLogger) Warn(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Warnings = append(l.Warnings, msg)
}

func (l *SpyLogger) Error(msg string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, msg)
}
