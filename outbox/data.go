package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Event contains high level information about a domain event or command and
// is provided by the clients when recording.
type Event struct {
	AggregateType string // the aggregate type (e.g. "Transfer")
	AggregateID   string // the aggregate identifier
	EventType     string // the event type (e.g. "FundsReserveRequested")
	Topic         string // destination topic; derived from EventType when empty
	PartitionKey  string // ordering key; AggregateID is used when empty
	Payload       []byte // serialized event payload
}

// Status is the delivery status of an outbox record.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// Record contains all the information stored in the underlying outbox table.
// Once a record is sent its payload is never touched again; the janitor
// removes it after the retention window.
type Record struct {
	Event
	ID          uuid.UUID
	Status      Status
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	ProcessedAt *time.Time
	LastError   *string
}
