package saga

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ActionType enumerates the wallet commands a saga can issue, forward and
// compensating. The same names come back in step events as the action that
// was confirmed or failed.
type ActionType string

const (
	ActionReserve       ActionType = "RESERVE"
	ActionRelease       ActionType = "RELEASE"
	ActionDebit         ActionType = "DEBIT"
	ActionCredit        ActionType = "CREDIT"
	ActionReverseCredit ActionType = "REVERSE_CREDIT"
	ActionReverseDebit  ActionType = "REVERSE_DEBIT"
)

// Command is the outbound message asking a wallet owner's service to perform
// one ledger operation. The outbox record id that carries it doubles as the
// consumer-side idempotency key.
type Command struct {
	CorrelationID uuid.UUID  `json:"correlation_id"`
	TargetOwnerID string     `json:"target_owner_id"`
	Action        ActionType `json:"action"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
}

// StepEvent is the inbound confirmation or failure of a previously issued
// command.
type StepEvent struct {
	EventID       string     `json:"event_id"`
	CorrelationID uuid.UUID  `json:"correlation_id"`
	Action        ActionType `json:"action"`
	Amount        int64      `json:"amount"`
	Success       bool       `json:"success"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// Notification is the fire-and-forget lifecycle event consumed by the
// notification collaborator. Best effort: emit problems never roll a saga
// back.
type Notification struct {
	SagaID      uuid.UUID `json:"saga_id"`
	Reference   string    `json:"reference"`
	Kind        Kind      `json:"kind"`
	Event       string    `json:"event"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Reason      string    `json:"reason,omitempty"`
}

// DecodeCommand deserializes a wallet command payload.
func DecodeCommand(payload []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("could not decode the wallet command: %w", err)
	}
	return &c, nil
}

// DecodeStepEvent deserializes a step event payload.
func DecodeStepEvent(payload []byte) (*StepEvent, error) {
	var e StepEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("could not decode the step event: %w", err)
	}
	return &e, nil
}
