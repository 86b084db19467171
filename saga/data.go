// Package saga orchestrates multi-step money movements between wallet
// partitions that only communicate through an asynchronous message channel.
// Each transfer (and each approved money request) is an explicit state
// machine persisted before every action, able to move forward through
// reserve, debit, credit and notify, or to unwind through matching
// compensating actions.
package saga

import (
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes sender-initiated transfers from recipient-initiated
// money requests. Both kinds share the same funds-movement steps; money
// requests add an approval gate in front of them.
type Kind string

const (
	KindTransfer     Kind = "TRANSFER"
	KindMoneyRequest Kind = "MONEY_REQUEST"
)

// Step is the saga-level position of a money movement.
type Step string

const (
	StepNotStarted       Step = "NOT_STARTED"
	StepStarted          Step = "STARTED"
	StepFundsReserved    Step = "FUNDS_RESERVED"
	StepFundsDeducted    Step = "FUNDS_DEDUCTED"
	StepFundsCredited    Step = "FUNDS_CREDITED"
	StepNotificationSent Step = "NOTIFICATION_SENT"
	StepCompleted        Step = "COMPLETED"
	StepFailed           Step = "FAILED"
	StepCompensating     Step = "COMPENSATING"
	StepCompensated      Step = "COMPENSATED"
)

// Status is the domain-level lifecycle of a money movement.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusProcessing      Status = "PROCESSING"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusCompensating    Status = "COMPENSATING"
	StatusCompensated     Status = "COMPENSATED"
	StatusDeclined        Status = "DECLINED"
	StatusCancelled       Status = "CANCELLED"
	StatusExpired         Status = "EXPIRED"
)

// State is one persisted saga. SenderID is always the debited party and
// RecipientID the credited one; for money requests the payer is the sender
// and the requester the recipient. Terminal states are immutable.
type State struct {
	ID          uuid.UUID
	Reference   string
	Kind        Kind
	SenderID    string
	RecipientID string
	Amount      int64
	Currency    string
	Description string

	Status Status
	Step   Step

	FundsReserved    bool
	FundsDeducted    bool
	FundsCredited    bool
	NotificationSent bool

	CompensationRequired  bool
	CompensationCompleted bool
	FailureReason         *string

	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the saga reached a state that must never change
// again.
func (s *State) Terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCompensated, StatusDeclined, StatusCancelled, StatusExpired:
		return true
	}
	return false
}
