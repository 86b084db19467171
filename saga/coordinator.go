package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/walletline/walletline/dedup"
	"github.com/walletline/walletline/logger"
	"github.com/walletline/walletline/metrics"
	"github.com/walletline/walletline/outbox"
)

var (
	// ErrInvalidInitiation indicates a transfer or request with missing or
	// nonsensical parameters.
	ErrInvalidInitiation = errors.New("invalid initiation parameters")

	// ErrNotApprovable indicates an approval, decline or cancel on a money
	// request that is no longer pending approval.
	ErrNotApprovable = errors.New("request is not pending approval")
)

// Topics names the destinations of outbound saga messages.
type Topics struct {
	Commands      string // wallet command channel
	Notifications string // fire-and-forget lifecycle events
}

// Coordinator owns the lifecycle of transfers and money requests: it
// interprets step confirmation and failure events, decides the next forward
// or compensating action, persists the new saga state and emits the next
// command through the outbox, all within one atomic unit per event.
type Coordinator struct {
	store          Store
	guard          *dedup.Guard
	outbox         *outbox.Outbox
	logger         logger.Logger
	group          string
	topics         Topics
	completedCtr   metrics.Counter
	compensatedCtr metrics.Counter
}

type opt func(c *Coordinator)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCounters allows clients to configure optional counters for completed
// and compensated sagas.
func WithCounters(completed metrics.Counter, compensated metrics.Counter) opt {
	return func(c *Coordinator) {
		if completed != nil {
			c.completedCtr = completed
		}
		if compensated != nil {
			c.compensatedCtr = compensated
		}
	}
}

func NewCoordinator(s Store, g *dedup.Guard, o *outbox.Outbox, topics Topics, consumerGroup string, options ...opt) *Coordinator {
	if s == nil || g == nil || o == nil {
		panic("you must provide a store, a guard and an outbox")
	}
	if topics.Commands == "" || topics.Notifications == "" {
		panic("you must provide the command and notification topics")
	}
	c := &Coordinator{
		store:          s,
		guard:          g,
		outbox:         o,
		logger:         &logger.NopLogger{},
		group:          consumerGroup,
		topics:         topics,
		completedCtr:   &metrics.NopCounter{},
		compensatedCtr: &metrics.NopCounter{},
	}
	for _, op := range options {
		op(c)
	}
	if l, ok := s.(logger.Loggable); ok {
		l.SetLogger(c.logger)
	}
	return c
}

// Initiation carries the parameters of an inbound "send money" trigger.
type Initiation struct {
	InitiatorID    string
	CounterpartyID string
	Amount         int64
	Currency       string
	Description    string
}

// InitiateTransfer accepts a transfer, creating the saga state and the first
// wallet command in one atomic unit. The reserve command reaches the sender's
// wallet service through the outbox, never inline.
func (c *Coordinator) InitiateTransfer(ctx context.Context, in Initiation) (*State, error) {
	if err := validateInitiation(in); err != nil {
		return nil, err
	}
	now := time.Now()
	s := &State{
		ID:          uuid.New(),
		Reference:   newReference("TRF"),
		Kind:        KindTransfer,
		SenderID:    in.InitiatorID,
		RecipientID: in.CounterpartyID,
		Amount:      in.Amount,
		Currency:    in.Currency,
		Description: in.Description,
		Status:      StatusProcessing,
		Step:        StepStarted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := c.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := c.store.Create(ctx, s); err != nil {
			return err
		}
		if err := c.recordCommand(ctx, s, ActionReserve); err != nil {
			return err
		}
		return c.recordNotification(ctx, s, "Created", "")
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// RequestInitiation carries the parameters of an inbound "request money"
// trigger. The payer becomes the sender side of the saga once approved.
type RequestInitiation struct {
	RequesterID string
	PayerID     string
	Amount      int64
	Currency    string
	Description string
	ExpiresAt   time.Time
}

// CreateMoneyRequest accepts a money request. No funds move until the payer
// approves it; until then the saga sits in PENDING_APPROVAL at NOT_STARTED.
func (c *Coordinator) CreateMoneyRequest(ctx context.Context, in RequestInitiation) (*State, error) {
	if err := validateInitiation(Initiation{
		InitiatorID:    in.PayerID,
		CounterpartyID: in.RequesterID,
		Amount:         in.Amount,
		Currency:       in.Currency,
	}); err != nil {
		return nil, err
	}
	now := time.Now()
	expiresAt := in.ExpiresAt
	s := &State{
		ID:          uuid.New(),
		Reference:   newReference("REQ"),
		Kind:        KindMoneyRequest,
		SenderID:    in.PayerID,
		RecipientID: in.RequesterID,
		Amount:      in.Amount,
		Currency:    in.Currency,
		Description: in.Description,
		Status:      StatusPendingApproval,
		Step:        StepNotStarted,
		ExpiresAt:   &expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := c.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := c.store.Create(ctx, s); err != nil {
			return err
		}
		return c.recordNotification(ctx, s, "Created", "")
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ApproveMoneyRequest moves a pending request through the approval gate into
// the funds-movement steps, issuing the reserve command against the payer.
func (c *Coordinator) ApproveMoneyRequest(ctx context.Context, id uuid.UUID) (*State, error) {
	var approved *State
	err := c.store.WithinTx(ctx, func(ctx context.Context) error {
		s, err := c.store.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if s.Status != StatusPendingApproval {
			return ErrNotApprovable
		}
		if s.ExpiresAt != nil && s.ExpiresAt.Before(time.Now()) {
			return ErrNotApprovable
		}
		s.Status = StatusProcessing
		s.Step = StepStarted
		if err := c.store.Update(ctx, s); err != nil {
			return err
		}
		if err := c.recordCommand(ctx, s, ActionReserve); err != nil {
			return err
		}
		if err := c.recordNotification(ctx, s, "Approved", ""); err != nil {
			return err
		}
		approved = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return approved, nil
}

// DeclineMoneyRequest short-circuits a pending request to a terminal state
// without ever entering the funds-movement steps.
func (c *Coordinator) DeclineMoneyRequest(ctx context.Context, id uuid.UUID, reason string) error {
	return c.closeRequest(ctx, id, StatusDeclined, "Declined", reason)
}

// CancelMoneyRequest lets the requester withdraw a request that is still
// pending approval.
func (c *Coordinator) CancelMoneyRequest(ctx context.Context, id uuid.UUID) error {
	return c.closeRequest(ctx, id, StatusCancelled, "Cancelled", "")
}

func (c *Coordinator) closeRequest(ctx context.Context, id uuid.UUID, status Status, event string, reason string) error {
	return c.store.WithinTx(ctx, func(ctx context.Context) error {
		s, err := c.store.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if s.Status != StatusPendingApproval {
			return ErrNotApprovable
		}
		s.Status = status
		if reason != "" {
			s.FailureReason = &reason
		}
		if err := c.store.Update(ctx, s); err != nil {
			return err
		}
		return c.recordNotification(ctx, s, event, reason)
	})
}

// HandleStepEvent applies one confirmation or failure event to its saga.
// Everything happens in one atomic unit: the idempotency check, the state
// transition, the next outbound command and the processed mark commit or
// roll back together.
func (c *Coordinator) HandleStepEvent(ctx context.Context, ev *StepEvent) error {
	return c.store.WithinTx(ctx, func(ctx context.Context) error {
		duplicate, err := c.guard.AlreadyProcessed(ctx, ev.EventID)
		if err != nil {
			return err
		}
		if duplicate {
			c.logger.Debug(fmt.Sprintf("step event '%s' already processed", ev.EventID))
			return nil
		}

		s, err := c.store.FindByID(ctx, ev.CorrelationID)
		if err != nil {
			return err
		}

		switch {
		case s.Terminal():
			// Late replay against a finished saga.
			c.logger.Debug(fmt.Sprintf("saga '%s' is terminal, ignoring event '%s'", s.ID, ev.EventID))
		case !ev.Success:
			err = c.applyFailure(ctx, s, ev)
		case s.Step == StepCompensating:
			err = c.applyCompensationConfirmation(ctx, s, ev)
		default:
			err = c.applyForwardConfirmation(ctx, s, ev)
		}
		if err != nil {
			return err
		}

		return c.guard.MarkProcessed(ctx, ev.EventID, c.group)
	})
}

// applyForwardConfirmation advances the saga when the confirmed action
// matches the expected preceding step; anything else is a replay no-op.
func (c *Coordinator) applyForwardConfirmation(ctx context.Context, s *State, ev *StepEvent) error {
	t, ok := forwardTransitions[transitionKey{s.Step, ev.Action}]
	if !ok {
		c.logger.Debug(fmt.Sprintf("confirmation of '%s' does not match step '%s' of saga '%s', ignoring", ev.Action, s.Step, s.ID))
		return nil
	}

	setStepFlag(s, ev.Action)
	s.Step = t.next
	s.UpdatedAt = time.Now()

	if t.nextCmd != "" {
		if err := c.recordCommand(ctx, s, t.nextCmd); err != nil {
			return err
		}
		return c.store.Update(ctx, s)
	}

	// Funds are credited: notify and settle. The notification is recorded
	// through the outbox in the same atomic unit, so reaching COMPLETED and
	// emitting the lifecycle event cannot diverge.
	if err := c.recordNotification(ctx, s, "Completed", ""); err != nil {
		return err
	}
	s.NotificationSent = true
	s.Step = StepCompleted
	s.Status = StatusCompleted
	if err := c.store.Update(ctx, s); err != nil {
		return err
	}
	c.completedCtr.Inc(1)
	c.logger.Info(fmt.Sprintf("saga '%s' (%s) completed", s.ID, s.Reference))
	return nil
}

// applyFailure turns a step failure into the compensation walk: the
// compensating command for the highest completed step goes out first, and the
// saga settles as COMPENSATED once nothing reserved, debited or credited
// remains. A failure while already compensating is fatal and parks the saga
// as FAILED for manual intervention.
func (c *Coordinator) applyFailure(ctx context.Context, s *State, ev *StepEvent) error {
	if s.Step == StepCompensating {
		reason := ev.FailureReason
		s.Status = StatusFailed
		s.Step = StepFailed
		s.FailureReason = &reason
		s.UpdatedAt = time.Now()
		c.logger.Error(fmt.Sprintf("compensation of saga '%s' failed, manual intervention required", s.ID), errors.New(reason))
		if err := c.recordNotification(ctx, s, "Failed", reason); err != nil {
			return err
		}
		return c.store.Update(ctx, s)
	}

	s.CompensationRequired = true
	if ev.FailureReason != "" {
		reason := ev.FailureReason
		s.FailureReason = &reason
	}
	s.UpdatedAt = time.Now()

	if action, ok := nextCompensation(s); ok {
		s.Step = StepCompensating
		s.Status = StatusCompensating
		if err := c.recordCommand(ctx, s, action); err != nil {
			return err
		}
		return c.store.Update(ctx, s)
	}

	// Nothing to unwind: the saga failed before any funds moved.
	return c.settleCompensated(ctx, s)
}

// applyCompensationConfirmation walks the compensation backward: each
// confirmed compensating action clears its step flag and triggers the
// command for the next-lower completed step.
func (c *Coordinator) applyCompensationConfirmation(ctx context.Context, s *State, ev *StepEvent) error {
	if !clearCompensatedFlag(s, ev.Action) {
		c.logger.Debug(fmt.Sprintf("compensation confirmation of '%s' does not match saga '%s', ignoring", ev.Action, s.ID))
		return nil
	}
	s.UpdatedAt = time.Now()

	if action, ok := nextCompensation(s); ok {
		if err := c.recordCommand(ctx, s, action); err != nil {
			return err
		}
		return c.store.Update(ctx, s)
	}

	return c.settleCompensated(ctx, s)
}

func (c *Coordinator) settleCompensated(ctx context.Context, s *State) error {
	s.Step = StepCompensated
	s.Status = StatusCompensated
	s.CompensationCompleted = true
	s.UpdatedAt = time.Now()
	reason := ""
	if s.FailureReason != nil {
		reason = *s.FailureReason
	}
	if err := c.recordNotification(ctx, s, "Failed", reason); err != nil {
		return err
	}
	if err := c.store.Update(ctx, s); err != nil {
		return err
	}
	c.compensatedCtr.Inc(1)
	c.logger.Info(fmt.Sprintf("saga '%s' (%s) compensated", s.ID, s.Reference))
	return nil
}

// ExpireRequests scans for money requests past their expiry timestamp that
// are still pending approval and moves them to EXPIRED. Expired requests
// never enter the funds-movement steps. Intended as a periodic task.
func (c *Coordinator) ExpireRequests(ctx context.Context) error {
	const batchSize = 100
	states, err := c.store.FindExpiredRequests(ctx, time.Now(), batchSize)
	if err != nil {
		return fmt.Errorf("scanning for expired requests: %w", err)
	}
	for _, candidate := range states {
		id := candidate.ID
		err := c.store.WithinTx(ctx, func(ctx context.Context) error {
			s, err := c.store.FindByID(ctx, id)
			if err != nil {
				return err
			}
			// Re-check under the transaction: an approval may have won the race.
			if s.Status != StatusPendingApproval || s.ExpiresAt == nil || s.ExpiresAt.After(time.Now()) {
				return nil
			}
			s.Status = StatusExpired
			s.UpdatedAt = time.Now()
			if err := c.store.Update(ctx, s); err != nil {
				return err
			}
			return c.recordNotification(ctx, s, "Expired", "")
		})
		if err != nil {
			c.logger.Error(fmt.Sprintf("expiring request '%s'", id), err)
		}
	}
	return nil
}

func (c *Coordinator) recordCommand(ctx context.Context, s *State, action ActionType) error {
	cmd := Command{
		CorrelationID: s.ID,
		TargetOwnerID: targetOwner(s, action),
		Action:        action,
		Amount:        s.Amount,
		Currency:      s.Currency,
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("could not encode the wallet command: %w", err)
	}
	return c.outbox.Record(ctx, &outbox.Event{
		AggregateType: aggregateType(s),
		AggregateID:   s.ID.String(),
		EventType:     "WalletCommand",
		Topic:         c.topics.Commands,
		PartitionKey:  s.ID.String(),
		Payload:       payload,
	})
}

func (c *Coordinator) recordNotification(ctx context.Context, s *State, event string, reason string) error {
	n := Notification{
		SagaID:      s.ID,
		Reference:   s.Reference,
		Kind:        s.Kind,
		Event:       event,
		SenderID:    s.SenderID,
		RecipientID: s.RecipientID,
		Amount:      s.Amount,
		Currency:    s.Currency,
		Reason:      reason,
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("could not encode the notification: %w", err)
	}
	return c.outbox.Record(ctx, &outbox.Event{
		AggregateType: aggregateType(s),
		AggregateID:   s.ID.String(),
		EventType:     aggregateType(s) + event,
		Topic:         c.topics.Notifications,
		PartitionKey:  s.ID.String(),
		Payload:       payload,
	})
}

func aggregateType(s *State) string {
	if s.Kind == KindMoneyRequest {
		return "MoneyRequest"
	}
	return "Transfer"
}

func validateInitiation(in Initiation) error {
	if in.InitiatorID == "" || in.CounterpartyID == "" {
		return fmt.Errorf("both parties are required: %w", ErrInvalidInitiation)
	}
	if in.InitiatorID == in.CounterpartyID {
		return fmt.Errorf("parties must differ: %w", ErrInvalidInitiation)
	}
	if in.Amount <= 0 {
		return fmt.Errorf("amount must be positive: %w", ErrInvalidInitiation)
	}
	if in.Currency == "" {
		return fmt.Errorf("currency is required: %w", ErrInvalidInitiation)
	}
	return nil
}

// newReference builds a short human-readable reference like "TRF-9F2C41D0".
func newReference(prefix string) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
	return fmt.Sprintf("%s-%s", prefix, id[:8])
}
