package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/walletline/walletline/dedup"
	"github.com/walletline/walletline/logger"
	"github.com/walletline/walletline/outbox"
	"github.com/walletline/walletline/saga"
	"github.com/walletline/walletline/stream"
)

// TxRunner opens one atomic unit and runs fn inside it, with the transaction
// placed in the context so the wallet repository, the processed-event store
// and the outbox repository all join it.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CommandHandler is the wallet-side consumer of saga commands. Each command is
// applied exactly once: the idempotency check, the ledger mutation, the step
// event emission and the processed mark share one transaction. Business
// failures travel back to the orchestrator as failed step events; infra
// errors bubble up uncommitted so the channel redelivers the command.
type CommandHandler struct {
	service *Service
	runner  TxRunner
	guard   *dedup.Guard
	outbox  *outbox.Outbox
	logger  logger.Logger
	group   string
	topic   string
}

var _ stream.Handler = (*CommandHandler)(nil)

type handlerOpt func(h *CommandHandler)

// WithHandlerLogger allows clients to configure an optional logger.
func WithHandlerLogger(l logger.Logger) handlerOpt {
	return func(h *CommandHandler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewCommandHandler(s *Service, r TxRunner, g *dedup.Guard, o *outbox.Outbox, stepEventsTopic string, consumerGroup string, options ...handlerOpt) *CommandHandler {
	if s == nil || r == nil || g == nil || o == nil {
		panic("you must provide a service, a tx runner, a guard and an outbox")
	}
	if stepEventsTopic == "" {
		panic("you must provide the step events topic")
	}
	h := &CommandHandler{
		service: s,
		runner:  r,
		guard:   g,
		outbox:  o,
		logger:  &logger.NopLogger{},
		group:   consumerGroup,
		topic:   stepEventsTopic,
	}
	for _, op := range options {
		op(h)
	}
	return h
}

// Handle applies one wallet command.
func (h *CommandHandler) Handle(ctx context.Context, m *stream.Message) error {
	cmd, err := saga.DecodeCommand(m.Payload)
	if err != nil {
		// Poison message: acknowledging it is the only way forward.
		h.logger.Error(fmt.Sprintf("discarding undecodable command '%s'", m.ID), err)
		return nil
	}

	return h.runner.WithinTx(ctx, func(ctx context.Context) error {
		duplicate, err := h.guard.AlreadyProcessed(ctx, m.ID)
		if err != nil {
			return err
		}
		if duplicate {
			h.logger.Debug(fmt.Sprintf("command '%s' already processed", m.ID))
			return nil
		}

		execErr := h.execute(ctx, cmd)
		if execErr != nil && !IsBusinessFailure(execErr) {
			return execErr
		}

		ev := saga.StepEvent{
			EventID:       uuid.New().String(),
			CorrelationID: cmd.CorrelationID,
			Action:        cmd.Action,
			Amount:        cmd.Amount,
			Success:       execErr == nil,
		}
		if execErr != nil {
			ev.FailureReason = execErr.Error()
			h.logger.Warn(fmt.Sprintf("command '%s' (%s) rejected: %v", m.ID, cmd.Action, execErr))
		}

		if err := h.recordStepEvent(ctx, cmd, &ev); err != nil {
			return err
		}
		return h.guard.MarkProcessed(ctx, m.ID, h.group)
	})
}

// execute maps the command action onto the ledger operation it stands for.
func (h *CommandHandler) execute(ctx context.Context, cmd *saga.Command) error {
	var err error
	switch cmd.Action {
	case saga.ActionReserve:
		_, err = h.service.Reserve(ctx, cmd.TargetOwnerID, cmd.Amount, cmd.Currency)
	case saga.ActionRelease:
		_, err = h.service.Release(ctx, cmd.TargetOwnerID, cmd.Amount, cmd.Currency)
	case saga.ActionDebit:
		_, err = h.service.DebitReserved(ctx, cmd.TargetOwnerID, cmd.Amount, cmd.Currency)
	case saga.ActionCredit:
		_, err = h.service.Credit(ctx, cmd.TargetOwnerID, cmd.Amount, cmd.Currency)
	case saga.ActionReverseCredit:
		_, err = h.service.Debit(ctx, cmd.TargetOwnerID, cmd.Amount, cmd.Currency)
	case saga.ActionReverseDebit:
		_, err = h.service.Credit(ctx, cmd.TargetOwnerID, cmd.Amount, cmd.Currency)
	default:
		err = fmt.Errorf("'%s': %w", cmd.Action, ErrUnknownAction)
	}
	return err
}

func (h *CommandHandler) recordStepEvent(ctx context.Context, cmd *saga.Command, ev *saga.StepEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("could not encode the step event: %w", err)
	}
	return h.outbox.Record(ctx, &outbox.Event{
		AggregateType: "Wallet",
		AggregateID:   cmd.TargetOwnerID,
		EventType:     "WalletStepEvent",
		Topic:         h.topic,
		PartitionKey:  cmd.CorrelationID.String(),
		Payload:       payload,
	})
}
