package saga

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletline/walletline/dedup"
	"github.com/walletline/walletline/outbox"
)

// memoryStore is an in-memory saga.Store. FindByID returns copies so
// uncommitted mutations never leak into the stored state, mimicking a real
// database read.
type memoryStore struct {
	states map[uuid.UUID]*State
}

var _ Store = (*memoryStore)(nil)

func newMemoryStore() *memoryStore {
	return &memoryStore{states: make(map[uuid.UUID]*State)}
}

func (m *memoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *memoryStore) Create(_ context.Context, s *State) error {
	m.states[s.ID] = cloneState(s)
	return nil
}

func (m *memoryStore) FindByID(_ context.Context, id uuid.UUID) (*State, error) {
	s, ok := m.states[id]
	if !ok {
		return nil, ErrSagaNotFound
	}
	return cloneState(s), nil
}

func (m *memoryStore) Update(_ context.Context, s *State) error {
	if _, ok := m.states[s.ID]; !ok {
		return ErrSagaNotFound
	}
	m.states[s.ID] = cloneState(s)
	return nil
}

func (m *memoryStore) FindExpiredRequests(_ context.Context, now time.Time, limit int) ([]*State, error) {
	var out []*State
	for _, s := range m.states {
		if s.Kind == KindMoneyRequest && s.Status == StatusPendingApproval && s.ExpiresAt != nil && s.ExpiresAt.Before(now) {
			out = append(out, cloneState(s))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func cloneState(s *State) *State {
	c := *s
	if s.FailureReason != nil {
		r := *s.FailureReason
		c.FailureReason = &r
	}
	if s.ExpiresAt != nil {
		e := *s.ExpiresAt
		c.ExpiresAt = &e
	}
	return &c
}

// memoryDedupStore is an in-memory processed-event store.
type memoryDedupStore struct {
	seen map[string]bool
}

var _ dedup.Store = (*memoryDedupStore)(nil)

func newMemoryDedupStore() *memoryDedupStore {
	return &memoryDedupStore{seen: make(map[string]bool)}
}

func (m *memoryDedupStore) Exists(_ context.Context, eventID string) (bool, error) {
	return m.seen[eventID], nil
}

func (m *memoryDedupStore) Insert(_ context.Context, eventID string, _ string) error {
	if m.seen[eventID] {
		return dedup.ErrDuplicateInsert
	}
	m.seen[eventID] = true
	return nil
}

func (m *memoryDedupStore) DeleteBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

// captureRepository records every outbox save so tests can assert on the
// emitted commands and notifications.
type captureRepository struct {
	saved []*outbox.Record
}

var _ outbox.Repository = (*captureRepository)(nil)

func (r *captureRepository) Save(_ context.Context, o *outbox.Record) error {
	r.saved = append(r.saved, o)
	return nil
}

func (r *captureRepository) AcquireLock(uuid.UUID) (bool, error)        { return false, nil }
func (r *captureRepository) ReleaseLock(uuid.UUID) error                { return nil }
func (r *captureRepository) UpdateSubscription(uuid.UUID) (bool, error) { return true, nil }
func (r *captureRepository) SubscribeDispatcher(uuid.UUID, int) (bool, int, error) {
	return true, 1, nil
}
func (r *captureRepository) FindPendingInBatches(int, int, func([]*outbox.Record) error) error {
	return nil
}
func (r *captureRepository) MarkSent([]uuid.UUID) error              { return nil }
func (r *captureRepository) MarkFailedAttempt(uuid.UUID, string) error { return nil }
func (r *captureRepository) DeleteSentBefore(time.Time) (int64, error) { return 0, nil }
func (r *captureRepository) RequeueFailed(int) (int64, error)          { return 0, nil }

// commandsOf filters the captured records down to wallet commands.
func (r *captureRepository) commandsOf(t *testing.T) []*Command {
	t.Helper()
	var out []*Command
	for _, rec := range r.saved {
		if rec.EventType != "WalletCommand" {
			continue
		}
		cmd, err := DecodeCommand(rec.Payload)
		require.NoError(t, err)
		out = append(out, cmd)
	}
	return out
}

// notificationsOf filters the captured records down to lifecycle events.
func (r *captureRepository) notificationsOf(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, rec := range r.saved {
		if rec.EventType == "WalletCommand" {
			continue
		}
		out = append(out, rec.EventType)
	}
	return out
}

type nopEmitter struct{}

func (nopEmitter) Emit(*outbox.Record, chan *outbox.DeliveryReport) error { return nil }

type fixture struct {
	store       *memoryStore
	repo        *captureRepository
	coordinator *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemoryStore()
	repo := &captureRepository{}
	ob := outbox.New(outbox.Settings{}, repo, nopEmitter{})
	guard := dedup.NewGuard(newMemoryDedupStore())
	c := NewCoordinator(store, guard, ob, Topics{
		Commands:      "commands",
		Notifications: "notifications",
	}, "orchestrator")
	return &fixture{store: store, repo: repo, coordinator: c}
}

func (f *fixture) confirm(t *testing.T, id uuid.UUID, action ActionType) {
	t.Helper()
	err := f.coordinator.HandleStepEvent(context.Background(), &StepEvent{
		EventID:       uuid.NewString(),
		CorrelationID: id,
		Action:        action,
		Success:       true,
	})
	require.NoError(t, err)
}

func (f *fixture) fail(t *testing.T, id uuid.UUID, action ActionType, reason string) {
	t.Helper()
	err := f.coordinator.HandleStepEvent(context.Background(), &StepEvent{
		EventID:       uuid.NewString(),
		CorrelationID: id,
		Action:        action,
		Success:       false,
		FailureReason: reason,
	})
	require.NoError(t, err)
}

func (f *fixture) state(t *testing.T, id uuid.UUID) *State {
	t.Helper()
	s, err := f.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	return s
}

func validInitiation() Initiation {
	return Initiation{
		InitiatorID:    "alice",
		CounterpartyID: "bob",
		Amount:         1000,
		Currency:       "EUR",
		Description:    "rent",
	}
}

func TestInitiateTransfer(t *testing.T) {
	testcases := []struct {
		name    string
		mutate  func(in *Initiation)
		wantErr bool
	}{
		{
			name:   "valid transfer",
			mutate: func(in *Initiation) {},
		},
		{
			name:    "missing sender",
			mutate:  func(in *Initiation) { in.InitiatorID = "" },
			wantErr: true,
		},
		{
			name:    "sender and recipient are the same",
			mutate:  func(in *Initiation) { in.CounterpartyID = in.InitiatorID },
			wantErr: true,
		},
		{
			name:    "zero amount",
			mutate:  func(in *Initiation) { in.Amount = 0 },
			wantErr: true,
		},
		{
			name:    "negative amount",
			mutate:  func(in *Initiation) { in.Amount = -5 },
			wantErr: true,
		},
		{
			name:    "missing currency",
			mutate:  func(in *Initiation) { in.Currency = "" },
			wantErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			in := validInitiation()
			tc.mutate(&in)

			s, err := f.coordinator.InitiateTransfer(context.Background(), in)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInitiation)
				assert.Empty(t, f.repo.saved)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StepStarted, s.Step)
			assert.Equal(t, StatusProcessing, s.Status)
			assert.Equal(t, KindTransfer, s.Kind)
			assert.NotEmpty(t, s.Reference)

			cmds := f.repo.commandsOf(t)
			require.Len(t, cmds, 1)
			assert.Equal(t, ActionReserve, cmds[0].Action)
			assert.Equal(t, "alice", cmds[0].TargetOwnerID)
			assert.Equal(t, int64(1000), cmds[0].Amount)
			assert.Equal(t, []string{"TransferCreated"}, f.repo.notificationsOf(t))
		})
	}
}

func TestHandleStepEvent_ForwardPath(t *testing.T) {
	f := newFixture(t)
	s, err := f.coordinator.InitiateTransfer(context.Background(), validInitiation())
	require.NoError(t, err)

	f.confirm(t, s.ID, ActionReserve)
	got := f.state(t, s.ID)
	assert.Equal(t, StepFundsReserved, got.Step)
	assert.True(t, got.FundsReserved)

	f.confirm(t, s.ID, ActionDebit)
	got = f.state(t, s.ID)
	assert.Equal(t, StepFundsDeducted, got.Step)
	assert.True(t, got.FundsDeducted)

	f.confirm(t, s.ID, ActionCredit)
	got = f.state(t, s.ID)
	assert.Equal(t, StepCompleted, got.Step)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, got.FundsCredited)
	assert.True(t, got.NotificationSent)

	cmds := f.repo.commandsOf(t)
	require.Len(t, cmds, 3)
	assert.Equal(t, ActionReserve, cmds[0].Action)
	assert.Equal(t, ActionDebit, cmds[1].Action)
	assert.Equal(t, "alice", cmds[1].TargetOwnerID)
	assert.Equal(t, ActionCredit, cmds[2].Action)
	assert.Equal(t, "bob", cmds[2].TargetOwnerID)

	assert.Equal(t, []string{"TransferCreated", "TransferCompleted"}, f.repo.notificationsOf(t))
}

func TestHandleStepEvent_DuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	s, err := f.coordinator.InitiateTransfer(context.Background(), validInitiation())
	require.NoError(t, err)

	ev := &StepEvent{
		EventID:       uuid.NewString(),
		CorrelationID: s.ID,
		Action:        ActionReserve,
		Success:       true,
	}
	require.NoError(t, f.coordinator.HandleStepEvent(context.Background(), ev))
	before := len(f.repo.saved)

	// Redelivery of the exact same event must be a no-op.
	require.NoError(t, f.coordinator.HandleStepEvent(context.Background(), ev))
	assert.Len(t, f.repo.saved, before)
	assert.Equal(t, StepFundsReserved, f.state(t, s.ID).Step)
}

func TestHandleStepEvent_OutOfOrderConfirmation(t *testing.T) {
	f := newFixture(t)
	s, err := f.coordinator.InitiateTransfer(context.Background(), validInitiation())
	require.NoError(t, err)

	// A credit confirmation arriving while the saga still waits for the
	// reserve confirmation does not match any transition and is absorbed.
	f.confirm(t, s.ID, ActionCredit)
	got := f.state(t, s.ID)
	assert.Equal(t, StepStarted, got.Step)
	assert.False(t, got.FundsCredited)
}

func TestHandleStepEvent_FailureBeforeAnyFundsMoved(t *testing.T) {
	f := newFixture(t)
	s, err := f.coordinator.InitiateTransfer(context.Background(), validInitiation())
	require.NoError(t, err)

	f.fail(t, s.ID, ActionReserve, "insufficient available balance")
	got := f.state(t, s.ID)
	assert.Equal(t, StatusCompensated, got.Status)
	assert.Equal(t, StepCompensated, got.Step)
	assert.True(t, got.CompensationRequired)
	assert.True(t, got.CompensationCompleted)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "insufficient available balance", *got.FailureReason)

	// No compensation command was needed: nothing was reserved yet.
	assert.Len(t, f.repo.commandsOf(t), 1)
	assert.Equal(t, []string{"TransferCreated", "TransferFailed"}, f.repo.notificationsOf(t))
}

func TestHandleStepEvent_CompensationWalk(t *testing.T) {
	f := newFixture(t)
	s, err := f.coordinator.InitiateTransfer(context.Background(), validInitiation())
	require.NoError(t, err)

	f.confirm(t, s.ID, ActionReserve)
	f.confirm(t, s.ID, ActionDebit)
	f.fail(t, s.ID, ActionCredit, "wallet is not active")

	got := f.state(t, s.ID)
	assert.Equal(t, StatusCompensating, got.Status)
	assert.Equal(t, StepCompensating, got.Step)

	// The walk unwinds backward from the highest completed step.
	f.confirm(t, s.ID, ActionReverseDebit)
	got = f.state(t, s.ID)
	assert.Equal(t, StatusCompensating, got.Status)
	assert.False(t, got.FundsDeducted)
	assert.True(t, got.FundsReserved)

	f.confirm(t, s.ID, ActionRelease)
	got = f.state(t, s.ID)
	assert.Equal(t, StatusCompensated, got.Status)
	assert.Equal(t, StepCompensated, got.Step)
	assert.True(t, got.CompensationCompleted)
	assert.False(t, got.FundsReserved)

	cmds := f.repo.commandsOf(t)
	require.Len(t, cmds, 4)
	assert.Equal(t, ActionReverseDebit, cmds[2].Action)
	assert.Equal(t, "alice", cmds[2].TargetOwnerID)
	assert.Equal(t, ActionRelease, cmds[3].Action)
	assert.Equal(t, "alice", cmds[3].TargetOwnerID)

	assert.Equal(t, []string{"TransferCreated", "TransferFailed"}, f.repo.notificationsOf(t))
}

func TestHandleStepEvent_FailureWhileCompensatingIsFatal(t *testing.T) {
	f := newFixture(t)
	s, err := f.coordinator.InitiateTransfer(context.Background(), validInitiation())
	require.NoError(t, err)

	f.confirm(t, s.ID, ActionReserve)
	f.fail(t, s.ID, ActionDebit, "wallet is not active")
	f.fail(t, s.ID, ActionRelease, "wallet not found")

	got := f.state(t, s.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, StepFailed, got.Step)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "wallet not found", *got.FailureReason)
}

func TestHandleStepEvent_TerminalSagaIgnoresLateEvents(t *testing.T) {
	f := newFixture(t)
	s, err := f.coordinator.InitiateTransfer(context.Background(), validInitiation())
	require.NoError(t, err)

	f.confirm(t, s.ID, ActionReserve)
	f.confirm(t, s.ID, ActionDebit)
	f.confirm(t, s.ID, ActionCredit)
	before := len(f.repo.saved)

	f.confirm(t, s.ID, ActionCredit)
	assert.Len(t, f.repo.saved, before)
	assert.Equal(t, StatusCompleted, f.state(t, s.ID).Status)
}

func TestHandleStepEvent_UnknownSaga(t *testing.T) {
	f := newFixture(t)
	err := f.coordinator.HandleStepEvent(context.Background(), &StepEvent{
		EventID:       uuid.NewString(),
		CorrelationID: uuid.New(),
		Action:        ActionReserve,
		Success:       true,
	})
	assert.ErrorIs(t, err, ErrSagaNotFound)
}

func validRequest() RequestInitiation {
	return RequestInitiation{
		RequesterID: "bob",
		PayerID:     "alice",
		Amount:      500,
		Currency:    "EUR",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func TestMoneyRequestApproval(t *testing.T) {
	f := newFixture(t)
	s, err := f.coordinator.CreateMoneyRequest(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, s.Status)
	assert.Equal(t, StepNotStarted, s.Step)
	assert.Equal(t, "alice", s.SenderID)
	assert.Equal(t, "bob", s.RecipientID)

	// No funds move before the approval.
	assert.Empty(t, f.repo.commandsOf(t))

	approved, err := f.coordinator.ApproveMoneyRequest(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, approved.Status)
	assert.Equal(t, StepStarted, approved.Step)

	cmds := f.repo.commandsOf(t)
	require.Len(t, cmds, 1)
	assert.Equal(t, ActionReserve, cmds[0].Action)
	assert.Equal(t, "alice", cmds[0].TargetOwnerID)
	assert.Equal(t, []string{"MoneyRequestCreated", "MoneyRequestApproved"}, f.repo.notificationsOf(t))

	// A second approval finds the request no longer pending.
	_, err = f.coordinator.ApproveMoneyRequest(context.Background(), s.ID)
	assert.ErrorIs(t, err, ErrNotApprovable)
}

func TestMoneyRequestDeclineAndCancel(t *testing.T) {
	testcases := []struct {
		name       string
		act        func(f *fixture, id uuid.UUID) error
		wantStatus Status
		wantEvent  string
	}{
		{
			name: "decline",
			act: func(f *fixture, id uuid.UUID) error {
				return f.coordinator.DeclineMoneyRequest(context.Background(), id, "not today")
			},
			wantStatus: StatusDeclined,
			wantEvent:  "MoneyRequestDeclined",
		},
		{
			name: "cancel",
			act: func(f *fixture, id uuid.UUID) error {
				return f.coordinator.CancelMoneyRequest(context.Background(), id)
			},
			wantStatus: StatusCancelled,
			wantEvent:  "MoneyRequestCancelled",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			s, err := f.coordinator.CreateMoneyRequest(context.Background(), validRequest())
			require.NoError(t, err)

			require.NoError(t, tc.act(f, s.ID))
			got := f.state(t, s.ID)
			assert.Equal(t, tc.wantStatus, got.Status)
			assert.True(t, got.Terminal())
			assert.Empty(t, f.repo.commandsOf(t))
			assert.Contains(t, f.repo.notificationsOf(t), tc.wantEvent)

			// Terminal requests refuse further lifecycle changes.
			assert.ErrorIs(t, tc.act(f, s.ID), ErrNotApprovable)
		})
	}
}

func TestApproveExpiredRequest(t *testing.T) {
	f := newFixture(t)
	in := validRequest()
	in.ExpiresAt = time.Now().Add(-time.Minute)
	s, err := f.coordinator.CreateMoneyRequest(context.Background(), in)
	require.NoError(t, err)

	_, err = f.coordinator.ApproveMoneyRequest(context.Background(), s.ID)
	assert.ErrorIs(t, err, ErrNotApprovable)
}

func TestExpireRequests(t *testing.T) {
	f := newFixture(t)
	in := validRequest()
	in.ExpiresAt = time.Now().Add(-time.Minute)
	s, err := f.coordinator.CreateMoneyRequest(context.Background(), in)
	require.NoError(t, err)

	fresh, err := f.coordinator.CreateMoneyRequest(context.Background(), validRequest())
	require.NoError(t, err)

	require.NoError(t, f.coordinator.ExpireRequests(context.Background()))

	assert.Equal(t, StatusExpired, f.state(t, s.ID).Status)
	assert.Equal(t, StatusPendingApproval, f.state(t, fresh.ID).Status)
	assert.Empty(t, f.repo.commandsOf(t))
	assert.Contains(t, f.repo.notificationsOf(t), "MoneyRequestExpired")

	// Expired requests never become approvable again.
	_, err = f.coordinator.ApproveMoneyRequest(context.Background(), s.ID)
	assert.ErrorIs(t, err, ErrNotApprovable)
}
