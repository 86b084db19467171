package gorm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/walletline/walletline/logger"
	"github.com/walletline/walletline/outbox"
	"github.com/walletline/walletline/test"
)

var testDispatcherId uuid.UUID = uuid.New()

var (
	db         *gorm.DB
	repository *Repository
)

// TestMain prepares the database setup needed to run these tests. As you can see
// the database layer is tested against a real Postgres containerized instance, but
// for some specific cases (mostly to simulate errors) a sqlmock instance is used.
func TestMain(m *testing.M) {
	var dsn string
	ctx := context.Background()

	database, err := test.InitPostgresContainer(ctx)
	if err != nil {
		fmt.Printf("A problem occurred initializing the database: %v", err)
		os.Exit(1)
	}

	dsn, err = database.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Printf("A problem occurred getting the connection string: %v", err)
		os.Exit(1)
	}

	db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		panic("failed to connect to database")
	}

	repository = New(test.DefaultCtxKey, db)
	repository.SetLogger(&logger.NopLogger{})

	code := m.Run()

	err = database.Terminate(ctx)
	if err != nil {
		fmt.Printf("an error ocurred terminating the database container: %v", err)
	}
	os.Exit(code)
}

func TestNew(t *testing.T) {
	type args struct {
		txKey outbox.TxKey
		db    *gorm.DB
	}
	testcases := []struct {
		name      string
		args      args
		wantPanic bool
	}{
		{
			name: "valid txKey and valid db",
			args: args{
				txKey: test.DefaultCtxKey,
				db:    db,
			},
			wantPanic: false,
		},
		{
			name: "txKey is nil",
			args: args{
				txKey: nil,
			},
			wantPanic: true,
		},
		{
			name: "db is nil",
			args: args{
				txKey: test.DefaultCtxKey,
				db:    nil,
			},
			wantPanic: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() {
					New(tc.args.txKey, tc.args.db)
				})
			} else {
				assert.NotPanics(t, func() {
					New(tc.args.txKey, tc.args.db)
				})
			}
		})
	}
}

func newPendingRecord(maxRetries int) *outbox.Record {
	return &outbox.Record{
		Event: outbox.Event{
			AggregateType: "Wallet",
			AggregateID:   uuid.NewString(),
			EventType:     "WalletStepEvent",
			Topic:         "wallet-step-events",
			PartitionKey:  "pk",
			Payload:       []byte("payload"),
		},
		ID:         uuid.New(),
		Status:     outbox.StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now(),
	}
}

func TestSave(t *testing.T) {
	type args struct {
		ctx    context.Context
		record *outbox.Record
	}
	testcases := []struct {
		name       string
		args       args
		wantErr    bool
		wantErrMsg string
	}{
		{
			name: "valid context and valid record",
			args: args{
				ctx: func() context.Context {
					tx := db.Begin()
					ctx := context.WithValue(context.Background(), test.DefaultCtxKey, tx)
					return ctx
				}(),
				record: newPendingRecord(5),
			},
			wantErr: false,
		},
		{
			name: "context without an existing transaction",
			args: args{
				ctx:    context.Background(),
				record: newPendingRecord(5),
			},
			wantErr:    true,
			wantErrMsg: "a *gorm.DB transaction was expected",
		},
		{
			name: "simulate error when saving",
			args: args{
				ctx: func() context.Context {
					mockDb, mock, _ := sqlmock.New()
					gormDB, _ := gorm.Open(postgres.New(postgres.Config{
						Conn: mockDb,
					}), &gorm.Config{})
					mock.ExpectBegin()
					mock.ExpectExec("INSERT INTO outbox.+").WithArgs(test.GenerateAnyArgsSlice(9)...).WillReturnError(errors.New("error#1"))
					tx := gormDB.Begin()
					ctx := context.WithValue(context.Background(), test.DefaultCtxKey, tx)
					return ctx
				}(),
				record: newPendingRecord(5),
			},
			wantErr:    true,
			wantErrMsg: "could not persist the outbox record: error#1",
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := tc.args.ctx
			err := repository.Save(ctx, tc.args.record)
			if !tc.wantErr {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Equal(t, tc.wantErrMsg, err.Error())
			}

			tx, ok := ctx.Value(test.DefaultCtxKey).(*gorm.DB)
			if ok {
				tx.Rollback()
			}
		})
	}
}

func TestAcquireLock(t *testing.T) {
	const acquireLockSqlRegEx string = "UPDATE outbox_lock SET locked=true.+"
	type args struct {
		dispatcherId uuid.UUID
	}
	testcases := []struct {
		name             string
		args             args
		preconditions    func()
		postconditions   func()
		mockExpectations func(sqlmock.Sqlmock)
		wantAcquired     bool
		wantErr          bool
		wantErrMsg       string
	}{
		{
			name: "lock successfully acquired",
			args: args{
				dispatcherId: uuid.New(),
			},
			wantAcquired: true,
			wantErr:      false,
		},
		{
			name: "lock already acquired",
			args: args{
				dispatcherId: uuid.New(),
			},
			preconditions: func() {
				repository.AcquireLock(testDispatcherId) //nolint:all
			},
			postconditions: func() {
				repository.ReleaseLock(testDispatcherId) //nolint:all
			},
			wantAcquired: false,
			wantErr:      false,
		},
		{
			name: "simulate error when scanning lock row",
			args: args{
				dispatcherId: uuid.New(),
			},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				rows := test.MockUnlockedOutboxLock(mock, testDispatcherId)
				rows.RowError(0, errors.New("error#2"))
			},
			wantAcquired: false,
			wantErr:      true,
			wantErrMsg:   "error#2",
		},
		{
			name: "simulate error when updating row",
			args: args{
				dispatcherId: uuid.New(),
			},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockUnlockedOutboxLock(mock, testDispatcherId)
				mock.ExpectExec(acquireLockSqlRegEx).WithArgs(test.GenerateAnyArgsSlice(5)...).WillReturnError(errors.New("error#3"))
			},
			wantAcquired: false,
			wantErr:      true,
			wantErrMsg:   "error#3",
		},
		{
			name: "simulate 0 rows affected",
			args: args{
				dispatcherId: uuid.New(),
			},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockUnlockedOutboxLock(mock, testDispatcherId)
				mock.ExpectExec(acquireLockSqlRegEx).WithArgs(test.GenerateAnyArgsSlice(5)...).WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantAcquired: false,
			wantErr:      true,
			wantErrMsg:   "race condition detected during the optimistic locking",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo := repository
			if tc.preconditions != nil {
				tc.preconditions()
			}
			if tc.mockExpectations != nil {
				var mock sqlmock.Sqlmock
				repo, mock = createSqlMockRepository()
				tc.mockExpectations(mock)
			}
			acquired, err := repo.AcquireLock(tc.args.dispatcherId)
			assert.Equal(t, tc.wantAcquired, acquired)
			if tc.wantErr {
				assert.Error(t, err)
				assert.Equal(t, tc.wantErrMsg, err.Error())
			} else {
				assert.NoError(t, err)
			}
			if acquired {
				repo.ReleaseLock(tc.args.dispatcherId) //nolint:all
			}
			if tc.postconditions != nil {
				tc.postconditions()
			}
		})
	}
}

func TestReleaseLock(t *testing.T) {
	const releaseLockSqlRegEx string = "UPDATE outbox_lock SET locked=false.+"
	type args struct {
		dispatcherId uuid.UUID
	}
	testcases := []struct {
		name             string
		args             args
		preconditions    func()
		postconditions   func()
		mockExpectations func(sqlmock.Sqlmock)
		wantErr          bool
		wantErrMsg       string
	}{
		{
			name: "lock successfully released",
			args: args{
				dispatcherId: testDispatcherId,
			},
			preconditions: func() {
				repository.AcquireLock(testDispatcherId) //nolint:all
			},
			wantErr: false,
		},
		{
			name: "lock not owned by the releasing dispatcher",
			args: args{
				dispatcherId: uuid.New(),
			},
			preconditions: func() {
				repository.AcquireLock(testDispatcherId) //nolint:all
			},
			postconditions: func() {
				repository.ReleaseLock(testDispatcherId) //nolint:all
			},
			wantErr: true,
		},
		{
			name: "simulate error when updating row",
			args: args{
				dispatcherId: testDispatcherId,
			},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockLockedOutboxLock(mock, testDispatcherId)
				mock.ExpectExec(releaseLockSqlRegEx).WillReturnError(errors.New("error#4"))
			},
			wantErr:    true,
			wantErrMsg: "error#4",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo := repository
			if tc.preconditions != nil {
				tc.preconditions()
			}
			if tc.mockExpectations != nil {
				var mock sqlmock.Sqlmock
				repo, mock = createSqlMockRepository()
				tc.mockExpectations(mock)
			}
			err := repo.ReleaseLock(tc.args.dispatcherId)
			if tc.wantErr {
				assert.Error(t, err)
				if tc.wantErrMsg != "" {
					assert.Equal(t, tc.wantErrMsg, err.Error())
				}
			} else {
				assert.NoError(t, err)
			}
			if tc.postconditions != nil {
				tc.postconditions()
			}
		})
	}
}

func TestFindPendingInBatches(t *testing.T) {
	testcases := []struct {
		name             string
		batchSize        int
		limit            int
		mockExpectations func(sqlmock.Sqlmock)
		fcErr            error
		wantBatches      []int
		wantErr          bool
	}{
		{
			name:      "three pending records in batches of two",
			batchSize: 2,
			limit:     -1,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockPendingOutboxRows(mock)
			},
			wantBatches: []int{2, 1},
		},
		{
			name:      "the limit is pushed down to the query",
			batchSize: 10,
			limit:     3,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockPendingOutboxRows(mock)
			},
			wantBatches: []int{3},
		},
		{
			name:      "simulate error when querying",
			batchSize: 2,
			limit:     -1,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT .+ FROM outbox WHERE status='PENDING'.*").WillReturnError(errors.New("error#5"))
			},
			wantErr: true,
		},
		{
			name:      "a callback error stops the iteration",
			batchSize: 2,
			limit:     -1,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockPendingOutboxRows(mock)
			},
			fcErr:   errors.New("error#6"),
			wantErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createSqlMockRepository()
			tc.mockExpectations(mock)

			var batches []int
			err := repo.FindPendingInBatches(tc.batchSize, tc.limit, func(records []*outbox.Record) error {
				if tc.fcErr != nil {
					return tc.fcErr
				}
				batches = append(batches, len(records))
				return nil
			})
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tc.wantBatches, batches)
			}
		})
	}
}

// TestOutboxLifecycle walks a record through the whole delivery lifecycle
// against the real database: saved, found pending, retried until parked,
// requeued, sent and purged.
func TestOutboxLifecycle(t *testing.T) {
	record := newPendingRecord(2)

	tx := db.Begin()
	txCtx := context.WithValue(context.Background(), test.DefaultCtxKey, tx)
	require.NoError(t, repository.Save(txCtx, record))
	require.NoError(t, tx.Commit().Error)

	var found []*outbox.Record
	err := repository.FindPendingInBatches(10, -1, func(batch []*outbox.Record) error {
		found = append(found, batch...)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, record.ID, found[0].ID)
	assert.Equal(t, outbox.StatusPending, found[0].Status)

	// Two failed attempts reach the retry ceiling and park the record.
	require.NoError(t, repository.MarkFailedAttempt(record.ID, "broker unreachable"))
	require.NoError(t, repository.MarkFailedAttempt(record.ID, "broker unreachable"))
	assertOutboxStatus(t, record.ID, "FAILED")

	// A record at the ceiling stays parked until an operator resets its budget.
	requeued, err := repository.RequeueFailed(10)
	require.NoError(t, err)
	assert.Zero(t, requeued)

	require.NoError(t, db.Exec("UPDATE outbox SET retry_count=1 WHERE id=?", record.ID).Error)
	requeued, err = repository.RequeueFailed(10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requeued)
	assertOutboxStatus(t, record.ID, "PENDING")

	require.NoError(t, repository.MarkSent([]uuid.UUID{record.ID}))
	assertOutboxStatus(t, record.ID, "SENT")

	deleted, err := repository.DeleteSentBefore(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	require.NoError(t, db.Exec("DELETE FROM outbox").Error)
}

func TestSubscribeDispatcher(t *testing.T) {
	type args struct {
		maxDispatchers int
	}
	testcases := []struct {
		name                 string
		args                 args
		preconditions        func()
		mockExpectations     func(sqlmock.Sqlmock)
		wantSuccess          bool
		expectedSubscription int
		wantErr              bool
		wantErrMsg           string
	}{
		{
			name: "subscription allowed",
			args: args{
				maxDispatchers: 2,
			},
			wantSuccess:          true,
			expectedSubscription: 1,
			wantErr:              false,
		},
		{
			name: "subscription not allowed",
			args: args{
				maxDispatchers: 4,
			},
			preconditions: func() {
				for i := 1; i <= 4; i++ {
					db.Exec(
						"INSERT INTO outbox_dispatcher_subscription (id, dispatcher_id, alive_at) VALUES (?, ?, ?)",
						i, uuid.New(), time.Now())
				}
			},
			wantSuccess:          false,
			expectedSubscription: 0,
			wantErr:              false,
		},
		{
			name: "second subscription is reused",
			args: args{
				maxDispatchers: 4,
			},
			preconditions: func() {
				expired := time.Now().Add(time.Second * -40)
				for i := 1; i <= 4; i++ {
					now := time.Now()
					if i == 2 {
						now = expired
					}
					db.Exec(
						"INSERT INTO outbox_dispatcher_subscription (id, dispatcher_id, alive_at) VALUES (?, ?, ?)",
						i, uuid.New(), now)
				}
			},
			wantSuccess:          true,
			expectedSubscription: 2,
			wantErr:              false,
		},
		{
			name: "simulate error when querying subscriptions",
			args: args{
				maxDispatchers: 2,
			},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT \\* FROM outbox_dispatcher_subscription.+").WillReturnError(errors.New("error#7"))
			},
			wantErr:    true,
			wantErrMsg: "error#7",
		},
		{
			name: "simulate race condition when reusing a subscription",
			args: args{
				maxDispatchers: 4,
			},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockSubscriptionRowsWithOneExpired(mock)
				mock.ExpectExec("UPDATE outbox_dispatcher_subscription SET dispatcher_id=.+").
					WithArgs(test.GenerateAnyArgsSlice(5)...).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantErr:    true,
			wantErrMsg: "race condition detected during the optimistic locking",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo := repository
			if tc.preconditions != nil {
				tc.preconditions()
			}
			if tc.mockExpectations != nil {
				var mock sqlmock.Sqlmock
				repo, mock = createSqlMockRepository()
				tc.mockExpectations(mock)
			}
			result, subscription, err := repo.SubscribeDispatcher(uuid.New(), tc.args.maxDispatchers)

			if !tc.wantErr {
				assert.NoError(t, err)
				assert.Equal(t, tc.wantSuccess, result)
				assert.Equal(t, tc.expectedSubscription, subscription)
			} else {
				assert.Error(t, err)
				assert.Equal(t, tc.wantErrMsg, err.Error())
			}

			// Cleanup before the next test case is executed.
			if err := db.Exec("DELETE FROM outbox_dispatcher_subscription").Error; err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestUpdateSubscription(t *testing.T) {
	dispatcherId := uuid.New()

	alive, err := repository.UpdateSubscription(dispatcherId)
	require.NoError(t, err)
	assert.False(t, alive)

	require.NoError(t, db.Exec(
		"INSERT INTO outbox_dispatcher_subscription (id, dispatcher_id, alive_at) VALUES (?, ?, ?)",
		1, dispatcherId, time.Now().Add(time.Second*-10)).Error)

	alive, err = repository.UpdateSubscription(dispatcherId)
	require.NoError(t, err)
	assert.True(t, alive)

	require.NoError(t, db.Exec("DELETE FROM outbox_dispatcher_subscription").Error)
}

func assertOutboxStatus(t *testing.T, id uuid.UUID, want string) {
	t.Helper()
	var status string
	require.NoError(t, db.Raw("SELECT status FROM outbox WHERE id=?", id).Scan(&status).Error)
	assert.Equal(t, want, status)
}

func createSqlMockRepository() (*Repository, sqlmock.Sqlmock) {
	mockDb, mock, _ := sqlmock.New()
	gormDB, _ := gorm.Open(postgres.New(postgres.Config{
		Conn: mockDb,
	}), &gorm.Config{})
	repository := New(test.DefaultCtxKey, gormDB)
	repository.SetLogger(&logger.NopLogger{})
	return repository, mock
}
