// Package pgxv5 provides a saga store backed by a pgx/v5 connection pool.
package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/walletline/walletline/logger"
	"github.com/walletline/walletline/outbox"
	"github.com/walletline/walletline/saga"
)

const (
	sagaColumns = "id, reference, kind, sender_id, recipient_id, amount, currency, description, status, step, funds_reserved, funds_deducted, funds_credited, notification_sent, compensation_required, compensation_completed, failure_reason, expires_at, created_at, updated_at"

	insertSagaSql  = "INSERT INTO saga (" + sagaColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)"
	findByIDSql    = "SELECT " + sagaColumns + " FROM saga WHERE id=$1"
	updateSagaSql  = "UPDATE saga SET status=$2, step=$3, funds_reserved=$4, funds_deducted=$5, funds_credited=$6, notification_sent=$7, compensation_required=$8, compensation_completed=$9, failure_reason=$10, updated_at=$11 WHERE id=$1"
	findExpiredSql = "SELECT " + sagaColumns + " FROM saga WHERE kind='MONEY_REQUEST' AND status='PENDING_APPROVAL' AND expires_at < $1 ORDER BY expires_at ASC LIMIT $2"
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// querier covers the operations shared by the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Store struct {
	txKey  outbox.TxKey
	db     dbpool
	logger logger.Logger
}

var _ saga.Store = (*Store)(nil)
var _ logger.Loggable = (*Store)(nil)

func New(txKey outbox.TxKey, pool dbpool) *Store {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Store{
		txKey: txKey,
		db:    pool,
	}
}

// SetLogger sets an optional logger.
func (s *Store) SetLogger(l logger.Logger) {
	s.logger = l
}

// WithinTx opens a transaction and runs fn with it placed in the context under
// the store's TxKey, so the outbox repository and the processed-event store
// join the same atomic unit. A context that already carries a transaction is
// reused as is, which makes nested calls harmless.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(s.txKey).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("could not begin the transaction: %w", err)
	}
	txCtx := context.WithValue(ctx, s.txKey, tx)
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn(fmt.Sprintf("could not roll back the transaction: %v", rbErr))
		}
		return err
	}
	return tx.Commit(ctx)
}

// Create persists a new saga state.
func (s *Store) Create(ctx context.Context, st *saga.State) error {
	_, err := s.querier(ctx).Exec(ctx, insertSagaSql,
		st.ID, st.Reference, st.Kind, st.SenderID, st.RecipientID, st.Amount, st.Currency, st.Description,
		st.Status, st.Step,
		st.FundsReserved, st.FundsDeducted, st.FundsCredited, st.NotificationSent,
		st.CompensationRequired, st.CompensationCompleted, st.FailureReason,
		st.ExpiresAt, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("could not persist the saga: %w", err)
	}
	return nil
}

// FindByID returns the saga for the id, or saga.ErrSagaNotFound.
func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*saga.State, error) {
	return scanState(s.querier(ctx).QueryRow(ctx, findByIDSql, id))
}

// Update persists the full saga state.
func (s *Store) Update(ctx context.Context, st *saga.State) error {
	ct, err := s.querier(ctx).Exec(ctx, updateSagaSql,
		st.ID, st.Status, st.Step,
		st.FundsReserved, st.FundsDeducted, st.FundsCredited, st.NotificationSent,
		st.CompensationRequired, st.CompensationCompleted, st.FailureReason, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("could not update the saga: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return saga.ErrSagaNotFound
	}
	return nil
}

// FindExpiredRequests returns money requests still pending approval whose
// expiry timestamp is in the past.
func (s *Store) FindExpiredRequests(ctx context.Context, now time.Time, limit int) ([]*saga.State, error) {
	rows, err := s.db.Query(ctx, findExpiredSql, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*saga.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return states, nil
}

// querier returns the transaction present in the context or falls back to the
// pool for callers without one.
func (s *Store) querier(ctx context.Context) querier {
	if tx, ok := ctx.Value(s.txKey).(pgx.Tx); ok {
		return tx
	}
	return s.db
}

func scanState(row pgx.Row) (*saga.State, error) {
	var st saga.State
	err := row.Scan(&st.ID, &st.Reference, &st.Kind, &st.SenderID, &st.RecipientID, &st.Amount, &st.Currency, &st.Description,
		&st.Status, &st.Step,
		&st.FundsReserved, &st.FundsDeducted, &st.FundsCredited, &st.NotificationSent,
		&st.CompensationRequired, &st.CompensationCompleted, &st.FailureReason,
		&st.ExpiresAt, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, saga.ErrSagaNotFound
		}
		return nil, fmt.Errorf("could not read the saga: %w", err)
	}
	return &st, nil
}
