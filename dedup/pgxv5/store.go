// Package pgxv5 provides a processed-event store backed by a pgx/v5
// connection pool.
package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/walletline/walletline/dedup"
	"github.com/walletline/walletline/logger"
	"github.com/walletline/walletline/outbox"
)

const (
	existsSql       = "SELECT EXISTS(SELECT 1 FROM processed_event WHERE event_id=$1)"
	insertSql       = "INSERT INTO processed_event (event_id, consumer_group, processed_at) VALUES ($1, $2, $3)"
	deleteBeforeSql = "DELETE FROM processed_event WHERE processed_at < $1"
)

const uniqueViolationCode = "23505"

// querier covers the pgx operations the store needs, satisfied by both
// pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Store struct {
	txKey  outbox.TxKey
	db     querier
	logger logger.Logger
}

var _ dedup.Store = (*Store)(nil)
var _ logger.Loggable = (*Store)(nil)

func New(txKey outbox.TxKey, pool querier) *Store {
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

// Exists reports whether the event id has already been registered, using the
// business transaction from the context when one is present so the check and
// the protected mutation share the same atomic unit.
func (s *Store) Exists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.querier(ctx).QueryRow(ctx, existsSql, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("could not check the processed-event record: %w", err)
	}
	return exists, nil
}

// Insert registers the event id. A Postgres unique violation is mapped to
// dedup.ErrDuplicateInsert so concurrent duplicates fail harmlessly.
func (s *Store) Insert(ctx context.Context, eventID string, consumerGroup string) error {
	_, err := s.querier(ctx).Exec(ctx, insertSql, eventID, consumerGroup, time.Now())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return dedup.ErrDuplicateInsert
		}
		return fmt.Errorf("could not persist the processed-event record: %w", err)
	}
	return nil
}

// DeleteBefore removes records processed before the cutoff.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ct, err := s.db.Exec(ctx, deleteBeforeSql, cutoff)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// querier returns the transaction present in the context or falls back to the
// pool for callers without one.
func (s *Store) querier(ctx context.Context) querier {
	if tx, ok := ctx.Value(s.txKey).(pgx.Tx); ok {
		return tx
	}
	return s.db
}
