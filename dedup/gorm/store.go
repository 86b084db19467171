// Package gorm provides a processed-event store backed by a gorm.DB handle.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/walletline/walletline/dedup"
	"github.com/walletline/walletline/logger"
	"github.com/walletline/walletline/outbox"
)

const (
	existsSql       = "SELECT EXISTS(SELECT 1 FROM processed_event WHERE event_id=?)"
	insertSql       = "INSERT INTO processed_event (event_id, consumer_group, processed_at) VALUES (?, ?, ?)"
	deleteBeforeSql = "DELETE FROM processed_event WHERE processed_at < ?"
)

type Store struct {
	txKey  outbox.TxKey
	db     *gorm.DB
	logger logger.Logger
}

var _ dedup.Store = (*Store)(nil)
var _ logger.Loggable = (*Store)(nil)

func New(txKey outbox.TxKey, db *gorm.DB) *Store {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Store{
		txKey: txKey,
		db:    db,
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
	err := s.handle(ctx).Raw(existsSql, eventID).Scan(&exists).Error
	if err != nil {
		return false, fmt.Errorf("could not check the processed-event record: %w", err)
	}
	return exists, nil
}

// Insert registers the event id. A unique violation is mapped to
// dedup.ErrDuplicateInsert so concurrent duplicates fail harmlessly.
func (s *Store) Insert(ctx context.Context, eventID string, consumerGroup string) error {
	err := s.handle(ctx).Exec(insertSql, eventID, consumerGroup, time.Now()).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "duplicate key") {
			return dedup.ErrDuplicateInsert
		}
		return fmt.Errorf("could not persist the processed-event record: %w", err)
	}
	return nil
}

// DeleteBefore removes records processed before the cutoff.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Exec(deleteBeforeSql, cutoff)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// handle returns the transaction present in the context or falls back to the
// root handle for callers without one.
func (s *Store) handle(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(s.txKey).(*gorm.DB); ok {
		return tx
	}
	return s.db.WithContext(ctx)
}
