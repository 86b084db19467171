// Package gorm provides a wallet repository backed by a gorm.DB handle.
package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/walletline/walletline/ledger"
	"github.com/walletline/walletline/logger"
	"github.com/walletline/walletline/outbox"
)

const (
	insertWalletSql    = "INSERT INTO wallet (id, owner_id, balance, reserved, currency, status, version, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	findByOwnerSql     = "SELECT id, owner_id, balance, reserved, currency, status, version, created_at, updated_at FROM wallet WHERE owner_id=?"
	updateVersionedSql = "UPDATE wallet SET balance=?, reserved=?, status=?, version=?, updated_at=? WHERE id=? AND version=?"
)

type Repository struct {
	txKey  outbox.TxKey
	db     *gorm.DB
	logger logger.Logger
}

var _ ledger.Repository = (*Repository)(nil)
var _ logger.Loggable = (*Repository)(nil)

func New(txKey outbox.TxKey, db *gorm.DB) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		txKey: txKey,
		db:    db,
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l logger.Logger) {
	r.logger = l
}

// WithinTx opens a transaction and runs fn with it placed in the context under
// the repository's TxKey, so the outbox repository and the processed-event
// store join the same atomic unit. A context that already carries a
// transaction is reused as is.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(r.txKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, r.txKey, tx))
	})
}

// Create persists a new wallet.
func (r *Repository) Create(ctx context.Context, w *ledger.Wallet) error {
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
		w.UpdatedAt = now
	}
	if w.Version == 0 {
		w.Version = 1
	}
	err := r.handle(ctx).Exec(insertWalletSql, w.ID, w.OwnerID, w.Balance, w.Reserved, w.Currency, w.Status, w.Version, w.CreatedAt, w.UpdatedAt).Error
	if err != nil {
		return fmt.Errorf("could not persist the wallet: %w", err)
	}
	return nil
}

// FindByOwner returns the wallet of an owner.
func (r *Repository) FindByOwner(ctx context.Context, ownerID string) (*ledger.Wallet, error) {
	row := r.handle(ctx).Raw(findByOwnerSql, ownerID).Row()
	var w ledger.Wallet
	err := row.Scan(&w.ID, &w.OwnerID, &w.Balance, &w.Reserved, &w.Currency, &w.Status, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrWalletNotFound
		}
		return nil, fmt.Errorf("could not read the wallet: %w", err)
	}
	return &w, nil
}

// UpdateVersioned writes the wallet guarded by its version counter. A zero
// rows-affected result means another writer won the race.
func (r *Repository) UpdateVersioned(ctx context.Context, w *ledger.Wallet) (bool, error) {
	res := r.handle(ctx).Exec(updateVersionedSql, w.Balance, w.Reserved, w.Status, w.Version+1, time.Now(), w.ID, w.Version)
	if res.Error != nil {
		return false, fmt.Errorf("could not update the wallet: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	w.Version++
	return true, nil
}

// handle returns the transaction present in the context or falls back to the
// root handle for callers without one.
func (r *Repository) handle(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(r.txKey).(*gorm.DB); ok {
		return tx
	}
	return r.db.WithContext(ctx)
}
