// Package gorm provides an outbox repository backed by a gorm.DB handle.
package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/walletline/walletline/logger"
	"github.com/walletline/walletline/outbox"
)

const (
	getSubscriptionsSql           = "SELECT * FROM outbox_dispatcher_subscription ORDER BY id ASC"
	getOutboxLockRowSql           = "SELECT * from outbox_lock WHERE id=1"
	getPendingEntriesWithLimitSql = "SELECT id, aggregate_type, aggregate_id, event_type, topic, partition_key, payload, status, retry_count, max_retries, created_at, processed_at, last_error FROM outbox WHERE status='PENDING' ORDER BY created_at ASC LIMIT ?"
	getPendingEntriesSql          = "SELECT id, aggregate_type, aggregate_id, event_type, topic, partition_key, payload, status, retry_count, max_retries, created_at, processed_at, last_error FROM outbox WHERE status='PENDING' ORDER BY created_at ASC"
	insertOutboxSql               = "INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, topic, partition_key, payload, status, retry_count, max_retries, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, 'PENDING', 0, ?, ?)"
	markFailedAttemptSql          = "UPDATE outbox SET retry_count=retry_count+1, last_error=?, status=CASE WHEN retry_count+1 >= max_retries THEN 'FAILED' ELSE 'PENDING' END WHERE id=? AND status='PENDING'"
	deleteSentBeforeSql           = "DELETE FROM outbox WHERE status='SENT' AND processed_at < ?"
	requeueFailedSql              = "UPDATE outbox SET status='PENDING', last_error=NULL WHERE id IN (SELECT id FROM outbox WHERE status='FAILED' AND retry_count < max_retries ORDER BY created_at ASC LIMIT ?)"
	subscribeDispatcherInsertSql  = "INSERT INTO outbox_dispatcher_subscription (id, dispatcher_id, alive_at, version) VALUES (?, ?, ?, 1)"
	subscribeDispatcherUpdateSql  = "UPDATE outbox_dispatcher_subscription SET dispatcher_id=?, alive_at=?, version=? WHERE id=? AND version=?"
	acquireLockSql                = "UPDATE outbox_lock SET locked=true, locked_by=?, locked_at=?, locked_until=?, version=? WHERE id=1 AND version=?"
	releaseLockSql                = "UPDATE outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null WHERE id=1"
	updateSubscriptionSql         = "UPDATE outbox_dispatcher_subscription SET alive_at=NOW() WHERE dispatcher_id=?"
)

const lockMaxDuration = 30 * time.Second

type Repository struct {
	txKey  outbox.TxKey
	db     *gorm.DB
	logger logger.Logger
}

var _ logger.Loggable = (*Repository)(nil)
var _ outbox.Repository = (*Repository)(nil)

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

// Save persists an outbox record in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of gorm.DB.
func (r *Repository) Save(ctx context.Context, o *outbox.Record) error {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return errors.New("a *gorm.DB transaction was expected")
	}
	err := tx.Exec(insertOutboxSql, o.ID, o.AggregateType, o.AggregateID, o.EventType, o.Topic, o.PartitionKey, o.Payload, o.CreatedAt, o.MaxRetries).Error
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}

	return nil
}

// AcquireLock obtains a table lock on the 'outbox' table by employing a database lock
// strategy through the use of the auxiliary table 'outbox_lock'.
func (r *Repository) AcquireLock(dispatcherID uuid.UUID) (bool, error) {
	lock, err := r.getOutboxLockRow()
	if err != nil {
		return false, err
	}
	if lock.Locked && lock.LockedUntil.Time.After(time.Now()) {
		return false, nil
	}
	lockedAt := time.Now()
	lockedUntil := lockedAt.Add(lockMaxDuration)
	res := r.db.Exec(acquireLockSql, dispatcherID, lockedAt, lockedUntil, lock.Version+1, lock.Version)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, errors.New("race condition detected during the optimistic locking")
	}

	r.logger.Debug(fmt.Sprintf("the lock was acquired by %s", dispatcherID.String()))
	return true, nil
}

// ReleaseLock releases the table lock on the 'outbox' table that was acquired by
// the specified dispatcher.
func (r *Repository) ReleaseLock(dispatcherID uuid.UUID) error {
	lock, err := r.getOutboxLockRow()
	if err != nil {
		return err
	}
	if !lock.Locked || lock.LockedBy.String() != dispatcherID.String() {
		return fmt.Errorf("unexpected lock status: %s. The lock should be locked by %s", lock, dispatcherID)
	}
	err = r.db.Exec(releaseLockSql).Error
	if err != nil {
		return err
	}
	r.logger.Debug(fmt.Sprintf("the lock was released by %s", dispatcherID.String()))
	return nil
}

// FindPendingInBatches retrieves a limited list of pending outbox entries to be
// processed in batches.
func (r *Repository) FindPendingInBatches(batchSize int, limit int, fc func([]*outbox.Record) error) error {
	var rows *sql.Rows
	var err error
	if limit == -1 {
		rows, err = r.db.Raw(getPendingEntriesSql).Rows()
	} else {
		rows, err = r.db.Raw(getPendingEntriesWithLimitSql, limit).Rows()
	}
	if err != nil {
		return err
	}
	defer rows.Close()

	var ors []*outbox.Record
	for rows.Next() {
		var or outbox.Record
		err := rows.Scan(&or.ID, &or.AggregateType, &or.AggregateID, &or.EventType, &or.Topic, &or.PartitionKey, &or.Payload, &or.Status, &or.RetryCount, &or.MaxRetries, &or.CreatedAt, &or.ProcessedAt, &or.LastError)
		if err != nil {
			return err
		}
		ors = append(ors, &or)
		if len(ors) == batchSize {
			if err := fc(ors); err != nil {
				return err
			}
			ors = nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(ors) > 0 {
		if err := fc(ors); err != nil {
			return err
		}
	}

	return nil
}

// MarkSent transitions the provided records to SENT in batches.
func (r *Repository) MarkSent(ids []uuid.UUID) error {
	const batchSize = 100
	for i := 0; i < len(ids); i += batchSize {
		end := i + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[i:end]

		query := "UPDATE outbox SET status='SENT', processed_at=NOW() WHERE id IN ("
		placeholders := make([]string, len(batch))
		for i := range placeholders {
			placeholders[i] = "?"
		}
		query += strings.Join(placeholders, ",") + ")"
		values := make([]interface{}, len(batch))
		for i, id := range batch {
			values[i] = id
		}

		err := r.db.Exec(query, values...).Error
		if err != nil {
			return err
		}
	}

	return nil
}

// MarkFailedAttempt increments the retry counter of a record storing the cause.
// The record is parked as FAILED once the retry ceiling is reached.
func (r *Repository) MarkFailedAttempt(id uuid.UUID, cause string) error {
	err := r.db.Exec(markFailedAttemptSql, cause, id).Error
	if err != nil {
		return fmt.Errorf("could not register the failed attempt: %w", err)
	}
	return nil
}

// DeleteSentBefore removes sent records older than the cutoff.
func (r *Repository) DeleteSentBefore(cutoff time.Time) (int64, error) {
	res := r.db.Exec(deleteSentBeforeSql, cutoff)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// RequeueFailed moves failed records with remaining retry budget back to PENDING.
func (r *Repository) RequeueFailed(limit int) (int64, error) {
	res := r.db.Exec(requeueFailedSql, limit)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// SubscribeDispatcher tries to subscribe a dispatcher in the 'outbox_dispatcher_subscription'
// table taking into account the max number of allowed dispatchers. If the subscription is successful
// the function returns the assigned subscription to the caller.
func (r *Repository) SubscribeDispatcher(dispatcherID uuid.UUID, maxDispatchers int) (bool, int, error) {
	rows, err := r.db.Raw(getSubscriptionsSql).Rows()
	if err != nil {
		return false, 0, err
	}
	defer rows.Close()

	var dss []dispatcherSubscription
	for rows.Next() {
		var ds dispatcherSubscription
		err := rows.Scan(&ds.ID, &ds.DispatcherID, &ds.AliveAt, &ds.Version)
		if err != nil {
			return false, 0, err
		}
		dss = append(dss, ds)
	}

	if err := rows.Err(); err != nil {
		return false, 0, err
	}

	subscriptionID, ds := allocateSubscription(dss)
	if subscriptionID > maxDispatchers {
		r.logger.Debug("unable to subscribe due to maximum number of dispatchers reached")
		return false, 0, nil
	}
	now := time.Now()
	if ds != nil {
		res := r.db.Exec(subscribeDispatcherUpdateSql, dispatcherID, now, ds.Version+1, ds.ID, ds.Version)
		if res.Error != nil {
			return false, 0, res.Error
		}
		if res.RowsAffected == 0 {
			return false, 0, errors.New("race condition detected during the optimistic locking")
		}
	} else {
		err := r.db.Exec(subscribeDispatcherInsertSql, subscriptionID, dispatcherID, now).Error
		if err != nil {
			return false, 0, err
		}
	}

	return true, subscriptionID, nil
}

// UpdateSubscription updates 'alive_at' column with current time to prevent
// other dispatchers from stealing the subscription.
func (r *Repository) UpdateSubscription(dispatcherID uuid.UUID) (bool, error) {
	res := r.db.Exec(updateSubscriptionSql, dispatcherID)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		r.logger.Warn(fmt.Sprintf("the dispatcher '%s' has no active subscription!", dispatcherID.String()))
		return false, nil
	}
	return true, nil
}

// allocateSubscription analyzes the current subscriptions and determines the next
// subscription identifier that can be used for a new dispatcher. If there is an
// expired subscription (determined by aliveAt) it is reused instead of allocating
// a new subscription entry in the 'outbox_dispatcher_subscription' table.
func allocateSubscription(dss []dispatcherSubscription) (int, *dispatcherSubscription) {
	for _, ds := range dss {
		if isExpired(ds) {
			return ds.ID, &ds
		}
	}
	return len(dss) + 1, nil
}

// isExpired considers expired the subscriptions whose dispatcher last aliveAt mark
// is above 30 seconds from current time.
func isExpired(ds dispatcherSubscription) bool {
	return ds.AliveAt.Time.Add(time.Second * 30).Before(time.Now())
}

// getOutboxLockRow returns the only 'outbox_lock' table row.
func (r *Repository) getOutboxLockRow() (*outboxLock, error) {
	row := r.db.Raw(getOutboxLockRowSql).Row()
	var lock outboxLock
	err := row.Scan(&lock.ID, &lock.Locked, &lock.LockedBy, &lock.LockedAt, &lock.LockedUntil, &lock.Version)
	if err != nil {
		return nil, err
	}
	return &lock, nil
}
