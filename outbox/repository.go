package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TxKey is the context key under which clients propagate their business
// transaction. Each repository backend expects its own transaction type
// under this key.
type TxKey any

// Repository manages outbox records persistent operations.
type Repository interface {

	// Save persists an outbox record in the configured external storage.
	// This operation must be called inside an existing business transaction
	// provided in the context, so the record commits or rolls back together
	// with the mutation that caused it.
	Save(ctx context.Context, r *Record) error

	// AcquireLock gets a lease on the outbox table using optimistic locking,
	// so only one dispatcher publishes at a time.
	AcquireLock(dispatcherID uuid.UUID) (bool, error)

	// ReleaseLock releases a lease acquired by AcquireLock.
	ReleaseLock(dispatcherID uuid.UUID) error

	// SubscribeDispatcher tries to create a dispatcher subscription taking into
	// account the maximum allowed dispatchers.
	SubscribeDispatcher(dispatcherID uuid.UUID, maxDispatchers int) (subscribed bool, subscription int, err error)

	// UpdateSubscription updates the dispatcher subscription heartbeat to
	// prevent potential thefts by other dispatchers.
	UpdateSubscription(dispatcherID uuid.UUID) (bool, error)

	// FindPendingInBatches retrieves pending records in creation order to be
	// processed in batches.
	FindPendingInBatches(batchSize int, limit int, fc func([]*Record) error) error

	// MarkSent transitions the provided records to SENT recording the
	// processing time.
	MarkSent(ids []uuid.UUID) error

	// MarkFailedAttempt increments the retry counter of a record storing the
	// cause, parking the record as FAILED once the retry ceiling is reached.
	MarkFailedAttempt(id uuid.UUID, cause string) error

	// DeleteSentBefore removes sent records older than the cutoff and returns
	// how many were deleted.
	DeleteSentBefore(cutoff time.Time) (int64, error)

	// RequeueFailed moves failed records whose retry counter is still below
	// the ceiling back to PENDING and returns how many were requeued.
	RequeueFailed(limit int) (int64, error)
}
