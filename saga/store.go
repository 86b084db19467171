package saga

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrSagaNotFound indicates no saga exists for the correlation id.
var ErrSagaNotFound = errors.New("saga not found")

// Store manages saga state persistent operations.
type Store interface {

	// WithinTx runs fn inside one atomic unit. The returned context carries
	// the transaction under the store's TxKey so outbox records, idempotency
	// marks and saga updates performed through it commit or roll back
	// together.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Create persists a new saga state.
	Create(ctx context.Context, s *State) error

	// FindByID returns the saga for the id, or ErrSagaNotFound.
	FindByID(ctx context.Context, id uuid.UUID) (*State, error)

	// Update persists the full saga state.
	Update(ctx context.Context, s *State) error

	// FindExpiredRequests returns money requests still pending approval whose
	// expiry timestamp is in the past.
	FindExpiredRequests(ctx context.Context, now time.Time, limit int) ([]*State, error)
}
