package ledger

import (
	"context"
)

// Repository manages wallet persistent operations. Implementations must honor
// the business transaction carried in the context so wallet mutations commit
// together with their outbox records and idempotency marks.
type Repository interface {

	// Create persists a new wallet.
	Create(ctx context.Context, w *Wallet) error

	// FindByOwner returns the wallet of an owner, or ErrWalletNotFound.
	FindByOwner(ctx context.Context, ownerID string) (*Wallet, error)

	// UpdateVersioned writes balance, reserved and status guarded by the
	// version counter. It returns false without error when another writer
	// modified the row first.
	UpdateVersioned(ctx context.Context, w *Wallet) (bool, error)
}
