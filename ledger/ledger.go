// Package ledger holds the authoritative balance record of each wallet owner.
// Balances are mutated exclusively through the four operations of Service,
// each applied under optimistic-concurrency control.
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle status of a wallet.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusFrozen Status = "FROZEN"
	StatusClosed Status = "CLOSED"
)

// Wallet is one ledger partition. Amounts are minor units of the wallet
// currency. Invariants: Balance >= 0 and 0 <= Reserved <= Balance.
type Wallet struct {
	ID        uuid.UUID
	OwnerID   string
	Balance   int64
	Reserved  int64
	Currency  string
	Status    Status
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available returns the balance not held by reservations.
func (w *Wallet) Available() int64 {
	return w.Balance - w.Reserved
}
