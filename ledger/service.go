package ledger

import (
	"context"
	"fmt"

	"github.com/walletline/walletline/logger"
)

const defaultMaxRetries = 3

// Service applies the four ledger operations under optimistic-concurrency
// retry: the wallet is re-read on every attempt and the whole operation is
// re-applied, never just the final write. A wallet row can be the sender in
// one saga and the recipient in another at the same time, so conflicts are
// normal and retried up to a small ceiling.
type Service struct {
	repository Repository
	logger     logger.Logger
	maxRetries int
}

type opt func(s *Service)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxRetries overrides the optimistic-concurrency retry ceiling.
func WithMaxRetries(n int) opt {
	return func(s *Service) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func NewService(r Repository, options ...opt) *Service {
	if r == nil {
		panic("repository is mandatory")
	}
	s := &Service{
		repository: r,
		logger:     &logger.NopLogger{},
		maxRetries: defaultMaxRetries,
	}
	for _, o := range options {
		o(s)
	}
	if l, ok := r.(logger.Loggable); ok {
		l.SetLogger(s.logger)
	}
	return s
}

// Reserve holds the amount against the available balance. It fails with
// ErrInsufficientFunds when the available balance does not cover the amount;
// that failure is an expected saga-failure trigger.
func (s *Service) Reserve(ctx context.Context, ownerID string, amount int64, currency string) (*Wallet, error) {
	return s.apply(ctx, ownerID, amount, currency, func(w *Wallet, amount int64) error {
		if w.Status != StatusActive {
			return fmt.Errorf("wallet '%s' is %s: %w", w.ID, w.Status, ErrWalletNotActive)
		}
		if w.Available() < amount {
			return ErrInsufficientFunds
		}
		w.Reserved += amount
		return nil
	})
}

// Release frees a previously reserved amount, floored at zero to guard
// against double-release from redelivery.
func (s *Service) Release(ctx context.Context, ownerID string, amount int64, currency string) (*Wallet, error) {
	return s.apply(ctx, ownerID, amount, currency, func(w *Wallet, amount int64) error {
		w.Reserved -= amount
		if w.Reserved < 0 {
			w.Reserved = 0
		}
		return nil
	})
}

// DebitReserved consumes a previously reserved amount, decrementing both the
// reservation and the balance. It is only valid after a matching reserve.
func (s *Service) DebitReserved(ctx context.Context, ownerID string, amount int64, currency string) (*Wallet, error) {
	return s.apply(ctx, ownerID, amount, currency, func(w *Wallet, amount int64) error {
		if w.Status != StatusActive {
			return fmt.Errorf("wallet '%s' is %s: %w", w.ID, w.Status, ErrWalletNotActive)
		}
		if w.Reserved < amount {
			return ErrUnmatchedReservation
		}
		w.Reserved -= amount
		w.Balance -= amount
		return nil
	})
}

// Debit decrements the balance without touching any reservation. It backs the
// reverse-credit compensation, pulling an already credited amount back out; a
// recipient who spent the funds in between makes it fail with
// ErrInsufficientFunds, which is fatal for the saga.
func (s *Service) Debit(ctx context.Context, ownerID string, amount int64, currency string) (*Wallet, error) {
	return s.apply(ctx, ownerID, amount, currency, func(w *Wallet, amount int64) error {
		if w.Status == StatusClosed {
			return fmt.Errorf("wallet '%s' is %s: %w", w.ID, w.Status, ErrWalletNotActive)
		}
		if w.Balance-amount < w.Reserved {
			return ErrInsufficientFunds
		}
		w.Balance -= amount
		return nil
	})
}

// Credit increments the balance unconditionally on active and frozen wallets;
// only closed wallets refuse credits, so compensating credits still land.
func (s *Service) Credit(ctx context.Context, ownerID string, amount int64, currency string) (*Wallet, error) {
	return s.apply(ctx, ownerID, amount, currency, func(w *Wallet, amount int64) error {
		if w.Status == StatusClosed {
			return fmt.Errorf("wallet '%s' is %s: %w", w.ID, w.Status, ErrWalletNotActive)
		}
		w.Balance += amount
		return nil
	})
}

// apply runs one ledger mutation under the optimistic-concurrency retry loop.
// The wallet is re-read before every attempt; a stale read is never reused
// across the retry boundary.
func (s *Service) apply(ctx context.Context, ownerID string, amount int64, currency string, mutate func(w *Wallet, amount int64) error) (*Wallet, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		w, err := s.repository.FindByOwner(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		if currency != "" && w.Currency != currency {
			return nil, fmt.Errorf("wallet '%s' holds %s: %w", w.ID, w.Currency, ErrCurrencyMismatch)
		}
		if err := mutate(w, amount); err != nil {
			return nil, err
		}
		updated, err := s.repository.UpdateVersioned(ctx, w)
		if err != nil {
			return nil, err
		}
		if updated {
			return w, nil
		}
		s.logger.Debug(fmt.Sprintf("version conflict on wallet of owner '%s', retrying (attempt %d)", ownerID, attempt+1))
	}
	return nil, ErrVersionConflict
}
