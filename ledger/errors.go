package ledger

import "errors"

var (
	// ErrWalletNotFound indicates the owner has no wallet for the currency.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrInsufficientFunds is an expected business failure: the available
	// balance does not cover the requested amount. It drives saga
	// compensation, it is not a system error.
	ErrInsufficientFunds = errors.New("insufficient available balance")

	// ErrWalletNotActive indicates the wallet is frozen or closed and refuses
	// forward operations.
	ErrWalletNotActive = errors.New("wallet is not active")

	// ErrCurrencyMismatch indicates the operation currency differs from the
	// wallet currency.
	ErrCurrencyMismatch = errors.New("operation currency does not match the wallet currency")

	// ErrInvalidAmount indicates a zero or negative amount.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrUnmatchedReservation indicates a debit for more than is currently
	// reserved.
	ErrUnmatchedReservation = errors.New("debit exceeds the reserved balance")

	// ErrUnknownAction indicates a command whose action the wallet service
	// does not implement.
	ErrUnknownAction = errors.New("unknown wallet action")

	// ErrVersionConflict is a transient infrastructure failure: the
	// optimistic-concurrency retry budget was exhausted by concurrent writers.
	ErrVersionConflict = errors.New("too many concurrent modifications")
)

// IsBusinessFailure reports whether the error is an expected business
// failure that should become a saga failure event instead of being retried
// or logged as a system error.
func IsBusinessFailure(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrWalletNotActive) ||
		errors.Is(err, ErrCurrencyMismatch) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrUnmatchedReservation) ||
		errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrUnknownAction)
}
