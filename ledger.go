package admitgate

import "context"

// CreditLedger is the persisted per-account point balance.
//
// Mutations are single atomic conditional updates in the backing store.
// Implementations must never compute a new balance in application memory
// across two store round trips; that pattern races under concurrency and is
// exactly what this interface exists to rule out. Balances are never
// observably negative after commit.
type CreditLedger interface {
	// Balance returns the current balance, or ErrAccountNotFound.
	Balance(ctx context.Context, accountID string) (int64, error)

	// TryDebit atomically decrements the balance if it covers amount and
	// returns the new balance. It returns ErrInsufficientBalance when the
	// balance is too low and ErrAccountNotFound when the account does not
	// exist; the two are distinct because a missing account is an upstream
	// inconsistency, not a retryable quota condition.
	TryDebit(ctx context.Context, accountID string, amount int64) (int64, error)

	// Credit atomically increments the balance and returns the new balance.
	// It serves both top-ups (requestID empty) and rollback compensation;
	// for compensation, implementations deduplicate by requestID so a
	// retried refund cannot be applied twice.
	Credit(ctx context.Context, accountID string, amount int64, requestID string) (int64, error)
}
