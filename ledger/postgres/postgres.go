// Package postgres provides a PostgreSQL-backed CreditLedger.
//
// Balances are mutated with single conditional UPDATE statements, so the
// decrement is atomic at the store and safe for multi-instance deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelforge/admitgate"
)

// Ledger is a PostgreSQL-backed CreditLedger.
type Ledger struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ admitgate.CreditLedger = (*Ledger)(nil)

// Option configures Ledger.
type Option func(*Ledger)

// WithTablePrefix sets the table name prefix (default "admitgate_").
func WithTablePrefix(prefix string) Option {
	return func(l *Ledger) { l.tablePrefix = prefix }
}

// New creates a PostgreSQL-backed CreditLedger.
func New(pool *pgxpool.Pool, opts ...Option) *Ledger {
	l := &Ledger{
		pool:        pool,
		tablePrefix: "admitgate_",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) accountsTable() string { return l.tablePrefix + "accounts" }
func (l *Ledger) refundsTable() string  { return l.tablePrefix + "refunds" }

// EnsureSchema creates the required tables if they don't exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			account_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0)
		);
		CREATE TABLE IF NOT EXISTS %s (
			request_id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, l.accountsTable(), l.refundsTable())
	_, err := l.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("admitgate/postgres: ensure schema: %w", err)
	}
	return nil
}

// CreateAccount creates or resets an account with the given balance.
func (l *Ledger) CreateAccount(ctx context.Context, accountID string, balance int64) error {
	_, err := l.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (account_id, balance) VALUES ($1, $2)
			ON CONFLICT (account_id) DO UPDATE SET balance = $2`, l.accountsTable()),
		accountID, balance,
	)
	if err != nil {
		return fmt.Errorf("admitgate/postgres: create account: %w", err)
	}
	return nil
}

// Balance returns the current balance.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := l.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT balance FROM %s WHERE account_id = $1`, l.accountsTable()),
		accountID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, admitgate.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("admitgate/postgres: balance: %w", err)
	}
	return balance, nil
}

// TryDebit decrements the balance only if it covers amount, in a single
// conditional UPDATE.
func (l *Ledger) TryDebit(ctx context.Context, accountID string, amount int64) (int64, error) {
	var newBalance int64
	err := l.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET balance = balance - $1
			WHERE account_id = $2 AND balance >= $1
			RETURNING balance`, l.accountsTable()),
		amount, accountID,
	).Scan(&newBalance)

	if errors.Is(err, pgx.ErrNoRows) {
		// No row updated: either the account is missing or the balance is
		// short. The two are distinct failures.
		var exists bool
		err = l.pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT true FROM %s WHERE account_id = $1`, l.accountsTable()),
			accountID,
		).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, admitgate.ErrAccountNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("admitgate/postgres: check account: %w", err)
		}
		return 0, admitgate.ErrInsufficientBalance
	}
	if err != nil {
		return 0, fmt.Errorf("admitgate/postgres: debit: %w", err)
	}
	return newBalance, nil
}

// Credit increments the balance. Refund calls (non-empty requestID) insert a
// dedup row first, in the same transaction as the increment.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64, requestID string) (int64, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("admitgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if requestID != "" {
		var inserted bool
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`INSERT INTO %s (request_id) VALUES ($1)
				ON CONFLICT DO NOTHING RETURNING true`, l.refundsTable()),
			requestID,
		).Scan(&inserted)
		if errors.Is(err, pgx.ErrNoRows) {
			// Already refunded; report the current balance unchanged.
			return l.Balance(ctx, accountID)
		}
		if err != nil {
			return 0, fmt.Errorf("admitgate/postgres: refund dedup: %w", err)
		}
	}

	var newBalance int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET balance = balance + $1
			WHERE account_id = $2 RETURNING balance`, l.accountsTable()),
		amount, accountID,
	).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, admitgate.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("admitgate/postgres: credit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("admitgate/postgres: commit: %w", err)
	}
	return newBalance, nil
}
