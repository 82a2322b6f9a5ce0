// Package sqlite provides an embedded store implementing both the free
// quota tracker and the credit ledger in one SQLite database.
//
// All mutations are single conditional statements (or short transactions for
// refund dedup), so concurrent requests against the same identity serialize
// at the database rather than in application memory. Intended for
// single-node deployments that want durability without an external store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/pixelforge/admitgate"
)

// Store implements admitgate.FreeQuotaStore and admitgate.CreditLedger.
type Store struct {
	db  *sql.DB
	cap int64
}

var (
	_ admitgate.FreeQuotaStore = (*Store)(nil)
	_ admitgate.CreditLedger   = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and applies the
// schema. The daily cap applies to every free-quota counter.
func Open(path string, dailyCap int64) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("admitgate/sqlite: open: %w", err)
	}

	s := &Store{db: db, cap: dailyCap}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS free_quota (
			address_hash TEXT NOT NULL,
			fingerprint  TEXT NOT NULL,
			day          TEXT NOT NULL,
			consumed     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (address_hash, fingerprint)
		)`,
		`CREATE TABLE IF NOT EXISTS quota_refunds (
			request_id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS credit_accounts (
			account_id TEXT PRIMARY KEY,
			balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS credit_refunds (
			request_id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("admitgate/sqlite: migrate: %w", err)
		}
	}
	return nil
}

// ─── Free quota tracker ─────────────────────────────────────────────────────

// Remaining returns the unconsumed allowance for the key's period.
func (s *Store) Remaining(ctx context.Context, key admitgate.QuotaKey) (int64, error) {
	var day string
	var consumed int64
	err := s.db.QueryRowContext(ctx, `
		SELECT day, consumed FROM free_quota
		WHERE address_hash = ? AND fingerprint = ?
	`, key.AddressHash, key.Fingerprint).Scan(&day, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return s.cap, nil
	}
	if err != nil {
		return 0, fmt.Errorf("admitgate/sqlite: remaining: %w", err)
	}
	// Lazy reset: stale rows read as zero consumed without a write.
	if day != string(key.Day) {
		return s.cap, nil
	}
	if consumed >= s.cap {
		return 0, nil
	}
	return s.cap - consumed, nil
}

// TryConsume consumes amount in one conditional upsert: the row is created
// or incremented only when the resulting total stays within the cap, with
// the lazy period reset folded into the same statement.
func (s *Store) TryConsume(ctx context.Context, key admitgate.QuotaKey, amount int64) error {
	if amount > s.cap {
		return admitgate.ErrInsufficientFreeQuota
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO free_quota (address_hash, fingerprint, day, consumed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address_hash, fingerprint) DO UPDATE SET
			consumed = CASE WHEN free_quota.day = excluded.day
			                THEN free_quota.consumed + excluded.consumed
			                ELSE excluded.consumed END,
			day = excluded.day
		WHERE (CASE WHEN free_quota.day = excluded.day
		            THEN free_quota.consumed ELSE 0 END) + excluded.consumed <= ?
	`, key.AddressHash, key.Fingerprint, string(key.Day), amount, s.cap)
	if err != nil {
		return fmt.Errorf("admitgate/sqlite: consume: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("admitgate/sqlite: consume: %w", err)
	}
	if n == 0 {
		return admitgate.ErrInsufficientFreeQuota
	}
	return nil
}

// Release undoes a consumption, floored at zero and deduplicated by request
// id.
func (s *Store) Release(ctx context.Context, key admitgate.QuotaKey, amount int64, requestID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("admitgate/sqlite: release: %w", err)
	}
	defer tx.Rollback()

	if requestID != "" {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO quota_refunds (request_id) VALUES (?)`, requestID)
		if err != nil {
			return fmt.Errorf("admitgate/sqlite: release dedup: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Already refunded.
			return tx.Commit()
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE free_quota SET consumed = MAX(0, consumed - ?)
		WHERE address_hash = ? AND fingerprint = ? AND day = ?
	`, amount, key.AddressHash, key.Fingerprint, string(key.Day))
	if err != nil {
		return fmt.Errorf("admitgate/sqlite: release: %w", err)
	}
	return tx.Commit()
}

// ─── Credit ledger ──────────────────────────────────────────────────────────

// CreateAccount creates or resets an account with the given balance.
func (s *Store) CreateAccount(ctx context.Context, accountID string, balance int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (account_id, balance) VALUES (?, ?)
		ON CONFLICT(account_id) DO UPDATE SET balance = excluded.balance
	`, accountID, balance)
	if err != nil {
		return fmt.Errorf("admitgate/sqlite: create account: %w", err)
	}
	return nil
}

// Balance returns the current balance.
func (s *Store) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM credit_accounts WHERE account_id = ?`, accountID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, admitgate.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("admitgate/sqlite: balance: %w", err)
	}
	return balance, nil
}

// TryDebit decrements the balance only if it covers amount, in a single
// conditional UPDATE.
func (s *Store) TryDebit(ctx context.Context, accountID string, amount int64) (int64, error) {
	var newBalance int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE credit_accounts SET balance = balance - ?
		WHERE account_id = ? AND balance >= ?
		RETURNING balance
	`, amount, accountID, amount).Scan(&newBalance)

	if errors.Is(err, sql.ErrNoRows) {
		var exists int
		err = s.db.QueryRowContext(ctx,
			`SELECT 1 FROM credit_accounts WHERE account_id = ?`, accountID,
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, admitgate.ErrAccountNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("admitgate/sqlite: check account: %w", err)
		}
		return 0, admitgate.ErrInsufficientBalance
	}
	if err != nil {
		return 0, fmt.Errorf("admitgate/sqlite: debit: %w", err)
	}
	return newBalance, nil
}

// Credit increments the balance. Refund calls (non-empty requestID) insert a
// dedup row in the same transaction as the increment.
func (s *Store) Credit(ctx context.Context, accountID string, amount int64, requestID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("admitgate/sqlite: credit: %w", err)
	}
	defer tx.Rollback()

	if requestID != "" {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO credit_refunds (request_id) VALUES (?)`, requestID)
		if err != nil {
			return 0, fmt.Errorf("admitgate/sqlite: refund dedup: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if err := tx.Commit(); err != nil {
				return 0, fmt.Errorf("admitgate/sqlite: credit: %w", err)
			}
			return s.Balance(ctx, accountID)
		}
	}

	var newBalance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE credit_accounts SET balance = balance + ?
		WHERE account_id = ? RETURNING balance
	`, amount, accountID).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, admitgate.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("admitgate/sqlite: credit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("admitgate/sqlite: credit: %w", err)
	}
	return newBalance, nil
}
