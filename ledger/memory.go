// Package ledger provides an in-memory CreditLedger.
//
// Suitable for tests and single-process deployments; multi-instance
// deployments should use the postgres or sqlite backends.
package ledger

import (
	"context"
	"sync"

	"github.com/pixelforge/admitgate"
)

// MemoryLedger is an in-memory CreditLedger.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	refunded map[string]bool // credit dedup by request id
}

var _ admitgate.CreditLedger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]int64),
		refunded: make(map[string]bool),
	}
}

// CreateAccount creates or resets an account with the given balance.
// Account creation is normally an upstream concern; this exists for wiring
// and tests.
func (l *MemoryLedger) CreateAccount(accountID string, balance int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[accountID] = balance
}

// Balance returns the current balance.
func (l *MemoryLedger) Balance(_ context.Context, accountID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	balance, ok := l.balances[accountID]
	if !ok {
		return 0, admitgate.ErrAccountNotFound
	}
	return balance, nil
}

// TryDebit decrements the balance if it covers amount, in one critical
// section.
func (l *MemoryLedger) TryDebit(_ context.Context, accountID string, amount int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	balance, ok := l.balances[accountID]
	if !ok {
		return 0, admitgate.ErrAccountNotFound
	}
	if balance < amount {
		return 0, admitgate.ErrInsufficientBalance
	}
	l.balances[accountID] = balance - amount
	return balance - amount, nil
}

// Credit increments the balance. Refunds (non-empty requestID) are
// deduplicated.
func (l *MemoryLedger) Credit(_ context.Context, accountID string, amount int64, requestID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	balance, ok := l.balances[accountID]
	if !ok {
		return 0, admitgate.ErrAccountNotFound
	}

	if requestID != "" {
		if l.refunded[requestID] {
			return balance, nil
		}
		l.refunded[requestID] = true
	}

	l.balances[accountID] = balance + amount
	return balance + amount, nil
}
