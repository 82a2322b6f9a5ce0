// Package quota provides an in-memory FreeQuotaStore with lazy daily reset.
//
// Suitable for tests and single-process deployments. Multi-instance
// deployments should use the redis or sqlite backends, which make the
// consume a store-side atomic conditional update.
package quota

import (
	"context"
	"sync"

	"github.com/pixelforge/admitgate"
)

// MemoryStore is an in-memory FreeQuotaStore.
type MemoryStore struct {
	mu       sync.Mutex
	cap      int64
	rows     map[pairKey]*counter
	refunded map[string]bool // release dedup by request id
}

type pairKey struct {
	addressHash string
	fingerprint string
}

type counter struct {
	day      admitgate.DayKey
	consumed int64
}

var _ admitgate.FreeQuotaStore = (*MemoryStore)(nil)

// NewMemoryStore creates a store with the given daily cap.
func NewMemoryStore(dailyCap int64) *MemoryStore {
	return &MemoryStore{
		cap:      dailyCap,
		rows:     make(map[pairKey]*counter),
		refunded: make(map[string]bool),
	}
}

// Remaining returns the unconsumed allowance for the key's period.
func (s *MemoryStore) Remaining(_ context.Context, key admitgate.QuotaKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.rows[pairKey{key.AddressHash, key.Fingerprint}]
	if !ok || c.day != key.Day {
		// Lazy reset: a row from an earlier period counts as zero consumed.
		// No write happens until an actual consumption.
		return s.cap, nil
	}
	if c.consumed >= s.cap {
		return 0, nil
	}
	return s.cap - c.consumed, nil
}

// TryConsume consumes amount if the cap allows, in one critical section.
func (s *MemoryStore) TryConsume(_ context.Context, key admitgate.QuotaKey, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pk := pairKey{key.AddressHash, key.Fingerprint}
	c, ok := s.rows[pk]
	if !ok {
		c = &counter{day: key.Day}
		s.rows[pk] = c
	}
	if c.day != key.Day {
		// Persist the lazy reset together with this consumption.
		c.day = key.Day
		c.consumed = 0
	}

	if c.consumed+amount > s.cap {
		return admitgate.ErrInsufficientFreeQuota
	}
	c.consumed += amount
	return nil
}

// Release undoes a consumption after downstream failure. Deduplicated by
// request id; floored at zero.
func (s *MemoryStore) Release(_ context.Context, key admitgate.QuotaKey, amount int64, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if requestID != "" {
		if s.refunded[requestID] {
			return nil
		}
		s.refunded[requestID] = true
	}

	c, ok := s.rows[pairKey{key.AddressHash, key.Fingerprint}]
	if !ok || c.day != key.Day {
		// The period rolled over since the consumption; nothing to undo.
		return nil
	}
	c.consumed -= amount
	if c.consumed < 0 {
		c.consumed = 0
	}
	return nil
}
