// Package blocklist provides Blocklist implementations.
package blocklist

import (
	"context"
	"sync"

	"github.com/pixelforge/admitgate"
)

// Static is a fixed in-memory block list, typically loaded from config.
// Address hashes and fingerprints are held in separate sets so each signal
// is matched independently.
type Static struct {
	mu           sync.RWMutex
	addressHash  map[string]bool
	fingerprints map[string]bool
}

var _ admitgate.Blocklist = (*Static)(nil)

// NewStatic builds a block list from banned signal values.
func NewStatic(addressHashes, fingerprints []string) *Static {
	s := &Static{
		addressHash:  make(map[string]bool, len(addressHashes)),
		fingerprints: make(map[string]bool, len(fingerprints)),
	}
	for _, h := range addressHashes {
		s.addressHash[h] = true
	}
	for _, f := range fingerprints {
		s.fingerprints[f] = true
	}
	return s
}

// FromConfig builds a block list from the gate configuration.
func FromConfig(cfg admitgate.BlocklistConfig) *Static {
	return NewStatic(cfg.AddressHashes, cfg.Fingerprints)
}

// IsBlocked reports whether the signal is banned.
func (s *Static) IsBlocked(_ context.Context, signal admitgate.Signal) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch signal.Kind {
	case admitgate.SignalAddressHash:
		return s.addressHash[signal.Value], nil
	case admitgate.SignalFingerprint:
		return s.fingerprints[signal.Value], nil
	default:
		return false, nil
	}
}

// Block adds a signal to the list at runtime.
func (s *Static) Block(signal admitgate.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch signal.Kind {
	case admitgate.SignalAddressHash:
		s.addressHash[signal.Value] = true
	case admitgate.SignalFingerprint:
		s.fingerprints[signal.Value] = true
	}
}
