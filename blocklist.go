package admitgate

import "context"

// SignalKind distinguishes the two anonymous abuse signals.
type SignalKind string

const (
	SignalAddressHash SignalKind = "address_hash"
	SignalFingerprint SignalKind = "fingerprint"
)

// Signal is one anonymous identity signal submitted to the block list.
type Signal struct {
	Kind  SignalKind
	Value string
}

// Blocklist answers whether a signal belongs to a banned client.
//
// The gate queries the address hash and the fingerprint independently;
// either match rejects the request before any counter is read or touched,
// so banned clients cannot probe quota state.
type Blocklist interface {
	IsBlocked(ctx context.Context, signal Signal) (bool, error)
}
