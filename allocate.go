package admitgate

import (
	"context"
	"fmt"
)

// Reservation is the computed, not-yet-committed split of an operation's
// cost across the two pools. It is ephemeral: created per request and
// discarded after commit or rollback, never persisted on its own.
//
// Invariant: FromFree + FromAccount equals the operation's point cost.
type Reservation struct {
	RequestID   string
	Operation   string
	FromFree    int64
	FromAccount int64

	key       QuotaKey // valid only when FromFree > 0 or signals present
	hasKey    bool
	accountID string
}

// Points returns the total cost covered by the reservation.
func (r Reservation) Points() int64 { return r.FromFree + r.FromAccount }

// Allocate decides how the cost of an operation splits across the free pool
// and the account balance, or rejects the request.
//
// It is a pure decision: it reads current quota and ledger state but mutates
// nothing, so the gate can re-check under reservation without holding any
// lock across the external call. Reads here are not reservations — a
// concurrent request can still win the race, which the reserve step handles.
func (g *Gate) Allocate(ctx context.Context, id Identity, operationID string) (Reservation, error) {
	if err := id.Validate(); err != nil {
		return Reservation{}, err
	}

	entry, err := g.costs.Cost(operationID)
	if err != nil {
		return Reservation{}, err
	}

	if !id.IsAccount() && entry.Tier == TierAccount {
		return Reservation{}, &RejectionError{Err: ErrAccountRequired, Operation: operationID}
	}

	// Block-list checks run on whatever signals are present, including for
	// authenticated identities that also carry them, and run before any
	// counter is read.
	if id.Signals != nil {
		if err := g.checkBlocked(ctx, id.Signals, operationID); err != nil {
			return Reservation{}, err
		}
	}

	rsv := Reservation{Operation: operationID, accountID: id.AccountID}

	var freeAvailable int64
	if id.Signals != nil {
		rsv.key = id.QuotaKey()
		rsv.hasKey = true
		freeAvailable, err = g.quota.Remaining(ctx, rsv.key)
		if err != nil {
			return Reservation{}, fmt.Errorf("admitgate: read free quota: %w", err)
		}
	}

	rsv.FromFree = min(freeAvailable, entry.Points)
	rsv.FromAccount = entry.Points - rsv.FromFree

	if rsv.FromAccount > 0 {
		if !id.IsAccount() {
			return Reservation{}, &RejectionError{
				Err:       ErrInsufficientFreeQuota,
				Operation: operationID,
				Shortfall: rsv.FromAccount,
			}
		}
		balance, err := g.ledger.Balance(ctx, id.AccountID)
		if err != nil {
			return Reservation{}, err
		}
		if balance < rsv.FromAccount {
			return Reservation{}, &RejectionError{
				Err:       ErrInsufficientBalance,
				Operation: operationID,
				Shortfall: rsv.FromAccount - balance,
			}
		}
	}

	return rsv, nil
}

func (g *Gate) checkBlocked(ctx context.Context, sig *Signals, operationID string) error {
	checks := []Signal{
		{Kind: SignalAddressHash, Value: sig.AddressHash},
		{Kind: SignalFingerprint, Value: sig.Fingerprint},
	}
	for _, s := range checks {
		if s.Value == "" {
			continue
		}
		blocked, err := g.blocklist.IsBlocked(ctx, s)
		if err != nil {
			return fmt.Errorf("admitgate: block list check: %w", err)
		}
		if blocked {
			return &RejectionError{Err: ErrBlocked, Operation: operationID}
		}
	}
	return nil
}
