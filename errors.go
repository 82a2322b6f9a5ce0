package admitgate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrUnknownOperation      = errors.New("admitgate: unknown operation")
	ErrBlocked               = errors.New("admitgate: identity is blocked")
	ErrAccountRequired       = errors.New("admitgate: operation requires an account")
	ErrInsufficientFreeQuota = errors.New("admitgate: insufficient free quota")
	ErrInsufficientBalance   = errors.New("admitgate: insufficient balance")
	ErrAccountNotFound       = errors.New("admitgate: account not found")
	ErrProviderFailure       = errors.New("admitgate: provider failure")
	ErrAmbiguousOutcome      = errors.New("admitgate: provider outcome unknown")
)

// RejectionError is returned when admission is refused before any work is
// performed. It carries enough structure for a caller to offer a concrete
// next action (log in, buy credits, wait for the daily reset).
type RejectionError struct {
	Err       error  // one of the sentinel errors above
	Operation string // requested operation id
	Shortfall int64  // points missing from the insufficient pool, 0 if n/a
}

func (e *RejectionError) Error() string {
	if e.Shortfall > 0 {
		return fmt.Sprintf("%v (operation=%s shortfall=%d)", e.Err, e.Operation, e.Shortfall)
	}
	return fmt.Sprintf("%v (operation=%s)", e.Err, e.Operation)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// IsRejection reports whether err is a terminal admission rejection: nothing
// was mutated and the caller may retry after changing inputs.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

// Shortfall extracts the missing-points detail from a rejection, 0 otherwise.
func Shortfall(err error) int64 {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Shortfall
	}
	return 0
}
