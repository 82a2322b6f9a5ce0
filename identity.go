package admitgate

import (
	"fmt"
	"time"
)

// Identity describes who is asking for a generation.
//
// Exactly one class is authoritative per request: a request with a non-empty
// AccountID is an account request, everything else is anonymous. An account
// request may additionally carry anonymous signals; when it does, the free
// pool is drawn before the account balance (the hybrid dual-pool draw).
// Anonymous requests must carry signals or they cannot be metered at all.
type Identity struct {
	// AccountID is the authenticated account, empty for anonymous callers.
	// Resolving sessions/cookies into an account id is the caller's concern.
	AccountID string

	// Signals are the server-observed anonymous signals, nil when absent.
	Signals *Signals
}

// Signals are the abuse-resistant anonymous identity signals. Both values are
// server-derived (address hash from the observed client address, fingerprint
// from the device); neither is trusted client state.
type Signals struct {
	AddressHash string
	Fingerprint string

	// Day is the free-quota reset period this request falls in. It derives
	// from the caller's local calendar day, not UTC — see DayOf.
	Day DayKey
}

// IsAccount reports whether the identity carries an authenticated account.
func (id Identity) IsAccount() bool { return id.AccountID != "" }

// Validate checks that the identity is usable for admission.
func (id Identity) Validate() error {
	if id.AccountID == "" {
		if id.Signals == nil {
			return fmt.Errorf("admitgate: anonymous identity requires signals")
		}
		if id.Signals.AddressHash == "" || id.Signals.Fingerprint == "" {
			return fmt.Errorf("admitgate: anonymous identity requires both address hash and fingerprint")
		}
	}
	if id.Signals != nil && id.Signals.Day == "" {
		return fmt.Errorf("admitgate: signals require a day key")
	}
	return nil
}

// QuotaKey returns the free-quota row key for the identity's signals.
// Callers must only use it when Signals is non-nil.
func (id Identity) QuotaKey() QuotaKey {
	return QuotaKey{
		AddressHash: id.Signals.AddressHash,
		Fingerprint: id.Signals.Fingerprint,
		Day:         id.Signals.Day,
	}
}

// DayKey identifies a free-quota reset period, formatted YYYY-MM-DD.
type DayKey string

// DayOf derives the reset period for a request.
//
// The period is the caller's local calendar day, reconstructed from the
// client-reported UTC offset in minutes. This matches the product's "daily"
// framing: a user in UTC+9 gets a fresh allowance at their midnight, not at
// UTC midnight. The offset must be derived consistently for the same client
// or the reset boundary can be gamed; clamping below bounds abuse from
// fabricated offsets.
func DayOf(t time.Time, tzOffsetMinutes int) DayKey {
	if tzOffsetMinutes > 14*60 {
		tzOffsetMinutes = 14 * 60
	}
	if tzOffsetMinutes < -12*60 {
		tzOffsetMinutes = -12 * 60
	}
	local := t.UTC().Add(time.Duration(tzOffsetMinutes) * time.Minute)
	return DayKey(local.Format("2006-01-02"))
}
