package admitgate

import "context"

// QuotaKey identifies one free-quota counter row.
//
// One logical row exists per (AddressHash, Fingerprint) pair and period.
// The block list checks the two signals independently, so varying one signal
// cannot dodge a block on the other; the counter itself is keyed by the pair.
type QuotaKey struct {
	AddressHash string
	Fingerprint string
	Day         DayKey
}

// FreeQuotaStore tracks consumed free allowance per anonymous identity
// within the current reset period.
//
// Implementations must make TryConsume a single atomic read-modify-write
// against the backing store ("increment only if the result stays within the
// cap"), never a read followed by a separate write: two concurrent requests
// seeing the same stale remaining value must not both succeed past the cap.
// The period reset is lazy — a row whose stored day differs from key.Day
// counts as zero consumed, and the reset is persisted together with the next
// consumption rather than by a background job.
type FreeQuotaStore interface {
	// Remaining returns max(0, cap - consumed) for the key's period.
	// It is a plain read, not a reservation.
	Remaining(ctx context.Context, key QuotaKey) (int64, error)

	// TryConsume atomically consumes amount points if enough allowance
	// remains, returning ErrInsufficientFreeQuota (possibly wrapped)
	// otherwise, with no mutation.
	TryConsume(ctx context.Context, key QuotaKey, amount int64) error

	// Release is the compensating decrement used when downstream work fails
	// after a successful TryConsume. It never drives the counter below zero,
	// and implementations deduplicate by requestID so a retried compensation
	// cannot refund twice.
	Release(ctx context.Context, key QuotaKey, amount int64, requestID string) error
}
