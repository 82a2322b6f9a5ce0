package admitgate

import "time"

// Meter observes admission decisions and outcomes for monitoring/logging.
type Meter interface {
	// OnAdmit is called once a reservation has been taken, before the
	// provider call.
	OnAdmit(event AdmitEvent)

	// OnResult is called after the request settles (committed or rolled
	// back) or is rejected.
	OnResult(event ResultEvent)
}

// AdmitEvent describes a successful reservation.
type AdmitEvent struct {
	RequestID   string
	Operation   string
	Account     bool // authenticated identity
	FromFree    int64
	FromAccount int64
}

// ResultEvent describes how a request settled.
type ResultEvent struct {
	RequestID   string
	Operation   string
	Account     bool
	FromFree    int64
	FromAccount int64
	Committed   bool
	RolledBack  bool // a reservation existed and was compensated
	Duration    time.Duration
	Err         error
}
