// Package admitgate implements the admission and metering gate that decides,
// for every generation request, whether it may proceed and which resource
// pool pays for it: an anonymous daily free allowance or a persisted
// per-account credit balance.
//
// The gate reserves before executing: both pools are decremented atomically
// up front, the external provider is invoked at most once, and a failed or
// ambiguous call is compensated in full before the error is surfaced. No
// lock is held across the provider call; atomicity lives entirely inside the
// individual store operations.
package admitgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultProviderTimeout bounds the external call when the config does not.
const DefaultProviderTimeout = 2 * time.Minute

// Gate is the public entry point. Safe for concurrent use.
type Gate struct {
	costs     *CostTable
	provider  Provider
	quota     FreeQuotaStore
	ledger    CreditLedger
	blocklist Blocklist
	meter     Meter
	log       zerolog.Logger

	execTimeout time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithQuotaStore sets the free-quota store.
func WithQuotaStore(qs FreeQuotaStore) Option {
	return func(g *Gate) { g.quota = qs }
}

// WithLedger sets the credit ledger.
func WithLedger(l CreditLedger) Option {
	return func(g *Gate) { g.ledger = l }
}

// WithBlocklist sets the abuse block list.
func WithBlocklist(b Blocklist) Option {
	return func(g *Gate) { g.blocklist = b }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(g *Gate) { g.meter = m }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(g *Gate) { g.log = log }
}

// WithProviderTimeout bounds the external generation call.
func WithProviderTimeout(d time.Duration) Option {
	return func(g *Gate) { g.execTimeout = d }
}

// New creates a Gate. Default components (no-op meter and block list) are
// used unless overridden via options; a quota store and ledger are required
// because without them the gate cannot meter anything.
func New(costs *CostTable, provider Provider, opts ...Option) (*Gate, error) {
	if costs == nil {
		return nil, fmt.Errorf("admitgate: a cost table is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("admitgate: a provider is required")
	}

	g := &Gate{
		costs:       costs,
		provider:    provider,
		log:         zerolog.Nop(),
		execTimeout: DefaultProviderTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.quota == nil || g.ledger == nil {
		return nil, fmt.Errorf("admitgate: a quota store and a ledger are required")
	}
	if g.blocklist == nil {
		g.blocklist = noopBlocklist{}
	}
	if g.meter == nil {
		g.meter = noopMeter{}
	}

	return g, nil
}

// Request is one admission attempt.
type Request struct {
	Operation string
	Identity  Identity
	Params    map[string]any

	// RequestID keys compensation idempotency. Assigned when empty.
	RequestID string
}

// Result is a delivered generation plus the caller's updated standing.
// RemainingFree and RemainingBalance are -1 when the corresponding pool does
// not apply to the identity.
type Result struct {
	RequestID        string
	ArtifactURL      string
	RemainingFree    int64
	RemainingBalance int64
	Reservation      Reservation
}

// Generate admits, meters and executes one generation request.
//
// The request moves through checked → reserved → executing → committed or
// rolled back. The free pool is consumed before the ledger is debited; a
// debit that loses the race after the allocation check releases the free
// reservation and rejects. Once the provider call starts it is resolved even
// if the caller's context is canceled: the reservation must settle against
// the call's real outcome, and an unknowable outcome rolls back
// conservatively.
func (g *Gate) Generate(ctx context.Context, req Request) (Result, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	start := time.Now()

	rsv, err := g.Allocate(ctx, req.Identity, req.Operation)
	if err != nil {
		g.meter.OnResult(ResultEvent{
			RequestID: req.RequestID,
			Operation: req.Operation,
			Account:   req.Identity.IsAccount(),
			Duration:  time.Since(start),
			Err:       err,
		})
		return Result{}, err
	}
	rsv.RequestID = req.RequestID

	newBalance, err := g.reserve(ctx, rsv)
	if err != nil {
		g.meter.OnResult(ResultEvent{
			RequestID: req.RequestID,
			Operation: req.Operation,
			Account:   req.Identity.IsAccount(),
			Duration:  time.Since(start),
			Err:       err,
		})
		return Result{}, err
	}

	g.meter.OnAdmit(AdmitEvent{
		RequestID:   req.RequestID,
		Operation:   req.Operation,
		Account:     req.Identity.IsAccount(),
		FromFree:    rsv.FromFree,
		FromAccount: rsv.FromAccount,
	})

	// Executing. Detached from caller cancellation: a disconnecting caller
	// must not leave the reservation unsettled, so the call runs to its own
	// timeout and the outcome decides commit or rollback.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.execTimeout)
	defer cancel()

	genRes, genErr := g.provider.Generate(execCtx, GenerateRequest{
		Operation: req.Operation,
		Params:    req.Params,
	})
	duration := time.Since(start)

	if genErr != nil {
		outcome := ErrProviderFailure
		if execCtx.Err() != nil {
			// The deadline fired mid-call: the provider may or may not have
			// completed the work. Refund rather than silently keep a charge
			// for work that possibly never happened.
			outcome = ErrAmbiguousOutcome
			g.log.Warn().
				Str("request_id", req.RequestID).
				Str("operation", req.Operation).
				Dur("after", duration).
				Msg("provider outcome unknown, rolling back conservatively")
		}
		g.compensate(ctx, rsv)
		finalErr := fmt.Errorf("%w: %w", outcome, genErr)
		g.meter.OnResult(ResultEvent{
			RequestID:   req.RequestID,
			Operation:   req.Operation,
			Account:     req.Identity.IsAccount(),
			FromFree:    rsv.FromFree,
			FromAccount: rsv.FromAccount,
			RolledBack:  true,
			Duration:    duration,
			Err:         finalErr,
		})
		return Result{}, finalErr
	}

	// Committed. The decrements already happened at reservation time; the
	// remaining reads below are best-effort display values.
	res := Result{
		RequestID:        req.RequestID,
		ArtifactURL:      genRes.ArtifactURL,
		RemainingFree:    -1,
		RemainingBalance: newBalance,
		Reservation:      rsv,
	}
	if rsv.hasKey {
		if remaining, err := g.quota.Remaining(ctx, rsv.key); err == nil {
			res.RemainingFree = remaining
		}
	}
	if req.Identity.IsAccount() && rsv.FromAccount == 0 {
		if balance, err := g.ledger.Balance(ctx, req.Identity.AccountID); err == nil {
			res.RemainingBalance = balance
		}
	}

	g.meter.OnResult(ResultEvent{
		RequestID:   req.RequestID,
		Operation:   req.Operation,
		Account:     req.Identity.IsAccount(),
		FromFree:    rsv.FromFree,
		FromAccount: rsv.FromAccount,
		Committed:   true,
		Duration:    duration,
	})
	return res, nil
}

// reserve takes the reservation out of both pools, free pool first. Returns
// the post-debit balance, or -1 when the account pool was not used.
func (g *Gate) reserve(ctx context.Context, rsv Reservation) (int64, error) {
	if rsv.FromFree > 0 {
		if err := g.quota.TryConsume(ctx, rsv.key, rsv.FromFree); err != nil {
			if errors.Is(err, ErrInsufficientFreeQuota) {
				// A concurrent request won the pool between the allocation
				// check and here.
				return -1, &RejectionError{
					Err:       ErrInsufficientFreeQuota,
					Operation: rsv.Operation,
					Shortfall: rsv.FromFree,
				}
			}
			return -1, fmt.Errorf("admitgate: consume free quota: %w", err)
		}
	}

	if rsv.FromAccount == 0 {
		return -1, nil
	}

	newBalance, err := g.ledger.TryDebit(ctx, rsv.accountID, rsv.FromAccount)
	if err != nil {
		// The free-pool consume already happened; undo it before rejecting.
		if rsv.FromFree > 0 {
			g.releaseFree(ctx, rsv)
		}
		if errors.Is(err, ErrInsufficientBalance) {
			return -1, &RejectionError{
				Err:       ErrInsufficientBalance,
				Operation: rsv.Operation,
				Shortfall: rsv.FromAccount,
			}
		}
		if errors.Is(err, ErrAccountNotFound) {
			return -1, err
		}
		return -1, fmt.Errorf("admitgate: debit ledger: %w", err)
	}
	return newBalance, nil
}

// compensate refunds exactly the amounts the reservation took. Refunds are
// keyed by the request id, so a retried compensation cannot double-refund.
func (g *Gate) compensate(ctx context.Context, rsv Reservation) {
	if rsv.FromFree > 0 {
		g.releaseFree(ctx, rsv)
	}
	if rsv.FromAccount > 0 {
		// Detached: a canceled caller must not be able to abort the refund.
		if _, err := g.ledger.Credit(context.WithoutCancel(ctx), rsv.accountID, rsv.FromAccount, rsv.RequestID); err != nil {
			g.log.Error().Err(err).
				Str("request_id", rsv.RequestID).
				Str("account", rsv.accountID).
				Int64("amount", rsv.FromAccount).
				Msg("ledger refund failed")
		}
	}
}

func (g *Gate) releaseFree(ctx context.Context, rsv Reservation) {
	if err := g.quota.Release(context.WithoutCancel(ctx), rsv.key, rsv.FromFree, rsv.RequestID); err != nil {
		g.log.Error().Err(err).
			Str("request_id", rsv.RequestID).
			Int64("amount", rsv.FromFree).
			Msg("free quota release failed")
	}
}

// noopBlocklist blocks nothing.
type noopBlocklist struct{}

func (noopBlocklist) IsBlocked(context.Context, Signal) (bool, error) { return false, nil }

// noopMeter observes nothing.
type noopMeter struct{}

func (noopMeter) OnAdmit(AdmitEvent)   {}
func (noopMeter) OnResult(ResultEvent) {}
