package admitgate_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelforge/admitgate"
	"github.com/pixelforge/admitgate/blocklist"
	"github.com/pixelforge/admitgate/ledger"
	"github.com/pixelforge/admitgate/provider/mock"
	"github.com/pixelforge/admitgate/quota"
)

const testDay = admitgate.DayKey("2026-08-29")

func testCosts(t *testing.T) *admitgate.CostTable {
	t.Helper()
	costs, err := admitgate.NewCostTable(map[string]admitgate.CostEntry{
		"gen.basic":  {Points: 1, Tier: admitgate.TierFree},
		"gen.poster": {Points: 2, Tier: admitgate.TierFree},
		"gen.batch":  {Points: 3, Tier: admitgate.TierFree},
		"gen.pro":    {Points: 2, Tier: admitgate.TierAccount},
	})
	require.NoError(t, err)
	return costs
}

func newTestGate(t *testing.T, dailyCap int64, provider admitgate.Provider, opts ...admitgate.Option) (*admitgate.Gate, *quota.MemoryStore, *ledger.MemoryLedger) {
	t.Helper()
	qs := quota.NewMemoryStore(dailyCap)
	l := ledger.NewMemoryLedger()
	all := append([]admitgate.Option{
		admitgate.WithQuotaStore(qs),
		admitgate.WithLedger(l),
	}, opts...)
	g, err := admitgate.New(testCosts(t), provider, all...)
	require.NoError(t, err)
	return g, qs, l
}

func anonIdentity() admitgate.Identity {
	return admitgate.Identity{
		Signals: &admitgate.Signals{
			AddressHash: "addr-1",
			Fingerprint: "fp-1",
			Day:         testDay,
		},
	}
}

func accountIdentity(accountID string) admitgate.Identity {
	id := anonIdentity()
	id.AccountID = accountID
	return id
}

// Test 1: anonymous request within the daily cap is admitted
func TestGenerate_AnonymousWithinCap(t *testing.T) {
	g, _, _ := newTestGate(t, 3, mock.New())

	res, err := g.Generate(context.Background(), admitgate.Request{
		Operation: "gen.basic",
		Identity:  anonIdentity(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ArtifactURL)
	assert.Equal(t, int64(2), res.RemainingFree)
	assert.Equal(t, int64(-1), res.RemainingBalance)
}

// Test 2: the request after the cap is rejected with the shortfall
func TestGenerate_AnonymousCapExhausted(t *testing.T) {
	g, _, _ := newTestGate(t, 3, mock.New())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.Generate(ctx, admitgate.Request{Operation: "gen.basic", Identity: anonIdentity()})
		require.NoError(t, err)
	}

	_, err := g.Generate(ctx, admitgate.Request{Operation: "gen.basic", Identity: anonIdentity()})
	require.ErrorIs(t, err, admitgate.ErrInsufficientFreeQuota)
	assert.True(t, admitgate.IsRejection(err))
	assert.Equal(t, int64(1), admitgate.Shortfall(err))
}

// Test 3: account with empty balance and exhausted free quota is rejected
func TestGenerate_InsufficientBalance(t *testing.T) {
	g, qs, l := newTestGate(t, 3, mock.New())
	ctx := context.Background()
	l.CreateAccount("acct-1", 0)

	id := accountIdentity("acct-1")
	require.NoError(t, qs.TryConsume(ctx, id.QuotaKey(), 3)) // exhaust the pool

	_, err := g.Generate(ctx, admitgate.Request{Operation: "gen.poster", Identity: id})
	require.ErrorIs(t, err, admitgate.ErrInsufficientBalance)
	assert.Equal(t, int64(2), admitgate.Shortfall(err))
}

// Test 4: the hybrid draw takes free quota first and the rest from balance
func TestGenerate_HybridDraw(t *testing.T) {
	g, qs, l := newTestGate(t, 1, mock.New())
	ctx := context.Background()
	l.CreateAccount("acct-1", 5)

	id := accountIdentity("acct-1")
	res, err := g.Generate(ctx, admitgate.Request{Operation: "gen.batch", Identity: id})
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Reservation.FromFree)
	assert.Equal(t, int64(2), res.Reservation.FromAccount)
	assert.Equal(t, int64(3), res.RemainingBalance)
	assert.Equal(t, int64(0), res.RemainingFree)

	remaining, err := qs.Remaining(ctx, id.QuotaKey())
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

// Test 5: provider failure rolls both pools back before surfacing the error
func TestGenerate_ProviderFailureRollsBack(t *testing.T) {
	failing := mock.New(mock.WithError(errors.New("upstream exploded")))
	g, qs, l := newTestGate(t, 1, failing)
	ctx := context.Background()
	l.CreateAccount("acct-1", 5)

	id := accountIdentity("acct-1")
	_, err := g.Generate(ctx, admitgate.Request{Operation: "gen.batch", Identity: id})
	require.ErrorIs(t, err, admitgate.ErrProviderFailure)

	remaining, err := qs.Remaining(ctx, id.QuotaKey())
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining, "free quota restored")

	balance, err := l.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance, "balance restored")

	assert.Equal(t, int64(1), failing.CallCount(), "provider invoked at most once")
}

// Test 6: anonymous identity cannot run account-tier operations
func TestGenerate_AccountRequired(t *testing.T) {
	g, _, _ := newTestGate(t, 10, mock.New())

	_, err := g.Generate(context.Background(), admitgate.Request{
		Operation: "gen.pro",
		Identity:  anonIdentity(),
	})
	require.ErrorIs(t, err, admitgate.ErrAccountRequired)
}

// Test 7: unrecognized operations are rejected before any metering
func TestGenerate_UnknownOperation(t *testing.T) {
	g, qs, _ := newTestGate(t, 3, mock.New())
	ctx := context.Background()

	_, err := g.Generate(ctx, admitgate.Request{Operation: "gen.nonexistent", Identity: anonIdentity()})
	require.ErrorIs(t, err, admitgate.ErrUnknownOperation)

	remaining, err := qs.Remaining(ctx, anonIdentity().QuotaKey())
	require.NoError(t, err)
	assert.Equal(t, int64(3), remaining, "no quota consumed")
}

// Test 8: either blocked signal rejects, including for account identities
func TestGenerate_Blocked(t *testing.T) {
	bl := blocklist.NewStatic(nil, []string{"fp-1"})
	g, qs, l := newTestGate(t, 3, mock.New(), admitgate.WithBlocklist(bl))
	ctx := context.Background()
	l.CreateAccount("acct-1", 10)

	_, err := g.Generate(ctx, admitgate.Request{Operation: "gen.basic", Identity: anonIdentity()})
	require.ErrorIs(t, err, admitgate.ErrBlocked)

	// The same signals also block an authenticated caller.
	_, err = g.Generate(ctx, admitgate.Request{Operation: "gen.basic", Identity: accountIdentity("acct-1")})
	require.ErrorIs(t, err, admitgate.ErrBlocked)

	remaining, err := qs.Remaining(ctx, anonIdentity().QuotaKey())
	require.NoError(t, err)
	assert.Equal(t, int64(3), remaining, "blocked requests never touch counters")
}

// Test 9: every reservation conserves the operation's cost
func TestAllocate_Conservation(t *testing.T) {
	g, qs, l := newTestGate(t, 2, mock.New())
	ctx := context.Background()
	l.CreateAccount("acct-1", 10)

	id := accountIdentity("acct-1")
	for _, op := range []string{"gen.basic", "gen.poster", "gen.batch", "gen.pro"} {
		rsv, err := g.Allocate(ctx, id, op)
		require.NoError(t, err, op)

		entry, err := testCosts(t).Cost(op)
		require.NoError(t, err)
		assert.Equal(t, entry.Points, rsv.FromFree+rsv.FromAccount, op)
	}

	// Allocation alone must not mutate state.
	remaining, err := qs.Remaining(ctx, id.QuotaKey())
	require.NoError(t, err)
	assert.Equal(t, int64(2), remaining)
	balance, err := l.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

// Test 10: a debit that loses the race releases the free reservation
func TestGenerate_LateDebitFailureReleasesFree(t *testing.T) {
	qs := quota.NewMemoryStore(1)
	racy := &racingLedger{balanceReported: 5}
	prov := mock.New()
	g, err := admitgate.New(testCosts(t), prov,
		admitgate.WithQuotaStore(qs),
		admitgate.WithLedger(racy),
	)
	require.NoError(t, err)
	ctx := context.Background()

	id := accountIdentity("acct-1")
	_, err = g.Generate(ctx, admitgate.Request{Operation: "gen.batch", Identity: id})
	require.ErrorIs(t, err, admitgate.ErrInsufficientBalance)

	remaining, err := qs.Remaining(ctx, id.QuotaKey())
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining, "free reservation released after the late failure")
	assert.Equal(t, int64(0), prov.CallCount(), "provider never invoked")
}

// Test 11: a provider call outliving its deadline is ambiguous and refunded
func TestGenerate_AmbiguousOutcomeRollsBack(t *testing.T) {
	slow := mock.New(mock.WithLatency(500 * time.Millisecond))
	g, qs, _ := newTestGate(t, 3, slow,
		admitgate.WithProviderTimeout(20*time.Millisecond))
	ctx := context.Background()

	_, err := g.Generate(ctx, admitgate.Request{Operation: "gen.basic", Identity: anonIdentity()})
	require.ErrorIs(t, err, admitgate.ErrAmbiguousOutcome)

	remaining, err := qs.Remaining(ctx, anonIdentity().QuotaKey())
	require.NoError(t, err)
	assert.Equal(t, int64(3), remaining)
	assert.Equal(t, int64(1), slow.CallCount())
}

// Test 12: caller cancellation does not leave the reservation unsettled
func TestGenerate_CallerCancellationStillSettles(t *testing.T) {
	prov := mock.New(mock.WithLatency(50 * time.Millisecond))
	g, _, _ := newTestGate(t, 3, prov)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	// The provider call is detached from the caller's context, so the slow
	// call completes and the request commits.
	res, err := g.Generate(ctx, admitgate.Request{Operation: "gen.basic", Identity: anonIdentity()})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ArtifactURL)
}

// Test 13: a missing account is fatal and distinct from insufficiency
func TestGenerate_AccountNotFound(t *testing.T) {
	g, qs, _ := newTestGate(t, 0, mock.New())
	ctx := context.Background()

	id := accountIdentity("ghost")
	_, err := g.Generate(ctx, admitgate.Request{Operation: "gen.poster", Identity: id})
	require.ErrorIs(t, err, admitgate.ErrAccountNotFound)
	assert.False(t, admitgate.IsRejection(err))

	remaining, err := qs.Remaining(ctx, id.QuotaKey())
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

// Test 14: concurrent anonymous requests never overspend the cap
func TestGenerate_ConcurrentAnonymousHonorsCap(t *testing.T) {
	g, qs, _ := newTestGate(t, 3, mock.New())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = g.Generate(ctx, admitgate.Request{Operation: "gen.basic", Identity: anonIdentity()})
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, err := range errs {
		if err == nil {
			admitted++
		} else {
			require.ErrorIs(t, err, admitgate.ErrInsufficientFreeQuota)
		}
	}
	assert.Equal(t, 3, admitted)

	remaining, err := qs.Remaining(ctx, anonIdentity().QuotaKey())
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

// Test 15: concurrent debits never drive the balance negative
func TestGenerate_ConcurrentDebitsHonorBalance(t *testing.T) {
	g, _, l := newTestGate(t, 0, mock.New())
	ctx := context.Background()
	l.CreateAccount("acct-1", 5)

	id := admitgate.Identity{AccountID: "acct-1"}

	var wg sync.WaitGroup
	errs := make([]error, 12)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = g.Generate(ctx, admitgate.Request{Operation: "gen.basic", Identity: id})
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, err := range errs {
		if err == nil {
			admitted++
		}
	}
	assert.Equal(t, 5, admitted)

	balance, err := l.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

// Test 16: an account request with no signals draws entirely from balance
func TestGenerate_AccountWithoutSignals(t *testing.T) {
	g, _, l := newTestGate(t, 3, mock.New())
	ctx := context.Background()
	l.CreateAccount("acct-1", 4)

	res, err := g.Generate(ctx, admitgate.Request{
		Operation: "gen.batch",
		Identity:  admitgate.Identity{AccountID: "acct-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Reservation.FromFree)
	assert.Equal(t, int64(3), res.Reservation.FromAccount)
	assert.Equal(t, int64(1), res.RemainingBalance)
	assert.Equal(t, int64(-1), res.RemainingFree)
}

// racingLedger reports a healthy balance but fails the actual debit, the
// way a concurrent spender would make it fail between check and reserve.
type racingLedger struct {
	balanceReported int64
}

func (r *racingLedger) Balance(context.Context, string) (int64, error) {
	return r.balanceReported, nil
}

func (r *racingLedger) TryDebit(context.Context, string, int64) (int64, error) {
	return 0, admitgate.ErrInsufficientBalance
}

func (r *racingLedger) Credit(_ context.Context, _ string, amount int64, _ string) (int64, error) {
	return amount, nil
}
