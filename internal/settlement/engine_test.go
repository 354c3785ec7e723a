package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/voucherpay/internal/chain"
	"github.com/terminal-bench/voucherpay/internal/identity"
	"github.com/terminal-bench/voucherpay/internal/ledger"
)

// fakeChain scripts the transfer service per test. Transfer consumes
// transferErrs in order; once exhausted it succeeds.
type fakeChain struct {
	mu           sync.Mutex
	feeOK        bool
	transferErrs []error
	transferred  int
	history      []chain.TransferRecord
	historyErr   error

	// entered/proceed, when set, turn Transfer into a rendezvous point so a
	// test can observe a run in flight.
	entered chan struct{}
	proceed chan struct{}
}

func newFakeChain() *fakeChain {
	return &fakeChain{feeOK: true}
}

func (f *fakeChain) GetBalance(ctx context.Context, address string, asset chain.Asset) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeChain) HasSufficientFee(ctx context.Context, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feeOK, nil
}

func (f *fakeChain) Transfer(ctx context.Context, id *identity.Identity, to string, amount decimal.Decimal, asset chain.Asset) (chain.Pending, error) {
	f.mu.Lock()
	entered, proceed := f.entered, f.proceed
	var err error
	if len(f.transferErrs) > 0 {
		err = f.transferErrs[0]
		f.transferErrs = f.transferErrs[1:]
	}
	if err == nil {
		f.transferred++
	}
	ref := f.transferred
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		<-proceed
	}
	if err != nil {
		return nil, err
	}
	return &fakePending{ref: "tx-" + uuid.NewString()[:8], n: ref}, nil
}

func (f *fakeChain) GetRecentTransfers(ctx context.Context, address string, limit int) ([]chain.TransferRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history, nil
}

type fakePending struct {
	ref string
	n   int
}

func (p *fakePending) Ref() string { return p.ref }

func (p *fakePending) Await(ctx context.Context) error { return ctx.Err() }

func fastConfig() Config {
	return Config{
		MaxAttempts:      4,
		BaseBackoff:      5 * time.Millisecond,
		MaxBackoff:       40 * time.Millisecond,
		InterRecordDelay: time.Millisecond,
		CallTimeout:      time.Second,
		ConfirmTimeout:   time.Second,
		LeaseTTL:         time.Minute,
	}
}

func newTestEngine(t *testing.T, svc chain.Service, allowance int64) (*Engine, *ledger.MemStore, *identity.Identity) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	store := ledger.NewMemStore("dev-1", decimal.NewFromInt(allowance))
	engine := NewEngine(store, svc, nil, nil, nil, fastConfig())
	return engine, store, id
}

func addPending(t *testing.T, store *ledger.MemStore, dir ledger.Direction, amount int64) *ledger.Record {
	t.Helper()
	rec := &ledger.Record{
		Direction:           dir,
		CounterpartyAddress: "ov1" + uuid.NewString(),
		Amount:              decimal.NewFromInt(amount),
		VoucherRef:          uuid.NewString(),
	}
	require.NoError(t, store.Add(context.Background(), rec))
	return rec
}

func TestSettleAllRequiresIdentity(t *testing.T) {
	engine, _, _ := newTestEngine(t, newFakeChain(), 100)
	_, err := engine.SettleAll(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrMissingIdentity)
}

func TestSettleSentSuccess(t *testing.T) {
	ctx := context.Background()
	engine, store, id := newTestEngine(t, newFakeChain(), 100)
	rec := addPending(t, store, ledger.DirectionSent, 10)

	results, err := engine.SettleAll(ctx, id, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, ledger.StatusSettled, results[0].Status)
	assert.Equal(t, 1, results[0].Attempts)
	assert.NotEmpty(t, results[0].TxRef)

	stored, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSettled, stored.Status)
	assert.Equal(t, results[0].TxRef, stored.SettlementTxRef)
}

func TestSettleSentRetriesTransientThenSucceeds(t *testing.T) {
	ctx := context.Background()
	svc := newFakeChain()
	svc.transferErrs = []error{chain.ErrUnavailable, chain.ErrNonceConflict, chain.ErrUnavailable}
	engine, store, id := newTestEngine(t, svc, 100)
	rec := addPending(t, store, ledger.DirectionSent, 10)

	started := time.Now()
	results, err := engine.SettleAll(ctx, id, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 4, results[0].Attempts)

	// Three backoffs with doubling: at least base + 2*base + 4*base.
	assert.GreaterOrEqual(t, time.Since(started), 35*time.Millisecond)

	stored, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSettled, stored.Status)
}

func TestSettleSentExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	svc := newFakeChain()
	svc.transferErrs = []error{
		chain.ErrUnavailable, chain.ErrUnavailable,
		chain.ErrUnavailable, chain.ErrUnavailable,
	}
	engine, store, id := newTestEngine(t, svc, 100)
	rec := addPending(t, store, ledger.DirectionSent, 10)

	results, err := engine.SettleAll(ctx, id, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, ledger.StatusFailed, results[0].Status)
	assert.Equal(t, 4, results[0].Attempts)
	assert.False(t, results[0].Permanent)

	stored, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, stored.Status)
}

func TestSettleSentPermanentFailureRestoresAllowance(t *testing.T) {
	ctx := context.Background()
	svc := newFakeChain()
	svc.feeOK = false
	engine, store, id := newTestEngine(t, svc, 100)
	rec := addPending(t, store, ledger.DirectionSent, 10)
	require.NoError(t, store.SpendAllowance(ctx, decimal.NewFromInt(10)))

	results, err := engine.SettleAll(ctx, id, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.True(t, results[0].Permanent)
	assert.Equal(t, 1, results[0].Attempts, "permanent failures are not retried")
	assert.Equal(t, ledger.StatusFailed, results[0].Status)

	stored, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, stored.Status)

	allowance, err := store.Allowance(ctx)
	require.NoError(t, err)
	assert.True(t, allowance.Equal(decimal.NewFromInt(100)), "the failed amount returns to the allowance")
}

func TestSettleReceivedMatchesInbound(t *testing.T) {
	ctx := context.Background()
	svc := newFakeChain()
	engine, store, id := newTestEngine(t, svc, 100)
	rec := addPending(t, store, ledger.DirectionReceived, 10)

	svc.history = []chain.TransferRecord{
		{From: "ov1stranger", To: id.Address(), Amount: decimal.NewFromInt(10), Ref: "tx-other"},
		{From: rec.CounterpartyAddress, To: id.Address(), Amount: decimal.NewFromInt(10), Ref: "tx-match"},
	}

	results, err := engine.SettleAll(ctx, id, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "tx-match", results[0].TxRef)

	stored, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSettled, stored.Status)
	assert.Equal(t, "tx-match", stored.SettlementTxRef)
}

func TestSettleReceivedStaysPendingWhenNotVisible(t *testing.T) {
	ctx := context.Background()
	svc := newFakeChain()
	engine, store, id := newTestEngine(t, svc, 100)
	rec := addPending(t, store, ledger.DirectionReceived, 10)

	results, err := engine.SettleAll(ctx, id, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, ledger.StatusPending, results[0].Status)
	assert.Equal(t, 1, results[0].Attempts, "an empty history is an answer, not an error")

	stored, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, stored.Status)
}

func TestSettleReceivedFailsAfterRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	svc := newFakeChain()
	svc.historyErr = chain.ErrUnavailable
	engine, store, id := newTestEngine(t, svc, 100)
	rec := addPending(t, store, ledger.DirectionReceived, 10)

	results, err := engine.SettleAll(ctx, id, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, 4, results[0].Attempts)
	assert.Equal(t, ledger.StatusFailed, results[0].Status)

	stored, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, stored.Status)

	// A received record never touches the offline allowance.
	allowance, err := store.Allowance(ctx)
	require.NoError(t, err)
	assert.True(t, allowance.Equal(decimal.NewFromInt(100)))

	// A later reconcile or manual retry can still move it on.
	_, err = store.UpdateStatus(ctx, rec.ID, ledger.StatusSettled, "tx-late")
	assert.NoError(t, err)
}

func TestSettleAllIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	svc := newFakeChain()
	svc.entered = make(chan struct{})
	svc.proceed = make(chan struct{})
	engine, store, id := newTestEngine(t, svc, 100)
	addPending(t, store, ledger.DirectionSent, 10)

	done := make(chan error, 1)
	go func() {
		_, err := engine.SettleAll(ctx, id, nil)
		done <- err
	}()

	<-svc.entered // first run is now mid-broadcast

	_, err := engine.SettleAll(ctx, id, nil)
	assert.ErrorIs(t, err, ErrAlreadyInProgress)

	close(svc.proceed)
	require.NoError(t, <-done)

	// With the first run finished a new one may start.
	svc.mu.Lock()
	svc.entered, svc.proceed = nil, nil
	svc.mu.Unlock()
	_, err = engine.SettleAll(ctx, id, nil)
	assert.NoError(t, err)
}

// leaseSpy observes lease traffic on an underlying store and can start
// refusing renewals after a set number of grants.
type leaseSpy struct {
	*ledger.MemStore
	mu       sync.Mutex
	acquires int
	maxGrant int
}

func (s *leaseSpy) AcquireLease(ctx context.Context, owner string, ttl time.Duration) error {
	s.mu.Lock()
	s.acquires++
	if s.maxGrant > 0 && s.acquires > s.maxGrant {
		s.mu.Unlock()
		return ledger.ErrLeaseHeld
	}
	s.mu.Unlock()
	return s.MemStore.AcquireLease(ctx, owner, ttl)
}

func TestSettleAllRenewsLeaseBetweenRecords(t *testing.T) {
	ctx := context.Background()
	id, err := identity.Generate()
	require.NoError(t, err)
	store := &leaseSpy{MemStore: ledger.NewMemStore("dev-1", decimal.NewFromInt(100))}
	engine := NewEngine(store, newFakeChain(), nil, nil, nil, fastConfig())

	addPending(t, store.MemStore, ledger.DirectionSent, 10)
	addPending(t, store.MemStore, ledger.DirectionSent, 5)
	addPending(t, store.MemStore, ledger.DirectionSent, 2)

	results, err := engine.SettleAll(ctx, id, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 3, store.acquires, "one grant plus one renewal per later record")
}

func TestSettleAllStopsWhenLeaseIsLost(t *testing.T) {
	ctx := context.Background()
	id, err := identity.Generate()
	require.NoError(t, err)
	store := &leaseSpy{
		MemStore: ledger.NewMemStore("dev-1", decimal.NewFromInt(100)),
		maxGrant: 1,
	}
	engine := NewEngine(store, newFakeChain(), nil, nil, nil, fastConfig())

	first := addPending(t, store.MemStore, ledger.DirectionSent, 10)
	second := addPending(t, store.MemStore, ledger.DirectionSent, 5)

	results, err := engine.SettleAll(ctx, id, nil)
	require.NoError(t, err)
	require.Len(t, results, 1, "the run stops at the record whose renewal failed")

	stored, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSettled, stored.Status)

	stored, err = store.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, stored.Status, "never touched once the lease is gone")
}

func TestSettleAllHonorsStoreLease(t *testing.T) {
	ctx := context.Background()
	engine, store, id := newTestEngine(t, newFakeChain(), 100)
	addPending(t, store, ledger.DirectionSent, 10)

	require.NoError(t, store.AcquireLease(ctx, "another-session", time.Minute))
	_, err := engine.SettleAll(ctx, id, nil)
	assert.ErrorIs(t, err, ErrAlreadyInProgress)

	require.NoError(t, store.ReleaseLease(ctx, "another-session"))
	_, err = engine.SettleAll(ctx, id, nil)
	assert.NoError(t, err)
}

func TestSettleAllReportsProgress(t *testing.T) {
	ctx := context.Background()
	engine, store, id := newTestEngine(t, newFakeChain(), 100)
	addPending(t, store, ledger.DirectionSent, 10)
	addPending(t, store, ledger.DirectionSent, 5)

	var progress []Progress
	_, err := engine.SettleAll(ctx, id, func(p Progress) {
		progress = append(progress, p)
	})
	require.NoError(t, err)

	require.Len(t, progress, 2)
	assert.Equal(t, 1, progress[0].Done)
	assert.Equal(t, 2, progress[0].Total)
	assert.Equal(t, 2, progress[1].Done)
	require.NotNil(t, progress[1].Last)
	assert.True(t, progress[1].Last.Success)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("failed sent re-spends allowance", func(t *testing.T) {
		engine, store, _ := newTestEngine(t, newFakeChain(), 100)
		rec := addPending(t, store, ledger.DirectionSent, 10)
		_, err := store.UpdateStatus(ctx, rec.ID, ledger.StatusFailed, "")
		require.NoError(t, err)

		updated, err := engine.Retry(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPending, updated.Status)

		allowance, err := store.Allowance(ctx)
		require.NoError(t, err)
		assert.True(t, allowance.Equal(decimal.NewFromInt(90)))
	})

	t.Run("allowance too small", func(t *testing.T) {
		engine, store, _ := newTestEngine(t, newFakeChain(), 100)
		rec := addPending(t, store, ledger.DirectionSent, 10)
		_, err := store.UpdateStatus(ctx, rec.ID, ledger.StatusFailed, "")
		require.NoError(t, err)
		require.NoError(t, store.SpendAllowance(ctx, decimal.NewFromInt(95)))

		_, err = engine.Retry(ctx, rec.ID)
		assert.ErrorIs(t, err, ledger.ErrAllowanceExceeded)
	})

	t.Run("only failed records retry", func(t *testing.T) {
		engine, store, _ := newTestEngine(t, newFakeChain(), 100)
		rec := addPending(t, store, ledger.DirectionSent, 10)

		_, err := engine.Retry(ctx, rec.ID)
		assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	})

	t.Run("unknown record", func(t *testing.T) {
		engine, _, _ := newTestEngine(t, newFakeChain(), 100)
		_, err := engine.Retry(ctx, uuid.New())
		assert.ErrorIs(t, err, ledger.ErrRecordNotFound)
	})
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	engine, _, _ := newTestEngine(t, newFakeChain(), 100)

	assert.Equal(t, 5*time.Millisecond, engine.backoff(1))
	assert.Equal(t, 10*time.Millisecond, engine.backoff(2))
	assert.Equal(t, 20*time.Millisecond, engine.backoff(3))
	assert.Equal(t, 40*time.Millisecond, engine.backoff(4))
	assert.Equal(t, 40*time.Millisecond, engine.backoff(10))
}
