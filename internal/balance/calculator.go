// Package balance derives available and pending balances from the
// authoritative on-chain balance plus the device's offline ledger deltas.
package balance

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/voucherpay/internal/chain"
	"github.com/terminal-bench/voucherpay/internal/ledger"
	"github.com/terminal-bench/voucherpay/pkg/circuit"
)

// Cache holds the last authoritative balance seen per address, so the
// calculator can answer while disconnected.
type Cache interface {
	Get(ctx context.Context, address string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, address string, value decimal.Decimal) error
}

// Balances is the derived view handed to callers.
type Balances struct {
	Available     decimal.Decimal `json:"available"`
	PendingDelta  decimal.Decimal `json:"pending_delta"`
	Authoritative decimal.Decimal `json:"authoritative"`
	// Stale is set when the authoritative service was unreachable and the
	// last cached value was used instead.
	Stale bool `json:"stale"`
}

// Calculator owns no persistent state; it reads the snapshot and the
// authoritative balance and combines them.
type Calculator struct {
	chain   chain.Service
	store   ledger.Store
	cache   Cache
	breaker *circuit.Breaker
	asset   chain.Asset
	timeout time.Duration
}

// Config holds calculator settings.
type Config struct {
	Asset chain.Asset
	// FetchTimeout bounds the authoritative balance lookup so the
	// calculator never blocks indefinitely waiting for the network.
	FetchTimeout time.Duration
}

// NewCalculator creates a calculator. cache and breaker may be nil.
func NewCalculator(svc chain.Service, store ledger.Store, cache Cache, breaker *circuit.Breaker, cfg Config) *Calculator {
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	return &Calculator{
		chain:   svc,
		store:   store,
		cache:   cache,
		breaker: breaker,
		asset:   cfg.Asset,
		timeout: cfg.FetchTimeout,
	}
}

// Balances computes the full derived view for an address.
// available = max(0, authoritative - pendingSent); when the authoritative
// service is unreachable the last cached value stands in, combined with the
// current deltas.
func (c *Calculator) Balances(ctx context.Context, address string) (*Balances, error) {
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	authoritative, stale := c.authoritativeBalance(ctx, address)

	available := authoritative.Sub(snap.TotalSent)
	if available.IsNegative() {
		available = decimal.Zero
	}

	return &Balances{
		Available:     available,
		PendingDelta:  snap.TotalReceived.Sub(snap.TotalSent),
		Authoritative: authoritative,
		Stale:         stale,
	}, nil
}

// Available returns just the spendable balance for an address.
func (c *Calculator) Available(ctx context.Context, address string) (decimal.Decimal, error) {
	b, err := c.Balances(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Available, nil
}

// PendingDelta returns totalReceived - totalSent over pending records.
func (c *Calculator) PendingDelta(ctx context.Context) (decimal.Decimal, error) {
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.TotalReceived.Sub(snap.TotalSent), nil
}

// authoritativeBalance fetches the on-chain balance with a bounded timeout,
// falling back to the cached value (or zero) when unreachable.
func (c *Calculator) authoritativeBalance(ctx context.Context, address string) (decimal.Decimal, bool) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var fetched decimal.Decimal
	err := c.breaker.Execute(fetchCtx, func() error {
		var callErr error
		fetched, callErr = c.chain.GetBalance(fetchCtx, address, c.asset)
		return callErr
	})
	if err == nil {
		if c.cache != nil {
			_ = c.cache.Set(ctx, address, fetched)
		}
		return fetched, false
	}

	if c.cache != nil {
		if cached, ok, cacheErr := c.cache.Get(ctx, address); cacheErr == nil && ok {
			return cached, true
		}
	}
	return decimal.Zero, true
}
