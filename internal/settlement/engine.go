// Package settlement drains the pending queue against the authoritative
// transfer service once connectivity returns, converting promises into
// confirmed ledger entries.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/terminal-bench/voucherpay/internal/chain"
	"github.com/terminal-bench/voucherpay/internal/identity"
	"github.com/terminal-bench/voucherpay/internal/ledger"
	"github.com/terminal-bench/voucherpay/pkg/circuit"
	"github.com/terminal-bench/voucherpay/pkg/messaging"
	"github.com/terminal-bench/voucherpay/pkg/metrics"
)

var (
	// ErrAlreadyInProgress is returned immediately to a caller that tries
	// to start a run while one is active.
	ErrAlreadyInProgress = errors.New("settlement already in progress")
	// ErrMissingIdentity aborts a run before any record is touched.
	ErrMissingIdentity = errors.New("missing signing identity")
	// errNotVisibleYet marks an inbound transfer that has not appeared in
	// the on-chain history yet. Not a failure: the record stays pending.
	errNotVisibleYet = errors.New("not found on-chain yet")
)

// Result is the per-record outcome of one settlement pass.
type Result struct {
	RecordID  uuid.UUID        `json:"record_id"`
	Direction ledger.Direction `json:"direction"`
	Success   bool             `json:"success"`
	Status    ledger.Status    `json:"status"`
	TxRef     string           `json:"tx_ref,omitempty"`
	Attempts  int              `json:"attempts"`
	Permanent bool             `json:"permanent,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Progress reports per-record completion to the caller during a run.
type Progress struct {
	Done  int     `json:"done"`
	Total int     `json:"total"`
	Last  *Result `json:"last,omitempty"`
}

// Config holds settlement policy.
type Config struct {
	// MaxAttempts bounds retries of transient failures per record.
	MaxAttempts int
	// BaseBackoff is the first retry delay; it doubles per attempt up to
	// MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// InterRecordDelay paces successfully settled records so the transfer
	// service is not rate-limited.
	InterRecordDelay time.Duration
	// CallTimeout bounds each network call so a stuck RPC cannot hold the
	// single-flight lock indefinitely.
	CallTimeout time.Duration
	// ConfirmTimeout bounds the wait for on-chain confirmation.
	ConfirmTimeout time.Duration
	// LeaseTTL is the lifetime of the settlement lease in the ledger.
	LeaseTTL time.Duration
	// MatchEpsilon is the amount tolerance when matching inbound transfers.
	MatchEpsilon decimal.Decimal
	// RecentTransferLimit is how much history to scan for inbound matches.
	RecentTransferLimit int
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 4
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 8 * time.Second
	}
	if c.InterRecordDelay == 0 {
		c.InterRecordDelay = 250 * time.Millisecond
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = 60 * time.Second
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.MatchEpsilon.IsZero() {
		c.MatchEpsilon = decimal.New(1, -6)
	}
	if c.RecentTransferLimit == 0 {
		c.RecentTransferLimit = 50
	}
}

// Engine settles pending ledger records. One engine instance serves one
// device; a run is single-flight both in-process (semaphore) and across
// sessions sharing the store (versioned lease).
type Engine struct {
	store   ledger.Store
	chain   chain.Service
	msg     *messaging.Client
	metrics *metrics.Recorder
	breaker *circuit.Breaker
	cfg     Config

	sem   *semaphore.Weighted
	owner string
}

// NewEngine creates a settlement engine. msg, metrics and breaker may be nil.
func NewEngine(store ledger.Store, svc chain.Service, msg *messaging.Client, rec *metrics.Recorder, breaker *circuit.Breaker, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		store:   store,
		chain:   svc,
		msg:     msg,
		metrics: rec,
		breaker: breaker,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(1),
		owner:   uuid.New().String(),
	}
}

// SettleAll drains the pending queue in createdAt order. Records are
// settled independently: one failing never aborts the rest. A concurrent
// call while a run is active returns ErrAlreadyInProgress immediately.
func (e *Engine) SettleAll(ctx context.Context, id *identity.Identity, onProgress func(Progress)) ([]Result, error) {
	if id == nil {
		return nil, ErrMissingIdentity
	}
	if !e.sem.TryAcquire(1) {
		return nil, ErrAlreadyInProgress
	}
	defer e.sem.Release(1)

	if err := e.store.AcquireLease(ctx, e.owner, e.cfg.LeaseTTL); err != nil {
		if errors.Is(err, ledger.ErrLeaseHeld) {
			return nil, ErrAlreadyInProgress
		}
		return nil, fmt.Errorf("failed to acquire settlement lease: %w", err)
	}
	defer e.store.ReleaseLease(context.Background(), e.owner)

	pending, err := e.store.GetByStatus(ctx, ledger.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending records: %w", err)
	}

	started := time.Now()
	results := make([]Result, 0, len(pending))
	settled, failed := 0, 0

	for i, rec := range pending {
		if ctx.Err() != nil {
			break
		}

		// Renew the lease so a slow record cannot outlive it and let a
		// second session start a duplicate run mid-pass.
		if i > 0 {
			if err := e.store.AcquireLease(ctx, e.owner, e.cfg.LeaseTTL); err != nil {
				break
			}
		}

		recStarted := time.Now()
		res := e.settleRecord(ctx, id, rec)
		results = append(results, res)

		switch res.Status {
		case ledger.StatusSettled:
			settled++
		case ledger.StatusFailed:
			failed++
		}

		e.metrics.RecordSettlement(ctx, string(res.Direction), string(res.Status),
			res.Attempts, res.Permanent, time.Since(recStarted))

		if onProgress != nil {
			onProgress(Progress{Done: i + 1, Total: len(pending), Last: &res})
		}

		if res.Success && i < len(pending)-1 {
			if err := sleepCtx(ctx, e.cfg.InterRecordDelay); err != nil {
				break
			}
		}
	}

	if _, err := e.store.RecalculateBalances(ctx); err != nil {
		return results, fmt.Errorf("failed to recalculate balances: %w", err)
	}

	e.metrics.RecordSettlementRun(ctx, len(pending), settled, failed, time.Since(started))
	e.msg.Publish(ctx, messaging.EventTypeSettlementCompleted, messaging.SettlementRunEvent{
		Address:  id.Address(),
		Total:    len(pending),
		Settled:  settled,
		Failed:   failed,
		Skipped:  len(pending) - settled - failed,
		Duration: time.Since(started),
	})

	return results, nil
}

func (e *Engine) settleRecord(ctx context.Context, id *identity.Identity, rec *ledger.Record) Result {
	switch rec.Direction {
	case ledger.DirectionSent:
		return e.settleSent(ctx, id, rec)
	case ledger.DirectionReceived:
		return e.settleReceived(ctx, id, rec)
	default:
		return Result{
			RecordID:  rec.ID,
			Direction: rec.Direction,
			Status:    rec.Status,
			Error:     "unknown record direction",
		}
	}
}

// settleSent broadcasts the promised transfer and waits for confirmation.
// Permanent failures (insufficient fee or funds, bad recipient) move the
// record to failed without retrying and restore the offline allowance;
// transient failures retry with doubling backoff until MaxAttempts.
func (e *Engine) settleSent(ctx context.Context, id *identity.Identity, rec *ledger.Record) Result {
	res := Result{RecordID: rec.ID, Direction: rec.Direction}

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt

		txRef, err := e.broadcast(ctx, id, rec)
		if err == nil {
			updated, uerr := e.store.UpdateStatus(ctx, rec.ID, ledger.StatusSettled, txRef)
			if uerr != nil {
				res.Error = uerr.Error()
				return res
			}
			res.Success = true
			res.Status = updated.Status
			res.TxRef = updated.SettlementTxRef
			e.publishStatus(ctx, updated, "")
			return res
		}

		if chain.IsPermanent(err) {
			res.Permanent = true
			res.Error = err.Error()
			res.Status = e.markFailed(ctx, rec, err.Error())
			return res
		}

		res.Error = err.Error()
		if attempt < e.cfg.MaxAttempts {
			if serr := sleepCtx(ctx, e.backoff(attempt)); serr != nil {
				res.Status = rec.Status
				return res
			}
		}
	}

	// Transient retries exhausted.
	res.Status = e.markFailed(ctx, rec, res.Error)
	return res
}

func (e *Engine) broadcast(ctx context.Context, id *identity.Identity, rec *ledger.Record) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	var feeOK bool
	err := e.breaker.Execute(callCtx, func() error {
		var ferr error
		feeOK, ferr = e.chain.HasSufficientFee(callCtx, id.Address())
		return ferr
	})
	if err != nil {
		return "", err
	}
	if !feeOK {
		return "", chain.ErrInsufficientFee
	}

	var pending chain.Pending
	err = e.breaker.Execute(callCtx, func() error {
		var terr error
		pending, terr = e.chain.Transfer(callCtx, id, rec.CounterpartyAddress, rec.Amount, rec.Asset)
		return terr
	})
	if err != nil {
		return "", err
	}

	confirmCtx, cancelConfirm := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancelConfirm()
	if err := pending.Await(confirmCtx); err != nil {
		return "", err
	}
	return pending.Ref(), nil
}

// settleReceived scans the recent transfer history for a matching inbound
// transfer. A missing match leaves the record pending; it simply is not
// visible on-chain yet.
func (e *Engine) settleReceived(ctx context.Context, id *identity.Identity, rec *ledger.Record) Result {
	res := Result{RecordID: rec.ID, Direction: rec.Direction}

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt

		match, err := e.findInbound(ctx, id.Address(), rec)
		if err == nil {
			updated, uerr := e.store.UpdateStatus(ctx, rec.ID, ledger.StatusSettled, match.Ref)
			if uerr != nil {
				res.Error = uerr.Error()
				return res
			}
			res.Success = true
			res.Status = updated.Status
			res.TxRef = updated.SettlementTxRef
			e.publishStatus(ctx, updated, "")
			return res
		}
		if errors.Is(err, errNotVisibleYet) {
			res.Error = err.Error()
			res.Status = rec.Status // stays pending
			return res
		}

		res.Error = err.Error()
		if attempt < e.cfg.MaxAttempts {
			if serr := sleepCtx(ctx, e.backoff(attempt)); serr != nil {
				res.Status = rec.Status
				return res
			}
		}
	}

	// Transient retries exhausted. The transfer may still land later; a
	// reconcile cycle or manual retry can move the record on from failed.
	res.Status = e.markFailed(ctx, rec, res.Error)
	return res
}

func (e *Engine) findInbound(ctx context.Context, address string, rec *ledger.Record) (*chain.TransferRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	var history []chain.TransferRecord
	err := e.breaker.Execute(callCtx, func() error {
		var herr error
		history, herr = e.chain.GetRecentTransfers(callCtx, address, e.cfg.RecentTransferLimit)
		return herr
	})
	if err != nil {
		return nil, err
	}

	for i := range history {
		t := &history[i]
		if t.To != address || t.From != rec.CounterpartyAddress {
			continue
		}
		if t.Amount.Sub(rec.Amount).Abs().GreaterThan(e.cfg.MatchEpsilon) {
			continue
		}
		return t, nil
	}
	return nil, errNotVisibleYet
}

// markFailed advances the record to failed and, for sent records, restores
// the offline allowance the mint had spent.
func (e *Engine) markFailed(ctx context.Context, rec *ledger.Record, reason string) ledger.Status {
	updated, err := e.store.UpdateStatus(ctx, rec.ID, ledger.StatusFailed, "")
	if err != nil {
		return rec.Status
	}
	if rec.Direction == ledger.DirectionSent {
		_ = e.store.RestoreAllowance(ctx, rec.Amount)
	}
	e.publishStatus(ctx, updated, reason)
	return updated.Status
}

// Retry moves a failed record back to pending for the next settlement run.
// A sent record re-spends its amount from the offline allowance, mirroring
// the restore that happened when it failed.
func (e *Engine) Retry(ctx context.Context, recordID uuid.UUID) (*ledger.Record, error) {
	rec, err := e.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Status != ledger.StatusFailed {
		return nil, ledger.ErrInvalidTransition
	}

	if rec.Direction == ledger.DirectionSent {
		if err := e.store.SpendAllowance(ctx, rec.Amount); err != nil {
			return nil, err
		}
	}
	updated, err := e.store.UpdateStatus(ctx, recordID, ledger.StatusPending, "")
	if err != nil {
		if rec.Direction == ledger.DirectionSent {
			_ = e.store.RestoreAllowance(ctx, rec.Amount)
		}
		return nil, err
	}
	return updated, nil
}

func (e *Engine) publishStatus(ctx context.Context, rec *ledger.Record, reason string) {
	subject := messaging.EventTypeRecordSettled
	if rec.Status == ledger.StatusFailed {
		subject = messaging.EventTypeRecordFailed
	}
	e.msg.Publish(ctx, subject, messaging.RecordStatusEvent{
		RecordID:        rec.ID,
		DeviceID:        rec.DeviceID,
		Direction:       string(rec.Direction),
		Status:          string(rec.Status),
		SettlementTxRef: rec.SettlementTxRef,
		Reason:          reason,
	})
}

// backoff doubles per attempt starting at BaseBackoff, capped at MaxBackoff.
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.MaxBackoff {
			return e.cfg.MaxBackoff
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
