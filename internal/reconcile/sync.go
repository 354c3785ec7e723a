// Package reconcile merges the counterparty-visible remote ledger snapshot
// into the local ledger, so a sent record can be confirmed settled by the
// receiver's settlement activity without this device discovering the
// on-chain proof itself.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/voucherpay/internal/identity"
	"github.com/terminal-bench/voucherpay/internal/ledger"
	"github.com/terminal-bench/voucherpay/pkg/circuit"
	"github.com/terminal-bench/voucherpay/pkg/messaging"
	"github.com/terminal-bench/voucherpay/pkg/metrics"
)

// RemoteRecord is one voucher's shared view in the remote snapshot store.
// Both parties read and update the same document, keyed by voucher ref.
type RemoteRecord struct {
	VoucherRef      string          `json:"voucher_ref"`
	FromAddress     string          `json:"from_address"`
	ToAddress       string          `json:"to_address"`
	Amount          decimal.Decimal `json:"amount"`
	Status          ledger.Status   `json:"status"`
	SettlementTxRef string          `json:"settlement_tx_ref,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// RemoteStore is the eventually consistent remote snapshot store. It may be
// unavailable; callers degrade to skipping the cycle.
type RemoteStore interface {
	Put(ctx context.Context, rec *RemoteRecord) error
	FetchFor(ctx context.Context, address string) ([]*RemoteRecord, error)
	UpdateStatus(ctx context.Context, voucherRef string, status ledger.Status, settlementTxRef string) error
}

// Report summarizes one reconciliation cycle.
type Report struct {
	Pulled  int `json:"pulled"`
	Applied int `json:"applied"`
	Pushed  int `json:"pushed"`
	// Skipped is set when the remote store was unreachable and the cycle
	// did nothing. Local state stays authoritative until sync succeeds.
	Skipped bool   `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

// Syncer merges remote snapshots into the local ledger.
type Syncer struct {
	remote  RemoteStore
	store   ledger.Store
	msg     *messaging.Client
	metrics *metrics.Recorder
	breaker *circuit.Breaker
}

// NewSyncer creates a syncer. msg, metrics and breaker may be nil.
func NewSyncer(remote RemoteStore, store ledger.Store, msg *messaging.Client, rec *metrics.Recorder, breaker *circuit.Breaker) *Syncer {
	return &Syncer{
		remote:  remote,
		store:   store,
		msg:     msg,
		metrics: rec,
		breaker: breaker,
	}
}

// Sync pulls the remote snapshot for the identity's address and applies
// remote statuses locally. The remote view is authoritative for status
// only, never for amounts or parties; a remote status is applied only when
// it is further along and the transition is legal, so repeated or
// concurrent syncs are harmless. Local records the remote has not seen yet
// are pushed so the counterparty's device can observe them.
func (s *Syncer) Sync(ctx context.Context, id *identity.Identity) (*Report, error) {
	address := id.Address()
	report := &Report{}

	var remoteRecs []*RemoteRecord
	err := s.breaker.Execute(ctx, func() error {
		var ferr error
		remoteRecs, ferr = s.remote.FetchFor(ctx, address)
		return ferr
	})
	if err != nil {
		report.Skipped = true
		report.Error = err.Error()
		s.metrics.RecordReconcile(ctx, 0, 0, 0, true)
		return report, fmt.Errorf("remote snapshot unavailable: %w", err)
	}
	report.Pulled = len(remoteRecs)

	locals, err := s.store.GetAll(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to load local records: %w", err)
	}
	byVoucher := make(map[string]*ledger.Record, len(locals))
	for _, rec := range locals {
		if rec.VoucherRef != "" {
			byVoucher[rec.VoucherRef] = rec
		}
	}

	remoteSeen := make(map[string]*RemoteRecord, len(remoteRecs))
	for _, remote := range remoteRecs {
		remoteSeen[remote.VoucherRef] = remote

		local, ok := byVoucher[remote.VoucherRef]
		if !ok {
			continue
		}
		if remote.Status == local.Status || !remote.Status.Further(local.Status) {
			continue
		}
		if !ledger.CanTransition(local.Status, remote.Status) {
			continue
		}
		if _, err := s.store.UpdateStatus(ctx, local.ID, remote.Status, remote.SettlementTxRef); err != nil {
			continue
		}
		// A sent record failing settlement returns its amount to the
		// offline allowance, no matter which path discovered the failure.
		if remote.Status == ledger.StatusFailed && local.Direction == ledger.DirectionSent {
			_ = s.store.RestoreAllowance(ctx, local.Amount)
		}
		report.Applied++
	}

	// Push local records and local progress the remote has not seen.
	// Best effort: the store may turn unavailable mid-cycle.
	for _, local := range locals {
		if local.VoucherRef == "" {
			continue
		}
		remote, seen := remoteSeen[local.VoucherRef]
		switch {
		case !seen:
			if err := s.remote.Put(ctx, s.toRemote(address, local)); err == nil {
				report.Pushed++
			}
		case local.Status.Further(remote.Status):
			if err := s.remote.UpdateStatus(ctx, local.VoucherRef, local.Status, local.SettlementTxRef); err == nil {
				report.Pushed++
			}
		}
	}

	if report.Applied > 0 {
		if _, err := s.store.RecalculateBalances(ctx); err != nil {
			return report, fmt.Errorf("failed to recalculate balances: %w", err)
		}
	}

	s.metrics.RecordReconcile(ctx, report.Pulled, report.Applied, report.Pushed, false)
	s.msg.Publish(ctx, messaging.EventTypeReconcileCompleted, messaging.ReconcileEvent{
		Address: address,
		Pulled:  report.Pulled,
		Applied: report.Applied,
		Pushed:  report.Pushed,
	})

	return report, nil
}

func (s *Syncer) toRemote(address string, rec *ledger.Record) *RemoteRecord {
	from, to := address, rec.CounterpartyAddress
	if rec.Direction == ledger.DirectionReceived {
		from, to = rec.CounterpartyAddress, address
	}
	return &RemoteRecord{
		VoucherRef:      rec.VoucherRef,
		FromAddress:     from,
		ToAddress:       to,
		Amount:          rec.Amount,
		Status:          rec.Status,
		SettlementTxRef: rec.SettlementTxRef,
		UpdatedAt:       rec.UpdatedAt,
	}
}
