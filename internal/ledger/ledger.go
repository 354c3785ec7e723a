// Package ledger holds the per-device record store of promised transfers.
// It is the only mutable state shared between minting, settlement and
// reconciliation; every mutation goes through Add/UpdateStatus so that
// concurrent callers can only move a record's status forward.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/voucherpay/internal/chain"
)

// Direction of a promised transfer relative to this device.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Status of a promised transfer.
type Status string

const (
	StatusPending Status = "pending"
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSettled, StatusFailed:
		return true
	}
	return false
}

// rank orders statuses for conflict resolution: a remote status only ever
// replaces a local one of lower rank.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusFailed:
		return 1
	case StatusSettled:
		return 2
	}
	return -1
}

// Further reports whether s is further along than other.
func (s Status) Further(other Status) bool {
	return s.rank() > other.rank()
}

// CanTransition reports whether a record may move from one status to
// another. Settled is terminal. Failed may return to pending (manual retry)
// or advance to settled when the transfer turns out to have landed.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusSettled || to == StatusFailed
	case StatusFailed:
		return to == StatusPending || to == StatusSettled
	case StatusSettled:
		return false
	}
	return false
}

// Record is a promised-but-unconfirmed transfer tracked by this device.
// Records are never physically deleted except by PurgeSettled.
type Record struct {
	ID                  uuid.UUID       `json:"id"`
	DeviceID            string          `json:"device_id"`
	Direction           Direction       `json:"direction"`
	CounterpartyAddress string          `json:"counterparty_address"`
	Amount              decimal.Decimal `json:"amount"`
	Asset               chain.Asset     `json:"asset"`
	Status              Status          `json:"status"`
	SettlementTxRef     string          `json:"settlement_tx_ref,omitempty"`
	VoucherRef          string          `json:"voucher_ref,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	Version             int             `json:"version"`
}

// Snapshot is the derived offline balance cache. It is never the source of
// truth: it must always be reproducible by replaying pending records.
type Snapshot struct {
	DeviceID      string          `json:"device_id"`
	TotalSent     decimal.Decimal `json:"total_sent"`
	TotalReceived decimal.Decimal `json:"total_received"`
	LastUpdated   time.Time       `json:"last_updated"`
}

var (
	ErrRecordNotFound    = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAllowanceExceeded = errors.New("offline allowance exceeded")
	ErrDuplicateVoucher  = errors.New("voucher already recorded on this device")
	ErrLeaseHeld         = errors.New("settlement lease held by another session")
)

// Store is the durable per-device ledger.
type Store interface {
	// Add appends a new pending record.
	Add(ctx context.Context, rec *Record) error
	// AddWithAllowance appends a sent record and decrements the offline
	// allowance by its amount in one atomic step. Neither happens if the
	// allowance would go negative.
	AddWithAllowance(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	GetAll(ctx context.Context) ([]*Record, error)
	GetByStatus(ctx context.Context, status Status) ([]*Record, error)
	GetByVoucherRef(ctx context.Context, voucherRef string) (*Record, error)
	// UpdateStatus moves a record's status forward. Re-applying the current
	// status is a no-op, not an error; a settled record keeps its original
	// settlement ref.
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, settlementTxRef string) (*Record, error)
	// RecalculateBalances rebuilds the snapshot by summing pending records.
	// Pure function of the record set: same records, same snapshot.
	RecalculateBalances(ctx context.Context) (*Snapshot, error)
	Snapshot(ctx context.Context) (*Snapshot, error)

	// Offline allowance: the locally enforced spending cap.
	Allowance(ctx context.Context) (decimal.Decimal, error)
	SpendAllowance(ctx context.Context, amount decimal.Decimal) error
	RestoreAllowance(ctx context.Context, amount decimal.Decimal) error

	// Settlement lease: a versioned lock record guarding the single-flight
	// settlement run across sessions sharing this store.
	AcquireLease(ctx context.Context, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, owner string) error

	// PurgeSettled is the only physical delete: explicit, user-triggered
	// cleanup of settled records. Returns the number removed.
	PurgeSettled(ctx context.Context) (int, error)
}
