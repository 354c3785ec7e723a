package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Event subjects published by the wallet.
const (
	EventTypeVoucherMinted   = "voucher.minted"
	EventTypeVoucherAccepted = "voucher.accepted"

	EventTypeRecordSettled = "record.settled"
	EventTypeRecordFailed  = "record.failed"

	EventTypeSettlementCompleted = "settlement.completed"
	EventTypeReconcileCompleted  = "reconcile.completed"
)

// VoucherEvent announces a voucher minted or accepted on this device.
type VoucherEvent struct {
	RecordID    uuid.UUID `json:"record_id"`
	DeviceID    string    `json:"device_id"`
	Direction   string    `json:"direction"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      string    `json:"amount"`
	VoucherRef  string    `json:"voucher_ref"`
	IssuedAt    time.Time `json:"issued_at"`
}

// RecordStatusEvent announces a status transition on a ledger record.
type RecordStatusEvent struct {
	RecordID        uuid.UUID `json:"record_id"`
	DeviceID        string    `json:"device_id"`
	Direction       string    `json:"direction"`
	Status          string    `json:"status"`
	SettlementTxRef string    `json:"settlement_tx_ref,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}

// SettlementRunEvent summarizes one settlement pass.
type SettlementRunEvent struct {
	Address  string        `json:"address"`
	Total    int           `json:"total"`
	Settled  int           `json:"settled"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// ReconcileEvent summarizes one reconciliation cycle.
type ReconcileEvent struct {
	Address string `json:"address"`
	Pulled  int    `json:"pulled"`
	Applied int    `json:"applied"`
	Pushed  int    `json:"pushed"`
	Skipped bool   `json:"skipped"`
}
