package voucher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/voucherpay/internal/chain"
	"github.com/terminal-bench/voucherpay/internal/identity"
	"github.com/terminal-bench/voucherpay/internal/ledger"
	"github.com/terminal-bench/voucherpay/pkg/messaging"
)

var (
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrCeilingExceeded  = errors.New("amount exceeds per-transaction ceiling")
	ErrInvalidRecipient = errors.New("invalid recipient address")
	ErrSelfPayment      = errors.New("cannot mint a voucher to own address")
	ErrNotRecipient     = errors.New("voucher is addressed to a different account")
)

// Minter constructs and signs vouchers, recording each mint as a pending
// sent record before the voucher ever leaves this process.
type Minter struct {
	store    ledger.Store
	msg      *messaging.Client
	deviceID string
	ceiling  decimal.Decimal
}

// MinterConfig holds minting policy.
type MinterConfig struct {
	DeviceID string
	// Ceiling is the per-transaction amount cap. Zero means uncapped.
	Ceiling decimal.Decimal
}

// NewMinter creates a minter over the device ledger.
func NewMinter(store ledger.Store, msg *messaging.Client, cfg MinterConfig) *Minter {
	return &Minter{
		store:    store,
		msg:      msg,
		deviceID: cfg.DeviceID,
		ceiling:  cfg.Ceiling,
	}
}

// Mint validates, signs and records an offline voucher. The operation is
// transactional: the signed voucher is returned only after the sent record
// is persisted and the offline allowance decremented; any failure yields no
// voucher at all.
func (m *Minter) Mint(ctx context.Context, id *identity.Identity, toAddress string, amount decimal.Decimal, asset chain.Asset) (*Voucher, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if m.ceiling.IsPositive() && amount.GreaterThan(m.ceiling) {
		return nil, ErrCeilingExceeded
	}
	if !identity.ValidAddress(toAddress) {
		return nil, ErrInvalidRecipient
	}
	if toAddress == id.Address() {
		return nil, ErrSelfPayment
	}

	claimKey, err := newClaimKey()
	if err != nil {
		return nil, err
	}

	v := &Voucher{
		Version:     WireVersion,
		ClaimKey:    claimKey,
		Asset:       asset,
		Amount:      amount,
		FromAddress: id.Address(),
		ToAddress:   toAddress,
		IssuedAt:    time.Now(),
	}
	if err := v.Sign(id); err != nil {
		return nil, fmt.Errorf("failed to sign voucher: %w", err)
	}

	rec := &ledger.Record{
		DeviceID:            m.deviceID,
		Direction:           ledger.DirectionSent,
		CounterpartyAddress: toAddress,
		Amount:              amount,
		Asset:               asset,
		VoucherRef:          v.ClaimKey,
		CreatedAt:           v.IssuedAt,
	}
	if err := m.store.AddWithAllowance(ctx, rec); err != nil {
		return nil, err
	}

	m.msg.Publish(ctx, messaging.EventTypeVoucherMinted, messaging.VoucherEvent{
		RecordID:   rec.ID,
		DeviceID:   m.deviceID,
		Direction:  string(ledger.DirectionSent),
		From:       v.FromAddress,
		To:         v.ToAddress,
		Amount:     amount.String(),
		VoucherRef: v.ClaimKey,
		IssuedAt:   v.IssuedAt,
	})

	return v, nil
}

// Accept validates an incoming encoded voucher on the recipient's device
// and appends the matching received record. Accepting the same voucher
// twice is rejected via its claim key.
func (m *Minter) Accept(ctx context.Context, id *identity.Identity, encoded string) (*ledger.Record, error) {
	v, err := Decode(encoded)
	if err != nil {
		return nil, err
	}
	if v.ToAddress != id.Address() {
		return nil, ErrNotRecipient
	}

	rec := &ledger.Record{
		DeviceID:            m.deviceID,
		Direction:           ledger.DirectionReceived,
		CounterpartyAddress: v.FromAddress,
		Amount:              v.Amount,
		Asset:               v.Asset,
		VoucherRef:          v.ClaimKey,
	}
	if err := m.store.Add(ctx, rec); err != nil {
		return nil, err
	}

	m.msg.Publish(ctx, messaging.EventTypeVoucherAccepted, messaging.VoucherEvent{
		RecordID:   rec.ID,
		DeviceID:   m.deviceID,
		Direction:  string(ledger.DirectionReceived),
		From:       v.FromAddress,
		To:         v.ToAddress,
		Amount:     v.Amount.String(),
		VoucherRef: v.ClaimKey,
		IssuedAt:   v.IssuedAt,
	})

	return rec, nil
}

func newClaimKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate claim key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
