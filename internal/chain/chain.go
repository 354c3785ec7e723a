// Package chain defines the contract consumed from the authoritative
// transfer service. The service itself lives elsewhere; settlement and
// balance code only depend on the interfaces and error taxonomy here.
package chain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/voucherpay/internal/identity"
)

// AssetKind is a closed enumeration of supported asset families.
type AssetKind int

const (
	AssetNative AssetKind = iota
	AssetToken
)

func (k AssetKind) String() string {
	switch k {
	case AssetNative:
		return "native"
	case AssetToken:
		return "token"
	default:
		return "unknown"
	}
}

// Asset selects which balance a transfer moves. Token assets carry the
// contract address of their transfer adapter; the native asset does not.
type Asset struct {
	Kind     AssetKind `json:"kind"`
	Contract string    `json:"contract,omitempty"`
}

// Native is the chain's fee and default transfer asset.
var Native = Asset{Kind: AssetNative}

// Token returns a token asset bound to a contract address.
func Token(contract string) Asset {
	return Asset{Kind: AssetToken, Contract: contract}
}

// TransferRecord is one entry of an address's recent transfer history.
type TransferRecord struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	Asset     Asset           `json:"asset"`
	Ref       string          `json:"ref"`
	Timestamp time.Time       `json:"timestamp"`
	Direction string          `json:"direction"` // "in" or "out"
}

// Pending is a broadcast transfer awaiting on-chain confirmation.
type Pending interface {
	Ref() string
	Await(ctx context.Context) error
}

// Service is the authoritative transfer service.
type Service interface {
	GetBalance(ctx context.Context, address string, asset Asset) (decimal.Decimal, error)
	Transfer(ctx context.Context, id *identity.Identity, to string, amount decimal.Decimal, asset Asset) (Pending, error)
	GetRecentTransfers(ctx context.Context, address string, limit int) ([]TransferRecord, error)
	HasSufficientFee(ctx context.Context, address string) (bool, error)
}

// Permanent settlement errors. A record that hits one of these is not
// retried; it requires manual intervention.
var (
	ErrInsufficientFee   = errors.New("insufficient fee balance")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidRecipient  = errors.New("invalid recipient")
)

// Transient errors worth retrying with backoff.
var (
	ErrNonceConflict = errors.New("nonce conflict")
	ErrUnavailable   = errors.New("transfer service unavailable")
)

// IsPermanent reports whether err is a permanent settlement failure.
// Everything else coming out of a chain call (timeouts, connection drops,
// nonce conflicts) is treated as transient and subject to the retry policy.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInsufficientFee) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidRecipient)
}
