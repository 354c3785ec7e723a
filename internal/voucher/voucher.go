// Package voucher implements the offline payment voucher: a signed,
// self-contained claim authorizing transfer of a fixed amount to a named
// recipient, exchangeable as an opaque string while disconnected.
package voucher

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/voucherpay/internal/chain"
	"github.com/terminal-bench/voucherpay/internal/identity"
)

// TTL is how long a voucher stays redeemable after issuance.
const TTL = 7 * 24 * time.Hour

// Voucher is a signed offline claim. The signature covers the claim key,
// asset, amount, parties and issuance time, and verifies under the key
// bound to FromAddress.
type Voucher struct {
	Version     int             `json:"version"`
	ClaimKey    string          `json:"claim_key"`
	Asset       chain.Asset     `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	FromAddress string          `json:"from_address"`
	ToAddress   string          `json:"to_address"`
	IssuedAt    time.Time       `json:"issued_at"`
	Signature   []byte          `json:"signature"`
}

// digest is the byte string the signature covers. Field order and framing
// are part of the wire contract and must not change within a version.
func (v *Voucher) digest() []byte {
	h := sha256.New()
	fmt.Fprintf(h, "voucherpay/v%d\n", v.Version)
	h.Write([]byte(v.ClaimKey))
	h.Write([]byte{'\n'})
	h.Write([]byte(strconv.Itoa(int(v.Asset.Kind))))
	h.Write([]byte{'\n'})
	h.Write([]byte(v.Asset.Contract))
	h.Write([]byte{'\n'})
	h.Write([]byte(v.Amount.String()))
	h.Write([]byte{'\n'})
	h.Write([]byte(v.FromAddress))
	h.Write([]byte{'\n'})
	h.Write([]byte(v.ToAddress))
	h.Write([]byte{'\n'})
	h.Write([]byte(strconv.FormatInt(v.IssuedAt.Unix(), 10)))
	sum := h.Sum(nil)
	return sum
}

// Sign signs the voucher with the issuer identity. The identity's address
// must match FromAddress.
func (v *Voucher) Sign(id *identity.Identity) error {
	if id.Address() != v.FromAddress {
		return fmt.Errorf("signing identity does not match from address")
	}
	v.Signature = id.Sign(v.digest())
	return nil
}

// VerifySignature checks the signature against the key bound to FromAddress.
func (v *Voucher) VerifySignature() bool {
	return identity.Verify(v.FromAddress, v.digest(), v.Signature)
}

// Expired reports whether the voucher's TTL has elapsed at the given time.
func (v *Voucher) Expired(now time.Time) bool {
	return now.Sub(v.IssuedAt) >= TTL
}
