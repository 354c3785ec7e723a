package voucher

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/terminal-bench/voucherpay/internal/identity"
)

// WireVersion is the current voucher payload version.
const WireVersion = 1

// wirePrefix frames the transportable string: "OV<version>.<base64 payload>".
const wirePrefix = "OV"

var (
	ErrMalformed          = errors.New("malformed voucher payload")
	ErrUnsupportedVersion = errors.New("unsupported voucher version")
	ErrExpired            = errors.New("voucher expired")
	ErrBadSignature       = errors.New("voucher signature invalid")
	ErrInvalidVoucher     = errors.New("invalid voucher")
)

// Encode serializes a voucher into its compact transportable string, the
// form carried in a QR code or any other opaque transport.
func Encode(v *Voucher) (string, error) {
	if v.Version != WireVersion {
		return "", ErrUnsupportedVersion
	}
	if err := validateFields(v); err != nil {
		return "", err
	}
	if len(v.Signature) == 0 {
		return "", fmt.Errorf("%w: unsigned", ErrInvalidVoucher)
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal voucher: %w", err)
	}
	return wirePrefix + strconv.Itoa(v.Version) + "." +
		base64.RawURLEncoding.EncodeToString(payload), nil
}

// Decode parses and validates a transportable voucher string. It rejects
// malformed payloads, unsupported versions, tampered signatures and
// vouchers past their TTL. Decoding is pure: it never touches any ledger.
func Decode(s string) (*Voucher, error) {
	return decodeAt(s, time.Now())
}

func decodeAt(s string, now time.Time) (*Voucher, error) {
	if !strings.HasPrefix(s, wirePrefix) {
		return nil, ErrMalformed
	}
	rest := s[len(wirePrefix):]
	dot := strings.IndexByte(rest, '.')
	if dot <= 0 {
		return nil, ErrMalformed
	}

	version, err := strconv.Atoi(rest[:dot])
	if err != nil {
		return nil, ErrMalformed
	}
	if version != WireVersion {
		return nil, ErrUnsupportedVersion
	}

	raw, err := base64.RawURLEncoding.DecodeString(rest[dot+1:])
	if err != nil {
		return nil, ErrMalformed
	}

	var v Voucher
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, ErrMalformed
	}
	if v.Version != version {
		return nil, ErrMalformed
	}
	if err := validateFields(&v); err != nil {
		return nil, err
	}
	if !v.VerifySignature() {
		return nil, ErrBadSignature
	}
	if v.Expired(now) {
		return nil, ErrExpired
	}
	return &v, nil
}

func validateFields(v *Voucher) error {
	if v.ClaimKey == "" {
		return fmt.Errorf("%w: missing claim key", ErrInvalidVoucher)
	}
	if !v.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidVoucher)
	}
	if !identity.ValidAddress(v.FromAddress) {
		return fmt.Errorf("%w: bad from address", ErrInvalidVoucher)
	}
	if !identity.ValidAddress(v.ToAddress) {
		return fmt.Errorf("%w: bad to address", ErrInvalidVoucher)
	}
	if v.FromAddress == v.ToAddress {
		return fmt.Errorf("%w: sender and recipient are the same", ErrInvalidVoucher)
	}
	if v.IssuedAt.IsZero() {
		return fmt.Errorf("%w: missing issuance time", ErrInvalidVoucher)
	}
	return nil
}
