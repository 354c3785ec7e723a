package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// AddressPrefix versions the address format so the verify key can always be
// recovered from the address string itself.
const AddressPrefix = "ov1"

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrInvalidSeed    = errors.New("invalid key seed")
)

// Identity is a signing identity bound to one account address.
// Key custody beyond holding the private key in memory is out of scope.
type Identity struct {
	priv ed25519.PrivateKey
}

// Generate creates a new random identity.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &Identity{priv: priv}, nil
}

// FromSeed derives a deterministic identity from a 32-byte seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSeed
	}
	return &Identity{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// FromSeedHex derives an identity from a hex-encoded seed.
func FromSeedHex(s string) (*Identity, error) {
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidSeed
	}
	return FromSeed(seed)
}

// Address returns the account address for this identity.
func (id *Identity) Address() string {
	pub := id.priv.Public().(ed25519.PublicKey)
	return AddressPrefix + hex.EncodeToString(pub)
}

// Sign signs the given payload.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.priv, data)
}

// ValidAddress reports whether s is a syntactically valid account address.
func ValidAddress(s string) bool {
	_, err := AddressPublicKey(s)
	return err == nil
}

// AddressPublicKey recovers the verify key embedded in an address.
func AddressPublicKey(addr string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(addr, AddressPrefix) {
		return nil, ErrInvalidAddress
	}
	raw, err := hex.DecodeString(addr[len(AddressPrefix):])
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidAddress
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks a signature made by the identity bound to addr.
func Verify(addr string, data, sig []byte) bool {
	pub, err := AddressPublicKey(addr)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
