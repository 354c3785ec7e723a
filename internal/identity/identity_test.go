package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	addr := id.Address()
	assert.True(t, ValidAddress(addr))

	pub, err := AddressPublicKey(addr)
	require.NoError(t, err)
	assert.Len(t, pub, 32)
}

func TestFromSeedDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}

	a, err := FromSeed(seed)
	require.NoError(t, err)
	b, err := FromSeed(seed)
	require.NoError(t, err)

	assert.Equal(t, a.Address(), b.Address())
}

func TestFromSeedRejectsBadLength(t *testing.T) {
	_, err := FromSeed([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidSeed)

	_, err = FromSeedHex("zz")
	assert.ErrorIs(t, err, ErrInvalidSeed)
}

func TestValidAddress(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want bool
	}{
		{"empty", "", false},
		{"wrong prefix", "xx1deadbeef", false},
		{"not hex", "ov1not-hex-at-all", false},
		{"too short", "ov1deadbeef", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidAddress(tt.addr))
		})
	}
}

func TestSignAndVerify(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	other, err := Generate()
	require.NoError(t, err)

	data := []byte("promise to pay")
	sig := id.Sign(data)

	assert.True(t, Verify(id.Address(), data, sig))
	assert.False(t, Verify(other.Address(), data, sig), "signature must not verify under another address")
	assert.False(t, Verify(id.Address(), []byte("tampered"), sig))
	assert.False(t, Verify("not-an-address", data, sig))
}
