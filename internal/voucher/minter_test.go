package voucher

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/voucherpay/internal/chain"
	"github.com/terminal-bench/voucherpay/internal/identity"
	"github.com/terminal-bench/voucherpay/internal/ledger"
)

func newTestMinter(t *testing.T, deviceID string, allowance, ceiling decimal.Decimal) (*Minter, *ledger.MemStore) {
	t.Helper()
	store := ledger.NewMemStore(deviceID, allowance)
	minter := NewMinter(store, nil, MinterConfig{DeviceID: deviceID, Ceiling: ceiling})
	return minter, store
}

func TestMintRecordsPendingAndSpendsAllowance(t *testing.T) {
	sender, err := identity.Generate()
	require.NoError(t, err)
	receiver, err := identity.Generate()
	require.NoError(t, err)

	minter, store := newTestMinter(t, "dev-a", decimal.NewFromInt(100), decimal.NewFromInt(50))
	ctx := context.Background()

	v, err := minter.Mint(ctx, sender, receiver.Address(), decimal.NewFromInt(10), chain.Native)
	require.NoError(t, err)
	assert.Equal(t, sender.Address(), v.FromAddress)
	assert.Equal(t, receiver.Address(), v.ToAddress)
	assert.NotEmpty(t, v.ClaimKey)
	assert.True(t, v.VerifySignature())

	rec, err := store.GetByVoucherRef(ctx, v.ClaimKey)
	require.NoError(t, err)
	assert.Equal(t, ledger.DirectionSent, rec.Direction)
	assert.Equal(t, ledger.StatusPending, rec.Status)
	assert.Equal(t, receiver.Address(), rec.CounterpartyAddress)

	allowance, err := store.Allowance(ctx)
	require.NoError(t, err)
	assert.True(t, allowance.Equal(decimal.NewFromInt(90)), "allowance should drop by the minted amount, got %s", allowance)

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.TotalSent.Equal(decimal.NewFromInt(10)))
}

func TestMintValidation(t *testing.T) {
	sender, err := identity.Generate()
	require.NoError(t, err)
	receiver, err := identity.Generate()
	require.NoError(t, err)

	minter, _ := newTestMinter(t, "dev-a", decimal.NewFromInt(100), decimal.NewFromInt(50))
	ctx := context.Background()

	tests := []struct {
		name    string
		to      string
		amount  decimal.Decimal
		wantErr error
	}{
		{"zero amount", receiver.Address(), decimal.Zero, ErrInvalidAmount},
		{"negative amount", receiver.Address(), decimal.NewFromInt(-1), ErrInvalidAmount},
		{"over ceiling", receiver.Address(), decimal.NewFromInt(51), ErrCeilingExceeded},
		{"bad recipient", "not-an-address", decimal.NewFromInt(1), ErrInvalidRecipient},
		{"self payment", sender.Address(), decimal.NewFromInt(1), ErrSelfPayment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := minter.Mint(ctx, sender, tt.to, tt.amount, chain.Native)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMintFailsAtomicallyOnAllowance(t *testing.T) {
	sender, err := identity.Generate()
	require.NoError(t, err)
	receiver, err := identity.Generate()
	require.NoError(t, err)

	minter, store := newTestMinter(t, "dev-a", decimal.NewFromInt(5), decimal.Zero)
	ctx := context.Background()

	_, err = minter.Mint(ctx, sender, receiver.Address(), decimal.NewFromInt(10), chain.Native)
	assert.ErrorIs(t, err, ledger.ErrAllowanceExceeded)

	// Nothing escaped: no record, allowance untouched.
	recs, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
	allowance, err := store.Allowance(ctx)
	require.NoError(t, err)
	assert.True(t, allowance.Equal(decimal.NewFromInt(5)))
}

func TestAcceptRecordsReceived(t *testing.T) {
	sender, err := identity.Generate()
	require.NoError(t, err)
	receiver, err := identity.Generate()
	require.NoError(t, err)
	ctx := context.Background()

	senderMinter, _ := newTestMinter(t, "dev-a", decimal.NewFromInt(100), decimal.Zero)
	receiverMinter, receiverStore := newTestMinter(t, "dev-b", decimal.NewFromInt(100), decimal.Zero)

	v, err := senderMinter.Mint(ctx, sender, receiver.Address(), decimal.NewFromInt(10), chain.Native)
	require.NoError(t, err)
	encoded, err := Encode(v)
	require.NoError(t, err)

	rec, err := receiverMinter.Accept(ctx, receiver, encoded)
	require.NoError(t, err)
	assert.Equal(t, ledger.DirectionReceived, rec.Direction)
	assert.Equal(t, ledger.StatusPending, rec.Status)
	assert.Equal(t, sender.Address(), rec.CounterpartyAddress)
	assert.Equal(t, v.ClaimKey, rec.VoucherRef)

	snap, err := receiverStore.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.TotalReceived.Equal(decimal.NewFromInt(10)))
}

func TestAcceptRejectsDuplicate(t *testing.T) {
	sender, err := identity.Generate()
	require.NoError(t, err)
	receiver, err := identity.Generate()
	require.NoError(t, err)
	ctx := context.Background()

	senderMinter, _ := newTestMinter(t, "dev-a", decimal.NewFromInt(100), decimal.Zero)
	receiverMinter, _ := newTestMinter(t, "dev-b", decimal.NewFromInt(100), decimal.Zero)

	v, err := senderMinter.Mint(ctx, sender, receiver.Address(), decimal.NewFromInt(10), chain.Native)
	require.NoError(t, err)
	encoded, err := Encode(v)
	require.NoError(t, err)

	_, err = receiverMinter.Accept(ctx, receiver, encoded)
	require.NoError(t, err)

	_, err = receiverMinter.Accept(ctx, receiver, encoded)
	assert.ErrorIs(t, err, ledger.ErrDuplicateVoucher)
}

func TestAcceptRejectsWrongRecipient(t *testing.T) {
	sender, err := identity.Generate()
	require.NoError(t, err)
	receiver, err := identity.Generate()
	require.NoError(t, err)
	bystander, err := identity.Generate()
	require.NoError(t, err)
	ctx := context.Background()

	senderMinter, _ := newTestMinter(t, "dev-a", decimal.NewFromInt(100), decimal.Zero)
	otherMinter, _ := newTestMinter(t, "dev-c", decimal.NewFromInt(100), decimal.Zero)

	v, err := senderMinter.Mint(ctx, sender, receiver.Address(), decimal.NewFromInt(10), chain.Native)
	require.NoError(t, err)
	encoded, err := Encode(v)
	require.NoError(t, err)

	_, err = otherMinter.Accept(ctx, bystander, encoded)
	assert.ErrorIs(t, err, ErrNotRecipient)
}
