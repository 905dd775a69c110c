package model

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_ProfileLayout(t *testing.T) {
	p := UserProfile{
		Address:            solana.NewWallet().PublicKey(),
		Owner:              solana.NewWallet().PublicKey(),
		ArenasCreatedCount: 3,
		Name:               "Alice",
		Bump:               254,
	}

	data, err := Encode(p)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("account:UserProfile"))
	assert.Equal(t, sum[:8], data[:8], "discriminator")

	off := 8
	assert.Equal(t, p.Address.Bytes(), data[off:off+32])
	off += 32
	assert.Equal(t, p.Owner.Bytes(), data[off:off+32])
	off += 32
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(data[off:]))
	off += 4
	assert.Equal(t, uint32(len("Alice")), binary.LittleEndian.Uint32(data[off:]))
	off += 4
	assert.Equal(t, "Alice", string(data[off:off+5]))
	off += 5
	assert.Equal(t, byte(254), data[off])
	assert.Len(t, data, off+1)
}

func TestDecode_RoundTripPosition(t *testing.T) {
	in := OpenPositionAccount{
		Address:        solana.NewWallet().PublicKey(),
		TradingAccount: solana.NewWallet().PublicKey(),
		Asset:          "BTC",
		QuantityRaw:    1_500_000,
		Seed:           7,
		Bump:           251,
		OpenedAt:       1_700_000_000,
	}
	data, err := Encode(in)
	require.NoError(t, err)

	var out OpenPositionAccount
	require.NoError(t, Decode(data, &out))
	assert.Equal(t, in, out)
}

func TestDecode_KindMismatch(t *testing.T) {
	data, err := Encode(TradingAccountForArena{MicroUSDCBalance: 1})
	require.NoError(t, err)

	var out OpenPositionAccount
	assert.ErrorIs(t, Decode(data, &out), ErrKindMismatch)
}

func TestKindOf(t *testing.T) {
	data, err := Encode(ArenaAccount{Name: "weekly"})
	require.NoError(t, err)

	k, err := KindOf(data)
	require.NoError(t, err)
	assert.Equal(t, KindArena, k)

	_, err = KindOf([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortRecord)

	_, err = KindOf(make([]byte, 8))
	assert.ErrorIs(t, err, ErrKindMismatch)
}

func TestDiscriminatorsUnique(t *testing.T) {
	seen := make(map[[8]byte]Kind)
	for k := range kindTypeNames {
		d := k.Discriminator()
		if prev, ok := seen[d]; ok {
			t.Fatalf("discriminator collision: %s and %s", prev, k)
		}
		seen[d] = k
	}
}

func TestArenaActiveAt(t *testing.T) {
	a := ArenaAccount{StartsAt: 100, ExpiresAt: 200}
	assert.False(t, a.ActiveAt(99))
	assert.True(t, a.ActiveAt(100))
	assert.True(t, a.ActiveAt(199))
	assert.False(t, a.ActiveAt(200))

	open := ArenaAccount{}
	assert.True(t, open.ActiveAt(0))
}
