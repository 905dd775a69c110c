package address

import (
	"bytes"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive_Deterministic(t *testing.T) {
	d := NewDefaultDeriver()
	owner := solana.NewWallet().PublicKey()

	a1, b1, err := d.Profile(owner)
	require.NoError(t, err)
	a2, b2, err := d.Profile(owner)
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.Equal(t, b1, b2)
	assert.False(t, a1.IsZero())
}

func TestDerive_MatchesCreateProgramAddress(t *testing.T) {
	d := NewDefaultDeriver()
	owner := solana.NewWallet().PublicKey()

	addr, bump, err := d.Profile(owner)
	require.NoError(t, err)

	again, err := solana.CreateProgramAddress(
		[][]byte{[]byte(NamespaceUserProfile), owner.Bytes(), {bump}},
		d.ProgramID(),
	)
	require.NoError(t, err)
	assert.Equal(t, addr, again)
}

func TestDerive_DistinctNamespacesAndSequences(t *testing.T) {
	d := NewDefaultDeriver()
	owner := solana.NewWallet().PublicKey()
	ta := solana.NewWallet().PublicKey()

	seen := make(map[Address]string)
	record := func(label string, a Address, err error) {
		t.Helper()
		require.NoError(t, err)
		if prev, ok := seen[a]; ok {
			t.Fatalf("address collision between %s and %s", prev, label)
		}
		seen[a] = label
	}

	a, _, err := d.Profile(owner)
	record("profile", a, err)
	for seq := uint32(0); seq < 8; seq++ {
		a, _, err = d.Position(owner, ta, seq)
		record("position", a, err)
		a, _, err = d.Trade(owner, ta, seq)
		record("trade", a, err)
		a, _, err = d.Arena(owner, seq)
		record("arena", a, err)
	}
}

func TestDerive_ProgramIDChangesAddress(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	a1, _, err := NewDefaultDeriver().Profile(owner)
	require.NoError(t, err)
	a2, _, err := NewDeriver(solana.NewWallet().PublicKey()).Profile(owner)
	require.NoError(t, err)
	assert.NotEqual(t, a1, a2)
}

func TestDerive_SeedTooLong(t *testing.T) {
	_, _, err := Derive(NewDefaultDeriver().ProgramID(), NamespaceArena, bytes.Repeat([]byte{1}, 33))
	assert.ErrorIs(t, err, ErrDerivationOverflow)
}

func TestDerive_NamespaceTooLong(t *testing.T) {
	_, _, err := Derive(NewDefaultDeriver().ProgramID(), "this_namespace_is_far_too_long_for_a_seed")
	assert.ErrorIs(t, err, ErrDerivationOverflow)
}

func TestDerive_TooManySeeds(t *testing.T) {
	comps := make([][]byte, 15)
	for i := range comps {
		comps[i] = []byte{byte(i)}
	}
	_, _, err := Derive(NewDefaultDeriver().ProgramID(), NamespaceArena, comps...)
	assert.ErrorIs(t, err, ErrDerivationOverflow)
}

func TestSequence_LittleEndian(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x02, 0x00, 0x00}, Sequence(0x0201))
	assert.Len(t, Sequence(0), SequenceWidth)
}

func TestParse(t *testing.T) {
	addr, err := Parse(DefaultProgramID)
	require.NoError(t, err)
	assert.Equal(t, DefaultProgramID, addr.String())

	_, err = Parse("not-base58-0OIl")
	assert.Error(t, err)
}
