// Package address derives the deterministic account addresses used by the
// arena ledger. Addresses are Solana program-derived addresses: the same
// (namespace, components) tuple always maps to the same address and bump.
//
// Sequence components are encoded as fixed-width little-endian u32
// (SequenceWidth bytes). This width is part of the wire format.
package address

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Address is a 32-byte account identity, rendered as base58.
type Address = solana.PublicKey

// Seed namespaces.
const (
	NamespaceAdminConfig    = "admin_config_account"
	NamespaceUserProfile    = "user_profile_account"
	NamespaceArena          = "arena_account"
	NamespaceTradingAccount = "trading_account_for_arena"
	NamespaceOpenPosition   = "open_position_account"
	NamespaceTrade          = "trade_account"
)

// SequenceWidth is the encoded width of sequence seeds in bytes.
const SequenceWidth = 4

// DefaultProgramID is the program the ledger derives addresses under.
const DefaultProgramID = "BoKzb5RyCGLM5VuEThDesURM5hi3TRfVF84kYoiokrop"

var (
	// ErrDerivationOverflow is returned when a seed is longer than the
	// per-seed budget or too many seeds are supplied.
	ErrDerivationOverflow = errors.New("address: derivation input exceeds seed budget")

	// ErrNoValidAddress is returned when no bump yields an off-curve address.
	ErrNoValidAddress = errors.New("address: no valid program address for seeds")
)

// Derive computes the program-derived address for namespace and
// components under programID. The bump seed occupies one of the
// solana.MaxSeeds slots.
func Derive(programID Address, namespace string, components ...[]byte) (Address, uint8, error) {
	if len(components)+2 > solana.MaxSeeds {
		return Address{}, 0, fmt.Errorf("%w: %d seeds", ErrDerivationOverflow, len(components)+2)
	}

	seeds := make([][]byte, 0, len(components)+1)
	seeds = append(seeds, []byte(namespace))
	seeds = append(seeds, components...)
	for i, s := range seeds {
		if len(s) > solana.MaxSeedLength {
			return Address{}, 0, fmt.Errorf("%w: seed %d is %d bytes", ErrDerivationOverflow, i, len(s))
		}
	}

	addr, bump, err := solana.FindProgramAddress(seeds, programID)
	if err != nil {
		return Address{}, 0, fmt.Errorf("%w: %v", ErrNoValidAddress, err)
	}
	return addr, bump, nil
}

// Sequence encodes a sequence number as a seed component.
func Sequence(seq uint32) []byte {
	buf := make([]byte, SequenceWidth)
	binary.LittleEndian.PutUint32(buf, seq)
	return buf
}

// Parse decodes a base58 address.
func Parse(s string) (Address, error) {
	addr, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return Address{}, fmt.Errorf("address: invalid base58 key %q: %w", s, err)
	}
	return addr, nil
}

// Deriver binds derivation to one program ID. It holds no other state and
// is safe for concurrent use.
type Deriver struct {
	programID Address
}

// NewDeriver creates a deriver for programID.
func NewDeriver(programID Address) *Deriver {
	return &Deriver{programID: programID}
}

// NewDefaultDeriver creates a deriver for DefaultProgramID.
func NewDefaultDeriver() *Deriver {
	return NewDeriver(solana.MustPublicKeyFromBase58(DefaultProgramID))
}

// ProgramID returns the program the deriver is bound to.
func (d *Deriver) ProgramID() Address { return d.programID }

// AdminConfig derives the singleton admin config address.
func (d *Deriver) AdminConfig() (Address, uint8, error) {
	return Derive(d.programID, NamespaceAdminConfig)
}

// Profile derives the user profile address for owner.
func (d *Deriver) Profile(owner Address) (Address, uint8, error) {
	return Derive(d.programID, NamespaceUserProfile, owner.Bytes())
}

// Arena derives the address of the creator's seq-th arena.
func (d *Deriver) Arena(creator Address, seq uint32) (Address, uint8, error) {
	return Derive(d.programID, NamespaceArena, creator.Bytes(), Sequence(seq))
}

// TradingAccount derives the owner's trading account for arena.
func (d *Deriver) TradingAccount(owner, arena Address) (Address, uint8, error) {
	return Derive(d.programID, NamespaceTradingAccount, owner.Bytes(), arena.Bytes())
}

// Position derives the seq-th open position of a trading account.
func (d *Deriver) Position(owner, tradingAccount Address, seq uint32) (Address, uint8, error) {
	return Derive(d.programID, NamespaceOpenPosition, owner.Bytes(), tradingAccount.Bytes(), Sequence(seq))
}

// Trade derives the seq-th trade record of a trading account.
func (d *Deriver) Trade(owner, tradingAccount Address, seq uint32) (Address, uint8, error) {
	return Derive(d.programID, NamespaceTrade, owner.Bytes(), tradingAccount.Bytes(), Sequence(seq))
}
