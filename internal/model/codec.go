package model

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// DiscriminatorLength is the size of the type prefix on every record.
const DiscriminatorLength = 8

var (
	// ErrKindMismatch is returned when a record's discriminator does not
	// match the type it is decoded into.
	ErrKindMismatch = errors.New("model: record kind mismatch")

	// ErrShortRecord is returned for data shorter than a discriminator.
	ErrShortRecord = errors.New("model: record shorter than discriminator")
)

// Kind identifies an account type.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAdminConfig
	KindUserProfile
	KindArena
	KindTradingAccount
	KindOpenPosition
	KindTrade
)

var kindTypeNames = map[Kind]string{
	KindAdminConfig:    "AdminConfig",
	KindUserProfile:    "UserProfile",
	KindArena:          "ArenaAccount",
	KindTradingAccount: "TradingAccountForArena",
	KindOpenPosition:   "OpenPositionAccount",
	KindTrade:          "TradeAccount",
}

var discriminators = func() map[Kind][DiscriminatorLength]byte {
	out := make(map[Kind][DiscriminatorLength]byte, len(kindTypeNames))
	for k, name := range kindTypeNames {
		sum := sha256.Sum256([]byte("account:" + name))
		var d [DiscriminatorLength]byte
		copy(d[:], sum[:DiscriminatorLength])
		out[k] = d
	}
	return out
}()

func (k Kind) String() string {
	if name, ok := kindTypeNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Discriminator returns sha256("account:<TypeName>")[:8].
func (k Kind) Discriminator() [DiscriminatorLength]byte {
	return discriminators[k]
}

// Account is implemented by every record type.
type Account interface {
	Kind() Kind
}

// Pointer constrains generic helpers to *T where T is an Account.
type Pointer[T any] interface {
	*T
	Account
}

// Encode serializes acct as discriminator followed by its borsh fields.
func Encode(acct Account) ([]byte, error) {
	disc, ok := discriminators[acct.Kind()]
	if !ok {
		return nil, fmt.Errorf("model: encode unknown kind %s", acct.Kind())
	}
	buf := new(bytes.Buffer)
	buf.Write(disc[:])
	if err := bin.NewBorshEncoder(buf).Encode(acct); err != nil {
		return nil, fmt.Errorf("model: encode %s: %w", acct.Kind(), err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes data into dst, which must be a pointer to a record.
func Decode(data []byte, dst Account) error {
	kind, err := KindOf(data)
	if err != nil {
		return err
	}
	if kind != dst.Kind() {
		return fmt.Errorf("%w: have %s, want %s", ErrKindMismatch, kind, dst.Kind())
	}
	if err := bin.NewBorshDecoder(data[DiscriminatorLength:]).Decode(dst); err != nil {
		return fmt.Errorf("model: decode %s: %w", kind, err)
	}
	return nil
}

// KindOf reads the discriminator of an encoded record.
func KindOf(data []byte) (Kind, error) {
	if len(data) < DiscriminatorLength {
		return KindUnknown, ErrShortRecord
	}
	var d [DiscriminatorLength]byte
	copy(d[:], data[:DiscriminatorLength])
	for k, disc := range discriminators {
		if disc == d {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: unknown discriminator %x", ErrKindMismatch, d)
}
