package ledger

import (
	"errors"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/delegation"
	"github.com/atmx/arena-ledger/internal/store"
)

// Store-level errors surface unchanged.
var (
	ErrNotFound      = store.ErrNotFound
	ErrAlreadyExists = store.ErrAlreadyExists
	ErrConflict      = store.ErrConflict
)

var (
	ErrNameTooLong              = errors.New("name too long")
	ErrAssetNameTooLong         = errors.New("asset name too long")
	ErrInvalidAsset             = errors.New("asset symbol is required")
	ErrUnknownUser              = errors.New("unknown user: no profile")
	ErrUnknownArena             = errors.New("unknown arena")
	ErrUnknownTradingAccount    = errors.New("unknown trading account")
	ErrUnknownPosition          = errors.New("unknown position")
	ErrShortingUnsupported      = errors.New("shorting unsupported: quantity must be positive")
	ErrInvalidQuantity          = errors.New("quantity must be non-zero")
	ErrQuantityOverflow         = errors.New("quantity overflows raw units")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrInvalidResultingQuantity = errors.New("resulting quantity would be negative")
	ErrUnauthorized             = errors.New("unauthorized")
	ErrPriceUnavailable         = errors.New("price unavailable")
	ErrPriceStale               = errors.New("price stale")
	ErrArenaNotActive           = errors.New("arena not active")
	ErrInvalidSchedule          = errors.New("arena must expire after it starts")
	ErrSequenceExhausted        = errors.New("sequence space exhausted")
	ErrNotDelegatable           = errors.New("only trading accounts and positions can be delegated")
	ErrBalanceOverflow          = errors.New("balance overflow")
)

// codes is checked in order; the first match wins, so more specific
// errors come before the store errors they may wrap.
var codes = []struct {
	err  error
	code string
}{
	{ErrNameTooLong, "NameTooLong"},
	{ErrAssetNameTooLong, "AssetNameTooLong"},
	{ErrInvalidAsset, "InvalidAsset"},
	{ErrUnknownUser, "UnknownUser"},
	{ErrUnknownArena, "UnknownArena"},
	{ErrUnknownTradingAccount, "UnknownTradingAccount"},
	{ErrUnknownPosition, "UnknownPosition"},
	{ErrShortingUnsupported, "ShortingUnsupported"},
	{ErrInvalidQuantity, "InvalidQuantity"},
	{ErrQuantityOverflow, "QuantityOverflow"},
	{ErrInsufficientFunds, "InsufficientFunds"},
	{ErrInvalidResultingQuantity, "InvalidResultingQuantity"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrPriceStale, "PriceStale"},
	{ErrPriceUnavailable, "PriceUnavailable"},
	{ErrArenaNotActive, "ArenaNotActive"},
	{ErrInvalidSchedule, "InvalidSchedule"},
	{ErrSequenceExhausted, "SequenceExhausted"},
	{ErrNotDelegatable, "NotDelegatable"},
	{ErrBalanceOverflow, "BalanceOverflow"},
	{address.ErrDerivationOverflow, "AddressDerivationOverflow"},
	{delegation.ErrAccountUnavailable, "AccountUnavailable"},
	{delegation.ErrMixedLocation, "MixedLocation"},
	{delegation.ErrCommitMismatch, "CommitMismatch"},
	{store.ErrAlreadyExists, "AlreadyExists"},
	{store.ErrConflict, "Conflict"},
	{store.ErrNotFound, "NotFound"},
}

// Code returns the stable name of err, "OK" for nil and "Internal" for
// anything unrecognised.
func Code(err error) string {
	if err == nil {
		return "OK"
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}
