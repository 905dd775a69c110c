// Package model defines the account records held by the arena ledger.
// Balances are micro-USDC (USD * 10^6) and position quantities are raw
// fixed-point units (display quantity * 10^6); both are integers.
package model

import (
	"github.com/atmx/arena-ledger/internal/address"
)

// Field limits.
const (
	MaxProfileNameLength = 10
	MaxAssetLength       = 10
	MaxArenaNameLength   = 32
)

// AdminConfig is the ledger-wide singleton.
type AdminConfig struct {
	Address           address.Address `json:"address"`
	Admin             address.Address `json:"admin"`
	NextArenaSequence uint32          `json:"next_arena_sequence"`
	Bump              uint8           `json:"bump"`
}

// UserProfile is created once per owner identity.
type UserProfile struct {
	Address            address.Address `json:"address"`
	Owner              address.Address `json:"owner"`
	ArenasCreatedCount uint32          `json:"arenas_created_count"`
	Name               string          `json:"name"`
	Bump               uint8           `json:"bump"`
}

// ArenaAccount is a trading competition owned by its creator. StartsAt and
// ExpiresAt are unix seconds; zero means unbounded.
type ArenaAccount struct {
	Address      address.Address `json:"address"`
	Creator      address.Address `json:"creator"`
	Sequence     uint32          `json:"sequence"`
	Name         string          `json:"name"`
	TotalTraders uint32          `json:"total_traders"`
	StartsAt     int64           `json:"starts_at"`
	ExpiresAt    int64           `json:"expires_at"`
	EntryFee     uint64          `json:"entry_fee"`
	Bump         uint8           `json:"bump"`
}

// ActiveAt reports whether trading is open at unix second ts.
func (a *ArenaAccount) ActiveAt(ts int64) bool {
	if a.StartsAt != 0 && ts < a.StartsAt {
		return false
	}
	if a.ExpiresAt != 0 && ts >= a.ExpiresAt {
		return false
	}
	return true
}

// TradingAccountForArena holds one owner's funds in one arena.
// OpenPositionsCount and TradeCount only ever grow: closed positions leave
// a gap in the sequence space rather than freeing the seed.
type TradingAccountForArena struct {
	Address            address.Address `json:"address"`
	Authority          address.Address `json:"authority"`
	Arena              address.Address `json:"arena"`
	OpenPositionsCount uint32          `json:"open_positions_count"`
	TradeCount         uint32          `json:"trade_count"`
	MicroUSDCBalance   uint64          `json:"micro_usdc_balance"`
	Bump               uint8           `json:"bump"`
}

// OpenPositionAccount is a held quantity of one asset. Seed is the
// sequence number the address was derived from.
type OpenPositionAccount struct {
	Address        address.Address `json:"address"`
	TradingAccount address.Address `json:"trading_account"`
	Asset          string          `json:"asset"`
	QuantityRaw    uint64          `json:"quantity_raw"`
	Seed           uint32          `json:"seed"`
	Bump           uint8           `json:"bump"`
	OpenedAt       int64           `json:"opened_at"`
}

// TradeAccount records one trade_in_arena call.
type TradeAccount struct {
	Address        address.Address `json:"address"`
	TradingAccount address.Address `json:"trading_account"`
	Authority      address.Address `json:"authority"`
	Sequence       uint32          `json:"sequence"`
	CreatedAt      int64           `json:"created_at"`
	Bump           uint8           `json:"bump"`
}

func (AdminConfig) Kind() Kind            { return KindAdminConfig }
func (UserProfile) Kind() Kind            { return KindUserProfile }
func (ArenaAccount) Kind() Kind           { return KindArena }
func (TradingAccountForArena) Kind() Kind { return KindTradingAccount }
func (OpenPositionAccount) Kind() Kind    { return KindOpenPosition }
func (TradeAccount) Kind() Kind           { return KindTrade }
