package ledger

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/model"
	"github.com/atmx/arena-ledger/internal/oracle"
	"github.com/atmx/arena-ledger/internal/store"
)

// Standing is one trader's place in an arena.
type Standing struct {
	Rank                int             `json:"rank"`
	Authority           address.Address `json:"authority"`
	TradingAccount      address.Address `json:"trading_account"`
	BalanceMicro        uint64          `json:"balance_micro"`
	PositionsValueMicro decimal.Decimal `json:"positions_value_micro"`
	EquityMicro         decimal.Decimal `json:"equity_micro"`
	OpenPositions       int             `json:"open_positions"`
}

// Leaderboard ranks every trading account in arena by equity: balance
// plus the current value of its live positions.
func (e *Engine) Leaderboard(ctx context.Context, arenaAddr address.Address) ([]Standing, error) {
	if _, err := e.Arena(ctx, arenaAddr); err != nil {
		return nil, err
	}
	recs, err := e.store.List(ctx, model.KindTradingAccount)
	if err != nil {
		return nil, err
	}

	quotes := make(map[string]oracle.Quote)
	var out []Standing
	for _, rec := range recs {
		ta, err := store.Decode[model.TradingAccountForArena](rec)
		if err != nil {
			return nil, err
		}
		if ta.Arena != arenaAddr {
			continue
		}
		positions, err := e.Positions(ctx, ta.Address)
		if err != nil {
			return nil, err
		}

		value := decimal.Zero
		for _, p := range positions {
			q, ok := quotes[p.Asset]
			if !ok {
				if q, err = e.quote(ctx, p.Asset); err != nil {
					return nil, err
				}
				quotes[p.Asset] = q
			}
			value = value.Add(Cost(q, decimal.NewFromUint64(p.QuantityRaw)))
		}
		out = append(out, Standing{
			Authority:           ta.Authority,
			TradingAccount:      ta.Address,
			BalanceMicro:        ta.MicroUSDCBalance,
			PositionsValueMicro: value,
			EquityMicro:         decimal.NewFromUint64(ta.MicroUSDCBalance).Add(value),
			OpenPositions:       len(positions),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].EquityMicro.Cmp(out[j].EquityMicro); c != 0 {
			return c > 0
		}
		return out[i].TradingAccount.String() < out[j].TradingAccount.String()
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}
