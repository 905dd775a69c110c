package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/delegation"
	"github.com/atmx/arena-ledger/internal/events"
	"github.com/atmx/arena-ledger/internal/metrics"
	"github.com/atmx/arena-ledger/internal/model"
	"github.com/atmx/arena-ledger/internal/oracle"
	"github.com/atmx/arena-ledger/internal/store"
)

// PositionResult is the state left by a position operation. Position is
// nil once the position is closed. CostMicro is what the trading account
// paid: negative values were credited.
type PositionResult struct {
	Position       *model.OpenPositionAccount    `json:"position,omitempty"`
	TradingAccount *model.TradingAccountForArena `json:"trading_account"`
	Quote          oracle.Quote                  `json:"quote"`
	CostMicro      decimal.Decimal               `json:"cost_micro"`
	Closed         bool                          `json:"closed"`
}

// OpenPosition buys quantity of asset in owner's trading account for
// arena. The position takes the next position sequence, which is never
// reused after the position closes.
func (e *Engine) OpenPosition(ctx context.Context, owner, arenaAddr address.Address, asset string, quantity decimal.Decimal) (*PositionResult, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return nil, ErrInvalidAsset
	}
	if len(asset) > model.MaxAssetLength {
		return nil, fmt.Errorf("%w: %q is %d characters, max %d", ErrAssetNameTooLong, asset, len(asset), model.MaxAssetLength)
	}
	raw, err := ToRaw(quantity)
	if err != nil {
		return nil, err
	}
	taAddr, _, err := e.derive.TradingAccount(owner, arenaAddr)
	if err != nil {
		return nil, err
	}

	var res *PositionResult
	err = e.underBase(ctx, "open_position", taAddr, func(ctx context.Context) (*store.Batch, []address.Address, error) {
		arena, _, err := store.Get[model.ArenaAccount](ctx, e.store, arenaAddr)
		if err != nil {
			return nil, nil, notFound(err, ErrUnknownArena, arenaAddr)
		}
		if !arena.ActiveAt(e.now().Unix()) {
			return nil, nil, ErrArenaNotActive
		}
		ta, tv, err := store.Get[model.TradingAccountForArena](ctx, e.store, taAddr)
		if err != nil {
			return nil, nil, notFound(err, ErrUnknownTradingAccount, taAddr)
		}
		if ta.Authority != owner {
			return nil, nil, ErrUnauthorized
		}

		q, err := e.quote(ctx, asset)
		if err != nil {
			return nil, nil, err
		}
		cost := Cost(q, decimal.NewFromUint64(raw))
		balance, err := toUint64(decimal.NewFromUint64(ta.MicroUSDCBalance).Sub(cost))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: cost %s, balance %d", ErrInsufficientFunds, cost, ta.MicroUSDCBalance)
		}

		seq := ta.OpenPositionsCount
		if seq == math.MaxUint32 {
			return nil, nil, ErrSequenceExhausted
		}
		posAddr, bump, err := e.derive.Position(owner, taAddr, seq)
		if err != nil {
			return nil, nil, err
		}
		pos := &model.OpenPositionAccount{
			Address:        posAddr,
			TradingAccount: taAddr,
			Asset:          asset,
			QuantityRaw:    raw,
			Seed:           seq,
			Bump:           bump,
			OpenedAt:       e.now().Unix(),
		}
		ta.MicroUSDCBalance = balance
		ta.OpenPositionsCount++

		// Debit first so a failing create shows the batch is all-or-nothing.
		b := store.NewBatch()
		if err := b.Update(taAddr, tv, ta); err != nil {
			return nil, nil, err
		}
		if err := b.Create(posAddr, pos); err != nil {
			return nil, nil, err
		}
		res = &PositionResult{Position: pos, TradingAccount: ta, Quote: q, CostMicro: cost}
		return b, []address.Address{taAddr, posAddr}, nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OpenPositions.Inc()
	e.logger.Info("position opened",
		"position", res.Position.Address.String(),
		"trading_account", taAddr.String(),
		"asset", asset,
		"quantity_raw", raw,
		"cost_micro", res.CostMicro.String(),
		"seed", res.Position.Seed,
	)
	e.publish(ctx, events.TypePositionOpened, res.Position.Address, owner, res)
	return res, nil
}

// UpdatePosition changes a position by delta display units at the current
// price. A result of exactly zero closes the position in the same batch.
func (e *Engine) UpdatePosition(ctx context.Context, owner, posAddr address.Address, delta decimal.Decimal) (*PositionResult, error) {
	rawDelta, err := ToRawDelta(delta)
	if err != nil {
		return nil, err
	}

	var res *PositionResult
	err = e.withRetry(ctx, "update_position", func(ctx context.Context) error {
		pos, pv, ta, tv, err := e.loadOwned(ctx, owner, posAddr)
		if err != nil {
			return err
		}
		arena, _, err := store.Get[model.ArenaAccount](ctx, e.store, ta.Arena)
		if err != nil {
			return notFound(err, ErrUnknownArena, ta.Arena)
		}
		if !arena.ActiveAt(e.now().Unix()) {
			return ErrArenaNotActive
		}

		next := decimal.NewFromUint64(pos.QuantityRaw).Add(rawDelta)
		if next.IsNegative() {
			return fmt.Errorf("%w: %d + (%s)", ErrInvalidResultingQuantity, pos.QuantityRaw, rawDelta)
		}
		qty, err := toUint64(next)
		if err != nil {
			return fmt.Errorf("%w: %d + %s", ErrQuantityOverflow, pos.QuantityRaw, rawDelta)
		}

		q, err := e.quote(ctx, pos.Asset)
		if err != nil {
			return err
		}
		cost := Cost(q, rawDelta)
		balance, err := toUint64(decimal.NewFromUint64(ta.MicroUSDCBalance).Sub(cost))
		if err != nil {
			if errors.Is(err, ErrInsufficientFunds) {
				return fmt.Errorf("%w: cost %s, balance %d", ErrInsufficientFunds, cost, ta.MicroUSDCBalance)
			}
			return err
		}
		ta.MicroUSDCBalance = balance

		b := store.NewBatch()
		if err := b.Update(ta.Address, tv, ta); err != nil {
			return err
		}
		res = &PositionResult{TradingAccount: ta, Quote: q, CostMicro: cost}
		if qty == 0 {
			b.Delete(posAddr, pv)
			res.Closed = true
		} else {
			pos.QuantityRaw = qty
			if err := b.Update(posAddr, pv, pos); err != nil {
				return err
			}
			res.Position = pos
		}
		return e.applyOwned(ctx, b, ta.Address, posAddr)
	})
	if err != nil {
		return nil, err
	}

	if res.Closed {
		metrics.OpenPositions.Dec()
		e.logger.Info("position closed by update", "position", posAddr.String(), "credit_micro", res.CostMicro.Neg().String())
		e.publish(ctx, events.TypePositionClosed, posAddr, owner, res)
		return res, nil
	}
	e.logger.Info("position updated",
		"position", posAddr.String(),
		"quantity_raw", res.Position.QuantityRaw,
		"cost_micro", res.CostMicro.String(),
	)
	e.publish(ctx, events.TypePositionUpdated, posAddr, owner, res)
	return res, nil
}

// ClosePosition sells the whole position at the current price and removes
// it. The position counter is left alone.
func (e *Engine) ClosePosition(ctx context.Context, owner, posAddr address.Address) (*PositionResult, error) {
	var res *PositionResult
	err := e.withRetry(ctx, "close_position", func(ctx context.Context) error {
		pos, pv, ta, tv, err := e.loadOwned(ctx, owner, posAddr)
		if err != nil {
			return err
		}
		q, err := e.quote(ctx, pos.Asset)
		if err != nil {
			return err
		}
		proceeds := Cost(q, decimal.NewFromUint64(pos.QuantityRaw))
		balance, err := toUint64(decimal.NewFromUint64(ta.MicroUSDCBalance).Add(proceeds))
		if err != nil {
			return err
		}
		ta.MicroUSDCBalance = balance

		b := store.NewBatch()
		if err := b.Update(ta.Address, tv, ta); err != nil {
			return err
		}
		b.Delete(posAddr, pv)
		res = &PositionResult{TradingAccount: ta, Quote: q, CostMicro: proceeds.Neg(), Closed: true}
		return e.applyOwned(ctx, b, ta.Address, posAddr)
	})
	if err != nil {
		return nil, err
	}

	metrics.OpenPositions.Dec()
	e.logger.Info("position closed",
		"position", posAddr.String(),
		"trading_account", res.TradingAccount.Address.String(),
		"credit_micro", res.CostMicro.Neg().String(),
	)
	e.publish(ctx, events.TypePositionClosed, posAddr, owner, res)
	return res, nil
}

// CloseResult is the outcome of closing one position in a bulk close.
type CloseResult struct {
	Position address.Address
	Result   *PositionResult
	Err      error
}

// CloseAllPositions closes every live position of owner in arena. Each
// close is independent.
func (e *Engine) CloseAllPositions(ctx context.Context, owner, arenaAddr address.Address) ([]CloseResult, error) {
	ta, err := e.TradingAccount(ctx, owner, arenaAddr)
	if err != nil {
		return nil, err
	}
	if ta.Authority != owner {
		return nil, ErrUnauthorized
	}
	positions, err := e.Positions(ctx, ta.Address)
	if err != nil {
		return nil, err
	}
	out := make([]CloseResult, 0, len(positions))
	for _, p := range positions {
		res, err := e.ClosePosition(ctx, owner, p.Address)
		out = append(out, CloseResult{Position: p.Address, Result: res, Err: err})
	}
	return out, nil
}

// Position returns the live position at addr.
func (e *Engine) Position(ctx context.Context, addr address.Address) (*model.OpenPositionAccount, error) {
	p, _, err := store.Get[model.OpenPositionAccount](ctx, e.store, addr)
	if err != nil {
		return nil, notFound(err, ErrUnknownPosition, addr)
	}
	return p, nil
}

// Positions walks every sequence of the trading account, skipping the
// gaps closed positions leave.
func (e *Engine) Positions(ctx context.Context, taAddr address.Address) ([]*model.OpenPositionAccount, error) {
	ta, err := e.TradingAccountAt(ctx, taAddr)
	if err != nil {
		return nil, err
	}
	out := make([]*model.OpenPositionAccount, 0, ta.OpenPositionsCount)
	for seq := uint32(0); seq < ta.OpenPositionsCount; seq++ {
		addr, _, err := e.derive.Position(ta.Authority, taAddr, seq)
		if err != nil {
			return nil, err
		}
		p, _, err := store.Get[model.OpenPositionAccount](ctx, e.store, addr)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// loadOwned reads a position and its trading account and checks that
// owner is the account's authority.
func (e *Engine) loadOwned(ctx context.Context, owner, posAddr address.Address) (*model.OpenPositionAccount, uint64, *model.TradingAccountForArena, uint64, error) {
	pos, pv, err := store.Get[model.OpenPositionAccount](ctx, e.store, posAddr)
	if err != nil {
		return nil, 0, nil, 0, notFound(err, ErrUnknownPosition, posAddr)
	}
	ta, tv, err := store.Get[model.TradingAccountForArena](ctx, e.store, pos.TradingAccount)
	if err != nil {
		return nil, 0, nil, 0, notFound(err, ErrUnknownTradingAccount, pos.TradingAccount)
	}
	if ta.Authority != owner {
		return nil, 0, nil, 0, fmt.Errorf("%w: %s is not the authority of %s", ErrUnauthorized, owner, ta.Address)
	}
	return pos, pv, ta, tv, nil
}

// applyOwned commits a batch over a trading account and one of its
// positions. If the two have drifted to different ledgers they are
// reconciled and the operation is retried.
func (e *Engine) applyOwned(ctx context.Context, b *store.Batch, taAddr, posAddr address.Address) error {
	_, err := e.apply(ctx, b)
	if !errors.Is(err, delegation.ErrMixedLocation) {
		return err
	}
	for _, r := range e.coord.Reconcile(context.WithoutCancel(ctx), taAddr, []address.Address{posAddr}) {
		if r.Err != nil {
			return fmt.Errorf("reconcile %s: %w", r.Address, r.Err)
		}
	}
	return fmt.Errorf("%w: %w", store.ErrConflict, err)
}

// underBase commits the batch from build on the base ledger. A delegated
// trading account is undelegated first; the batch is then applied and the
// returned addresses delegated as one unit. If the operation fails the
// trading account is delegated again.
func (e *Engine) underBase(ctx context.Context, op string, taAddr address.Address, build func(ctx context.Context) (*store.Batch, []address.Address, error)) error {
	wasDelegated := false
	err := e.withRetry(ctx, op, func(ctx context.Context) error {
		st, err := e.coord.Status(ctx, taAddr)
		if err != nil {
			return err
		}
		if st == delegation.StatusDelegated || st == delegation.StatusUndelegating {
			if err := e.coord.Undelegate(context.WithoutCancel(ctx), taAddr); err != nil {
				return err
			}
			wasDelegated = true
		}

		b, redelegate, err := build(ctx)
		if err != nil {
			return err
		}
		if !wasDelegated {
			_, err = e.apply(ctx, b)
			if errors.Is(err, delegation.ErrMixedLocation) {
				// The account was delegated after its status was read.
				return fmt.Errorf("%w: %w", store.ErrConflict, err)
			}
			return err
		}
		_, err = e.coord.ApplyAndDelegate(context.WithoutCancel(ctx), b, redelegate)
		return err
	})

	if err != nil && wasDelegated && !e.coord.IsDelegated(ctx, taAddr) {
		if derr := e.coord.Delegate(context.WithoutCancel(ctx), taAddr); derr != nil {
			e.logger.Error("restore delegation failed", "trading_account", taAddr.String(), "err", derr)
		}
	}
	return err
}
