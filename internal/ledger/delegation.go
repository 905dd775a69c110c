package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/delegation"
	"github.com/atmx/arena-ledger/internal/events"
	"github.com/atmx/arena-ledger/internal/model"
	"github.com/atmx/arena-ledger/internal/store"
)

// IsDelegated reports whether addr is authoritative on the rollup ledger.
func (e *Engine) IsDelegated(ctx context.Context, addr address.Address) bool {
	return e.coord.IsDelegated(ctx, addr)
}

// DelegationStatus returns the raw delegation status of addr.
func (e *Engine) DelegationStatus(ctx context.Context, addr address.Address) (delegation.Status, error) {
	return e.coord.Status(ctx, addr)
}

// Delegate moves a trading account or position owned by caller to the
// rollup ledger.
func (e *Engine) Delegate(ctx context.Context, caller, addr address.Address) error {
	if err := e.authorize(ctx, caller, addr); err != nil {
		return err
	}
	err := e.withRetry(ctx, "delegate", func(ctx context.Context) error {
		return e.coord.Delegate(context.WithoutCancel(ctx), addr)
	})
	if err != nil {
		return err
	}
	e.publish(ctx, events.TypeDelegated, addr, caller, nil)
	return nil
}

// Undelegate commits the rollup state of addr and returns it to the base
// ledger.
func (e *Engine) Undelegate(ctx context.Context, caller, addr address.Address) error {
	if err := e.authorize(ctx, caller, addr); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		// A position closed on the rollup only leaves cleanup behind.
		if st, serr := e.coord.Status(ctx, addr); serr != nil || st != delegation.StatusClosed {
			return err
		}
	}
	err := e.withRetry(ctx, "undelegate", func(ctx context.Context) error {
		return e.coord.Undelegate(context.WithoutCancel(ctx), addr)
	})
	if err != nil {
		return err
	}
	e.publish(ctx, events.TypeUndelegated, addr, caller, nil)
	return nil
}

// Commit pushes the rollup state of addr to the base ledger while keeping
// it delegated.
func (e *Engine) Commit(ctx context.Context, caller, addr address.Address) (delegation.CommitResult, error) {
	if err := e.authorize(ctx, caller, addr); err != nil {
		return delegation.CommitResult{}, err
	}
	var res delegation.CommitResult
	err := e.withRetry(ctx, "commit", func(ctx context.Context) error {
		var err error
		res, err = e.coord.Commit(context.WithoutCancel(ctx), addr)
		return err
	})
	if err != nil {
		return delegation.CommitResult{}, err
	}
	e.publish(ctx, events.TypeCommitted, addr, caller, res)
	return res, nil
}

// DelegateAll delegates caller's trading account in arena and each of its
// live positions. Every account succeeds or fails on its own.
func (e *Engine) DelegateAll(ctx context.Context, caller, arenaAddr address.Address) ([]delegation.Result, error) {
	addrs, err := e.accountGroup(ctx, caller, arenaAddr)
	if err != nil {
		return nil, err
	}
	results := e.coord.DelegateAll(context.WithoutCancel(ctx), addrs)
	for _, r := range results {
		if r.Err == nil {
			e.publish(ctx, events.TypeDelegated, r.Address, caller, nil)
		}
	}
	return results, nil
}

// UndelegateAll is the reverse of DelegateAll. Positions go first so the
// trading account is the last to return.
func (e *Engine) UndelegateAll(ctx context.Context, caller, arenaAddr address.Address) ([]delegation.Result, error) {
	addrs, err := e.accountGroup(ctx, caller, arenaAddr)
	if err != nil {
		return nil, err
	}
	reversed := make([]address.Address, len(addrs))
	for i, a := range addrs {
		reversed[len(addrs)-1-i] = a
	}
	results := e.coord.UndelegateAll(context.WithoutCancel(ctx), reversed)
	for _, r := range results {
		if r.Err == nil {
			e.publish(ctx, events.TypeUndelegated, r.Address, caller, nil)
		}
	}
	return results, nil
}

// accountGroup returns caller's trading account in arena followed by its
// live positions.
func (e *Engine) accountGroup(ctx context.Context, caller, arenaAddr address.Address) ([]address.Address, error) {
	ta, err := e.TradingAccount(ctx, caller, arenaAddr)
	if err != nil {
		return nil, err
	}
	if ta.Authority != caller {
		return nil, ErrUnauthorized
	}
	positions, err := e.Positions(ctx, ta.Address)
	if err != nil {
		return nil, err
	}
	out := make([]address.Address, 0, len(positions)+1)
	out = append(out, ta.Address)
	for _, p := range positions {
		out = append(out, p.Address)
	}
	return out, nil
}

// authorize checks addr is a delegatable account whose authority is
// caller.
func (e *Engine) authorize(ctx context.Context, caller, addr address.Address) error {
	rec, err := e.store.Fetch(ctx, addr)
	if err != nil {
		return err
	}
	var authority address.Address
	switch rec.Kind {
	case model.KindTradingAccount:
		ta, err := store.Decode[model.TradingAccountForArena](rec)
		if err != nil {
			return err
		}
		authority = ta.Authority
	case model.KindOpenPosition:
		pos, err := store.Decode[model.OpenPositionAccount](rec)
		if err != nil {
			return err
		}
		ta, err := e.TradingAccountAt(ctx, pos.TradingAccount)
		if err != nil {
			return err
		}
		authority = ta.Authority
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotDelegatable, addr, rec.Kind)
	}
	if authority != caller {
		return fmt.Errorf("%w: %s is not the authority of %s", ErrUnauthorized, caller, addr)
	}
	return nil
}
