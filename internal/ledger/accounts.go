package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/events"
	"github.com/atmx/arena-ledger/internal/model"
	"github.com/atmx/arena-ledger/internal/store"
)

// InitializeAdminConfig creates the ledger-wide admin config. When an
// owner is configured only the owner may call it.
func (e *Engine) InitializeAdminConfig(ctx context.Context, admin address.Address) (*model.AdminConfig, error) {
	if !e.owner.IsZero() && admin != e.owner {
		return nil, fmt.Errorf("%w: %s is not the ledger owner", ErrUnauthorized, admin)
	}
	addr, bump, err := e.derive.AdminConfig()
	if err != nil {
		return nil, err
	}
	cfg := &model.AdminConfig{Address: addr, Admin: admin, Bump: bump}

	err = e.withRetry(ctx, "initialize_admin_config", func(ctx context.Context) error {
		b := store.NewBatch()
		if err := b.Create(addr, cfg); err != nil {
			return err
		}
		_, err := e.apply(ctx, b)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("admin config initialized", "address", addr.String(), "admin", admin.String())
	e.publish(ctx, events.TypeAdminConfigInitialized, addr, admin, cfg)
	return cfg, nil
}

// AdminConfig returns the admin config.
func (e *Engine) AdminConfig(ctx context.Context) (*model.AdminConfig, error) {
	addr, _, err := e.derive.AdminConfig()
	if err != nil {
		return nil, err
	}
	cfg, _, err := store.Get[model.AdminConfig](ctx, e.store, addr)
	return cfg, err
}

// CreateProfile creates the profile of owner. Names longer than ten
// characters are rejected.
func (e *Engine) CreateProfile(ctx context.Context, owner address.Address, name string) (*model.UserProfile, error) {
	if utf8.RuneCountInString(name) > model.MaxProfileNameLength {
		return nil, fmt.Errorf("%w: %d characters, max %d", ErrNameTooLong, utf8.RuneCountInString(name), model.MaxProfileNameLength)
	}
	addr, bump, err := e.derive.Profile(owner)
	if err != nil {
		return nil, err
	}
	profile := &model.UserProfile{Address: addr, Owner: owner, Name: name, Bump: bump}

	err = e.withRetry(ctx, "create_profile", func(ctx context.Context) error {
		b := store.NewBatch()
		if err := b.Create(addr, profile); err != nil {
			return err
		}
		_, err := e.apply(ctx, b)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("profile created", "address", addr.String(), "owner", owner.String(), "name", name)
	e.publish(ctx, events.TypeProfileCreated, addr, owner, profile)
	return profile, nil
}

// Profile returns the profile of owner.
func (e *Engine) Profile(ctx context.Context, owner address.Address) (*model.UserProfile, error) {
	addr, _, err := e.derive.Profile(owner)
	if err != nil {
		return nil, err
	}
	p, _, err := store.Get[model.UserProfile](ctx, e.store, addr)
	if err != nil {
		return nil, notFound(err, ErrUnknownUser, owner)
	}
	return p, nil
}

// ArenaParams are the optional settings of a new arena. Zero StartsAt or
// ExpiresAt leaves that side of the schedule open.
type ArenaParams struct {
	Name      string
	EntryFee  uint64
	StartsAt  int64
	ExpiresAt int64
}

// CreateArena creates an arena at the creator's next arena sequence and
// consumes that sequence in the same batch.
func (e *Engine) CreateArena(ctx context.Context, creator address.Address, p ArenaParams) (*model.ArenaAccount, error) {
	if len(p.Name) > model.MaxArenaNameLength {
		return nil, fmt.Errorf("%w: arena name is %d bytes, max %d", ErrNameTooLong, len(p.Name), model.MaxArenaNameLength)
	}
	if p.StartsAt != 0 && p.ExpiresAt != 0 && p.ExpiresAt <= p.StartsAt {
		return nil, ErrInvalidSchedule
	}
	profileAddr, _, err := e.derive.Profile(creator)
	if err != nil {
		return nil, err
	}
	adminAddr, _, err := e.derive.AdminConfig()
	if err != nil {
		return nil, err
	}

	var arena *model.ArenaAccount
	err = e.withRetry(ctx, "create_arena", func(ctx context.Context) error {
		profile, pv, err := store.Get[model.UserProfile](ctx, e.store, profileAddr)
		if err != nil {
			return notFound(err, ErrUnknownUser, creator)
		}
		seq := profile.ArenasCreatedCount
		if seq == math.MaxUint32 {
			return ErrSequenceExhausted
		}

		addr, bump, err := e.derive.Arena(creator, seq)
		if err != nil {
			return err
		}
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("%s arena #%d", profile.Name, seq)
			if len(name) > model.MaxArenaNameLength {
				name = fmt.Sprintf("arena #%d", seq)
			}
		}
		arena = &model.ArenaAccount{
			Address:   addr,
			Creator:   creator,
			Sequence:  seq,
			Name:      name,
			StartsAt:  p.StartsAt,
			ExpiresAt: p.ExpiresAt,
			EntryFee:  p.EntryFee,
			Bump:      bump,
		}
		profile.ArenasCreatedCount++

		b := store.NewBatch()
		if err := b.Create(addr, arena); err != nil {
			return err
		}
		if err := b.Update(profileAddr, pv, profile); err != nil {
			return err
		}

		admin, av, err := store.Get[model.AdminConfig](ctx, e.store, adminAddr)
		switch {
		case err == nil:
			admin.NextArenaSequence++
			if err := b.Update(adminAddr, av, admin); err != nil {
				return err
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		_, err = e.apply(ctx, b)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("arena created",
		"address", arena.Address.String(),
		"creator", creator.String(),
		"sequence", arena.Sequence,
		"name", arena.Name,
	)
	e.publish(ctx, events.TypeArenaCreated, arena.Address, creator, arena)
	return arena, nil
}

// Arena returns the arena at addr.
func (e *Engine) Arena(ctx context.Context, addr address.Address) (*model.ArenaAccount, error) {
	a, _, err := store.Get[model.ArenaAccount](ctx, e.store, addr)
	if err != nil {
		return nil, notFound(err, ErrUnknownArena, addr)
	}
	return a, nil
}

// ArenasByCreator walks the creator's arena sequences.
func (e *Engine) ArenasByCreator(ctx context.Context, creator address.Address) ([]*model.ArenaAccount, error) {
	profile, err := e.Profile(ctx, creator)
	if err != nil {
		return nil, err
	}
	out := make([]*model.ArenaAccount, 0, profile.ArenasCreatedCount)
	for seq := uint32(0); seq < profile.ArenasCreatedCount; seq++ {
		addr, _, err := e.derive.Arena(creator, seq)
		if err != nil {
			return nil, err
		}
		a, _, err := store.Get[model.ArenaAccount](ctx, e.store, addr)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// CreateTradingAccount opens owner's account in arena with the seed
// balance and counts the new trader on the arena.
func (e *Engine) CreateTradingAccount(ctx context.Context, owner, arenaAddr address.Address) (*model.TradingAccountForArena, error) {
	addr, bump, err := e.derive.TradingAccount(owner, arenaAddr)
	if err != nil {
		return nil, err
	}

	var ta *model.TradingAccountForArena
	err = e.withRetry(ctx, "create_trading_account", func(ctx context.Context) error {
		arena, av, err := store.Get[model.ArenaAccount](ctx, e.store, arenaAddr)
		if err != nil {
			return notFound(err, ErrUnknownArena, arenaAddr)
		}
		if arena.ExpiresAt != 0 && e.now().Unix() >= arena.ExpiresAt {
			return fmt.Errorf("%w: arena expired at %d", ErrArenaNotActive, arena.ExpiresAt)
		}

		// A delegated account would route the create to the rollup.
		if _, err := e.store.Fetch(ctx, addr); err == nil {
			return fmt.Errorf("%w: %s", store.ErrAlreadyExists, addr)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		ta = &model.TradingAccountForArena{
			Address:          addr,
			Authority:        owner,
			Arena:            arenaAddr,
			MicroUSDCBalance: e.seedBalance,
			Bump:             bump,
		}
		arena.TotalTraders++

		b := store.NewBatch()
		if err := b.Create(addr, ta); err != nil {
			return err
		}
		if err := b.Update(arenaAddr, av, arena); err != nil {
			return err
		}
		_, err = e.apply(ctx, b)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("trading account created",
		"address", addr.String(),
		"owner", owner.String(),
		"arena", arenaAddr.String(),
		"balance", ta.MicroUSDCBalance,
	)
	e.publish(ctx, events.TypeTradingAccountCreated, addr, owner, ta)
	return ta, nil
}

// TradingAccount returns owner's account in arena.
func (e *Engine) TradingAccount(ctx context.Context, owner, arenaAddr address.Address) (*model.TradingAccountForArena, error) {
	addr, _, err := e.derive.TradingAccount(owner, arenaAddr)
	if err != nil {
		return nil, err
	}
	return e.TradingAccountAt(ctx, addr)
}

// TradingAccountAt returns the trading account at addr.
func (e *Engine) TradingAccountAt(ctx context.Context, addr address.Address) (*model.TradingAccountForArena, error) {
	ta, _, err := store.Get[model.TradingAccountForArena](ctx, e.store, addr)
	if err != nil {
		return nil, notFound(err, ErrUnknownTradingAccount, addr)
	}
	return ta, nil
}

// TradeInArena records a trade for owner and advances the trade counter,
// which is independent of the position counter.
func (e *Engine) TradeInArena(ctx context.Context, owner, arenaAddr address.Address) (*model.TradeAccount, error) {
	taAddr, _, err := e.derive.TradingAccount(owner, arenaAddr)
	if err != nil {
		return nil, err
	}

	var trade *model.TradeAccount
	err = e.underBase(ctx, "trade_in_arena", taAddr, func(ctx context.Context) (*store.Batch, []address.Address, error) {
		if _, _, err := store.Get[model.ArenaAccount](ctx, e.store, arenaAddr); err != nil {
			return nil, nil, notFound(err, ErrUnknownArena, arenaAddr)
		}
		ta, tv, err := store.Get[model.TradingAccountForArena](ctx, e.store, taAddr)
		if err != nil {
			return nil, nil, notFound(err, ErrUnknownTradingAccount, taAddr)
		}
		if ta.Authority != owner {
			return nil, nil, ErrUnauthorized
		}
		seq := ta.TradeCount
		if seq == math.MaxUint32 {
			return nil, nil, ErrSequenceExhausted
		}

		addr, bump, err := e.derive.Trade(owner, taAddr, seq)
		if err != nil {
			return nil, nil, err
		}
		trade = &model.TradeAccount{
			Address:        addr,
			TradingAccount: taAddr,
			Authority:      owner,
			Sequence:       seq,
			CreatedAt:      e.now().Unix(),
			Bump:           bump,
		}
		ta.TradeCount++

		b := store.NewBatch()
		if err := b.Update(taAddr, tv, ta); err != nil {
			return nil, nil, err
		}
		if err := b.Create(addr, trade); err != nil {
			return nil, nil, err
		}
		return b, []address.Address{taAddr}, nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("trade recorded", "address", trade.Address.String(), "trading_account", taAddr.String(), "sequence", trade.Sequence)
	e.publish(ctx, events.TypeTradeRecorded, trade.Address, owner, trade)
	return trade, nil
}
