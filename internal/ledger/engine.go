// Package ledger executes the arena ledger's state transitions: profiles,
// arenas, trading accounts, positions and trade records, with balance and
// counter bookkeeping.
//
// Every operation validates its input before touching the store, then
// reads fresh state, prices against the oracle and commits all of its
// effects in one atomic batch. Version conflicts re-run the whole
// operation against fresh state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/delegation"
	"github.com/atmx/arena-ledger/internal/events"
	"github.com/atmx/arena-ledger/internal/metrics"
	"github.com/atmx/arena-ledger/internal/oracle"
	"github.com/atmx/arena-ledger/internal/store"
)

// Defaults applied by New.
const (
	DefaultSeedBalance uint64 = 1_000_000_000_000
	DefaultMaxRetries         = 3
	DefaultMaxPriceAge        = 60 * time.Second
)

// Config wires an Engine. Zero values pick defaults, except MaxPriceAge
// where zero disables the staleness check.
type Config struct {
	Deriver     *address.Deriver
	Coordinator *delegation.Coordinator
	Oracle      oracle.Oracle
	Publisher   events.Publisher

	// Owner is the only identity allowed to initialize the admin config.
	// The zero address lets any caller do it.
	Owner address.Address

	SeedBalance uint64
	MaxPriceAge time.Duration
	MaxRetries  int

	Now    func() time.Time
	Logger *slog.Logger
}

// Engine runs ledger operations.
type Engine struct {
	derive *address.Deriver
	coord  *delegation.Coordinator
	store  store.Store
	oracle oracle.Oracle
	pub    events.Publisher
	owner  address.Address

	seedBalance uint64
	maxPriceAge time.Duration
	maxRetries  int

	now    func() time.Time
	logger *slog.Logger
}

// New creates an engine. Without a Coordinator the engine runs over a
// pair of in-memory ledgers.
func New(cfg Config) *Engine {
	e := &Engine{
		derive:      cfg.Deriver,
		coord:       cfg.Coordinator,
		oracle:      cfg.Oracle,
		pub:         cfg.Publisher,
		owner:       cfg.Owner,
		seedBalance: cfg.SeedBalance,
		maxPriceAge: cfg.MaxPriceAge,
		maxRetries:  cfg.MaxRetries,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.derive == nil {
		e.derive = address.NewDefaultDeriver()
	}
	if e.coord == nil {
		e.coord = delegation.NewCoordinator(delegation.Config{
			Base:   store.NewMemoryStore(),
			Rollup: store.NewMemoryStore(),
			Logger: e.logger,
		})
	}
	if e.oracle == nil {
		e.oracle = oracle.NewStatic()
	}
	if e.pub == nil {
		e.pub = events.Nop{}
	}
	if e.seedBalance == 0 {
		e.seedBalance = DefaultSeedBalance
	}
	if e.maxRetries <= 0 {
		e.maxRetries = DefaultMaxRetries
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.store = e.coord.Router()
	return e
}

// Store returns the routed store the engine reads and writes.
func (e *Engine) Store() store.Store { return e.store }

// Deriver returns the address deriver.
func (e *Engine) Deriver() *address.Deriver { return e.derive }

// Coordinator returns the delegation coordinator.
func (e *Engine) Coordinator() *delegation.Coordinator { return e.coord }

// withRetry runs fn, re-running it on version conflicts up to maxRetries
// more times, and records the outcome.
func (e *Engine) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return err
	}

	var err error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.ConflictRetries.WithLabelValues(op).Inc()
			e.logger.Warn("retrying after conflict", "op", op, "attempt", attempt, "err", err)
		}
		err = fn(ctx)
		if !errors.Is(err, store.ErrConflict) {
			break
		}
	}
	metrics.ObserveOperation(op, Code(err), start)
	return err
}

// apply commits b. Once started the commit is not cancelled by the
// caller.
func (e *Engine) apply(ctx context.Context, b *store.Batch) ([]store.Record, error) {
	return e.store.Apply(context.WithoutCancel(ctx), b)
}

// quote fetches a price and enforces the staleness bound.
func (e *Engine) quote(ctx context.Context, asset string) (oracle.Quote, error) {
	q, err := e.oracle.GetPrice(ctx, asset)
	if err != nil {
		metrics.PriceRejections.WithLabelValues("unavailable").Inc()
		return oracle.Quote{}, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, asset, err)
	}
	if q.RawPrice <= 0 {
		metrics.PriceRejections.WithLabelValues("invalid").Inc()
		return oracle.Quote{}, fmt.Errorf("%w: %s: non-positive price %d", ErrPriceUnavailable, asset, q.RawPrice)
	}
	if e.maxPriceAge > 0 {
		if age := q.Age(e.now()); age > e.maxPriceAge {
			metrics.PriceRejections.WithLabelValues("stale").Inc()
			return oracle.Quote{}, fmt.Errorf("%w: %s quote is %s old", ErrPriceStale, asset, age.Truncate(time.Second))
		}
	}
	return q, nil
}

func (e *Engine) publish(ctx context.Context, typ string, addr, owner address.Address, payload any) {
	e.pub.Publish(ctx, events.New(typ, addr, owner, payload, e.now()))
}

// notFound rewrites a store miss as err, leaving other errors alone.
func notFound(err error, as error, addr address.Address) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", as, addr)
	}
	return err
}
