package delegation

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/metrics"
	"github.com/atmx/arena-ledger/internal/store"
)

// maxCommitAttempts bounds the commit loop in Undelegate.
const maxCommitAttempts = 5

// Config wires a Coordinator.
type Config struct {
	Base     store.Store
	Rollup   store.Store
	Registry Registry
	Logger   *slog.Logger
}

// Coordinator delegates and undelegates accounts.
type Coordinator struct {
	base     store.Store
	rollup   store.Store
	registry Registry
	router   *Router
	logger   *slog.Logger
	gate     *sync.RWMutex
}

// NewCoordinator creates a coordinator and its router.
func NewCoordinator(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	router := NewRouter(cfg.Base, cfg.Rollup, registry, logger)
	return &Coordinator{
		base:     cfg.Base,
		rollup:   cfg.Rollup,
		registry: registry,
		router:   router,
		logger:   logger,
		gate:     router.gate,
	}
}

// Router returns the store every ledger operation should go through.
func (c *Coordinator) Router() *Router { return c.router }

// Status returns the raw delegation status of addr.
func (c *Coordinator) Status(ctx context.Context, addr address.Address) (Status, error) {
	return c.registry.Status(ctx, addr)
}

// IsDelegated reports whether addr is authoritative on the rollup ledger.
// It returns false when the status cannot be determined.
func (c *Coordinator) IsDelegated(ctx context.Context, addr address.Address) bool {
	st, err := c.registry.Status(ctx, addr)
	if err != nil {
		c.logger.Warn("delegation status lookup failed", "address", addr.String(), "err", err)
		return false
	}
	return st == StatusDelegated
}

// Delegate moves addr to the rollup ledger. Delegating an account that is
// already delegated is a no-op.
func (c *Coordinator) Delegate(ctx context.Context, addr address.Address) (err error) {
	defer func() { observe("delegate", err) }()

	c.gate.Lock()
	defer c.gate.Unlock()
	return c.delegateLocked(ctx, addr)
}

// delegateLocked runs with the gate held, so the status read here is the
// one the transition is decided on.
func (c *Coordinator) delegateLocked(ctx context.Context, addr address.Address) error {
	st, err := c.registry.Status(ctx, addr)
	if err != nil {
		return err
	}
	switch st {
	case StatusDelegated:
		return nil
	case StatusUndelegating:
		return fmt.Errorf("%w: %s is undelegating", store.ErrConflict, addr)
	case StatusClosed:
		return fmt.Errorf("%w: %s closed on rollup", store.ErrNotFound, addr)
	}

	rec, err := c.base.Fetch(ctx, addr)
	if err != nil {
		return err
	}
	copied, wrote, err := put(ctx, c.rollup, rec)
	if err != nil {
		return fmt.Errorf("copy %s to rollup: %w", addr, err)
	}
	if err := c.registry.Transition(ctx, addr, StatusBase, StatusDelegated); err != nil {
		// Another coordinator sharing the registry got there first; its
		// rollup copy is live.
		if now, serr := c.registry.Status(ctx, addr); serr == nil && now == StatusDelegated {
			return nil
		}
		if wrote {
			if derr := store.Delete(ctx, c.rollup, addr, copied.Version); derr != nil {
				c.logger.Warn("remove orphaned rollup copy failed", "address", addr.String(), "err", derr)
			}
		}
		return err
	}

	c.logger.Info("account delegated", "address", addr.String(), "kind", rec.Kind.String(), "version", rec.Version)
	return nil
}

// Undelegate commits the rollup state of addr back to the base ledger and
// returns authority to it. Undelegating a base account is a no-op; an
// interrupted undelegation is resumed.
func (c *Coordinator) Undelegate(ctx context.Context, addr address.Address) (err error) {
	defer func() { observe("undelegate", err) }()

	c.gate.Lock()
	defer c.gate.Unlock()

	st, err := c.registry.Status(ctx, addr)
	if err != nil {
		return err
	}
	switch st {
	case StatusBase:
		return nil
	case StatusClosed:
		return c.finishClosed(ctx, addr)
	case StatusDelegated:
		if err := c.registry.Transition(ctx, addr, StatusDelegated, StatusUndelegating); err != nil {
			return err
		}
	}

	for attempt := 1; ; attempt++ {
		rec, err := c.rollup.Fetch(ctx, addr)
		if errors.Is(err, store.ErrNotFound) {
			// Already committed and removed by an earlier attempt.
			break
		}
		if err != nil {
			return err
		}

		if _, err := c.commit(ctx, rec); err != nil {
			return err
		}

		err = store.Delete(ctx, c.rollup, addr, rec.Version)
		if err == nil || errors.Is(err, store.ErrNotFound) {
			break
		}
		if !errors.Is(err, store.ErrConflict) || attempt >= maxCommitAttempts {
			return fmt.Errorf("remove rollup copy of %s: %w", addr, err)
		}
		c.logger.Warn("rollup copy changed during undelegate, recommitting", "address", addr.String(), "attempt", attempt)
	}

	if err := c.registry.Transition(ctx, addr, StatusUndelegating, StatusBase); err != nil {
		return err
	}
	c.logger.Info("account undelegated", "address", addr.String())
	return nil
}

// finishClosed removes the stale base copy of an account deleted on the
// rollup ledger. The gate must be held.
func (c *Coordinator) finishClosed(ctx context.Context, addr address.Address) error {
	rec, err := c.base.Fetch(ctx, addr)
	switch {
	case err == nil:
		if err := store.Delete(ctx, c.base, addr, rec.Version); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("remove base copy of %s: %w", addr, err)
		}
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	if err := c.registry.Transition(ctx, addr, StatusClosed, StatusBase); err != nil {
		return err
	}
	c.logger.Info("closed account removed from base", "address", addr.String())
	return nil
}

// CommitResult describes a rollup state pushed to the base ledger.
type CommitResult struct {
	Address address.Address `json:"address"`
	Digest  string          `json:"digest"`
	Version uint64          `json:"base_version"`
}

// Commit pushes the current rollup state of a delegated account to the
// base ledger without giving up delegation.
func (c *Coordinator) Commit(ctx context.Context, addr address.Address) (_ CommitResult, err error) {
	defer func() { observe("commit", err) }()

	c.gate.Lock()
	defer c.gate.Unlock()

	st, err := c.registry.Status(ctx, addr)
	if err != nil {
		return CommitResult{}, err
	}
	if st != StatusDelegated {
		return CommitResult{}, fmt.Errorf("%w: %s is %s, not delegated", store.ErrConflict, addr, st)
	}

	rec, err := c.rollup.Fetch(ctx, addr)
	if err != nil {
		return CommitResult{}, err
	}
	return c.commit(ctx, rec)
}

// commit writes rec to the base ledger and checks that base now holds the
// same bytes.
func (c *Coordinator) commit(ctx context.Context, rec store.Record) (CommitResult, error) {
	written, _, err := put(ctx, c.base, rec)
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit %s to base: %w", rec.Address, err)
	}

	stored, err := c.base.Fetch(ctx, rec.Address)
	if err != nil {
		return CommitResult{}, fmt.Errorf("verify commit of %s: %w", rec.Address, err)
	}
	want := blake3.Sum256(rec.Data)
	if got := blake3.Sum256(stored.Data); got != want {
		return CommitResult{}, fmt.Errorf("%w: %s", ErrCommitMismatch, rec.Address)
	}

	return CommitResult{
		Address: rec.Address,
		Digest:  hex.EncodeToString(want[:]),
		Version: written.Version,
	}, nil
}

// Result is the outcome for one account of a bulk operation.
type Result struct {
	Address address.Address
	Err     error
}

// DelegateAll delegates each account independently.
func (c *Coordinator) DelegateAll(ctx context.Context, addrs []address.Address) []Result {
	out := make([]Result, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, Result{Address: addr, Err: c.Delegate(ctx, addr)})
	}
	return out
}

// UndelegateAll undelegates each account independently.
func (c *Coordinator) UndelegateAll(ctx context.Context, addrs []address.Address) []Result {
	out := make([]Result, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, Result{Address: addr, Err: c.Undelegate(ctx, addr)})
	}
	return out
}

// Reconcile moves every child to the location of parent.
func (c *Coordinator) Reconcile(ctx context.Context, parent address.Address, children []address.Address) []Result {
	want := c.IsDelegated(ctx, parent)
	var out []Result
	for _, child := range children {
		if c.IsDelegated(ctx, child) == want {
			continue
		}
		var err error
		if want {
			err = c.Delegate(ctx, child)
		} else {
			err = c.Undelegate(ctx, child)
		}
		if err != nil {
			c.logger.Warn("reconcile failed", "parent", parent.String(), "child", child.String(), "err", err)
		}
		out = append(out, Result{Address: child, Err: err})
	}
	return out
}

// ApplyAndDelegate applies b on the base ledger and then delegates addrs,
// as one unit: if any delegation fails, delegations already made are
// reverted and the base records b touched are restored. No other write
// goes through the router while it runs.
func (c *Coordinator) ApplyAndDelegate(ctx context.Context, b *store.Batch, addrs []address.Address) ([]store.Record, error) {
	c.gate.Lock()
	defer c.gate.Unlock()

	type preImage struct {
		rec    store.Record
		exists bool
	}
	before := make(map[address.Address]preImage, b.Len())
	touched := b.Addresses()
	for _, addr := range touched {
		st, err := c.registry.Status(ctx, addr)
		if err != nil {
			return nil, err
		}
		if st != StatusBase {
			// Moved since the batch was built.
			return nil, fmt.Errorf("%w: %w: %s is %s, must be on base before apply", store.ErrConflict, ErrMixedLocation, addr, st)
		}
		rec, err := c.base.Fetch(ctx, addr)
		switch {
		case err == nil:
			before[addr] = preImage{rec: rec, exists: true}
		case errors.Is(err, store.ErrNotFound):
			before[addr] = preImage{}
		default:
			return nil, err
		}
	}

	recs, err := c.base.Apply(ctx, b)
	if err != nil {
		return nil, err
	}

	var done []address.Address
	for _, addr := range addrs {
		if err := c.delegateLocked(ctx, addr); err != nil {
			observe("delegate", err)
			c.logger.Error("delegate after apply failed, rolling back", "address", addr.String(), "err", err)
			for i := len(done) - 1; i >= 0; i-- {
				if rerr := c.revertDelegation(ctx, done[i]); rerr != nil {
					c.logger.Error("revert delegation failed", "address", done[i].String(), "err", rerr)
				}
			}

			comp := store.NewBatch()
			for _, a := range touched {
				cur, ferr := c.base.Fetch(ctx, a)
				pre := before[a]
				switch {
				case ferr == nil && pre.exists:
					comp.Add(store.Op{Type: store.OpUpdate, Address: a, Kind: pre.rec.Kind, Data: pre.rec.Data, Expected: cur.Version})
				case ferr == nil:
					comp.Delete(a, cur.Version)
				}
			}
			if _, cerr := c.base.Apply(ctx, comp); cerr != nil {
				return nil, fmt.Errorf("delegate %s: %w (compensation failed: %v)", addr, err, cerr)
			}
			return nil, fmt.Errorf("delegate %s: %w", addr, err)
		}
		observe("delegate", nil)
		done = append(done, addr)
	}
	return recs, nil
}

// revertDelegation undoes a Delegate that nothing has written through.
// The gate must be held.
func (c *Coordinator) revertDelegation(ctx context.Context, addr address.Address) error {
	if err := c.registry.Transition(ctx, addr, StatusDelegated, StatusBase); err != nil {
		return err
	}
	rec, err := c.rollup.Fetch(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return store.Delete(ctx, c.rollup, addr, rec.Version)
}

// put copies rec into s at rec's own version, so the address keeps one
// version history across both ledgers. A copy already at that version or
// newer is left as it is. wrote reports whether s changed.
func put(ctx context.Context, s store.Store, rec store.Record) (_ store.Record, wrote bool, _ error) {
	b := store.NewBatch()
	cur, err := s.Fetch(ctx, rec.Address)
	switch {
	case err == nil:
		if cur.Version >= rec.Version {
			return cur, false, nil
		}
		b.Add(store.Op{Type: store.OpUpdate, Address: rec.Address, Kind: rec.Kind, Data: rec.Data, Expected: cur.Version, Version: rec.Version})
	case errors.Is(err, store.ErrNotFound):
		b.Add(store.Op{Type: store.OpCreate, Address: rec.Address, Kind: rec.Kind, Data: rec.Data, Version: rec.Version})
	default:
		return store.Record{}, false, err
	}
	recs, err := s.Apply(ctx, b)
	if err != nil {
		return store.Record{}, false, err
	}
	return recs[0], true, nil
}

func observe(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.DelegationsTotal.WithLabelValues(action, result).Inc()
}
