package delegation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/model"
	"github.com/atmx/arena-ledger/internal/store"
)

var (
	// ErrAccountUnavailable is returned when neither ledger holds the
	// account. It also matches store.ErrNotFound.
	ErrAccountUnavailable = errors.New("delegation: account unavailable on both ledgers")

	// ErrMixedLocation is returned for a batch touching accounts that live
	// on different ledgers.
	ErrMixedLocation = errors.New("delegation: batch spans base and rollup ledgers")

	// ErrCommitMismatch is returned when the base ledger does not hold the
	// bytes that were committed to it.
	ErrCommitMismatch = errors.New("delegation: committed state does not match rollup state")
)

// Router is a store.Store that sends each address to the ledger its
// delegation status names. Reads that miss on the expected ledger retry
// the other one before giving up.
type Router struct {
	base     store.Store
	rollup   store.Store
	registry Registry
	logger   *slog.Logger

	// gate orders writes against status flips. Apply holds it shared;
	// the coordinator holds it exclusively while moving an account.
	gate *sync.RWMutex
}

// NewRouter creates a standalone router. Routers that must cooperate with
// a Coordinator come from Coordinator.Router.
func NewRouter(base, rollup store.Store, registry Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{base: base, rollup: rollup, registry: registry, logger: logger, gate: &sync.RWMutex{}}
}

// status returns the delegation status of addr, treating lookup failures
// as StatusBase.
func (r *Router) status(ctx context.Context, addr address.Address) Status {
	st, err := r.registry.Status(ctx, addr)
	if err != nil {
		r.logger.Warn("delegation status lookup failed, assuming base", "address", addr.String(), "err", err)
		return StatusBase
	}
	return st
}

func (r *Router) Fetch(ctx context.Context, addr address.Address) (store.Record, error) {
	st := r.status(ctx, addr)
	if st == StatusClosed {
		return store.Record{}, fmt.Errorf("%w: %s closed on rollup", store.ErrNotFound, addr)
	}

	first, second := r.base, r.rollup
	if st == StatusDelegated || st == StatusUndelegating {
		first, second = r.rollup, r.base
	}

	rec, err := first.Fetch(ctx, addr)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return rec, err
	}
	rec, err = second.Fetch(ctx, addr)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return rec, err
	}
	return store.Record{}, fmt.Errorf("%w: %w: %s", ErrAccountUnavailable, store.ErrNotFound, addr)
}

// Apply sends the whole batch to one ledger. Every address must share a
// location; addresses being undelegated refuse writes.
func (r *Router) Apply(ctx context.Context, b *store.Batch) ([]store.Record, error) {
	r.gate.RLock()
	defer r.gate.RUnlock()

	var target store.Store
	onRollup := false
	for i, op := range b.Ops {
		st := r.status(ctx, op.Address)
		switch st {
		case StatusUndelegating:
			return nil, fmt.Errorf("op %d: %w: %s is undelegating", i, store.ErrConflict, op.Address)
		case StatusClosed:
			if op.Type == store.OpCreate {
				return nil, fmt.Errorf("op %d: %w: %s", i, store.ErrAlreadyExists, op.Address)
			}
			return nil, fmt.Errorf("op %d: %w: %s closed on rollup", i, store.ErrNotFound, op.Address)
		}

		want, delegated := r.base, st == StatusDelegated
		if delegated {
			want = r.rollup
		}
		if target == nil {
			target, onRollup = want, delegated
			continue
		}
		if delegated != onRollup {
			return nil, fmt.Errorf("%w: %s", ErrMixedLocation, op.Address)
		}
	}
	if target == nil {
		return nil, nil
	}

	recs, err := target.Apply(ctx, b)
	if err != nil {
		return nil, err
	}

	if onRollup {
		for _, op := range b.Ops {
			if op.Type != store.OpDelete {
				continue
			}
			if err := r.registry.Transition(ctx, op.Address, StatusDelegated, StatusClosed); err != nil {
				r.logger.Error("mark closed after rollup delete failed", "address", op.Address.String(), "err", err)
			}
		}
	}
	return recs, nil
}

// List merges both ledgers, taking each address from its authoritative
// side.
func (r *Router) List(ctx context.Context, kind model.Kind) ([]store.Record, error) {
	baseRecs, err := r.base.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	rollupRecs, err := r.rollup.List(ctx, kind)
	if err != nil {
		return nil, err
	}

	onRollup := make(map[address.Address]struct{}, len(rollupRecs))
	var out []store.Record
	for _, rec := range rollupRecs {
		switch r.status(ctx, rec.Address) {
		case StatusDelegated, StatusUndelegating:
			onRollup[rec.Address] = struct{}{}
			out = append(out, rec)
		}
	}
	for _, rec := range baseRecs {
		switch r.status(ctx, rec.Address) {
		case StatusClosed:
			continue
		case StatusDelegated, StatusUndelegating:
			if _, ok := onRollup[rec.Address]; ok {
				continue
			}
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})
	return out, nil
}
