// Package delegation moves an account's authoritative copy between the
// base ledger and the rollup ledger, and routes every read and write to
// whichever ledger currently holds it.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/store"
)

// Status is where an account's authoritative copy lives.
type Status uint8

const (
	// StatusBase is the default: the base ledger is authoritative.
	StatusBase Status = iota
	// StatusDelegated means the rollup ledger is authoritative.
	StatusDelegated
	// StatusUndelegating means rollup state is being committed back.
	// Writes are refused until the commit finishes.
	StatusUndelegating
	// StatusClosed means the account was deleted on the rollup ledger and
	// the stale base copy is pending removal.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusBase:
		return "base"
	case StatusDelegated:
		return "delegated"
	case StatusUndelegating:
		return "undelegating"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "base", "":
		return StatusBase, nil
	case "delegated":
		return StatusDelegated, nil
	case "undelegating":
		return StatusUndelegating, nil
	case "closed":
		return StatusClosed, nil
	}
	return StatusBase, fmt.Errorf("delegation: unknown status %q", s)
}

// Registry holds the per-address delegation status. Addresses never seen
// are StatusBase.
type Registry interface {
	Status(ctx context.Context, addr address.Address) (Status, error)

	// Transition moves addr from one status to another. If the current
	// status is not from it fails with store.ErrConflict.
	Transition(ctx context.Context, addr address.Address, from, to Status) error
}

// MemoryRegistry is a process-local Registry.
type MemoryRegistry struct {
	mu     sync.Mutex
	status map[address.Address]Status
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{status: make(map[address.Address]Status)}
}

func (r *MemoryRegistry) Status(_ context.Context, addr address.Address) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status[addr], nil
}

func (r *MemoryRegistry) Transition(_ context.Context, addr address.Address, from, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.status[addr]
	if cur != from {
		return fmt.Errorf("%w: %s is %s, expected %s", store.ErrConflict, addr, cur, from)
	}
	if to == StatusBase {
		delete(r.status, addr)
		return nil
	}
	r.status[addr] = to
	return nil
}

// RedisRegistry shares delegation status between instances. Transitions
// use WATCH/MULTI so two instances cannot both win the same move.
type RedisRegistry struct {
	rdb *redis.Client
}

// NewRedisRegistry creates a registry over rdb.
func NewRedisRegistry(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{rdb: rdb}
}

func (r *RedisRegistry) Status(ctx context.Context, addr address.Address) (Status, error) {
	v, err := r.rdb.Get(ctx, statusKey(addr)).Result()
	if errors.Is(err, redis.Nil) {
		return StatusBase, nil
	}
	if err != nil {
		return StatusBase, fmt.Errorf("delegation status %s: %w", addr, err)
	}
	return ParseStatus(v)
}

func (r *RedisRegistry) Transition(ctx context.Context, addr address.Address, from, to Status) error {
	key := statusKey(addr)
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		v, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		cur, err := ParseStatus(v)
		if err != nil {
			return err
		}
		if cur != from {
			return fmt.Errorf("%w: %s is %s, expected %s", store.ErrConflict, addr, cur, from)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if to == StatusBase {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, to.String(), 0)
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s status changed concurrently", store.ErrConflict, addr)
	}
	return err
}

func statusKey(addr address.Address) string { return "ledger:delegation:" + addr.String() }
