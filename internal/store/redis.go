package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Every address has a generation counter next to its cached value. A
// write bumps it after the primary commits, and a read-through only
// stores what it read if the generation is unchanged, so a slow reader
// cannot put back a value older than the last write.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Apply(ctx context.Context, b *Batch) ([]Record, error) {
	addrs := b.Addresses()
	recs, err := s.primary.Apply(ctx, b)
	// A conflict means some cached value may be behind the primary.
	s.invalidate(ctx, addrs)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *CachedStore) invalidate(ctx context.Context, addrs []address.Address) {
	if len(addrs) == 0 {
		return
	}
	_, err := s.rdb.TxPipelined(context.WithoutCancel(ctx), func(pipe redis.Pipeliner) error {
		for _, addr := range addrs {
			pipe.Incr(ctx, generationKey(addr))
			pipe.Expire(ctx, generationKey(addr), s.generationTTL())
			pipe.Del(ctx, accountKey(addr))
		}
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "keys", len(addrs), "err", err)
	}
}

// generationTTL outlives any cached value so a read-through never sees
// the counter vanish under it.
func (s *CachedStore) generationTTL() time.Duration { return 2*s.ttl + time.Minute }

// --- Read-through (check cache first) ---

func (s *CachedStore) Fetch(ctx context.Context, addr address.Address) (Record, error) {
	data, err := s.rdb.Get(ctx, accountKey(addr)).Bytes()
	if err == nil {
		var rec Record
		if json.Unmarshal(data, &rec) == nil {
			return rec, nil
		}
	}

	// Cache miss: read from the primary while watching the generation.
	var (
		rec      Record
		fetched  bool
		fetchErr error
	)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		fetched = true
		rec, fetchErr = s.primary.Fetch(ctx, addr)
		if fetchErr != nil {
			return nil
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, accountKey(addr), data, s.ttl)
			return nil
		})
		return err
	}, generationKey(addr))
	if fetchErr != nil {
		return Record{}, fetchErr
	}
	switch {
	case err == nil:
	case errors.Is(err, redis.TxFailedErr):
		// A write landed while reading; rec is still what the primary
		// returned, it just is not cached.
	case !fetched:
		// Redis failed before the primary was read.
		slog.Warn("cache read-through failed", "address", addr.String(), "err", err)
		return s.primary.Fetch(ctx, addr)
	default:
		slog.Warn("cache fill failed", "address", addr.String(), "err", err)
	}
	return rec, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) List(ctx context.Context, kind model.Kind) ([]Record, error) {
	return s.primary.List(ctx, kind)
}

// Both keys share a hash tag so a cluster puts them on one slot.
func accountKey(addr address.Address) string { return fmt.Sprintf("ledger:acct:{%s}", addr) }

func generationKey(addr address.Address) string { return fmt.Sprintf("ledger:acctgen:{%s}", addr) }
