package store_test

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/model"
	"github.com/atmx/arena-ledger/internal/store"
)

// redisClient connects to REDIS_URL or skips the test.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

// interleavedStore runs during once, from inside the first Fetch after
// the primary read and before the caller sees the result.
type interleavedStore struct {
	store.Store
	armed  atomic.Bool
	during func()
}

func (s *interleavedStore) Fetch(ctx context.Context, addr address.Address) (store.Record, error) {
	rec, err := s.Store.Fetch(ctx, addr)
	if s.armed.CompareAndSwap(true, false) {
		s.during()
	}
	return rec, err
}

func TestCachedStore_ReadThroughDoesNotResurrectOldValue(t *testing.T) {
	ctx := context.Background()
	rdb := redisClient(t)
	primary := &interleavedStore{Store: store.NewMemoryStore()}
	cs := store.NewCachedStore(primary, rdb, time.Minute)

	addr, p := newProfile("alice")
	if _, err := store.Create(ctx, cs, addr, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A write commits while the read-through holds the old record.
	primary.during = func() {
		if _, err := store.Mutate[model.UserProfile](ctx, cs, addr, func(p *model.UserProfile) error {
			p.Name = "alice2"
			return nil
		}); err != nil {
			t.Errorf("concurrent write: %v", err)
		}
	}
	primary.armed.Store(true)

	got, version, err := store.Get[model.UserProfile](ctx, cs, addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "alice" || version != 1 {
		t.Errorf("read-through returned %q at version %d", got.Name, version)
	}

	got, version, err = store.Get[model.UserProfile](ctx, cs, addr)
	if err != nil {
		t.Fatalf("get after write: %v", err)
	}
	if got.Name != "alice2" || version != 2 {
		t.Errorf("cache served %q at version %d after a newer write", got.Name, version)
	}
}

func TestCachedStore_ConflictDropsCachedValue(t *testing.T) {
	ctx := context.Background()
	rdb := redisClient(t)
	primary := store.NewMemoryStore()
	cs := store.NewCachedStore(primary, rdb, time.Minute)

	addr, p := newProfile("bob")
	if _, err := store.Create(ctx, cs, addr, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := cs.Fetch(ctx, addr); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	// Written behind the cache's back.
	if _, err := store.Mutate[model.UserProfile](ctx, primary, addr, func(p *model.UserProfile) error {
		p.Name = "bob2"
		return nil
	}); err != nil {
		t.Fatalf("direct write: %v", err)
	}

	if _, err := store.Mutate[model.UserProfile](ctx, cs, addr, func(p *model.UserProfile) error {
		p.Name = "bob3"
		return nil
	}); err == nil {
		t.Fatal("expected a conflict from the stale cached version")
	}

	got, version, err := store.Get[model.UserProfile](ctx, cs, addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "bob2" || version != 2 {
		t.Errorf("got %q at version %d, want the primary's record", got.Name, version)
	}
}
