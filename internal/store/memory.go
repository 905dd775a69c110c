package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/model"
)

// MemoryStore implements Store with an in-memory map. Used for testing,
// development and as the rollup ledger. Not durable.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[address.Address]Record
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[address.Address]Record),
	}
}

func (s *MemoryStore) Fetch(_ context.Context, addr address.Address) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.accounts[addr]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	return cloneRecord(rec), nil
}

// Apply stages every op against a private view and swaps it in only when
// all ops succeed.
func (s *MemoryStore) Apply(_ context.Context, b *Batch) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[address.Address]*Record, b.Len())
	lookup := func(addr address.Address) (Record, bool) {
		if r, ok := staged[addr]; ok {
			if r == nil {
				return Record{}, false
			}
			return *r, true
		}
		r, ok := s.accounts[addr]
		return r, ok
	}

	out := make([]Record, 0, b.Len())
	for i, op := range b.Ops {
		cur, exists := lookup(op.Address)
		switch op.Type {
		case OpCreate:
			if exists {
				return nil, fmt.Errorf("op %d: %w: %s", i, ErrAlreadyExists, op.Address)
			}
			version, _ := nextVersion(op, 0)
			rec := Record{Address: op.Address, Kind: op.Kind, Data: cloneBytes(op.Data), Version: version}
			staged[op.Address] = &rec
			out = append(out, rec)

		case OpUpdate:
			if !exists {
				return nil, fmt.Errorf("op %d: %w: %s", i, ErrNotFound, op.Address)
			}
			if cur.Version != op.Expected {
				return nil, fmt.Errorf("op %d: %w: %s at version %d, expected %d", i, ErrConflict, op.Address, cur.Version, op.Expected)
			}
			version, ok := nextVersion(op, cur.Version)
			if !ok {
				return nil, fmt.Errorf("op %d: %w: %s version %d does not advance %d", i, ErrConflict, op.Address, op.Version, cur.Version)
			}
			rec := Record{Address: op.Address, Kind: op.Kind, Data: cloneBytes(op.Data), Version: version}
			staged[op.Address] = &rec
			out = append(out, rec)

		case OpDelete:
			if !exists {
				return nil, fmt.Errorf("op %d: %w: %s", i, ErrNotFound, op.Address)
			}
			if cur.Version != op.Expected {
				return nil, fmt.Errorf("op %d: %w: %s at version %d, expected %d", i, ErrConflict, op.Address, cur.Version, op.Expected)
			}
			staged[op.Address] = nil
			out = append(out, cur)

		default:
			return nil, fmt.Errorf("op %d: unknown op type %d", i, op.Type)
		}
	}

	for addr, rec := range staged {
		if rec == nil {
			delete(s.accounts, addr)
			continue
		}
		s.accounts[addr] = *rec
	}

	for i := range out {
		out[i] = cloneRecord(out[i])
	}
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, kind model.Kind) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, rec := range s.accounts {
		if rec.Kind == kind {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})
	return out, nil
}

// Len returns the number of live records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

func cloneRecord(r Record) Record {
	r.Data = cloneBytes(r.Data)
	return r
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
