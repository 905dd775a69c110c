package store

import (
	"context"
	"fmt"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/model"
)

// Get fetches and decodes the record at addr, returning its version.
func Get[T any, PT model.Pointer[T]](ctx context.Context, s Store, addr address.Address) (PT, uint64, error) {
	rec, err := s.Fetch(ctx, addr)
	if err != nil {
		return nil, 0, err
	}
	v := PT(new(T))
	if err := model.Decode(rec.Data, v); err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", addr, err)
	}
	return v, rec.Version, nil
}

// Decode decodes a fetched record into its typed form.
func Decode[T any, PT model.Pointer[T]](rec Record) (PT, error) {
	v := PT(new(T))
	if err := model.Decode(rec.Data, v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", rec.Address, err)
	}
	return v, nil
}

// Create writes acct at addr; ErrAlreadyExists if occupied.
func Create(ctx context.Context, s Store, addr address.Address, acct model.Account) (Record, error) {
	b := NewBatch()
	if err := b.Create(addr, acct); err != nil {
		return Record{}, err
	}
	recs, err := s.Apply(ctx, b)
	if err != nil {
		return Record{}, err
	}
	return recs[0], nil
}

// Update applies mutate to the current record at addr and writes the
// result conditioned on the version that was read. A concurrent writer
// makes this fail with ErrConflict.
func Update(ctx context.Context, s Store, addr address.Address, mutate func(Record) (Record, error)) (Record, error) {
	cur, err := s.Fetch(ctx, addr)
	if err != nil {
		return Record{}, err
	}
	next, err := mutate(cloneRecord(cur))
	if err != nil {
		return Record{}, err
	}

	b := NewBatch()
	b.Add(Op{Type: OpUpdate, Address: addr, Kind: next.Kind, Data: next.Data, Expected: cur.Version})
	recs, err := s.Apply(ctx, b)
	if err != nil {
		return Record{}, err
	}
	return recs[0], nil
}

// Mutate is the typed form of Update.
func Mutate[T any, PT model.Pointer[T]](ctx context.Context, s Store, addr address.Address, fn func(PT) error) (PT, error) {
	var out PT
	_, err := Update(ctx, s, addr, func(r Record) (Record, error) {
		v, err := Decode[T, PT](r)
		if err != nil {
			return Record{}, err
		}
		if err := fn(v); err != nil {
			return Record{}, err
		}
		data, err := model.Encode(v)
		if err != nil {
			return Record{}, err
		}
		out = v
		r.Data = data
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes addr if it is still at version expected.
func Delete(ctx context.Context, s Store, addr address.Address, expected uint64) error {
	b := NewBatch()
	b.Delete(addr, expected)
	_, err := s.Apply(ctx, b)
	return err
}
