// Package store defines the account persistence interface for the arena
// ledger. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache) and in-memory (for testing and the rollup ledger).
//
// Every record carries a Version that starts at 1 and grows on each
// write. Updates and deletes name the version they expect; a mismatch is
// ErrConflict, never a silent overwrite.
package store

import (
	"context"
	"errors"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/model"
)

var (
	// ErrNotFound is returned when no record lives at an address.
	ErrNotFound = errors.New("store: account not found")

	// ErrAlreadyExists is returned when creating at an occupied address.
	ErrAlreadyExists = errors.New("store: account already exists")

	// ErrConflict is returned when an expected version is stale.
	ErrConflict = errors.New("store: version conflict")
)

// Record is one persisted account.
type Record struct {
	Address address.Address `json:"address"`
	Kind    model.Kind      `json:"kind"`
	Data    []byte          `json:"data"`
	Version uint64          `json:"version"`
}

// Store is the account persistence interface.
type Store interface {
	// Fetch returns the record at addr.
	Fetch(ctx context.Context, addr address.Address) (Record, error)

	// Apply commits every op in b atomically. On error nothing is written.
	// The returned records are in op order; deleted records are returned
	// as they were before deletion.
	Apply(ctx context.Context, b *Batch) ([]Record, error)

	// List returns all live records of kind.
	List(ctx context.Context, kind model.Kind) ([]Record, error)
}

// OpType is the kind of write in a batch.
type OpType uint8

const (
	OpCreate OpType = iota + 1
	OpUpdate
	OpDelete
)

func (o OpType) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Op is one write. Expected is the version an update or delete requires.
// Version, when set on a create or update, is the version the written
// record takes instead of the next one; it must be ahead of the current
// version. Copies between ledgers use it so an address never sees a
// version it already had.
type Op struct {
	Type     OpType
	Address  address.Address
	Kind     model.Kind
	Data     []byte
	Expected uint64
	Version  uint64
}

// nextVersion returns the version an op writes over a record at cur.
func nextVersion(op Op, cur uint64) (uint64, bool) {
	if op.Version == 0 {
		return cur + 1, true
	}
	return op.Version, op.Version > cur
}

// Batch is an ordered set of writes applied as one unit.
type Batch struct {
	Ops []Op
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Create adds a create of acct at addr.
func (b *Batch) Create(addr address.Address, acct model.Account) error {
	data, err := model.Encode(acct)
	if err != nil {
		return err
	}
	b.Ops = append(b.Ops, Op{Type: OpCreate, Address: addr, Kind: acct.Kind(), Data: data})
	return nil
}

// Update adds an overwrite of addr, valid only at version expected.
func (b *Batch) Update(addr address.Address, expected uint64, acct model.Account) error {
	data, err := model.Encode(acct)
	if err != nil {
		return err
	}
	b.Ops = append(b.Ops, Op{Type: OpUpdate, Address: addr, Kind: acct.Kind(), Data: data, Expected: expected})
	return nil
}

// Delete adds a removal of addr, valid only at version expected.
func (b *Batch) Delete(addr address.Address, expected uint64) {
	b.Ops = append(b.Ops, Op{Type: OpDelete, Address: addr, Expected: expected})
}

// Add appends a raw op.
func (b *Batch) Add(op Op) {
	b.Ops = append(b.Ops, op)
}

// Len returns the number of ops.
func (b *Batch) Len() int { return len(b.Ops) }

// Addresses returns the distinct addresses touched, in first-seen order.
func (b *Batch) Addresses() []address.Address {
	seen := make(map[address.Address]struct{}, len(b.Ops))
	out := make([]address.Address, 0, len(b.Ops))
	for _, op := range b.Ops {
		if _, ok := seen[op.Address]; ok {
			continue
		}
		seen[op.Address] = struct{}{}
		out = append(out, op.Address)
	}
	return out
}
