// Package events carries ledger changes to outside consumers. Events are
// published after the store commit succeeds; publishing is best-effort and
// never fails the operation that produced it.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/arena-ledger/internal/address"
)

// Event types.
const (
	TypeAdminConfigInitialized = "admin_config_initialized"
	TypeProfileCreated         = "profile_created"
	TypeArenaCreated           = "arena_created"
	TypeTradingAccountCreated  = "trading_account_created"
	TypePositionOpened         = "position_opened"
	TypePositionUpdated        = "position_updated"
	TypePositionClosed         = "position_closed"
	TypeTradeRecorded          = "trade_recorded"
	TypeDelegated              = "account_delegated"
	TypeUndelegated            = "account_undelegated"
	TypeCommitted              = "account_committed"
)

// Event is one committed ledger change.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Address   address.Address `json:"address"`
	Owner     address.Address `json:"owner"`
	Payload   any             `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds an event with a fresh ID.
func New(typ string, addr, owner address.Address, payload any, ts time.Time) Event {
	return Event{
		ID:        uuid.New(),
		Type:      typ,
		Address:   addr,
		Owner:     owner,
		Payload:   payload,
		Timestamp: ts.UTC(),
	}
}

// Publisher accepts committed events.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Multi fans an event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) {
	for _, p := range m {
		p.Publish(ctx, evt)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
