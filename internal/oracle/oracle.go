// Package oracle is the read-only price interface the ledger consumes.
// Prices are published by an external feeder; this package only reads.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when no quote exists for an asset.
var ErrUnavailable = errors.New("oracle: price unavailable")

// Quote is one published price. The human price is RawPrice * 10^Exponent.
type Quote struct {
	RawPrice    int64     `json:"raw_price"`
	Exponent    int32     `json:"exponent"`
	Confidence  uint64    `json:"confidence"`
	PublishTime time.Time `json:"publish_time"`
}

// Price returns the human-readable price.
func (q Quote) Price() decimal.Decimal {
	return decimal.New(q.RawPrice, q.Exponent)
}

// Age returns how old the quote is at now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.PublishTime)
}

// Oracle returns the current quote for an asset symbol.
type Oracle interface {
	GetPrice(ctx context.Context, asset string) (Quote, error)
}

// Static is an in-process oracle whose quotes are set directly.
type Static struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewStatic creates an empty static oracle.
func NewStatic() *Static {
	return &Static{quotes: make(map[string]Quote)}
}

// Set stores the quote for asset.
func (s *Static) Set(asset string, q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[normalize(asset)] = q
}

// Remove drops the quote for asset.
func (s *Static) Remove(asset string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quotes, normalize(asset))
}

func (s *Static) GetPrice(_ context.Context, asset string) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[normalize(asset)]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnavailable, asset)
	}
	return q, nil
}

// RedisFeed reads quotes an external feeder writes as JSON under
// price:<ASSET>.
type RedisFeed struct {
	rdb *redis.Client
}

// NewRedisFeed creates a feed reader over rdb.
func NewRedisFeed(rdb *redis.Client) *RedisFeed {
	return &RedisFeed{rdb: rdb}
}

func (f *RedisFeed) GetPrice(ctx context.Context, asset string) (Quote, error) {
	data, err := f.rdb.Get(ctx, priceKey(asset)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnavailable, asset)
	}
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, asset, err)
	}
	var q Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return Quote{}, fmt.Errorf("%w: %s: malformed quote: %v", ErrUnavailable, asset, err)
	}
	return q, nil
}

// Publish writes q for asset. Used by feeders and local tooling.
func (f *RedisFeed) Publish(ctx context.Context, asset string, q Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return f.rdb.Set(ctx, priceKey(asset), data, 0).Err()
}

func priceKey(asset string) string { return "price:" + normalize(asset) }

func normalize(asset string) string { return strings.ToUpper(strings.TrimSpace(asset)) }

// fixedExponent is the exponent Fixed publishes prices at.
const fixedExponent = -8

// Fixed quotes constant prices that are always fresh. For development.
type Fixed struct {
	prices map[string]int64
	now    func() time.Time
}

// NewFixed builds a fixed oracle from human prices such as "65000.25".
func NewFixed(prices map[string]string) (*Fixed, error) {
	f := &Fixed{prices: make(map[string]int64, len(prices)), now: time.Now}
	for asset, s := range prices {
		p, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("oracle: price of %s: %w", asset, err)
		}
		if !p.IsPositive() {
			return nil, fmt.Errorf("oracle: price of %s must be positive", asset)
		}
		f.prices[normalize(asset)] = p.Shift(-fixedExponent).IntPart()
	}
	return f, nil
}

func (f *Fixed) GetPrice(_ context.Context, asset string) (Quote, error) {
	raw, ok := f.prices[normalize(asset)]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnavailable, asset)
	}
	return Quote{RawPrice: raw, Exponent: fixedExponent, PublishTime: f.now()}, nil
}
