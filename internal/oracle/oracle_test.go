package oracle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena-ledger/internal/oracle"
)

func TestQuotePrice(t *testing.T) {
	q := oracle.Quote{RawPrice: 100_000_000_000, Exponent: -8}
	if !q.Price().Equal(decimal.NewFromInt(1000)) {
		t.Errorf("price = %s, want 1000", q.Price())
	}
}

func TestQuoteAge(t *testing.T) {
	now := time.Unix(1_700_000_100, 0)
	q := oracle.Quote{PublishTime: time.Unix(1_700_000_000, 0)}
	if got := q.Age(now); got != 100*time.Second {
		t.Errorf("age = %v, want 100s", got)
	}
}

func TestStatic_GetPrice(t *testing.T) {
	s := oracle.NewStatic()
	s.Set("btc", oracle.Quote{RawPrice: 42, Exponent: 0})

	q, err := s.GetPrice(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if q.RawPrice != 42 {
		t.Errorf("raw price = %d, want 42", q.RawPrice)
	}
}

func TestStatic_Unavailable(t *testing.T) {
	s := oracle.NewStatic()
	s.Set("ETH", oracle.Quote{RawPrice: 1})
	s.Remove("ETH")

	_, err := s.GetPrice(context.Background(), "ETH")
	if !errors.Is(err, oracle.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestFixed(t *testing.T) {
	f, err := oracle.NewFixed(map[string]string{"btc": "1000.00"})
	if err != nil {
		t.Fatalf("NewFixed: %v", err)
	}
	q, err := f.GetPrice(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if q.RawPrice != 100_000_000_000 || q.Exponent != -8 {
		t.Errorf("quote = %d e%d", q.RawPrice, q.Exponent)
	}
	if q.Age(time.Now()) > time.Second {
		t.Errorf("fixed quote should be fresh")
	}

	if _, err := oracle.NewFixed(map[string]string{"X": "-1"}); err == nil {
		t.Error("expected error for negative price")
	}
}
