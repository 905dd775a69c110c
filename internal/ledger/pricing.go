package ledger

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena-ledger/internal/oracle"
)

// QuantityDecimals is the fixed-point scale of quantity_raw and
// micro_usdc.
const QuantityDecimals = 6

var maxUint64 = decimal.NewFromUint64(math.MaxUint64)

// ToRaw converts a display quantity to raw units, flooring fractions
// below 10^-6. Non-positive results are ErrShortingUnsupported.
func ToRaw(quantity decimal.Decimal) (uint64, error) {
	raw := quantity.Shift(QuantityDecimals).Floor()
	if !raw.IsPositive() {
		return 0, ErrShortingUnsupported
	}
	if raw.GreaterThan(maxUint64) {
		return 0, fmt.Errorf("%w: %s", ErrQuantityOverflow, raw)
	}
	return raw.BigInt().Uint64(), nil
}

// ToRawDelta converts a signed display delta to raw units, truncating
// toward zero.
func ToRawDelta(delta decimal.Decimal) (decimal.Decimal, error) {
	raw := delta.Shift(QuantityDecimals).Truncate(0)
	if raw.IsZero() {
		return decimal.Zero, ErrInvalidQuantity
	}
	return raw, nil
}

// PriceMicro returns the quote in micro-USD per display unit.
func PriceMicro(q oracle.Quote) decimal.Decimal {
	return decimal.New(q.RawPrice, q.Exponent+QuantityDecimals).Round(0)
}

// Cost is the micro-USD value of quantityRaw at q, truncated toward zero.
// The sign follows quantityRaw.
func Cost(q oracle.Quote, quantityRaw decimal.Decimal) decimal.Decimal {
	return PriceMicro(q).Mul(quantityRaw).Shift(-QuantityDecimals).Truncate(0)
}

// toUint64 converts a non-negative integral decimal, failing past
// MaxUint64.
func toUint64(d decimal.Decimal) (uint64, error) {
	if d.IsNegative() {
		return 0, ErrInsufficientFunds
	}
	if d.GreaterThan(maxUint64) {
		return 0, ErrBalanceOverflow
	}
	return d.BigInt().Uint64(), nil
}
