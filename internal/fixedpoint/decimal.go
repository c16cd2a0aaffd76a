package fixedpoint

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/collateral-bridge/internal/model"
)

// FromDecimal converts a human amount ("1.5" ETH) to base units with the
// given decimals. Amounts with more precision than decimals are rejected
// rather than rounded.
func FromDecimal(d decimal.Decimal, decimals uint8) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %s: %w", d, model.ErrBadAmount)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("amount %s exceeds %d decimals: %w", d, decimals, model.ErrBadAmount)
	}
	z, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("amount %s: %w", d, model.ErrOverflow)
	}
	return z, nil
}

// ToDecimal renders base units as a human amount.
func ToDecimal(x *uint256.Int, decimals uint8) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), -int32(decimals))
}
