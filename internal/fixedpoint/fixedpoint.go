// Package fixedpoint implements exact wad (1e18) and ray (1e27) fixed-point
// arithmetic, basis-point scaling and linear interest accrual.
//
// Every product is formed with a 512-bit intermediate (uint256
// MulDivOverflow) so principal × rate-in-ray never overflows before the
// division. Division truncates toward zero unless the function name ends
// in Up.
package fixedpoint

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/collateral-bridge/internal/model"
)

const (
	// WadDecimals and RayDecimals are the scales of the two bases.
	WadDecimals = 18
	RayDecimals = 27

	// BpsDenominator is 100% in basis points.
	BpsDenominator = 10_000

	// SecondsPerYear is the simple-interest year (365 days).
	SecondsPerYear = 365 * 24 * 3600
)

var (
	pow10 [RayDecimals + 1]*uint256.Int

	// WAD is 1e18.
	WAD *uint256.Int
	// RAY is 1e27.
	RAY *uint256.Int

	bpsToRayFactor *uint256.Int // 1e27 / 1e4
	bpsDen         = uint256.NewInt(BpsDenominator)
	rayYear        *uint256.Int
)

func init() {
	ten := uint256.NewInt(10)
	pow10[0] = uint256.NewInt(1)
	for i := 1; i <= RayDecimals; i++ {
		pow10[i] = new(uint256.Int).Mul(pow10[i-1], ten)
	}
	WAD = pow10[WadDecimals]
	RAY = pow10[RayDecimals]
	bpsToRayFactor = pow10[RayDecimals-4]
	rayYear = new(uint256.Int).Mul(RAY, uint256.NewInt(SecondsPerYear))
}

// Pow10 returns 10^n for n <= 27.
func Pow10(n uint8) (*uint256.Int, error) {
	if n > RayDecimals {
		return nil, fmt.Errorf("10^%d: %w", n, model.ErrDecimalsTooHigh)
	}
	return new(uint256.Int).Set(pow10[n]), nil
}

// MulDiv returns x*y/d truncated, with a 512-bit intermediate.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, model.ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, model.ErrOverflow
	}
	return z, nil
}

// MulDivUp returns x*y/d rounded up.
func MulDivUp(x, y, d *uint256.Int) (*uint256.Int, error) {
	z, err := MulDiv(x, y, d)
	if err != nil {
		return nil, err
	}
	if !new(uint256.Int).MulMod(x, y, d).IsZero() {
		if _, overflow := z.AddOverflow(z, uint256.NewInt(1)); overflow {
			return nil, model.ErrOverflow
		}
	}
	return z, nil
}

// WadMul returns a*b/WAD.
func WadMul(a, b *uint256.Int) (*uint256.Int, error) { return MulDiv(a, b, WAD) }

// WadDiv returns a*WAD/b. Fails with DivisionByZero when b is zero.
func WadDiv(a, b *uint256.Int) (*uint256.Int, error) { return MulDiv(a, WAD, b) }

// RayMul returns a*b/RAY.
func RayMul(a, b *uint256.Int) (*uint256.Int, error) { return MulDiv(a, b, RAY) }

// RayMulUp returns a*b/RAY rounded up.
func RayMulUp(a, b *uint256.Int) (*uint256.Int, error) { return MulDivUp(a, b, RAY) }

// RayDiv returns a*RAY/b. Fails with DivisionByZero when b is zero.
func RayDiv(a, b *uint256.Int) (*uint256.Int, error) { return MulDiv(a, RAY, b) }

// RayDivUp returns a*RAY/b rounded up.
func RayDivUp(a, b *uint256.Int) (*uint256.Int, error) { return MulDivUp(a, RAY, b) }

// ToRay rescales an amount with sourceDecimals decimals to ray.
func ToRay(amount *uint256.Int, sourceDecimals uint8) (*uint256.Int, error) {
	if sourceDecimals > RayDecimals {
		return nil, fmt.Errorf("to ray from %d decimals: %w", sourceDecimals, model.ErrDecimalsTooHigh)
	}
	z, overflow := new(uint256.Int).MulOverflow(amount, pow10[RayDecimals-sourceDecimals])
	if overflow {
		return nil, model.ErrOverflow
	}
	return z, nil
}

// FromRay rescales a ray amount to targetDecimals, truncating.
func FromRay(amountRay *uint256.Int, targetDecimals uint8) (*uint256.Int, error) {
	if targetDecimals > RayDecimals {
		return nil, fmt.Errorf("from ray to %d decimals: %w", targetDecimals, model.ErrDecimalsTooHigh)
	}
	return new(uint256.Int).Div(amountRay, pow10[RayDecimals-targetDecimals]), nil
}

// FromRayUp rescales a ray amount to targetDecimals, rounding up.
func FromRayUp(amountRay *uint256.Int, targetDecimals uint8) (*uint256.Int, error) {
	if targetDecimals > RayDecimals {
		return nil, fmt.Errorf("from ray to %d decimals: %w", targetDecimals, model.ErrDecimalsTooHigh)
	}
	return MulDivUp(amountRay, pow10[0], pow10[RayDecimals-targetDecimals])
}

// BpsToRay converts basis points to a ray fraction (10000 bps = RAY).
func BpsToRay(bps uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(bps), bpsToRayFactor)
}

// ApplyBps returns amount*bps/10000, truncating.
func ApplyBps(amount *uint256.Int, bps uint64) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(bps), bpsDen)
	if overflow {
		return nil, model.ErrOverflow
	}
	return z, nil
}

// AccrueLinearInterest applies simple interest:
//
//	interest = principal * rate * elapsed / secondsPerYear
//
// principalRay is ray-scaled, rateBps is an annual rate. Returns the new
// principal and the interest added.
func AccrueLinearInterest(principalRay *uint256.Int, rateBps, elapsedSeconds uint64) (*uint256.Int, *uint256.Int, error) {
	if rateBps == 0 || elapsedSeconds == 0 || principalRay.IsZero() {
		return new(uint256.Int).Set(principalRay), new(uint256.Int), nil
	}
	rateTime, overflow := new(uint256.Int).MulOverflow(BpsToRay(rateBps), uint256.NewInt(elapsedSeconds))
	if overflow {
		return nil, nil, model.ErrOverflow
	}
	interest, err := MulDiv(principalRay, rateTime, rayYear)
	if err != nil {
		return nil, nil, err
	}
	next, overflow := new(uint256.Int).AddOverflow(principalRay, interest)
	if overflow {
		return nil, nil, model.ErrOverflow
	}
	return next, interest, nil
}

// Min returns the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a
	}
	return b
}
