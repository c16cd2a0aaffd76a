package fixedpoint

import (
	"errors"
	"strings"
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/collateral-bridge/internal/model"
)

func u(n uint64) *uint256.Int { return uint256.NewInt(n) }

func mustRay(t *testing.T, n uint64) *uint256.Int {
	t.Helper()
	return new(uint256.Int).Mul(u(n), RAY)
}

// --- Division by zero ---

func TestWadDiv_ByZero(t *testing.T) {
	if _, err := WadDiv(u(5), u(0)); !errors.Is(err, model.ErrDivisionByZero) {
		t.Errorf("expected DivisionByZero, got %v", err)
	}
}

func TestRayDiv_ByZero(t *testing.T) {
	if _, err := RayDiv(RAY, u(0)); !errors.Is(err, model.ErrDivisionByZero) {
		t.Errorf("expected DivisionByZero, got %v", err)
	}
	if _, err := RayDivUp(RAY, u(0)); !errors.Is(err, model.ErrDivisionByZero) {
		t.Errorf("expected DivisionByZero for RayDivUp, got %v", err)
	}
}

// --- Mul/Div ---

func TestWadMul_Truncates(t *testing.T) {
	// 1.5 * 1.5 = 2.25
	onePointFive := new(uint256.Int).Add(WAD, new(uint256.Int).Div(WAD, u(2)))
	got, err := WadMul(onePointFive, onePointFive)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := new(uint256.Int).Add(new(uint256.Int).Mul(WAD, u(2)), new(uint256.Int).Div(WAD, u(4)))
	if !got.Eq(want) {
		t.Errorf("expected %s, got %s", want.Dec(), got.Dec())
	}

	// 1 wei * 1 wei / WAD truncates to zero.
	got, _ = WadMul(u(1), u(1))
	if !got.IsZero() {
		t.Errorf("expected truncation to 0, got %s", got.Dec())
	}
}

func TestRayDiv_RoundingDirection(t *testing.T) {
	// 1 / 3 in ray.
	down, err := RayDiv(u(1), u(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	up, err := RayDivUp(u(1), u(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !new(uint256.Int).Sub(up, down).Eq(u(1)) {
		t.Errorf("RayDivUp should exceed RayDiv by one unit: down=%s up=%s", down.Dec(), up.Dec())
	}

	// Exact division rounds identically.
	a, _ := RayDiv(u(6), u(3))
	b, _ := RayDivUp(u(6), u(3))
	if !a.Eq(b) {
		t.Errorf("exact division should not round up: %s vs %s", a.Dec(), b.Dec())
	}
}

func TestRayMul_WideIntermediate(t *testing.T) {
	// 1e50 * 1e50 exceeds 2^256; the result 1e73 does not.
	big1, _ := uint256.FromDecimal("100000000000000000000000000000000000000000000000000") // 1e50
	got, err := RayMul(big1, big1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := uint256.FromDecimal("1" + strings.Repeat("0", 73))
	if !got.Eq(want) {
		t.Errorf("expected 1e73, got %s", got.Dec())
	}
}

// --- Decimal conversions ---

func TestToRay_FromRay_RoundTrip(t *testing.T) {
	amount := u(1_500_000) // 1.5 with 6 decimals
	r, err := ToRay(amount, 6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := new(uint256.Int).Add(RAY, new(uint256.Int).Div(RAY, u(2)))
	if !r.Eq(want) {
		t.Errorf("expected 1.5 ray, got %s", r.Dec())
	}
	back, err := FromRay(r, 6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !back.Eq(amount) {
		t.Errorf("round trip mismatch: %s", back.Dec())
	}
}

func TestDecimalsTooHigh(t *testing.T) {
	if _, err := ToRay(u(1), 28); !errors.Is(err, model.ErrDecimalsTooHigh) {
		t.Errorf("ToRay: expected DecimalsTooHigh, got %v", err)
	}
	if _, err := FromRay(u(1), 28); !errors.Is(err, model.ErrDecimalsTooHigh) {
		t.Errorf("FromRay: expected DecimalsTooHigh, got %v", err)
	}
	if _, err := FromRayUp(u(1), 30); !errors.Is(err, model.ErrDecimalsTooHigh) {
		t.Errorf("FromRayUp: expected DecimalsTooHigh, got %v", err)
	}
}

func TestFromRayUp(t *testing.T) {
	r := new(uint256.Int).Add(RAY, u(1)) // 1 ray + 1e-27
	down, _ := FromRay(r, 6)
	up, _ := FromRayUp(r, 6)
	if !down.Eq(u(1_000_000)) || !up.Eq(u(1_000_001)) {
		t.Errorf("expected 1000000/1000001, got %s/%s", down.Dec(), up.Dec())
	}
}

// --- Basis points ---

func TestBpsToRay(t *testing.T) {
	if !BpsToRay(10_000).Eq(RAY) {
		t.Errorf("10000 bps should equal RAY")
	}
	half := new(uint256.Int).Div(RAY, u(2))
	if !BpsToRay(5_000).Eq(half) {
		t.Errorf("5000 bps should equal RAY/2, got %s", BpsToRay(5_000).Dec())
	}
}

func TestApplyBps(t *testing.T) {
	tests := []struct {
		amount uint64
		bps    uint64
		want   uint64
	}{
		{10_000, 7_000, 7_000},
		{999, 1, 0}, // truncates
		{12_345, 10_000, 12_345},
		{0, 500, 0},
	}
	for _, tt := range tests {
		got, err := ApplyBps(u(tt.amount), tt.bps)
		if err != nil {
			t.Fatalf("ApplyBps(%d, %d): %v", tt.amount, tt.bps, err)
		}
		if !got.Eq(u(tt.want)) {
			t.Errorf("ApplyBps(%d, %d) = %s, want %d", tt.amount, tt.bps, got.Dec(), tt.want)
		}
	}
}

func TestApplyBps_Overflow(t *testing.T) {
	top := new(uint256.Int).SetAllOne()
	if _, err := ApplyBps(top, 20_000); !errors.Is(err, model.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	// bps at or below 100% can never overflow.
	got, err := ApplyBps(top, 10_000)
	if err != nil || !got.Eq(top) {
		t.Fatalf("ApplyBps(top, 10000) = %v, %v", got, err)
	}
}

// --- Interest ---

func TestAccrueLinearInterest_ThirtyDays(t *testing.T) {
	principal := mustRay(t, 1000)
	next, interest, err := AccrueLinearInterest(principal, 500, 30*24*3600)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.Gt(principal) {
		t.Errorf("new principal should exceed principal")
	}
	if !new(uint256.Int).Sub(next, principal).Eq(interest) {
		t.Errorf("interest should equal newPrincipal - principal")
	}
	// 1000 * 5% * 30/365 = 4.109589041... ray
	want, _ := uint256.FromDecimal("4109589041095890410958904109")
	if !interest.Eq(want) {
		t.Errorf("expected interest %s, got %s", want.Dec(), interest.Dec())
	}
}

func TestAccrueLinearInterest_ZeroRate(t *testing.T) {
	principal := mustRay(t, 1000)
	next, interest, err := AccrueLinearInterest(principal, 0, 30*24*3600)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.Eq(principal) || !interest.IsZero() {
		t.Errorf("zero rate should not accrue: next=%s interest=%s", next.Dec(), interest.Dec())
	}
}

func TestAccrueLinearInterest_FullYear(t *testing.T) {
	next, _, err := AccrueLinearInterest(RAY, 10_000, SecondsPerYear)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.Eq(new(uint256.Int).Mul(RAY, u(2))) {
		t.Errorf("100%% for a year should double, got %s", next.Dec())
	}
}

// --- Human amounts ---

func TestFromDecimal(t *testing.T) {
	got, err := FromDecimal(decimal.RequireFromString("1.5"), 18)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := uint256.FromDecimal("1500000000000000000")
	if !got.Eq(want) {
		t.Errorf("expected %s, got %s", want.Dec(), got.Dec())
	}

	if _, err := FromDecimal(decimal.RequireFromString("0.0000001"), 6); !errors.Is(err, model.ErrBadAmount) {
		t.Errorf("expected BadAmount for excess precision, got %v", err)
	}
	if _, err := FromDecimal(decimal.NewFromInt(-1), 6); !errors.Is(err, model.ErrBadAmount) {
		t.Errorf("expected BadAmount for negative, got %v", err)
	}
}

func TestToDecimal(t *testing.T) {
	got := ToDecimal(u(2_500_000), 6)
	if !got.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("expected 2.5, got %s", got)
	}
}
