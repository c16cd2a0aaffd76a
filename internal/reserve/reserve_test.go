package reserve

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/collateral-bridge/internal/model"
)

var (
	admin    = common.HexToAddress("0xad00000000000000000000000000000000000001")
	stranger = common.HexToAddress("0x5700000000000000000000000000000000000002")
)

func testBundle(id string) Bundle {
	return Bundle{
		ID: id,
		Metadata: Metadata{
			Controller:   common.HexToAddress("0xc0"),
			Treasury:     common.HexToAddress("0x7e"),
			DebtDecimals: 6,
			Active:       true,
		},
		Risk: RiskConfig{
			MaxLtvBps:               7_000,
			LiquidationThresholdBps: 8_000,
			LiquidationBonusBps:     500,
			CloseFactorBps:          5_000,
			ReserveFactorBps:        1_000,
		},
		Rate: RateConfig{
			BaseRateBps:           200,
			Slope1Bps:             400,
			Slope2Bps:             6_000,
			OptimalUtilizationBps: 8_000,
		},
		Oracle: OracleConfig{
			PriceID:             common.HexToHash("0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace"),
			HeartbeatSeconds:    60,
			MaxStalenessSeconds: 120,
			MaxConfidenceBps:    100,
		},
	}
}

func TestRegister_Valid(t *testing.T) {
	reg := NewRegistry(admin)
	if err := reg.Register(admin, testBundle("eth-usd")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := reg.Get("eth-usd")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Risk.MaxLtvBps != 7_000 {
		t.Errorf("expected maxLtv=7000, got %d", b.Risk.MaxLtvBps)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	reg := NewRegistry(admin)
	_ = reg.Register(admin, testBundle("eth-usd"))
	if err := reg.Register(admin, testBundle("eth-usd")); !errors.Is(err, model.ErrReserveExists) {
		t.Errorf("expected ReserveAlreadyExists, got %v", err)
	}
}

func TestRegister_ZeroIdentities(t *testing.T) {
	reg := NewRegistry(admin)

	b := testBundle("a")
	b.Metadata.Controller = common.Address{}
	if err := reg.Register(admin, b); !errors.Is(err, model.ErrInvalidController) {
		t.Errorf("expected InvalidController, got %v", err)
	}

	b = testBundle("b")
	b.Metadata.Treasury = common.Address{}
	if err := reg.Register(admin, b); !errors.Is(err, model.ErrInvalidTreasury) {
		t.Errorf("expected InvalidTreasury, got %v", err)
	}
}

func TestRegister_Unauthorized(t *testing.T) {
	reg := NewRegistry(admin)
	if err := reg.Register(stranger, testBundle("eth-usd")); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected Unauthorized, got %v", err)
	}
}

func TestSetRiskConfig(t *testing.T) {
	reg := NewRegistry(admin)
	_ = reg.Register(admin, testBundle("eth-usd"))

	risk := testBundle("").Risk
	risk.MaxLtvBps = 9_100
	risk.LiquidationThresholdBps = 9_500
	if err := reg.SetRiskConfig(admin, "eth-usd", risk); !errors.Is(err, model.ErrLtvTooHigh) {
		t.Errorf("expected LtvTooHigh, got %v", err)
	}

	risk.MaxLtvBps = 8_500
	risk.LiquidationThresholdBps = 8_000
	if err := reg.SetRiskConfig(admin, "eth-usd", risk); !errors.Is(err, model.ErrInvalidRisk) {
		t.Errorf("expected InvalidRiskConfig when maxLtv >= threshold, got %v", err)
	}

	if err := reg.SetRiskConfig(stranger, "eth-usd", testBundle("").Risk); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected Unauthorized, got %v", err)
	}
	if err := reg.SetRiskConfig(admin, "missing", testBundle("").Risk); !errors.Is(err, model.ErrUnknownReserve) {
		t.Errorf("expected UnknownReserve, got %v", err)
	}
}

func TestSetRateConfig_WholesaleReplace(t *testing.T) {
	reg := NewRegistry(admin)
	_ = reg.Register(admin, testBundle("eth-usd"))

	// Only OptimalUtilization set: every other field must become zero.
	if err := reg.SetRateConfig(admin, "eth-usd", RateConfig{OptimalUtilizationBps: 9_000}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := reg.Get("eth-usd")
	if b.Rate.BaseRateBps != 0 || b.Rate.Slope1Bps != 0 {
		t.Errorf("expected wholesale replacement, got %+v", b.Rate)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	reg := NewRegistry(admin)
	_ = reg.Register(admin, testBundle("eth-usd"))
	b, _ := reg.Get("eth-usd")
	b.Risk.MaxLtvBps = 1

	again, _ := reg.Get("eth-usd")
	if again.Risk.MaxLtvBps != 7_000 {
		t.Errorf("registry state mutated through returned copy")
	}
}

func TestBorrowRateBps(t *testing.T) {
	rate := testBundle("").Rate
	tests := []struct {
		util uint64
		want uint64
	}{
		{0, 200},
		{4_000, 400},   // half of slope1
		{8_000, 600},   // at the kink
		{9_000, 3_600}, // half of slope2 on top
		{10_000, 6_600},
		{12_000, 6_600}, // clamped
	}
	for _, tt := range tests {
		if got := rate.BorrowRateBps(tt.util); got != tt.want {
			t.Errorf("BorrowRateBps(%d) = %d, want %d", tt.util, got, tt.want)
		}
	}
}
