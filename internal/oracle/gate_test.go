package oracle_test

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/collateral-bridge/internal/model"
	"github.com/atmx/collateral-bridge/internal/oracle"
)

var (
	ethUsd = common.HexToHash("0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace")
	btcUsd = common.HexToHash("0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43")
	now    = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
)

func newGate() *oracle.Gate {
	return oracle.NewGate(uint256.NewInt(1), oracle.WithClock(func() time.Time { return now }))
}

// ethAt returns an ETH/USD update at price*1e-8 published age seconds ago.
func ethAt(price int64, conf uint64, age int64) []byte {
	return oracle.Update{
		FeedID:      ethUsd,
		Price:       price,
		Conf:        conf,
		Expo:        -8,
		PublishTime: now.Unix() - age,
	}.Encode()
}

func params() oracle.Params {
	return oracle.Params{ExpectedPriceID: ethUsd, MaxAgeSeconds: 60, MaxConfidenceBps: 100}
}

func TestUpdate_EncodeParse(t *testing.T) {
	u := oracle.Update{FeedID: ethUsd, Price: -5, Conf: 7, Expo: -8, PublishTime: 1700000000}
	got, err := oracle.ParseUpdate(u.Encode())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != u {
		t.Errorf("got %+v, want %+v", got, u)
	}
}

func TestParseUpdate_Malformed(t *testing.T) {
	_, err := oracle.ParseUpdate([]byte{1, 2, 3})
	if !errors.Is(err, model.ErrMalformedUpdate) {
		t.Errorf("expected ErrMalformedUpdate, got %v", err)
	}
}

func TestValidate_ConvertsToWad(t *testing.T) {
	g := newGate()
	p, err := g.Validate(ethAt(2000_00000000, 100_000, 10), params())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	want, _ := uint256.FromDecimal("2000000000000000000000")
	if !p.Wad.Eq(want) {
		t.Errorf("wad: got %s, want %s", p.Wad.Dec(), want.Dec())
	}
	if p.Fee.Uint64() != 1 {
		t.Errorf("fee: got %s, want 1", p.Fee.Dec())
	}
}

func TestValidate_PositiveExponent(t *testing.T) {
	g := newGate()
	raw := oracle.Update{FeedID: ethUsd, Price: 2, Expo: 3, PublishTime: now.Unix()}.Encode()
	p, err := g.Validate(raw, params())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	want, _ := uint256.FromDecimal("2000000000000000000000")
	if !p.Wad.Eq(want) {
		t.Errorf("wad: got %s, want %s", p.Wad.Dec(), want.Dec())
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"wrong feed", oracle.Update{FeedID: btcUsd, Price: 1, Expo: -8, PublishTime: now.Unix()}.Encode(), model.ErrPriceIDMismatch},
		{"stale", ethAt(2000_00000000, 0, 61), model.ErrStalePrice},
		{"low confidence", ethAt(2000_00000000, 2000_000001, 0), model.ErrLowConfidence},
		{"negative", ethAt(-1, 0, 0), model.ErrInvalidPrice},
		{"zero", ethAt(0, 0, 0), model.ErrInvalidPrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newGate().Validate(tt.raw, params())
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_AgeAtBoundaryAccepted(t *testing.T) {
	if _, err := newGate().Validate(ethAt(2000_00000000, 0, 60), params()); err != nil {
		t.Errorf("age == max should pass, got %v", err)
	}
}

func TestSettle_RefundAndUnderpay(t *testing.T) {
	g := newGate()
	p, err := g.Validate(ethAt(2000_00000000, 0, 0), params())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	if _, err := g.Settle(p, uint256.NewInt(0)); !errors.Is(err, model.ErrInsufficientFee) {
		t.Fatalf("expected ErrInsufficientFee, got %v", err)
	}
	if _, ok := g.LastPrice(ethUsd); ok {
		t.Fatal("failed settle must not record a price")
	}

	refund, err := g.Settle(p, uint256.NewInt(5))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if refund.Uint64() != 4 {
		t.Errorf("refund: got %s, want 4", refund.Dec())
	}
	if g.Collected().Uint64() != 1 {
		t.Errorf("collected: got %s, want 1", g.Collected().Dec())
	}
}

func TestValidate_Deviation(t *testing.T) {
	g := newGate()
	pr := params()
	pr.MaxDeviationBps = 1000

	first, err := g.Validate(ethAt(2000_00000000, 0, 0), pr)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := g.Settle(first, uint256.NewInt(1)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if _, err := g.Validate(ethAt(2200_00000000, 0, 0), pr); err != nil {
		t.Errorf("10%% move should pass, got %v", err)
	}
	if _, err := g.Validate(ethAt(2300_00000000, 0, 0), pr); !errors.Is(err, model.ErrPriceDeviation) {
		t.Errorf("expected ErrPriceDeviation, got %v", err)
	}
}
