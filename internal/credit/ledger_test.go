package credit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/collateral-bridge/internal/credit"
	"github.com/atmx/collateral-bridge/internal/fixedpoint"
	"github.com/atmx/collateral-bridge/internal/messenger"
	"github.com/atmx/collateral-bridge/internal/model"
	"github.com/atmx/collateral-bridge/internal/oracle"
	"github.com/atmx/collateral-bridge/internal/reserve"
)

var (
	admin      = common.HexToAddress("0xAD00000000000000000000000000000000000001")
	bridge     = common.HexToAddress("0xB400000000000000000000000000000000000002")
	alice      = common.HexToAddress("0xA11CE00000000000000000000000000000000003")
	bob        = common.HexToAddress("0xB0B0000000000000000000000000000000000004")
	controller = common.HexToAddress("0xC0000000000000000000000000000000000000C1")
	treasury   = common.HexToAddress("0x7000000000000000000000000000000000000071")
	ethUsd     = common.HexToHash("0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace")
	orderID    = common.HexToHash("0x0a")
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type eventLog []model.Event

func (e *eventLog) Emit(ev model.Event) { *e = append(*e, ev) }

func (e eventLog) last(kind model.EventKind) (model.Event, bool) {
	for i := len(e) - 1; i >= 0; i-- {
		if e[i].Kind == kind {
			return e[i], true
		}
	}
	return model.Event{}, false
}

type env struct {
	ledger *credit.Ledger
	reg    *reserve.Registry
	gate   *oracle.Gate
	clock  *clock
	events *eventLog
}

func usdcBundle() reserve.Bundle {
	return reserve.Bundle{
		ID: "USDC",
		Metadata: reserve.Metadata{
			Controller:   controller,
			Treasury:     treasury,
			DebtDecimals: 6,
			Active:       true,
		},
		Risk: reserve.RiskConfig{
			MaxLtvBps:               7000,
			LiquidationThresholdBps: 8000,
			LiquidationBonusBps:     500,
			CloseFactorBps:          5000,
			ReserveFactorBps:        1000,
		},
		Rate: reserve.RateConfig{
			BaseRateBps:           200,
			Slope1Bps:             400,
			Slope2Bps:             6000,
			OptimalUtilizationBps: 8000,
		},
		Oracle: reserve.OracleConfig{
			PriceID:             ethUsd,
			HeartbeatSeconds:    60,
			MaxStalenessSeconds: 120,
			MaxConfidenceBps:    100,
		},
	}
}

func newEnv(t *testing.T, mutate func(*reserve.Bundle), opts ...credit.Option) *env {
	t.Helper()
	clk := &clock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	reg := reserve.NewRegistry(admin)
	b := usdcBundle()
	if mutate != nil {
		mutate(&b)
	}
	if err := reg.Register(admin, b); err != nil {
		t.Fatalf("register: %v", err)
	}
	gate := oracle.NewGate(uint256.NewInt(1), oracle.WithClock(clk.now))
	events := &eventLog{}
	opts = append([]credit.Option{credit.WithClock(clk.now), credit.WithSink(events)}, opts...)
	l := credit.NewLedger(admin, bridge, reg, gate, opts...)
	if err := l.SetReserveBinding(admin, "USDC"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	return &env{ledger: l, reg: reg, gate: gate, clock: clk, events: events}
}

func eth(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e18))
}

func usdc(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e6))
}

// ethPrice is a fresh ETH/USD update at usd dollars.
func (e *env) ethPrice(usd int64) []byte {
	return oracle.Update{
		FeedID:      ethUsd,
		Price:       usd * 1e8,
		Conf:        uint64(usd) * 1e5,
		Expo:        -8,
		PublishTime: e.clock.now().Unix(),
	}.Encode()
}

func (e *env) open(t *testing.T, collateral *uint256.Int) {
	t.Helper()
	if err := e.ledger.MirrorOpen(bridge, orderID, "", alice, collateral); err != nil {
		t.Fatalf("mirror open: %v", err)
	}
}

func (e *env) borrow(usd uint64) (*credit.BorrowResult, error) {
	return e.ledger.Borrow(alice, credit.BorrowRequest{
		OrderID:       orderID,
		Amount:        usdc(usd),
		PriceUpdate:   e.ethPrice(2000),
		UpdateFeePaid: uint256.NewInt(1),
	})
}

func TestMirrorOpen(t *testing.T) {
	e := newEnv(t, nil)

	if err := e.ledger.MirrorOpen(alice, orderID, "", alice, eth(1)); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if err := e.ledger.MirrorOpen(bridge, orderID, "DAI", alice, eth(1)); !errors.Is(err, model.ErrUnknownReserve) {
		t.Errorf("expected ErrUnknownReserve, got %v", err)
	}
	e.open(t, eth(5))
	if err := e.ledger.MirrorOpen(admin, orderID, "USDC", alice, eth(5)); !errors.Is(err, model.ErrDuplicateOrder) {
		t.Errorf("expected ErrDuplicateOrder, got %v", err)
	}

	pos, err := e.ledger.Position(orderID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.Open || !pos.ScaledDebt.IsZero() || pos.ReserveID != "USDC" || !pos.CollateralWei.Eq(eth(5)) {
		t.Errorf("unexpected position: %+v", pos)
	}
}

func TestMirrorOpen_InactiveReserve(t *testing.T) {
	e := newEnv(t, func(b *reserve.Bundle) { b.Metadata.Active = false })
	if err := e.ledger.MirrorOpen(bridge, orderID, "", alice, eth(1)); !errors.Is(err, model.ErrUnknownReserve) {
		t.Errorf("expected ErrUnknownReserve, got %v", err)
	}
}

func TestBorrow_LtvBound(t *testing.T) {
	e := newEnv(t, nil)
	e.open(t, eth(5)) // $10,000 at $2,000

	if _, err := e.borrow(8000); !errors.Is(err, model.ErrExceedsLtv) {
		t.Fatalf("borrow 8000: expected ErrExceedsLtv, got %v", err)
	}
	tok, _ := e.ledger.Token("USDC")
	if !tok.TotalSupply().IsZero() || !e.gate.Collected().IsZero() {
		t.Fatal("rejected borrow changed state")
	}

	res, err := e.borrow(2000)
	if err != nil {
		t.Fatalf("borrow 2000: %v", err)
	}
	if !res.Debt.Eq(usdc(2000)) || !tok.BalanceOf(alice).Eq(usdc(2000)) {
		t.Errorf("debt %s, balance %s", res.Debt.Dec(), tok.BalanceOf(alice).Dec())
	}

	// 2000 + 5000 = 7000 is exactly at the bound; one more unit is not.
	if _, err := e.borrow(5000); err != nil {
		t.Fatalf("borrow to the bound: %v", err)
	}
	_, err = e.ledger.Borrow(alice, credit.BorrowRequest{
		OrderID:       orderID,
		Amount:        uint256.NewInt(1),
		PriceUpdate:   e.ethPrice(2000),
		UpdateFeePaid: uint256.NewInt(1),
	})
	if !errors.Is(err, model.ErrExceedsLtv) {
		t.Errorf("expected ErrExceedsLtv past the bound, got %v", err)
	}
	if ev, ok := e.events.last(model.EventBorrowed); !ok || ev.Chain != model.ChainB || ev.Account != alice {
		t.Errorf("borrowed event: %+v", ev)
	}
}

func TestBorrow_Rejections(t *testing.T) {
	e := newEnv(t, nil)
	e.open(t, eth(5))

	stale := oracle.Update{FeedID: ethUsd, Price: 2000e8, Expo: -8, PublishTime: e.clock.now().Unix() - 90}.Encode()
	wrongFeed := oracle.Update{FeedID: common.HexToHash("0xbeef"), Price: 2000e8, Expo: -8, PublishTime: e.clock.now().Unix()}.Encode()

	tests := []struct {
		name   string
		caller common.Address
		req    credit.BorrowRequest
		want   error
	}{
		{"not borrower", bob, credit.BorrowRequest{OrderID: orderID, Amount: usdc(1), PriceUpdate: e.ethPrice(2000), UpdateFeePaid: uint256.NewInt(1)}, model.ErrBadOrder},
		{"no position", alice, credit.BorrowRequest{OrderID: common.HexToHash("0x0b"), Amount: usdc(1), PriceUpdate: e.ethPrice(2000), UpdateFeePaid: uint256.NewInt(1)}, model.ErrBadOrder},
		{"zero amount", alice, credit.BorrowRequest{OrderID: orderID, Amount: new(uint256.Int), PriceUpdate: e.ethPrice(2000), UpdateFeePaid: uint256.NewInt(1)}, model.ErrBadAmount},
		{"wrong feed", alice, credit.BorrowRequest{OrderID: orderID, Amount: usdc(1), PriceUpdate: wrongFeed, UpdateFeePaid: uint256.NewInt(1)}, model.ErrPriceIDMismatch},
		// 90s is inside max staleness (120s) but past the heartbeat default (60s).
		{"stale by heartbeat", alice, credit.BorrowRequest{OrderID: orderID, Amount: usdc(1), PriceUpdate: stale, UpdateFeePaid: uint256.NewInt(1)}, model.ErrStalePrice},
		{"caller max age", alice, credit.BorrowRequest{OrderID: orderID, Amount: usdc(1), PriceUpdate: stale, MaxAgeSeconds: 30, UpdateFeePaid: uint256.NewInt(1)}, model.ErrStalePrice},
		{"unpaid fee", alice, credit.BorrowRequest{OrderID: orderID, Amount: usdc(1), PriceUpdate: e.ethPrice(2000)}, model.ErrInsufficientFee},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.ledger.Borrow(tt.caller, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	pos, _ := e.ledger.Position(orderID)
	if !pos.ScaledDebt.IsZero() {
		t.Errorf("rejected borrows left debt %s", pos.ScaledDebt.Dec())
	}
}

func TestBorrow_MaxAgeCappedByStaleness(t *testing.T) {
	e := newEnv(t, nil)
	e.open(t, eth(5))
	old := oracle.Update{FeedID: ethUsd, Price: 2000e8, Expo: -8, PublishTime: e.clock.now().Unix() - 150}.Encode()
	_, err := e.ledger.Borrow(alice, credit.BorrowRequest{
		OrderID: orderID, Amount: usdc(1), PriceUpdate: old, MaxAgeSeconds: 3600, UpdateFeePaid: uint256.NewInt(1),
	})
	if !errors.Is(err, model.ErrStalePrice) {
		t.Errorf("expected ErrStalePrice, got %v", err)
	}
}

func TestBorrow_RefundsFeeOverpayment(t *testing.T) {
	e := newEnv(t, nil)
	e.open(t, eth(5))
	res, err := e.ledger.Borrow(alice, credit.BorrowRequest{
		OrderID: orderID, Amount: usdc(100), PriceUpdate: e.ethPrice(2000), UpdateFeePaid: uint256.NewInt(10),
	})
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if res.Refund.Uint64() != 9 || e.gate.Collected().Uint64() != 1 {
		t.Errorf("refund %s, collected %s", res.Refund.Dec(), e.gate.Collected().Dec())
	}
}

func TestBorrow_OriginationFee(t *testing.T) {
	e := newEnv(t, func(b *reserve.Bundle) { b.Rate.OriginationFeeBps = 10 })
	e.open(t, eth(5))

	res, err := e.borrow(2000)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if !res.OriginationFee.Eq(usdc(2)) || !res.Debt.Eq(usdc(2002)) {
		t.Errorf("fee %s, debt %s", res.OriginationFee.Dec(), res.Debt.Dec())
	}
	tok, _ := e.ledger.Token("USDC")
	if !tok.BalanceOf(treasury).Eq(usdc(2)) || !tok.BalanceOf(alice).Eq(usdc(2000)) {
		t.Errorf("treasury %s, alice %s", tok.BalanceOf(treasury).Dec(), tok.BalanceOf(alice).Dec())
	}

	// 4990 + 0.1% = 4994.99, total 6996.99: allowed.
	if _, err := e.borrow(4990); err != nil {
		t.Fatalf("borrow near bound: %v", err)
	}
	// 3.01 fits the remaining headroom exactly; its fee does not.
	_, err = e.ledger.Borrow(alice, credit.BorrowRequest{
		OrderID:       orderID,
		Amount:        uint256.NewInt(3_010_000),
		PriceUpdate:   e.ethPrice(2000),
		UpdateFeePaid: uint256.NewInt(1),
	})
	if !errors.Is(err, model.ErrExceedsLtv) {
		t.Errorf("expected ErrExceedsLtv once the fee tips it over, got %v", err)
	}
}

func TestBorrow_BorrowCap(t *testing.T) {
	e := newEnv(t, func(b *reserve.Bundle) { b.Metadata.BorrowCap = usdc(1000) })
	e.open(t, eth(5))
	if _, err := e.borrow(1001); !errors.Is(err, model.ErrBorrowCapExceeded) {
		t.Fatalf("expected ErrBorrowCapExceeded, got %v", err)
	}
	if _, err := e.borrow(1000); err != nil {
		t.Fatalf("borrow at cap: %v", err)
	}
	st, err := e.ledger.State("USDC")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.UtilizationBps != 10000 || st.BorrowRateBps != 6600 {
		t.Errorf("utilization %d, rate %d", st.UtilizationBps, st.BorrowRateBps)
	}
}

func TestBorrow_FrozenReserve(t *testing.T) {
	e := newEnv(t, nil)
	e.open(t, eth(5))
	m := usdcBundle().Metadata
	m.Frozen = true
	if err := e.reg.SetMetadata(admin, "USDC", m); err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	if _, err := e.borrow(1); !errors.Is(err, model.ErrReserveFrozen) {
		t.Errorf("expected ErrReserveFrozen, got %v", err)
	}
}

func TestSetLtvBps(t *testing.T) {
	e := newEnv(t, nil)
	e.open(t, eth(5))

	if err := e.ledger.SetLtvBps(alice, 5000); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if err := e.ledger.SetLtvBps(admin, 9001); !errors.Is(err, model.ErrLtvTooHigh) {
		t.Errorf("expected ErrLtvTooHigh, got %v", err)
	}
	if err := e.ledger.SetLtvBps(admin, 5000); err != nil {
		t.Fatalf("set ltv: %v", err)
	}
	if _, err := e.borrow(6000); !errors.Is(err, model.ErrExceedsLtv) {
		t.Errorf("expected ErrExceedsLtv under the lower cap, got %v", err)
	}
	if _, err := e.borrow(5000); err != nil {
		t.Errorf("borrow 5000: %v", err)
	}
}

func TestRepay_Exact(t *testing.T) {
	e := newEnv(t, nil)
	e.open(t, eth(5))
	if _, err := e.borrow(2000); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if _, err := e.ledger.Repay(alice, orderID, usdc(2001), false, nil); !errors.Is(err, model.ErrBadAmount) {
		t.Fatalf("overpay: expected ErrBadAmount, got %v", err)
	}
	if _, err := e.ledger.Repay(alice, orderID, new(uint256.Int), false, nil); !errors.Is(err, model.ErrBadAmount) {
		t.Fatalf("zero: expected ErrBadAmount, got %v", err)
	}
	if _, err := e.ledger.Repay(bob, orderID, usdc(1), false, nil); !errors.Is(err, model.ErrBadOrder) {
		t.Fatalf("not borrower: expected ErrBadOrder, got %v", err)
	}

	res, err := e.ledger.Repay(alice, orderID, usdc(2000), false, nil)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if !res.FullyRepaid || !res.RemainingDebtRay.IsZero() || !res.UnlockWei.Eq(eth(5)) {
		t.Errorf("unexpected result: %+v", res)
	}
	pos, _ := e.ledger.Position(orderID)
	if !pos.ScaledDebt.IsZero() || !pos.FullyRepaid || pos.Open {
		t.Errorf("unexpected position: %+v", pos)
	}
	tok, _ := e.ledger.Token("USDC")
	if !tok.TotalSupply().IsZero() {
		t.Errorf("supply after full repay: %s", tok.TotalSupply().Dec())
	}
	if _, err := e.borrow(1); !errors.Is(err, model.ErrBadOrder) {
		t.Errorf("borrow on closed position: expected ErrBadOrder, got %v", err)
	}
	ev, ok := e.events.last(model.EventRepayApplied)
	if !ok || !ev.FullyRepaid || ev.ReserveID != "USDC" || !ev.CollateralWei.Eq(eth(5)) {
		t.Errorf("repay applied event: %+v", ev)
	}
}

func TestRepay_PartialUnlocksProportionally(t *testing.T) {
	e := newEnv(t, nil)
	e.open(t, eth(4))
	if _, err := e.borrow(2000); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	res, err := e.ledger.Repay(alice, orderID, usdc(500), false, nil)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if res.FullyRepaid {
		t.Fatal("partial repay reported full")
	}
	// 4 ETH * 500 / (500 + 1500) = 1 ETH
	if !res.UnlockWei.Eq(eth(1)) {
		t.Errorf("unlock: got %s, want %s", res.UnlockWei.Dec(), eth(1).Dec())
	}
	pos, _ := e.ledger.Position(orderID)
	if !pos.CollateralWei.Eq(eth(3)) || !pos.Open {
		t.Errorf("position after partial repay: %+v", pos)
	}

	debt, _ := e.ledger.Debt(orderID)
	if !debt.Eq(usdc(1500)) {
		t.Errorf("debt: got %s, want %s", debt.Dec(), usdc(1500).Dec())
	}
}

func TestRepay_NeedsTokenBalance(t *testing.T) {
	e := newEnv(t, nil)
	e.open(t, eth(5))
	if _, err := e.borrow(1000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	tok, _ := e.ledger.Token("USDC")
	if err := tok.Transfer(alice, bob, usdc(600)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := e.ledger.Repay(alice, orderID, usdc(1000), false, nil); !errors.Is(err, model.ErrBadAmount) {
		t.Errorf("expected ErrBadAmount, got %v", err)
	}
	if debt, _ := e.ledger.Debt(orderID); !debt.Eq(usdc(1000)) {
		t.Errorf("failed repay changed debt to %s", debt.Dec())
	}
}

func TestInterestAccrual(t *testing.T) {
	e := newEnv(t, nil)
	e.open(t, eth(5))
	if _, err := e.borrow(1000); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	e.clock.advance(365 * 24 * time.Hour)

	// Uncapped reserve: base rate 2% simple interest.
	debt, err := e.ledger.Debt(orderID)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if !debt.Eq(usdc(1020)) {
		t.Errorf("debt after a year: got %s, want %s", debt.Dec(), usdc(1020).Dec())
	}
	st, err := e.ledger.State("USDC")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	// 10% reserve factor on $20 of interest.
	if !st.TreasuryIncome.Eq(usdc(2)) {
		t.Errorf("treasury income: got %s, want %s", st.TreasuryIncome.Dec(), usdc(2).Dec())
	}
	wantIndex, _ := uint256.FromDecimal("1020000000000000000000000000")
	if !st.BorrowIndex.Eq(wantIndex) {
		t.Errorf("index: got %s, want %s", st.BorrowIndex.Dec(), wantIndex.Dec())
	}

	// Repaying the principal alone is not enough to close the position.
	res, err := e.ledger.Repay(alice, orderID, usdc(1000), false, nil)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if res.FullyRepaid {
		t.Error("interest ignored: position closed on principal")
	}
}

func TestRepay_NotifiesCollateralLedger(t *testing.T) {
	const collateralEID uint32 = 30101
	bus := messenger.NewBus(uint256.NewInt(3))
	var got []messenger.Payload
	bus.Register(collateralEID, messenger.NewInbox(func(_ context.Context, p messenger.Payload) error {
		got = append(got, p)
		return nil
	}))
	e := newEnv(t, nil, credit.WithMessenger(bus.Endpoint(30102), collateralEID))
	e.open(t, eth(5))
	if _, err := e.borrow(1000); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Partial repayments do not notify.
	if _, err := e.ledger.Repay(alice, orderID, usdc(400), true, uint256.NewInt(3)); err != nil {
		t.Fatalf("partial repay: %v", err)
	}
	if bus.Pending() != 0 {
		t.Fatalf("partial repay queued %d messages", bus.Pending())
	}

	if _, err := e.ledger.Repay(alice, orderID, usdc(600), true, uint256.NewInt(2)); !errors.Is(err, model.ErrInsufficientFee) {
		t.Fatalf("expected ErrInsufficientFee, got %v", err)
	}
	if debt, _ := e.ledger.Debt(orderID); !debt.Eq(usdc(600)) {
		t.Fatalf("failed notify changed debt to %s", debt.Dec())
	}

	res, err := e.ledger.Repay(alice, orderID, usdc(600), true, uint256.NewInt(5))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if res.Refund.Uint64() != 2 {
		t.Errorf("refund: got %s, want 2", res.Refund.Dec())
	}
	if _, err := bus.Pump(context.Background()); err != nil {
		t.Fatalf("pump: %v", err)
	}
	// After the partial repay unlocked 2 ETH, 3 ETH remain to unlock.
	if len(got) != 1 || got[0].Kind != messenger.KindRepaid || !got[0].FullyRepaid || !got[0].CollateralWei.Eq(eth(3)) {
		t.Errorf("delivered: %+v", got)
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)
	e.open(t, eth(5))
	if _, err := e.borrow(7000); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	at := func(usd uint64) *credit.Health {
		h, err := e.ledger.Health(orderID, new(uint256.Int).Mul(uint256.NewInt(usd), fixedpoint.WAD))
		if err != nil {
			t.Fatalf("health: %v", err)
		}
		return h
	}
	if h := at(2000); h.LtvBps != 7000 || h.Liquidatable {
		t.Errorf("at $2000: %+v", h)
	}
	if h := at(1750); h.LtvBps != 8000 || !h.Liquidatable {
		t.Errorf("at $1750: %+v", h)
	}
}

func TestMarkLiquidated(t *testing.T) {
	e := newEnv(t, nil)
	e.open(t, eth(5))
	if _, err := e.borrow(1000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := e.ledger.MarkLiquidated(alice, orderID); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := e.ledger.MarkLiquidated(bridge, orderID); err != nil {
		t.Fatalf("mark liquidated: %v", err)
	}
	if err := e.ledger.MarkLiquidated(bridge, orderID); err != nil {
		t.Fatalf("second mark must be a no-op: %v", err)
	}
	if _, err := e.borrow(1); !errors.Is(err, model.ErrBadOrder) {
		t.Errorf("borrow after liquidation: expected ErrBadOrder, got %v", err)
	}
	st, _ := e.ledger.State("USDC")
	if !st.TotalDebt.IsZero() {
		t.Errorf("liquidated debt still counted: %s", st.TotalDebt.Dec())
	}
}

func TestApplyMessage(t *testing.T) {
	e := newEnv(t, nil)
	p := messenger.Payload{Kind: messenger.KindOrderOpened, OrderID: orderID, Account: alice, CollateralWei: eth(2)}
	if err := e.ledger.ApplyMessage(p); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := e.ledger.ApplyMessage(p); err != nil {
		t.Errorf("already-open position must count as applied: %v", err)
	}
	p.Kind = messenger.KindRepaid
	if err := e.ledger.ApplyMessage(p); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestUnlockAmount(t *testing.T) {
	tests := []struct {
		name              string
		collateral        *uint256.Int
		repaid, remaining uint64
		want              *uint256.Int
	}{
		{"nothing remaining", eth(5), 100, 0, eth(5)},
		{"half", eth(4), 50, 50, eth(2)},
		{"quarter", eth(4), 25, 75, eth(1)},
		{"truncates", uint256.NewInt(10), 1, 2, uint256.NewInt(3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := credit.UnlockAmount(tt.collateral, uint256.NewInt(tt.repaid), uint256.NewInt(tt.remaining))
			if err != nil {
				t.Fatalf("unlock: %v", err)
			}
			if !got.Eq(tt.want) {
				t.Errorf("got %s, want %s", got.Dec(), tt.want.Dec())
			}
		})
	}
}

func TestBorrow_MintsWithRotatedController(t *testing.T) {
	e := newEnv(t, nil)
	e.open(t, eth(5))
	if _, err := e.borrow(1000); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	b, _ := e.reg.Get("USDC")
	meta := b.Metadata
	meta.Controller = common.HexToAddress("0xC0000000000000000000000000000000000000C2")
	if err := e.reg.SetMetadata(admin, "USDC", meta); err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	if _, err := e.borrow(1000); err != nil {
		t.Fatalf("borrow after rotation: %v", err)
	}

	tok, _ := e.ledger.Token("USDC")
	debt, _ := e.ledger.Debt(orderID)
	if !debt.Eq(usdc(2000)) || !tok.BalanceOf(alice).Eq(usdc(2000)) || !tok.TotalSupply().Eq(usdc(2000)) {
		t.Errorf("debt %s, balance %s, supply %s", debt.Dec(), tok.BalanceOf(alice).Dec(), tok.TotalSupply().Dec())
	}
	if tok.Controller() != meta.Controller {
		t.Errorf("controller %s, want %s", tok.Controller().Hex(), meta.Controller.Hex())
	}
}

func TestToken_MintIsAllOrNothing(t *testing.T) {
	tok := credit.NewToken("USDC", 6, controller)
	top := new(uint256.Int).SetAllOne()
	if err := tok.Mint(alice, credit.Credit{To: alice, Amount: usdc(1)}); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	err := tok.Mint(controller,
		credit.Credit{To: alice, Amount: usdc(1)},
		credit.Credit{To: bob, Amount: top},
	)
	if !errors.Is(err, model.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
	if !tok.BalanceOf(alice).IsZero() || !tok.TotalSupply().IsZero() {
		t.Errorf("failed mint credited alice %s", tok.BalanceOf(alice).Dec())
	}
	if err := tok.CanBurn(controller, alice, usdc(1)); !errors.Is(err, model.ErrBadAmount) {
		t.Errorf("expected ErrBadAmount, got %v", err)
	}
}

func TestTransfer_CoversOriginationFee(t *testing.T) {
	e := newEnv(t, func(b *reserve.Bundle) { b.Rate.OriginationFeeBps = 10 })
	e.open(t, eth(5))
	if _, err := e.borrow(2000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	debt, _ := e.ledger.Debt(orderID)
	if !debt.Eq(usdc(2002)) {
		t.Fatalf("debt %s, want 2002", debt.Dec())
	}
	if _, err := e.ledger.Repay(alice, orderID, debt, false, nil); !errors.Is(err, model.ErrBadAmount) {
		t.Fatalf("expected ErrBadAmount before top-up, got %v", err)
	}

	// The treasury holds the fee; it sends alice the shortfall.
	if err := e.ledger.Transfer(treasury, "USDC", alice, usdc(2)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if ev, ok := e.events.last(model.EventTransfer); !ok || !ev.Amount.Eq(usdc(2)) {
		t.Errorf("transfer event: %+v", ev)
	}
	res, err := e.ledger.Repay(alice, orderID, debt, false, nil)
	if err != nil {
		t.Fatalf("full repay: %v", err)
	}
	if !res.FullyRepaid {
		t.Error("expected fully repaid")
	}
	if bal, _ := e.ledger.BalanceOf("USDC", alice); !bal.IsZero() {
		t.Errorf("alice keeps %s", bal.Dec())
	}
}

func TestTransfer_Rejections(t *testing.T) {
	e := newEnv(t, nil)
	if err := e.ledger.Transfer(alice, "USDC", bob, usdc(1)); !errors.Is(err, model.ErrBadAmount) {
		t.Errorf("empty balance: expected ErrBadAmount, got %v", err)
	}
	if err := e.ledger.Transfer(alice, "USDC", common.Address{}, usdc(1)); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("zero recipient: expected ErrInvalidInput, got %v", err)
	}
	if err := e.ledger.Transfer(alice, "DAI", bob, usdc(1)); !errors.Is(err, model.ErrUnknownReserve) {
		t.Errorf("unknown reserve: expected ErrUnknownReserve, got %v", err)
	}
}
