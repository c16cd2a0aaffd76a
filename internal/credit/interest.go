package credit

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/collateral-bridge/internal/fixedpoint"
	"github.com/atmx/collateral-bridge/internal/model"
	"github.com/atmx/collateral-bridge/internal/reserve"
)

// accrued computes the borrow index at now without committing it. It
// also returns the treasury's share of the interest and the whole
// seconds elapsed since the last accrual.
func (l *Ledger) accrued(m *market, b *reserve.Bundle, now time.Time) (*uint256.Int, *uint256.Int, time.Duration, error) {
	index := new(uint256.Int).Set(m.index)
	if !now.After(m.lastAccrual) {
		return index, new(uint256.Int), 0, nil
	}
	elapsed := now.Sub(m.lastAccrual).Truncate(time.Second)
	if m.totalScaled.IsZero() {
		return index, new(uint256.Int), elapsed, nil
	}

	util, err := utilizationBps(m, b)
	if err != nil {
		return nil, nil, 0, err
	}
	next, growth, err := fixedpoint.AccrueLinearInterest(m.index, b.Rate.BorrowRateBps(util), uint64(elapsed/time.Second))
	if err != nil {
		return nil, nil, 0, err
	}
	interest, err := fixedpoint.RayMul(m.totalScaled, growth)
	if err != nil {
		return nil, nil, 0, err
	}
	share, err := fixedpoint.ApplyBps(interest, b.Risk.ReserveFactorBps)
	if err != nil {
		return nil, nil, 0, err
	}
	return next, share, elapsed, nil
}

func (l *Ledger) commit(m *market, index, treasury *uint256.Int, elapsed time.Duration) {
	m.index = index
	m.treasuryRay.Add(m.treasuryRay, treasury)
	m.lastAccrual = m.lastAccrual.Add(elapsed)
}

// utilizationBps is total debt over the borrow cap. Uncapped reserves
// report zero utilisation and pay the base rate.
func utilizationBps(m *market, b *reserve.Bundle) (uint64, error) {
	capUnits := b.Metadata.BorrowCap
	if capUnits == nil || capUnits.IsZero() {
		return 0, nil
	}
	capRay, err := fixedpoint.ToRay(capUnits, b.Metadata.DebtDecimals)
	if err != nil {
		return 0, err
	}
	debtRay, err := fixedpoint.RayMul(m.totalScaled, m.index)
	if err != nil {
		return 0, err
	}
	util, err := fixedpoint.MulDiv(debtRay, uint256.NewInt(fixedpoint.BpsDenominator), capRay)
	if err != nil {
		return 0, err
	}
	if !util.IsUint64() || util.Uint64() > fixedpoint.BpsDenominator {
		return fixedpoint.BpsDenominator, nil
	}
	return util.Uint64(), nil
}

// ReserveState is a point-in-time view of a reserve's interest state.
type ReserveState struct {
	ReserveID      string       `json:"reserve_id"`
	BorrowIndex    *uint256.Int `json:"borrow_index"`
	TotalDebt      *uint256.Int `json:"total_debt"`
	UtilizationBps uint64       `json:"utilization_bps"`
	BorrowRateBps  uint64       `json:"borrow_rate_bps"`
	TreasuryIncome *uint256.Int `json:"treasury_income"`
}

// State returns the reserve's interest state accrued to now.
func (l *Ledger) State(reserveID string) (*ReserveState, error) {
	b, err := l.reserves.Get(reserveID)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	m := l.market(b.ID)
	index, treasury, _, err := l.accrued(m, b, l.now())
	if err != nil {
		return nil, err
	}
	view := &market{index: index, totalScaled: m.totalScaled}
	util, err := utilizationBps(view, b)
	if err != nil {
		return nil, err
	}
	debtRay, err := fixedpoint.RayMulUp(m.totalScaled, index)
	if err != nil {
		return nil, err
	}
	debt, err := fixedpoint.FromRayUp(debtRay, b.Metadata.DebtDecimals)
	if err != nil {
		return nil, err
	}
	income, err := fixedpoint.FromRay(new(uint256.Int).Add(m.treasuryRay, treasury), b.Metadata.DebtDecimals)
	if err != nil {
		return nil, err
	}
	return &ReserveState{
		ReserveID:      b.ID,
		BorrowIndex:    index,
		TotalDebt:      debt,
		UtilizationBps: util,
		BorrowRateBps:  b.Rate.BorrowRateBps(util),
		TreasuryIncome: income,
	}, nil
}

// Health describes a position against its liquidation threshold.
type Health struct {
	DebtRay                 *uint256.Int `json:"debt_ray"`
	CollateralUsdRay        *uint256.Int `json:"collateral_usd_ray"`
	LtvBps                  uint64       `json:"ltv_bps"`
	LiquidationThresholdBps uint64       `json:"liquidation_threshold_bps"`
	Liquidatable            bool         `json:"liquidatable"`
}

// Health values a position at priceWad (USD per ETH, wad).
func (l *Ledger) Health(id common.Hash, priceWad *uint256.Int) (*Health, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), model.ErrBadOrder)
	}
	b, err := l.reserves.Get(pos.ReserveID)
	if err != nil {
		return nil, err
	}
	index, _, _, err := l.accrued(l.market(b.ID), b, l.now())
	if err != nil {
		return nil, err
	}
	debtRay, err := fixedpoint.RayMulUp(pos.ScaledDebt, index)
	if err != nil {
		return nil, err
	}
	usdWad, err := fixedpoint.WadMul(pos.CollateralWei, priceWad)
	if err != nil {
		return nil, err
	}
	usdRay, err := fixedpoint.ToRay(usdWad, fixedpoint.WadDecimals)
	if err != nil {
		return nil, err
	}

	h := &Health{
		DebtRay:                 debtRay,
		CollateralUsdRay:        usdRay,
		LiquidationThresholdBps: b.Risk.LiquidationThresholdBps,
	}
	switch {
	case debtRay.IsZero():
		h.LtvBps = 0
	case usdRay.IsZero():
		h.LtvBps = fixedpoint.BpsDenominator
	default:
		ltv, err := fixedpoint.MulDivUp(debtRay, uint256.NewInt(fixedpoint.BpsDenominator), usdRay)
		if err != nil {
			return nil, err
		}
		if ltv.IsUint64() {
			h.LtvBps = ltv.Uint64()
		} else {
			h.LtvBps = ^uint64(0)
		}
	}
	h.Liquidatable = pos.Open && h.LtvBps >= b.Risk.LiquidationThresholdBps
	return h, nil
}
